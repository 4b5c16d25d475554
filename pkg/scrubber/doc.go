/*
Package scrubber drives slab journal replay after a crash.

Until a slab's journal has been replayed ("scrubbed") its in-memory
reference counts are unknown and allocating from it is unsafe. The
scrubber owns two FIFO queues of dirty slabs, high priority and
normal, and always fully drains high-priority work before starting a
normal-priority slab. Normal work is never discarded, only deferred;
SetHighPriorityOnly defers it entirely (used under critical space
pressure) without reordering what is queued.

# Recovery Path

For each slab: acquire a VIO pool entry, read the slab's journal
extent through the entry's handle, decode each block, apply every
entry to the slab's reference counts in journal-point order, release
the entry, decrement the unrecovered-slab counter. The pool bounds
concurrent journal-read I/O; reads run off-zone and complete as
posted completions, so all scrubber state stays single-owner.

The unrecovered-slab counter is a fenced atomic: only the scrubber's
zone writes it, but any thread may read it for progress reporting.

# Failure Policy

Any read, decode, or apply failure is unrecoverable for the whole
engine instance. A partially applied replay could silently corrupt
allocation metadata, so instead of retrying the scrubber hands control
to the read-only notifier and stops starting slabs.

# Admin States

NORMAL → SUSPENDING → SUSPENDED → RESUMING → NORMAL, and
NORMAL/SUSPENDED → QUIESCING → QUIESCENT (terminal). Suspending lets
in-flight slabs finish but starts no new ones. Quiescing additionally
abandons queued slabs (left unscrubbed, not an error) and releases
completion waiters with ErrNotScrubbed.

Admin operations and NotifyWhenScrubbed resolve caller-supplied done
channels from the scrubber's zone. Callers must buffer them (or be
actively receiving); a blocked send would stall the zone.
*/
package scrubber
