/*
Package vio provides the bounded pool of I/O vehicles (VIOs) that caps
concurrent journal-read I/O during recovery.

A VIO pairs a block-sized buffer with an I/O handle. The pool
preallocates a fixed number of them over one contiguous buffer at
construction, so recovery never allocates on the I/O path and never
issues more reads than the pool's capacity.

# Backpressure

Acquire never blocks the caller. When the pool is empty the request
joins a FIFO waiter queue and its continuation runs later, from
whichever goroutine performs the matching Release. A Release with
waiters queued hands the entry directly to the oldest waiter. The
entry never touches the free list in that path, so grants are strictly
FIFO and a released entry cannot be stolen by a newcomer.

The pool is deliberately lock-free in the single-owner sense: every
method must be called from the zone goroutine that owns the pool.
Cross-zone requesters reach it via completions posted to that zone.

Closing a pool with entries on loan or waiters queued is a lifecycle
bug in the caller and panics.
*/
package vio
