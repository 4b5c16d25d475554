/*
Package readonly coordinates the engine's irreversible transition to
read-only mode.

When recovery (or any component) detects that metadata integrity can
no longer be guaranteed, continuing to write risks compounding the
damage, so the whole engine instance degrades to read-only. Once set,
the mode never reverts for the life of the instance.

The delicate part is the interlock with super-block persistence: the
read-only flag must not be written to the super block while another
super-block read or write is in flight, and symmetrically no new
super-block access may begin while a transition is entering. One zone
owns super-block access and tracks a tri-state indicator
(NotAccessing, Reading, Writing); a deferred transition parks in a
single waiter slot and fires from FinishSuperBlockAccess.

Both notification slots ("super block idle" and "read-only transition
may proceed") hold at most one waiter. Registering a second returns
ErrWaiterBusy rather than queueing.

Per-zone read-only and entering flags are fenced atomics so any thread
can poll them without taking the owning zone; all other state is
mutated only on its owner.
*/
package readonly
