package readonly

import (
	"errors"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/cuemby/strata/pkg/metrics"
	"github.com/cuemby/strata/pkg/zone"
)

// AccessState is the tri-state super-block access indicator of the
// zone that owns super-block I/O.
type AccessState int

const (
	NotAccessing AccessState = iota
	Reading
	Writing
)

var (
	// ErrWaiterBusy is returned when a second waiter is registered for
	// a single-slot notification. Only one outstanding request of each
	// kind is supported; a second is a caller bug, not a condition that
	// is queued.
	ErrWaiterBusy = errors.New("readonly: a waiter of this kind is already pending")

	// ErrEnteringReadOnly refuses new super-block access while a
	// read-only transition is in flight.
	ErrEnteringReadOnly = errors.New("readonly: read-only transition in progress")

	// ErrSuperBlockBusy refuses super-block access while another is in
	// flight.
	ErrSuperBlockBusy = errors.New("readonly: super block access already in progress")
)

// Persister writes the read-only status into the super block.
type Persister interface {
	PersistReadOnly(cause error) error
}

// ThreadData tracks one zone's read-only state. The atomic flags are
// the only fields read from other threads; everything else is owned by
// the zone.
type ThreadData struct {
	zone *zone.Zone

	// readOnly and entering are fenced atomics: other threads poll
	// them without holding the zone.
	readOnly atomic.Bool
	entering atomic.Bool

	// MayEnter is false for zones that must never initiate a
	// read-only transition themselves (they are still marked read-only
	// when one completes). Set at construction, never changed.
	MayEnter bool

	// Fields below are owned by the super-block zone and unused on
	// the others.
	accessState          AccessState
	superBlockIdleWaiter func()
	readOnlyModeWaiter   func()
}

// IsReadOnly reports whether this zone has completed the transition.
// Safe from any thread.
func (td *ThreadData) IsReadOnly() bool {
	return td.readOnly.Load()
}

// IsEntering reports whether a transition is in flight on this zone.
// Safe from any thread.
func (td *ThreadData) IsEntering() bool {
	return td.entering.Load()
}

// Notifier coordinates the irreversible transition to read-only mode
// across all zones, interlocked with super-block persistence so the
// read-only flag is never written while a super-block read or write is
// in flight, and no new super-block access starts while a transition
// is.
type Notifier struct {
	threads        []*ThreadData
	superBlockZone int
	persister      Persister
	logger         zerolog.Logger

	// state guards the whole-engine transition: 0 writable, 1
	// entering, 2 read-only. Monotonic.
	state atomic.Int32

	cause error

	// Owned by the super-block zone: completion channels of duplicate
	// requests that arrived mid-transition, and the outcome of the
	// persistence attempt once the transition has finished.
	pendingDone []chan<- error
	persistErr  error
}

const (
	stateWritable int32 = iota
	stateEntering
	stateReadOnly
)

// NewNotifier creates a notifier over the engine's zones. The zone at
// index superBlockZone owns super-block access.
func NewNotifier(zones []*zone.Zone, superBlockZone int, persister Persister, logger zerolog.Logger) *Notifier {
	n := &Notifier{
		threads:        make([]*ThreadData, len(zones)),
		superBlockZone: superBlockZone,
		persister:      persister,
		logger:         logger,
	}
	for i, z := range zones {
		n.threads[i] = &ThreadData{zone: z, MayEnter: true}
	}
	return n
}

// ThreadData returns the per-zone state for the given zone index.
func (n *Notifier) ThreadData(i int) *ThreadData {
	return n.threads[i]
}

// IsReadOnly reports whether the engine has completed the transition.
// Safe from any thread.
func (n *Notifier) IsReadOnly() bool {
	return n.state.Load() == stateReadOnly
}

// IsEntering reports whether a transition is in flight.
func (n *Notifier) IsEntering() bool {
	return n.state.Load() == stateEntering
}

// EnterReadOnlyMode begins the irreversible transition to read-only
// mode because of cause. If persist is true the read-only status is
// also written to the super block, deferred until any in-flight
// super-block access finishes. done, if non-nil, receives the
// persistence error (or nil) once the transition completes; a
// duplicate request still waits for the in-flight transition and is
// resolved with the same outcome.
func (n *Notifier) EnterReadOnlyMode(cause error, persist bool, done chan<- error) {
	if !n.state.CompareAndSwap(stateWritable, stateEntering) {
		// Already entering or read-only; the first request wins, but
		// done is not resolved until the transition has finished.
		if done != nil {
			n.post(n.threads[n.superBlockZone], func() {
				if n.state.Load() == stateReadOnly {
					done <- n.persistErr
					return
				}
				n.pendingDone = append(n.pendingDone, done)
			})
		}
		return
	}
	n.cause = cause
	n.logger.Error().Err(cause).Msg("entering read-only mode")

	for _, td := range n.threads {
		if td.MayEnter {
			td.entering.Store(true)
		}
	}

	sbThread := n.threads[n.superBlockZone]
	n.post(sbThread, func() {
		if !persist {
			n.finishEntering(nil, done)
			return
		}
		if sbThread.accessState != NotAccessing {
			// Defer persistence until the super block is idle. The
			// entering state gate means this slot cannot already be
			// occupied.
			sbThread.readOnlyModeWaiter = func() {
				n.finishEntering(n.persister.PersistReadOnly(cause), done)
			}
			return
		}
		n.finishEntering(n.persister.PersistReadOnly(cause), done)
	})
}

// finishEntering runs on the super-block zone.
func (n *Notifier) finishEntering(persistErr error, done chan<- error) {
	if persistErr != nil {
		// The engine still goes read-only in memory; the persisted
		// flag will be rewritten at next activation.
		n.logger.Error().Err(persistErr).Msg("failed to persist read-only status")
	}

	for _, td := range n.threads {
		td.readOnly.Store(true)
		td.entering.Store(false)
	}
	n.persistErr = persistErr
	n.state.Store(stateReadOnly)
	metrics.ReadOnlyMode.Set(1)

	sbThread := n.threads[n.superBlockZone]
	if waiter := sbThread.superBlockIdleWaiter; waiter != nil {
		sbThread.superBlockIdleWaiter = nil
		waiter()
	}

	if done != nil {
		done <- persistErr
	}
	for _, ch := range n.pendingDone {
		ch <- persistErr
	}
	n.pendingDone = nil
}

// BeginSuperBlockAccess marks the start of a super-block read or
// write. Must be called on the super-block zone. It refuses while a
// read-only transition is entering, and while another access is in
// flight.
func (n *Notifier) BeginSuperBlockAccess(write bool) error {
	sbThread := n.threads[n.superBlockZone]
	if n.IsEntering() {
		return ErrEnteringReadOnly
	}
	if sbThread.accessState != NotAccessing {
		return ErrSuperBlockBusy
	}
	if write {
		sbThread.accessState = Writing
	} else {
		sbThread.accessState = Reading
	}
	return nil
}

// FinishSuperBlockAccess marks the end of a super-block access and
// releases a deferred read-only persistence if one is pending. Must be
// called on the super-block zone.
func (n *Notifier) FinishSuperBlockAccess() {
	sbThread := n.threads[n.superBlockZone]
	sbThread.accessState = NotAccessing

	if waiter := sbThread.readOnlyModeWaiter; waiter != nil {
		sbThread.readOnlyModeWaiter = nil
		waiter()
	}
}

// SuperBlockAccessState returns the current access indicator. Must be
// called on the super-block zone.
func (n *Notifier) SuperBlockAccessState() AccessState {
	return n.threads[n.superBlockZone].accessState
}

// WaitUntilNotEnteringReadOnlyMode runs fn on the super-block zone
// once no read-only transition is in flight: immediately if none is,
// otherwise when the in-flight transition completes. At most one such
// waiter may be pending; a second registration returns ErrWaiterBusy.
func (n *Notifier) WaitUntilNotEnteringReadOnlyMode(fn func()) error {
	sbThread := n.threads[n.superBlockZone]

	var regErr error
	err := sbThread.zone.PostAndWait(func() {
		if !n.IsEntering() {
			fn()
			return
		}
		if sbThread.superBlockIdleWaiter != nil {
			regErr = ErrWaiterBusy
			return
		}
		sbThread.superBlockIdleWaiter = fn
	})
	if err != nil {
		return err
	}
	return regErr
}

func (n *Notifier) post(td *ThreadData, fn func()) {
	if err := td.zone.Post(fn); err != nil {
		// The zone is stopping; run inline rather than lose the
		// transition.
		n.logger.Warn().Err(err).Msg("posting to stopped zone, running inline")
		fn()
	}
}
