package scrubber

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/cuemby/strata/pkg/events"
	"github.com/cuemby/strata/pkg/journal"
	"github.com/cuemby/strata/pkg/layer"
	"github.com/cuemby/strata/pkg/metrics"
	"github.com/cuemby/strata/pkg/readonly"
	"github.com/cuemby/strata/pkg/slab"
	"github.com/cuemby/strata/pkg/vio"
	"github.com/cuemby/strata/pkg/zone"
)

// AdminState is the scrubber's administrative lifecycle.
type AdminState int

const (
	StateNormal AdminState = iota
	StateSuspending
	StateSuspended
	StateResuming
	StateQuiescing
	StateQuiescent
)

// String returns the state name for logs.
func (s AdminState) String() string {
	switch s {
	case StateNormal:
		return "normal"
	case StateSuspending:
		return "suspending"
	case StateSuspended:
		return "suspended"
	case StateResuming:
		return "resuming"
	case StateQuiescing:
		return "quiescing"
	case StateQuiescent:
		return "quiescent"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	// ErrNotScrubbed resolves completion waiters whose slabs were
	// abandoned by a quiesce.
	ErrNotScrubbed = errors.New("scrubber: slabs were not scrubbed")

	// ErrOperationInProgress refuses a second concurrent admin
	// operation.
	ErrOperationInProgress = errors.New("scrubber: admin operation already in progress")

	// ErrInvalidTransition refuses admin requests the current state
	// does not permit.
	ErrInvalidTransition = errors.New("scrubber: invalid admin state transition")
)

// Config carries the scrubber's collaborators and sizing.
type Config struct {
	// Zone is the goroutine that owns all scrubber state.
	Zone *zone.Zone
	// Layer is the physical I/O backend journal extents are read from.
	Layer layer.Layer
	// Notifier receives the read-only transition on unrecoverable
	// failure.
	Notifier *readonly.Notifier
	// Broker, if non-nil, receives recovery events.
	Broker *events.Broker

	// PoolSize caps concurrent journal-read I/O.
	PoolSize int
	// EntriesPerBlock is the journal block entry capacity.
	EntriesPerBlock uint16
	// MaxJournalBlocks is the longest journal extent, in blocks; it
	// sizes each pool entry's buffer.
	MaxJournalBlocks uint32
}

// Scrubber drives journal replay for dirty slabs in strict priority
// order, bounding concurrent I/O through its VIO pool. All fields
// except the enumerated atomics are owned by the scrubber's zone.
type Scrubber struct {
	zone     *zone.Zone
	layer    layer.Layer
	notifier *readonly.Notifier
	broker   *events.Broker
	logger   zerolog.Logger
	pool     *vio.Pool

	entriesPerBlock uint16

	// FIFO queues: head at index 0. A slab is in at most one of them.
	highPriority []*slab.Slab
	normal       []*slab.Slab
	// queuedHigh records queue membership and priority by slab number.
	queuedHigh map[uint32]bool

	inFlight map[uint32]*slab.Slab

	// slabCount is the number of slabs unrecovered or being scrubbed.
	// Mutated only on the zone, read from any thread for progress
	// reporting.
	slabCount atomic.Int64

	// highPriorityOnly defers normal-priority work while set. Written
	// from any thread.
	highPriorityOnly atomic.Bool

	started    bool
	state      AdminState
	opDone     chan<- error
	readOnlyAt error

	waiters []chan<- error

	lastOutageCount uint64
}

// New creates a scrubber and its VIO pool. Queues may be populated
// with RegisterSlab before Start.
func New(cfg Config) (*Scrubber, error) {
	if cfg.PoolSize <= 0 {
		return nil, fmt.Errorf("invalid vio pool size %d", cfg.PoolSize)
	}
	if cfg.EntriesPerBlock == 0 || cfg.MaxJournalBlocks == 0 {
		return nil, fmt.Errorf("invalid journal geometry: %d entries per block, %d blocks",
			cfg.EntriesPerBlock, cfg.MaxJournalBlocks)
	}

	s := &Scrubber{
		zone:            cfg.Zone,
		layer:           cfg.Layer,
		notifier:        cfg.Notifier,
		broker:          cfg.Broker,
		logger:          zerolog.Nop(),
		entriesPerBlock: cfg.EntriesPerBlock,
		queuedHigh:      make(map[uint32]bool),
		inFlight:        make(map[uint32]*slab.Slab),
	}

	extentBytes := cfg.Layer.BlockSize() * int(cfg.MaxJournalBlocks)
	pool, err := vio.NewPool(cfg.PoolSize, extentBytes, func(buf []byte, context any) (vio.Handle, error) {
		return &journalReader{layer: cfg.Layer, buf: buf}, nil
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to construct scrubber vio pool: %w", err)
	}
	s.pool = pool
	return s, nil
}

// SetLogger replaces the scrubber's logger. Call before Start.
func (s *Scrubber) SetLogger(logger zerolog.Logger) {
	s.logger = logger
}

// journalReader is the pool entry I/O handle: it reads journal blocks
// from the physical layer into the entry's buffer.
type journalReader struct {
	layer layer.Layer
	buf   []byte
}

func (r *journalReader) ReadBlocks(ctx context.Context, pbn uint64, count uint32) error {
	return r.layer.ReadBlocks(ctx, pbn, r.buf[:int(count)*r.layer.BlockSize()])
}

// RegisterSlab queues a slab for scrubbing. Re-registering a queued
// slab only ever raises its priority; it is never demoted or
// duplicated. Safe from any thread.
func (s *Scrubber) RegisterSlab(sl *slab.Slab, highPriority bool) error {
	return s.zone.Post(func() { s.registerSlab(sl, highPriority) })
}

func (s *Scrubber) registerSlab(sl *slab.Slab, highPriority bool) {
	if sl.Status == slab.StatusScrubbed || sl.Status == slab.StatusScrubbing {
		return
	}
	if wasHigh, queued := s.queuedHigh[sl.Number]; queued {
		if highPriority && !wasHigh {
			s.removeFromQueue(&s.normal, sl.Number)
			s.highPriority = append(s.highPriority, sl)
			s.queuedHigh[sl.Number] = true
		}
		return
	}

	sl.Status = slab.StatusQueued
	s.queuedHigh[sl.Number] = highPriority
	if highPriority {
		s.highPriority = append(s.highPriority, sl)
	} else {
		s.normal = append(s.normal, sl)
	}
	s.slabCount.Add(1)
	metrics.UnrecoveredSlabs.Set(float64(s.slabCount.Load()))
	s.publish(events.EventSlabQueued, fmt.Sprintf("slab %d queued for scrubbing", sl.Number), sl.Number)
	s.scrubNext()
}

// Start begins draining the queues. Slabs registered before Start
// stay queued until it is called. Safe from any thread.
func (s *Scrubber) Start() error {
	return s.zone.Post(func() {
		s.started = true
		s.scrubNext()
	})
}

// RemainingSlabs returns the number of slabs still unrecovered or
// being scrubbed. Safe from any thread.
func (s *Scrubber) RemainingSlabs() int64 {
	return s.slabCount.Load()
}

// SetHighPriorityOnly restricts the scrubber to high-priority slabs
// while set; normal work stays queued untouched and resumes, in its
// original order, when the flag clears. Safe from any thread.
func (s *Scrubber) SetHighPriorityOnly(only bool) {
	s.highPriorityOnly.Store(only)
	if !only {
		// Kick the drain in case normal work was deferred.
		_ = s.zone.Post(s.scrubNext)
	}
}

// NotifyWhenScrubbed resolves done once every queued slab has been
// scrubbed: nil on success, ErrNotScrubbed if the scrubber quiesced
// first, or the fatal error if recovery failed. done is sent to from
// the scrubber's zone and must be buffered (or actively read); an
// unread unbuffered channel would stall the zone. Safe from any
// thread.
func (s *Scrubber) NotifyWhenScrubbed(done chan<- error) error {
	return s.zone.Post(func() {
		switch {
		case s.readOnlyAt != nil:
			done <- s.readOnlyAt
		case s.state == StateQuiescent:
			done <- ErrNotScrubbed
		case s.idle():
			done <- nil
		default:
			s.waiters = append(s.waiters, done)
		}
	})
}

// State returns the admin state. Must be read on the zone; exposed for
// tests and admin completions.
func (s *Scrubber) State() AdminState {
	return s.state
}

// Suspend stops starting new slabs, lets in-flight slabs finish, then
// resolves done. Like all admin completions, done is sent to from the
// zone and must be buffered. Safe from any thread.
func (s *Scrubber) Suspend(done chan<- error) error {
	return s.zone.Post(func() {
		switch s.state {
		case StateSuspended:
			done <- nil
		case StateNormal:
			if s.opDone != nil {
				done <- ErrOperationInProgress
				return
			}
			s.state = StateSuspending
			if len(s.inFlight) == 0 {
				s.state = StateSuspended
				s.publish(events.EventScrubberSuspended, "scrubber suspended", 0)
				done <- nil
				return
			}
			s.opDone = done
		default:
			done <- fmt.Errorf("%w: suspend from %s", ErrInvalidTransition, s.state)
		}
	})
}

// Resume restarts a suspended scrubber. Safe from any thread.
func (s *Scrubber) Resume(done chan<- error) error {
	return s.zone.Post(func() {
		switch s.state {
		case StateNormal:
			done <- nil
		case StateSuspended:
			s.state = StateResuming
			s.state = StateNormal
			s.publish(events.EventScrubberResumed, "scrubber resumed", 0)
			done <- nil
			s.scrubNext()
		default:
			done <- fmt.Errorf("%w: resume from %s", ErrInvalidTransition, s.state)
		}
	})
}

// Quiesce shuts the scrubber down for good: in-flight slabs finish,
// queued slabs are abandoned unscrubbed, and completion waiters are
// released with ErrNotScrubbed. Safe from any thread.
func (s *Scrubber) Quiesce(done chan<- error) error {
	return s.zone.Post(func() {
		switch s.state {
		case StateQuiescent:
			done <- nil
		case StateNormal, StateSuspended:
			if s.opDone != nil {
				done <- ErrOperationInProgress
				return
			}
			s.state = StateQuiescing
			if len(s.inFlight) == 0 {
				s.becomeQuiescent(done)
				return
			}
			s.opDone = done
		default:
			done <- fmt.Errorf("%w: quiesce from %s", ErrInvalidTransition, s.state)
		}
	})
}

// Close tears down the VIO pool. Only legal once the scrubber is
// quiescent (or never started): a busy pool at close is a caller bug
// and panics. Must be called on the zone or after it has stopped.
func (s *Scrubber) Close() {
	s.pool.Close()
}

func (s *Scrubber) idle() bool {
	return len(s.highPriority) == 0 && len(s.normal) == 0 && len(s.inFlight) == 0
}

func (s *Scrubber) queuesEmpty() bool {
	return len(s.highPriority) == 0 && len(s.normal) == 0
}

// hasRunnable reports whether dequeue would yield a slab.
func (s *Scrubber) hasRunnable() bool {
	if len(s.highPriority) > 0 {
		return true
	}
	return !s.highPriorityOnly.Load() && len(s.normal) > 0
}

// dequeue pops the next slab honoring priority: high-priority work
// always drains first, and normal work is deferred entirely while the
// high-priority-only flag is set.
func (s *Scrubber) dequeue() *slab.Slab {
	if len(s.highPriority) > 0 {
		sl := s.highPriority[0]
		s.highPriority = s.highPriority[1:]
		delete(s.queuedHigh, sl.Number)
		return sl
	}
	if s.highPriorityOnly.Load() || len(s.normal) == 0 {
		return nil
	}
	sl := s.normal[0]
	s.normal = s.normal[1:]
	delete(s.queuedHigh, sl.Number)
	return sl
}

// scrubNext starts as many slabs as the pool allows. Pool waiters are
// anonymous: a waiter does not carry a slab, the slab is chosen when
// an entry is granted. A high-priority slab registered while the pool
// is saturated is therefore still picked ahead of normal work that was
// queued before it. Runs on the zone.
func (s *Scrubber) scrubNext() {
	if !s.started || s.state != StateNormal || s.readOnlyAt != nil {
		return
	}
	for s.hasRunnable() {
		granted := false
		s.pool.Acquire(&vio.Waiter{Callback: func(entry *vio.Entry) {
			granted = true
			s.startScrub(entry)
		}})
		if !granted {
			// Pool starved; the waiter fires from a future release
			// and picks the next slab then.
			s.syncPoolMetrics()
			return
		}
	}
	if s.idle() {
		s.resolveWaiters(nil)
	}
}

// startScrub picks the next slab and issues its journal-extent read.
// Runs on the zone, inline from Acquire or from the release that
// granted the waiter. In the waiter case the queues, the priority
// flag, and the admin state may all have changed since the waiter was
// enqueued, so every choice is re-made here.
func (s *Scrubber) startScrub(entry *vio.Entry) {
	if s.state != StateNormal || s.readOnlyAt != nil {
		s.pool.Release(entry)
		s.maybeFinishAdminOp()
		return
	}
	sl := s.dequeue()
	if sl == nil {
		// Drained, or normal work is deferred.
		s.pool.Release(entry)
		if s.idle() {
			s.resolveWaiters(nil)
		}
		return
	}
	sl.Status = slab.StatusScrubbing
	s.inFlight[sl.Number] = sl
	s.syncPoolMetrics()

	timer := metrics.NewTimer()
	s.logger.Debug().Uint32("slab", sl.Number).Uint64("pbn", sl.JournalOrigin).
		Uint32("blocks", sl.JournalBlocks).Msg("reading slab journal")

	go func() {
		err := entry.Handle.ReadBlocks(context.Background(), sl.JournalOrigin, sl.JournalBlocks)
		if postErr := s.zone.Post(func() { s.finishRead(sl, entry, timer, err) }); postErr != nil {
			s.logger.Error().Err(postErr).Uint32("slab", sl.Number).
				Msg("dropping journal read completion for stopped zone")
		}
	}()
}

// finishRead replays the journal extent and completes the slab. Runs
// on the zone.
func (s *Scrubber) finishRead(sl *slab.Slab, entry *vio.Entry, timer *metrics.Timer, err error) {
	if err == nil {
		err = s.replayJournal(sl, entry.Buffer)
	}
	delete(s.inFlight, sl.Number)
	s.pool.Release(entry)
	s.syncPoolMetrics()

	if err != nil {
		s.failScrubbing(sl, err)
		return
	}

	sl.Status = slab.StatusScrubbed
	s.slabCount.Add(-1)
	metrics.UnrecoveredSlabs.Set(float64(s.slabCount.Load()))
	metrics.SlabsScrubbedTotal.Inc()
	timer.ObserveDuration(metrics.ScrubDuration)
	s.logger.Info().Uint32("slab", sl.Number).
		Uint32("free_blocks", sl.RefCounts.FreeBlocks()).Msg("slab scrubbed")
	s.publish(events.EventSlabScrubbed, fmt.Sprintf("slab %d scrubbed", sl.Number), sl.Number)

	switch s.state {
	case StateNormal:
		s.scrubNext()
	default:
		s.maybeFinishAdminOp()
	}
}

// replayJournal applies every journal entry in the extent to the
// slab's reference counts, in journal-point order.
func (s *Scrubber) replayJournal(sl *slab.Slab, data []byte) error {
	blockSize := s.layer.BlockSize()

	type decodedBlock struct {
		header  journal.BlockHeader
		entries []journal.Entry
	}
	blocks := make([]decodedBlock, 0, sl.JournalBlocks)
	for i := uint32(0); i < sl.JournalBlocks; i++ {
		buf := data[int(i)*blockSize : int(i+1)*blockSize]
		header, entries, err := journal.DecodeBlock(buf, s.entriesPerBlock)
		if err != nil {
			return fmt.Errorf("slab %d journal block %d: %w", sl.Number, i, err)
		}
		if header.Sequence == 0 {
			// Never written; no entries to replay.
			continue
		}
		blocks = append(blocks, decodedBlock{header: header, entries: entries})
	}

	// The journal is a ring: block order on disk is not commit order.
	// Sequence numbers recover it.
	sort.Slice(blocks, func(i, j int) bool {
		return blocks[i].header.Sequence < blocks[j].header.Sequence
	})
	for i := 1; i < len(blocks); i++ {
		if blocks[i].header.Sequence == blocks[i-1].header.Sequence {
			return fmt.Errorf("slab %d journal: %w: duplicate block sequence %d",
				sl.Number, journal.ErrCorruptBlock, blocks[i].header.Sequence)
		}
	}

	for _, block := range blocks {
		for _, e := range block.entries {
			if err := sl.RefCounts.ApplyEntry(e); err != nil {
				return fmt.Errorf("slab %d journal block %d: %w", sl.Number, block.header.Sequence, err)
			}
		}
	}
	return nil
}

// failScrubbing handles an unrecoverable replay failure: the whole
// engine instance goes read-only and no further slabs are started. A
// partially applied replay could silently corrupt allocation metadata,
// so there is no local retry.
func (s *Scrubber) failScrubbing(sl *slab.Slab, err error) {
	sl.Status = slab.StatusUnrecovered
	s.readOnlyAt = err
	metrics.ScrubFailuresTotal.Inc()
	s.logger.Error().Err(err).Uint32("slab", sl.Number).Msg("unrecoverable scrub failure")
	s.publish(events.EventScrubFailed, fmt.Sprintf("scrubbing slab %d failed: %v", sl.Number, err), sl.Number)
	s.publish(events.EventReadOnlyEntered, "entering read-only mode", sl.Number)

	s.notifier.EnterReadOnlyMode(err, true, nil)
	s.resolveWaiters(err)
	s.maybeFinishAdminOp()
}

// maybeFinishAdminOp completes a pending suspend or quiesce once the
// last in-flight slab has drained. Runs on the zone.
func (s *Scrubber) maybeFinishAdminOp() {
	if len(s.inFlight) != 0 {
		return
	}
	switch s.state {
	case StateSuspending:
		s.state = StateSuspended
		s.publish(events.EventScrubberSuspended, "scrubber suspended", 0)
		s.finishAdminOp(nil)
	case StateQuiescing:
		done := s.opDone
		s.opDone = nil
		s.becomeQuiescent(done)
	}
}

func (s *Scrubber) finishAdminOp(err error) {
	if s.opDone != nil {
		s.opDone <- err
		s.opDone = nil
	}
}

// becomeQuiescent abandons all queued slabs and releases completion
// waiters. Abandonment is not an error: the slabs simply remain
// unscrubbed. Runs on the zone.
func (s *Scrubber) becomeQuiescent(done chan<- error) {
	for _, sl := range s.highPriority {
		sl.Status = slab.StatusUnrecovered
	}
	for _, sl := range s.normal {
		sl.Status = slab.StatusUnrecovered
	}
	abandoned := len(s.highPriority) + len(s.normal)
	s.highPriority = nil
	s.normal = nil
	s.queuedHigh = make(map[uint32]bool)
	s.state = StateQuiescent

	if abandoned > 0 {
		s.logger.Warn().Int("slabs", abandoned).Msg("quiescing with slabs unscrubbed")
	}
	s.publish(events.EventScrubberQuiescent, "scrubber quiescent", 0)
	s.resolveWaiters(ErrNotScrubbed)
	if done != nil {
		done <- nil
	}
}

func (s *Scrubber) resolveWaiters(err error) {
	for _, w := range s.waiters {
		w <- err
	}
	s.waiters = nil
}

func (s *Scrubber) syncPoolMetrics() {
	metrics.VIOPoolBusy.Set(float64(s.pool.Size() - s.pool.Available()))
	if outages := s.pool.OutageCount(); outages > s.lastOutageCount {
		metrics.VIOPoolOutagesTotal.Add(float64(outages - s.lastOutageCount))
		s.lastOutageCount = outages
	}
}

func (s *Scrubber) publish(kind events.EventType, msg string, slabNumber uint32) {
	if s.broker == nil {
		return
	}
	s.broker.Publish(&events.Event{
		Type:     kind,
		Message:  msg,
		Metadata: map[string]string{"slab": fmt.Sprintf("%d", slabNumber)},
	})
}

func (s *Scrubber) removeFromQueue(queue *[]*slab.Slab, number uint32) {
	q := *queue
	for i, sl := range q {
		if sl.Number == number {
			*queue = append(q[:i], q[i+1:]...)
			return
		}
	}
}
