package scrubber

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/strata/pkg/journal"
	"github.com/cuemby/strata/pkg/readonly"
	"github.com/cuemby/strata/pkg/slab"
	"github.com/cuemby/strata/pkg/zone"
)

const (
	testBlockSize       = 512
	testEntriesPerBlock = 16
	testJournalBlocks   = 4
	testDataBlocks      = 64
)

// fakeLayer is an in-memory physical layer. Reads run on scrubber
// goroutines, so it locks.
type fakeLayer struct {
	mu        sync.Mutex
	blocks    map[uint64][]byte
	failAt    map[uint64]error
	readOrder []uint64

	// gate, when non-nil, blocks every read until released; reads
	// announces each read as it starts.
	gate  chan struct{}
	reads chan uint64
}

func newFakeLayer() *fakeLayer {
	return &fakeLayer{
		blocks: make(map[uint64][]byte),
		failAt: make(map[uint64]error),
	}
}

func (l *fakeLayer) BlockSize() int { return testBlockSize }

func (l *fakeLayer) ReadBlocks(ctx context.Context, pbn uint64, buf []byte) error {
	l.mu.Lock()
	l.readOrder = append(l.readOrder, pbn)
	err := l.failAt[pbn]
	gate, reads := l.gate, l.reads
	l.mu.Unlock()

	if reads != nil {
		reads <- pbn
	}
	if gate != nil {
		<-gate
	}
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	count := len(buf) / testBlockSize
	for i := 0; i < count; i++ {
		dst := buf[i*testBlockSize : (i+1)*testBlockSize]
		if src, ok := l.blocks[pbn+uint64(i)]; ok {
			copy(dst, src)
		} else {
			clear(dst)
		}
	}
	return nil
}

// writeJournal fills a slab's journal extent with sequential blocks,
// each logging one increment per data block offset in order.
func (l *fakeLayer) writeJournal(origin uint64, blocks uint32, entriesPerBlock uint16) {
	point := journal.Point{SequenceNumber: 1}
	for b := uint32(0); b < blocks; b++ {
		entries := make([]journal.Entry, entriesPerBlock)
		for i := range entries {
			entries[i] = journal.Entry{
				Point:           point,
				SlabBlockOffset: uint32(i),
				Increment:       true,
			}
			point.Advance(entriesPerBlock)
		}
		buf := make([]byte, testBlockSize)
		if err := journal.EncodeBlock(buf, uint64(b+1), entries); err != nil {
			panic(err)
		}
		l.blocks[origin+uint64(b)] = buf
	}
}

type fakePersister struct {
	mu     sync.Mutex
	causes []error
}

func (p *fakePersister) PersistReadOnly(cause error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.causes = append(p.causes, cause)
	return nil
}

func (p *fakePersister) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.causes)
}

type fixture struct {
	zone      *zone.Zone
	layer     *fakeLayer
	notifier  *readonly.Notifier
	persister *fakePersister
	scrubber  *Scrubber
}

func newFixture(t *testing.T, poolSize int) *fixture {
	t.Helper()

	f := &fixture{
		layer:     newFakeLayer(),
		persister: &fakePersister{},
	}
	f.zone = zone.New(0, 64)
	t.Cleanup(f.zone.Stop)
	f.notifier = readonly.NewNotifier([]*zone.Zone{f.zone}, 0, f.persister, zerolog.Nop())

	s, err := New(Config{
		Zone:             f.zone,
		Layer:            f.layer,
		Notifier:         f.notifier,
		PoolSize:         poolSize,
		EntriesPerBlock:  testEntriesPerBlock,
		MaxJournalBlocks: testJournalBlocks,
	})
	require.NoError(t, err)
	f.scrubber = s
	return f
}

// addSlab creates slab n with a full journal at a distinct origin and
// registers it.
func (f *fixture) addSlab(t *testing.T, n uint32, high bool) *slab.Slab {
	t.Helper()
	origin := uint64(n) * 1000
	f.layer.writeJournal(origin, testJournalBlocks, testEntriesPerBlock)
	sl := slab.New(n, origin, testJournalBlocks, testDataBlocks)
	require.NoError(t, f.scrubber.RegisterSlab(sl, high))
	return sl
}

func (f *fixture) waitScrubbed(t *testing.T) error {
	t.Helper()
	done := make(chan error, 1)
	require.NoError(t, f.scrubber.NotifyWhenScrubbed(done))
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("scrubbing did not complete")
		return nil
	}
}

// onZone reads scrubber-owned state safely.
func (f *fixture) onZone(t *testing.T, fn func()) {
	t.Helper()
	require.NoError(t, f.zone.PostAndWait(fn))
}

func TestScrubAllSlabs(t *testing.T) {
	f := newFixture(t, 2)

	slabs := []*slab.Slab{
		f.addSlab(t, 1, false),
		f.addSlab(t, 2, false),
		f.addSlab(t, 3, false),
	}
	f.onZone(t, func() {})
	assert.Equal(t, int64(3), f.scrubber.RemainingSlabs())

	require.NoError(t, f.scrubber.Start())
	require.NoError(t, f.waitScrubbed(t))

	assert.Equal(t, int64(0), f.scrubber.RemainingSlabs())
	for _, sl := range slabs {
		assert.Equal(t, slab.StatusScrubbed, sl.Status)
		// Each journal logs one increment per offset per block.
		count, err := sl.RefCounts.Get(0)
		require.NoError(t, err)
		assert.Equal(t, uint16(testJournalBlocks), count)
	}
	f.onZone(t, func() { f.scrubber.Close() })
}

func TestSlabsQueuedBeforeStartStayQueued(t *testing.T) {
	f := newFixture(t, 1)

	sl := f.addSlab(t, 1, false)
	time.Sleep(20 * time.Millisecond)

	f.onZone(t, func() {
		assert.Equal(t, slab.StatusQueued, sl.Status)
	})
	assert.Empty(t, f.layer.readOrder)
}

func TestHighPriorityDrainsFirst(t *testing.T) {
	f := newFixture(t, 1)

	// Normal slabs registered first, high-priority after: high must
	// still be read first.
	f.addSlab(t, 1, false)
	f.addSlab(t, 2, false)
	f.addSlab(t, 10, true)
	f.addSlab(t, 11, true)

	require.NoError(t, f.scrubber.Start())
	require.NoError(t, f.waitScrubbed(t))

	require.Len(t, f.layer.readOrder, 4)
	assert.Equal(t, []uint64{10000, 11000, 1000, 2000}, f.layer.readOrder)
}

func TestHighPriorityPreemptsSaturatedPool(t *testing.T) {
	f := newFixture(t, 1)
	f.layer.gate = make(chan struct{})
	f.layer.reads = make(chan uint64, 8)

	f.addSlab(t, 1, false)
	require.NoError(t, f.scrubber.Start())
	<-f.layer.reads

	// With the pool's only entry held, queue a normal slab and then a
	// high-priority one. The entry freed by slab 1 must go to the
	// high-priority slab even though slab 2 was waiting first.
	f.addSlab(t, 2, false)
	f.addSlab(t, 10, true)
	f.onZone(t, func() {})

	close(f.layer.gate)
	require.NoError(t, f.waitScrubbed(t))
	assert.Equal(t, []uint64{1000, 10000, 2000}, f.layer.readOrder)
}

func TestHighPriorityOnlySetWhileSaturated(t *testing.T) {
	f := newFixture(t, 1)
	f.layer.gate = make(chan struct{})
	f.layer.reads = make(chan uint64, 8)

	f.addSlab(t, 1, false)
	require.NoError(t, f.scrubber.Start())
	<-f.layer.reads

	// Slab 2 queues while the pool is saturated; the flag is set
	// before an entry frees up, so it must not start.
	normal := f.addSlab(t, 2, false)
	f.scrubber.SetHighPriorityOnly(true)
	f.onZone(t, func() {})

	close(f.layer.gate)
	require.Eventually(t, func() bool {
		return f.scrubber.RemainingSlabs() == 1
	}, 5*time.Second, time.Millisecond)
	f.onZone(t, func() {
		assert.Equal(t, slab.StatusQueued, normal.Status)
	})
	assert.Equal(t, []uint64{1000}, f.layer.readOrder)

	f.scrubber.SetHighPriorityOnly(false)
	require.NoError(t, f.waitScrubbed(t))
	assert.Equal(t, slab.StatusScrubbed, normal.Status)
}

func TestRegisterUpgradesPriority(t *testing.T) {
	f := newFixture(t, 1)

	f.addSlab(t, 1, false)
	sl2 := f.addSlab(t, 2, false)
	// Re-register slab 2 as high priority before scrubbing begins.
	require.NoError(t, f.scrubber.RegisterSlab(sl2, true))
	// Re-registering at lower priority must not demote slab 2.
	require.NoError(t, f.scrubber.RegisterSlab(sl2, false))

	require.NoError(t, f.scrubber.Start())
	require.NoError(t, f.waitScrubbed(t))

	assert.Equal(t, []uint64{2000, 1000}, f.layer.readOrder)
	assert.Equal(t, int64(0), f.scrubber.RemainingSlabs())
}

func TestHighPriorityOnlyDefersNormalWork(t *testing.T) {
	f := newFixture(t, 1)
	f.scrubber.SetHighPriorityOnly(true)

	normal := f.addSlab(t, 1, false)
	high := f.addSlab(t, 2, true)
	require.NoError(t, f.scrubber.Start())

	// Only the high-priority slab is scrubbed.
	require.Eventually(t, func() bool {
		return f.scrubber.RemainingSlabs() == 1
	}, 5*time.Second, time.Millisecond)

	f.onZone(t, func() {
		assert.Equal(t, slab.StatusScrubbed, high.Status)
		assert.Equal(t, slab.StatusQueued, normal.Status)
	})

	// Clearing the flag resumes normal-priority draining.
	f.scrubber.SetHighPriorityOnly(false)
	require.NoError(t, f.waitScrubbed(t))
	assert.Equal(t, slab.StatusScrubbed, normal.Status)
}

func TestCorruptJournalEntersReadOnly(t *testing.T) {
	f := newFixture(t, 1)

	sl := f.addSlab(t, 1, false)
	// Corrupt the first journal block: impossible entry count.
	f.layer.blocks[1000][8] = 0xff
	f.layer.blocks[1000][9] = 0xff

	require.NoError(t, f.scrubber.Start())
	err := f.waitScrubbed(t)
	require.Error(t, err)
	assert.ErrorIs(t, err, journal.ErrCorruptBlock)

	assert.Equal(t, slab.StatusUnrecovered, sl.Status)
	require.Eventually(t, f.notifier.IsReadOnly, 5*time.Second, time.Millisecond)
	assert.Equal(t, 1, f.persister.callCount(), "read-only status is persisted")
}

func TestReadFailureEntersReadOnly(t *testing.T) {
	f := newFixture(t, 1)

	f.addSlab(t, 1, false)
	ioErr := errors.New("device gone")
	f.layer.failAt[1000] = ioErr

	require.NoError(t, f.scrubber.Start())
	err := f.waitScrubbed(t)
	assert.ErrorIs(t, err, ioErr)
	require.Eventually(t, f.notifier.IsReadOnly, 5*time.Second, time.Millisecond)
}

func TestFailureStopsFurtherScrubbing(t *testing.T) {
	f := newFixture(t, 1)

	f.addSlab(t, 1, false)
	bad := f.addSlab(t, 2, false)
	f.addSlab(t, 3, false)
	f.layer.failAt[bad.JournalOrigin] = errors.New("device gone")

	require.NoError(t, f.scrubber.Start())
	require.Error(t, f.waitScrubbed(t))

	// Slab 3 was never started.
	assert.Equal(t, []uint64{1000, 2000}, f.layer.readOrder)
}

func TestSuspendWhileIdle(t *testing.T) {
	f := newFixture(t, 1)

	sl := f.addSlab(t, 1, false)

	done := make(chan error, 1)
	require.NoError(t, f.scrubber.Suspend(done))
	require.NoError(t, <-done)

	// Start has no effect while suspended.
	require.NoError(t, f.scrubber.Start())
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, f.layer.readOrder)

	resumed := make(chan error, 1)
	require.NoError(t, f.scrubber.Resume(resumed))
	require.NoError(t, <-resumed)

	require.NoError(t, f.waitScrubbed(t))
	assert.Equal(t, slab.StatusScrubbed, sl.Status)
}

func TestSuspendWaitsForInFlightSlab(t *testing.T) {
	f := newFixture(t, 1)
	f.layer.gate = make(chan struct{})
	f.layer.reads = make(chan uint64, 8)

	f.addSlab(t, 1, false)
	require.NoError(t, f.scrubber.Start())

	// Wait for the journal read to be in flight, then suspend.
	<-f.layer.reads
	done := make(chan error, 1)
	require.NoError(t, f.scrubber.Suspend(done))

	select {
	case <-done:
		t.Fatal("suspend completed with a slab still in flight")
	case <-time.After(50 * time.Millisecond):
	}

	// A second admin operation while one is pending is refused.
	second := make(chan error, 1)
	require.NoError(t, f.scrubber.Suspend(second))
	assert.ErrorIs(t, <-second, ErrInvalidTransition)

	close(f.layer.gate)
	require.NoError(t, <-done)
	f.onZone(t, func() {
		assert.Equal(t, StateSuspended, f.scrubber.State())
	})
}

func TestQuiesceAbandonsQueuedSlabs(t *testing.T) {
	f := newFixture(t, 1)
	f.scrubber.SetHighPriorityOnly(true)

	normal := f.addSlab(t, 1, false)
	require.NoError(t, f.scrubber.Start())

	waiter := make(chan error, 1)
	require.NoError(t, f.scrubber.NotifyWhenScrubbed(waiter))

	done := make(chan error, 1)
	require.NoError(t, f.scrubber.Quiesce(done))
	require.NoError(t, <-done)

	// Queued work is abandoned, not an error; waiters learn their
	// slabs were not scrubbed.
	assert.ErrorIs(t, <-waiter, ErrNotScrubbed)
	f.onZone(t, func() {
		assert.Equal(t, StateQuiescent, f.scrubber.State())
		assert.Equal(t, slab.StatusUnrecovered, normal.Status)
		assert.NotPanics(t, f.scrubber.Close)
	})

	// Quiescent is terminal.
	resumed := make(chan error, 1)
	require.NoError(t, f.scrubber.Resume(resumed))
	assert.ErrorIs(t, <-resumed, ErrInvalidTransition)
}

func TestPoolBoundsConcurrentReads(t *testing.T) {
	f := newFixture(t, 2)
	f.layer.gate = make(chan struct{})
	f.layer.reads = make(chan uint64, 8)

	for n := uint32(1); n <= 3; n++ {
		f.addSlab(t, n, false)
	}
	require.NoError(t, f.scrubber.Start())

	// Exactly two reads start; the third waits for a pool entry.
	<-f.layer.reads
	<-f.layer.reads
	select {
	case pbn := <-f.layer.reads:
		t.Fatalf("third read of pbn %d started beyond pool capacity", pbn)
	case <-time.After(50 * time.Millisecond):
	}

	close(f.layer.gate)
	require.NoError(t, f.waitScrubbed(t))
	assert.Len(t, f.layer.readOrder, 3)
}

func TestNewRejectsBadConfig(t *testing.T) {
	z := zone.New(0, 4)
	defer z.Stop()
	l := newFakeLayer()

	for _, cfg := range []Config{
		{Zone: z, Layer: l, PoolSize: 0, EntriesPerBlock: 8, MaxJournalBlocks: 2},
		{Zone: z, Layer: l, PoolSize: 1, EntriesPerBlock: 0, MaxJournalBlocks: 2},
		{Zone: z, Layer: l, PoolSize: 1, EntriesPerBlock: 8, MaxJournalBlocks: 0},
	} {
		_, err := New(cfg)
		assert.Error(t, err, fmt.Sprintf("%+v", cfg))
	}
}

func TestAdminStateString(t *testing.T) {
	assert.Equal(t, "normal", StateNormal.String())
	assert.Equal(t, "suspending", StateSuspending.String())
	assert.Equal(t, "suspended", StateSuspended.String())
	assert.Equal(t, "resuming", StateResuming.String())
	assert.Equal(t, "quiescing", StateQuiescing.String())
	assert.Equal(t, "quiescent", StateQuiescent.String())
}
