package vio

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopHandle struct{}

func (nopHandle) ReadBlocks(ctx context.Context, pbn uint64, count uint32) error {
	return nil
}

func newTestPool(t *testing.T, capacity int) *Pool {
	t.Helper()
	pool, err := NewPool(capacity, 512, func(buf []byte, context any) (Handle, error) {
		return nopHandle{}, nil
	}, nil)
	require.NoError(t, err)
	return pool
}

// acquire grabs an entry that is expected to be granted synchronously.
func acquire(t *testing.T, pool *Pool) *Entry {
	t.Helper()
	var got *Entry
	pool.Acquire(&Waiter{Callback: func(e *Entry) { got = e }})
	require.NotNil(t, got, "expected a synchronous grant")
	return got
}

func TestNewPoolConstruction(t *testing.T) {
	pool := newTestPool(t, 3)

	assert.Equal(t, 3, pool.Size())
	assert.Equal(t, 3, pool.Available())
	assert.False(t, pool.IsBusy())
	assert.Zero(t, pool.OutageCount())
}

func TestNewPoolEntriesAreDisjoint(t *testing.T) {
	pool := newTestPool(t, 2)

	a := acquire(t, pool)
	b := acquire(t, pool)
	require.NotSame(t, a, b)

	// Writes through one entry's buffer must not alias the other's.
	for i := range a.Buffer {
		a.Buffer[i] = 0xaa
	}
	for _, c := range b.Buffer {
		assert.Equal(t, byte(0), c)
	}

	pool.Release(a)
	pool.Release(b)
}

func TestNewPoolConstructorFailureUnwinds(t *testing.T) {
	boom := errors.New("no descriptors")
	built := 0
	_, err := NewPool(4, 512, func(buf []byte, context any) (Handle, error) {
		if built == 2 {
			return nil, boom
		}
		built++
		return nopHandle{}, nil
	}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
}

func TestNewPoolRejectsBadDimensions(t *testing.T) {
	ctor := func(buf []byte, context any) (Handle, error) { return nopHandle{}, nil }
	_, err := NewPool(0, 512, ctor, nil)
	assert.Error(t, err)
	_, err = NewPool(2, 0, ctor, nil)
	assert.Error(t, err)
}

func TestAcquireExhaustsThenQueues(t *testing.T) {
	const capacity = 4
	pool := newTestPool(t, capacity)

	entries := make(map[*Entry]bool)
	for i := 0; i < capacity; i++ {
		entries[acquire(t, pool)] = true
	}
	require.Len(t, entries, capacity, "grants must be pairwise distinct")
	assert.True(t, pool.IsBusy())
	assert.Zero(t, pool.OutageCount())

	// One more acquire starves and queues.
	queued := false
	pool.Acquire(&Waiter{Callback: func(e *Entry) { queued = true }})
	assert.False(t, queued, "starved acquire must not run synchronously")
	assert.Equal(t, uint64(1), pool.OutageCount())
}

func TestReleaseHandsOffToOldestWaiter(t *testing.T) {
	// The concrete scenario: capacity 2, acquire A, B, then C queued.
	pool := newTestPool(t, 2)

	a := acquire(t, pool)
	b := acquire(t, pool)

	var granted *Entry
	pool.Acquire(&Waiter{Callback: func(e *Entry) { granted = e }})
	require.Nil(t, granted)
	require.Equal(t, uint64(1), pool.OutageCount())

	// Release A: C receives A's former entry directly; the free list
	// stays empty and two entries remain on loan.
	pool.Release(a)
	assert.Same(t, a, granted)
	assert.Equal(t, 0, pool.Available())
	assert.True(t, pool.IsBusy())

	pool.Release(granted)
	pool.Release(b)
	assert.Equal(t, 2, pool.Available())
	assert.False(t, pool.IsBusy())
}

func TestWaiterGrantsAreFIFO(t *testing.T) {
	pool := newTestPool(t, 1)
	held := acquire(t, pool)

	var order []int
	for i := 1; i <= 3; i++ {
		i := i
		pool.Acquire(&Waiter{Callback: func(e *Entry) {
			order = append(order, i)
			pool.Release(e)
		}})
	}
	assert.Equal(t, uint64(3), pool.OutageCount())

	// Releasing the held entry runs all waiters, oldest first, as each
	// callback releases in turn.
	pool.Release(held)
	assert.Equal(t, []int{1, 2, 3}, order)
	assert.Equal(t, 1, pool.Available())
	assert.False(t, pool.IsBusy())
}

func TestAcquireReleaseBalance(t *testing.T) {
	const capacity = 5
	pool := newTestPool(t, capacity)

	for n := 1; n <= capacity; n++ {
		var held []*Entry
		for i := 0; i < n; i++ {
			held = append(held, acquire(t, pool))
		}
		for _, e := range held {
			pool.Release(e)
		}
		assert.Equal(t, capacity, pool.Available())
		assert.False(t, pool.IsBusy())
	}
	assert.Zero(t, pool.OutageCount())
}

func TestReleaseClearsErrorHandler(t *testing.T) {
	pool := newTestPool(t, 1)

	e := acquire(t, pool)
	e.ErrorHandler = func(error) {}
	pool.Release(e)

	e = acquire(t, pool)
	assert.Nil(t, e.ErrorHandler, "stale error handler must not survive a release")
	pool.Release(e)
}

func TestCloseInvariants(t *testing.T) {
	t.Run("clean close", func(t *testing.T) {
		pool := newTestPool(t, 2)
		assert.NotPanics(t, pool.Close)
	})

	t.Run("busy entry", func(t *testing.T) {
		pool := newTestPool(t, 2)
		acquire(t, pool)
		assert.Panics(t, pool.Close)
	})

	t.Run("queued waiter", func(t *testing.T) {
		pool := newTestPool(t, 1)
		acquire(t, pool)
		pool.Acquire(&Waiter{Callback: func(*Entry) {}})
		assert.Panics(t, pool.Close)
	})
}

func TestDoubleReleasePanics(t *testing.T) {
	pool := newTestPool(t, 1)
	e := acquire(t, pool)
	pool.Release(e)
	assert.Panics(t, func() { pool.Release(e) })
}
