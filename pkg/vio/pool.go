package vio

import (
	"context"
	"fmt"
)

// Handle is the I/O descriptor half of a pool entry, built once by the
// entry constructor when the pool is created.
type Handle interface {
	// ReadBlocks reads count blocks starting at pbn into the entry's
	// buffer.
	ReadBlocks(ctx context.Context, pbn uint64, count uint32) error
}

// Constructor builds the I/O handle for one pool entry. buf is the
// entry's slice of the pool-wide buffer; context is the value passed
// to NewPool.
type Constructor func(buf []byte, context any) (Handle, error)

// Entry is an exclusively-owned pairing of a block buffer and an I/O
// handle, owned by the pool and on loan to exactly one requester while
// busy.
type Entry struct {
	// Buffer is the entry's slice of the pool's contiguous buffer.
	Buffer []byte
	// Handle performs I/O into Buffer.
	Handle Handle
	// Context is the value supplied at pool construction.
	Context any
	// ErrorHandler may be set by the holder for the duration of one
	// loan; it is cleared on release.
	ErrorHandler func(error)

	busy bool
}

// Waiter is a queued request for a pool entry. Callback runs exactly
// once, either synchronously from Acquire or later from whichever
// goroutine releases an entry.
type Waiter struct {
	Callback func(*Entry)

	next *Waiter
}

// Pool is a fixed collection of preallocated entries with a FIFO
// waiter queue for backpressure. It is owned by a single zone: all
// methods must be called from the owning goroutine and the pool does
// no locking of its own.
type Pool struct {
	size      int
	buffer    []byte
	entries   []Entry
	available []*Entry

	// FIFO waiter queue, linked through Waiter.next.
	waitHead *Waiter
	waitTail *Waiter

	busyCount   int
	outageCount uint64
}

// NewPool creates a pool of capacity entries backed by one contiguous
// buffer of capacity*blockSize bytes. Each entry's handle is built by
// ctor over the entry's disjoint buffer slice. On any failure the pool
// is fully unwound and a wrapped error is returned.
func NewPool(capacity, blockSize int, ctor Constructor, context any) (*Pool, error) {
	if capacity <= 0 || blockSize <= 0 {
		return nil, fmt.Errorf("invalid vio pool dimensions: capacity %d, block size %d", capacity, blockSize)
	}

	pool := &Pool{
		size:      capacity,
		buffer:    make([]byte, capacity*blockSize),
		entries:   make([]Entry, capacity),
		available: make([]*Entry, 0, capacity),
	}

	for i := range pool.entries {
		entry := &pool.entries[i]
		entry.Buffer = pool.buffer[i*blockSize : (i+1)*blockSize : (i+1)*blockSize]
		entry.Context = context

		handle, err := ctor(entry.Buffer, context)
		if err != nil {
			return nil, fmt.Errorf("failed to construct vio pool entry %d of %d: %w", i, capacity, err)
		}
		entry.Handle = handle
		pool.available = append(pool.available, entry)
	}
	return pool, nil
}

// Size returns the pool's fixed capacity.
func (p *Pool) Size() int {
	return p.size
}

// IsBusy reports whether any entry is currently on loan.
func (p *Pool) IsBusy() bool {
	return p.busyCount != 0
}

// OutageCount returns the number of acquires that found no entry
// available. It only ever increases.
func (p *Pool) OutageCount() uint64 {
	return p.outageCount
}

// Available returns the number of entries on the free list.
func (p *Pool) Available() int {
	return len(p.available)
}

// Acquire hands an entry to the waiter. It never blocks: if an entry
// is free the waiter's callback is invoked before Acquire returns,
// otherwise the waiter joins the FIFO queue and the callback runs from
// a later Release.
func (p *Pool) Acquire(waiter *Waiter) {
	if len(p.available) == 0 {
		p.outageCount++
		p.enqueueWaiter(waiter)
		return
	}

	entry := p.available[len(p.available)-1]
	p.available = p.available[:len(p.available)-1]
	entry.busy = true
	p.busyCount++
	waiter.Callback(entry)
}

// Release returns an entry to the pool. If waiters are queued, the
// entry goes directly to the oldest one without touching the free
// list, so grants stay strictly FIFO.
func (p *Pool) Release(entry *Entry) {
	if !entry.busy {
		panic("vio: release of an entry that is not on loan")
	}
	entry.ErrorHandler = nil

	if waiter := p.dequeueWaiter(); waiter != nil {
		waiter.Callback(entry)
		return
	}

	entry.busy = false
	p.busyCount--
	p.available = append(p.available, entry)
}

// Close checks the pool's end-of-life invariants. Calling it with
// entries still on loan or waiters still queued is a bug in the
// caller, reported by panic rather than error.
func (p *Pool) Close() {
	if p.waitHead != nil {
		panic("vio: pool closed with waiters still queued")
	}
	if p.busyCount != 0 {
		panic(fmt.Sprintf("vio: pool closed with %d busy entries", p.busyCount))
	}
	if len(p.available) != p.size {
		panic(fmt.Sprintf("vio: pool closed with %d of %d entries unaccounted for",
			p.size-len(p.available), p.size))
	}
	p.available = nil
	p.buffer = nil
}

func (p *Pool) enqueueWaiter(waiter *Waiter) {
	waiter.next = nil
	if p.waitTail == nil {
		p.waitHead = waiter
	} else {
		p.waitTail.next = waiter
	}
	p.waitTail = waiter
}

func (p *Pool) dequeueWaiter() *Waiter {
	waiter := p.waitHead
	if waiter == nil {
		return nil
	}
	p.waitHead = waiter.next
	if p.waitHead == nil {
		p.waitTail = nil
	}
	waiter.next = nil
	return waiter
}
