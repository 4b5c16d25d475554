package slab

import "fmt"

// Status is the recovery lifecycle of a slab.
type Status int

const (
	// StatusUnrecovered means the slab's journal has not been replayed
	// since the last unclean shutdown; allocating from it is unsafe.
	StatusUnrecovered Status = iota
	// StatusQueued means the slab is waiting in one of the scrubber's
	// queues.
	StatusQueued
	// StatusScrubbing means the slab's journal is being replayed.
	StatusScrubbing
	// StatusScrubbed means the slab's reference counts are trustworthy.
	StatusScrubbed
)

// String returns the status name for logs.
func (s Status) String() string {
	switch s {
	case StatusUnrecovered:
		return "unrecovered"
	case StatusQueued:
		return "queued"
	case StatusScrubbing:
		return "scrubbing"
	case StatusScrubbed:
		return "scrubbed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Slab is the recovery view of one fixed-size extent of physical
// space: where its journal lives and how far recovery has gotten.
type Slab struct {
	// Number identifies the slab within the depot.
	Number uint32
	// JournalOrigin is the physical block number of the first block of
	// the slab's journal.
	JournalOrigin uint64
	// JournalBlocks is the length of the journal extent in blocks.
	JournalBlocks uint32
	// Status is owned by the scrubber's zone.
	Status Status
	// RefCounts is the in-memory reference-count state rebuilt by
	// replay.
	RefCounts *RefCounts
}

// New creates the recovery view of a slab with dataBlocks reference
// counters, all zero.
func New(number uint32, journalOrigin uint64, journalBlocks, dataBlocks uint32) *Slab {
	return &Slab{
		Number:        number,
		JournalOrigin: journalOrigin,
		JournalBlocks: journalBlocks,
		RefCounts:     NewRefCounts(dataBlocks),
	}
}
