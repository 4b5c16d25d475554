package slab

import (
	"errors"
	"fmt"
	"math"

	"github.com/cuemby/strata/pkg/journal"
)

// ErrCorruptRefCounts distinguishes replay failures caused by
// inconsistent journal contents from transport errors.
var ErrCorruptRefCounts = errors.New("reference counts corrupt")

// RefCounts holds the in-memory reference counters of one slab
// together with the journal point up to which they are current.
// Entries at or before the watermark have already been applied and are
// skipped, so replaying an extent twice is harmless.
type RefCounts struct {
	counts    []uint16
	watermark journal.Point
	free      uint32
}

// NewRefCounts creates counters for dataBlocks blocks, all free.
func NewRefCounts(dataBlocks uint32) *RefCounts {
	return &RefCounts{
		counts: make([]uint16, dataBlocks),
		free:   dataBlocks,
	}
}

// DataBlocks returns the number of counters.
func (rc *RefCounts) DataBlocks() uint32 {
	return uint32(len(rc.counts))
}

// FreeBlocks returns the number of blocks with a zero reference count.
func (rc *RefCounts) FreeBlocks() uint32 {
	return rc.free
}

// Get returns the reference count of one slab block.
func (rc *RefCounts) Get(offset uint32) (uint16, error) {
	if offset >= uint32(len(rc.counts)) {
		return 0, fmt.Errorf("%w: offset %d beyond %d data blocks",
			ErrCorruptRefCounts, offset, len(rc.counts))
	}
	return rc.counts[offset], nil
}

// Watermark returns the journal point of the newest applied entry.
func (rc *RefCounts) Watermark() journal.Point {
	return rc.watermark
}

// ApplyEntry replays one journal entry. Entries at or before the
// watermark are skipped; applied entries advance it, so entries must
// arrive in journal-point order.
func (rc *RefCounts) ApplyEntry(entry journal.Entry) error {
	if !entry.Point.IsValid() {
		return fmt.Errorf("%w: entry without a journal point", ErrCorruptRefCounts)
	}
	if !rc.watermark.Before(entry.Point) {
		// Already applied by an earlier pass over this journal.
		return nil
	}
	if entry.SlabBlockOffset >= uint32(len(rc.counts)) {
		return fmt.Errorf("%w: entry for offset %d beyond %d data blocks",
			ErrCorruptRefCounts, entry.SlabBlockOffset, len(rc.counts))
	}

	count := rc.counts[entry.SlabBlockOffset]
	if entry.Increment {
		if count == math.MaxUint16 {
			return fmt.Errorf("%w: increment of offset %d overflows",
				ErrCorruptRefCounts, entry.SlabBlockOffset)
		}
		if count == 0 {
			rc.free--
		}
		count++
	} else {
		if count == 0 {
			return fmt.Errorf("%w: decrement of free offset %d",
				ErrCorruptRefCounts, entry.SlabBlockOffset)
		}
		count--
		if count == 0 {
			rc.free++
		}
	}
	rc.counts[entry.SlabBlockOffset] = count
	rc.watermark = entry.Point
	return nil
}
