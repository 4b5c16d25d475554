package journal

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// On-disk layout of a slab journal block:
//
//	header (16 bytes):
//	  0..7   block sequence number (little endian)
//	  8..9   entry count
//	  10..15 reserved, must be zero
//	entries (13 bytes each):
//	  0..7   packed journal point of the entry
//	  8..11  slab block offset
//	  12     operation (0 = decrement, 1 = increment)
const (
	BlockHeaderSize = 16
	EntrySize       = PackedPointSize + 4 + 1

	opDecrement = 0
	opIncrement = 1
)

// ErrCorruptBlock distinguishes decode failures caused by damaged or
// inconsistent journal data from ordinary I/O errors.
var ErrCorruptBlock = errors.New("slab journal block corrupt")

// BlockHeader describes one on-disk slab journal block.
type BlockHeader struct {
	Sequence   uint64
	EntryCount uint16
}

// Entry is a single allocation or deallocation record replayed during
// scrubbing.
type Entry struct {
	// Point is the journal position at which the entry was logged.
	Point Point
	// SlabBlockOffset identifies the data block within the slab.
	SlabBlockOffset uint32
	// Increment is true for an allocation, false for a deallocation.
	Increment bool
}

// DecodeBlock parses one slab journal block from buf. A block whose
// header sequence number is zero has never been written; it decodes to
// a zero header with no entries. Any structural inconsistency returns
// an error wrapping ErrCorruptBlock.
func DecodeBlock(buf []byte, entriesPerBlock uint16) (BlockHeader, []Entry, error) {
	if len(buf) < BlockHeaderSize {
		return BlockHeader{}, nil, fmt.Errorf("%w: block shorter than header (%d bytes)", ErrCorruptBlock, len(buf))
	}

	header := BlockHeader{
		Sequence:   binary.LittleEndian.Uint64(buf[0:8]),
		EntryCount: binary.LittleEndian.Uint16(buf[8:10]),
	}
	if header.Sequence == 0 {
		return BlockHeader{}, nil, nil
	}
	for _, b := range buf[10:BlockHeaderSize] {
		if b != 0 {
			return BlockHeader{}, nil, fmt.Errorf("%w: block %d has nonzero reserved header bytes",
				ErrCorruptBlock, header.Sequence)
		}
	}
	if header.EntryCount > entriesPerBlock {
		return BlockHeader{}, nil, fmt.Errorf("%w: block %d claims %d entries, limit is %d",
			ErrCorruptBlock, header.Sequence, header.EntryCount, entriesPerBlock)
	}
	if needed := BlockHeaderSize + int(header.EntryCount)*EntrySize; len(buf) < needed {
		return BlockHeader{}, nil, fmt.Errorf("%w: block %d needs %d bytes, have %d",
			ErrCorruptBlock, header.Sequence, needed, len(buf))
	}

	entries := make([]Entry, header.EntryCount)
	var last Point
	for i := range entries {
		off := BlockHeaderSize + i*EntrySize
		entry, err := decodeEntry(buf[off : off+EntrySize])
		if err != nil {
			return BlockHeader{}, nil, fmt.Errorf("block %d entry %d: %w", header.Sequence, i, err)
		}
		if i > 0 && entry.Point.Before(last) {
			return BlockHeader{}, nil, fmt.Errorf("%w: block %d entry %d out of journal order",
				ErrCorruptBlock, header.Sequence, i)
		}
		last = entry.Point
		entries[i] = entry
	}
	return header, entries, nil
}

// EncodeBlock writes a slab journal block into buf, which must hold at
// least BlockHeaderSize + len(entries)*EntrySize bytes.
func EncodeBlock(buf []byte, sequence uint64, entries []Entry) error {
	needed := BlockHeaderSize + len(entries)*EntrySize
	if len(buf) < needed {
		return fmt.Errorf("buffer too small for journal block: need %d bytes, have %d", needed, len(buf))
	}
	if sequence == 0 {
		return errors.New("journal block sequence number must be nonzero")
	}

	clear(buf[:BlockHeaderSize])
	binary.LittleEndian.PutUint64(buf[0:8], sequence)
	binary.LittleEndian.PutUint16(buf[8:10], uint16(len(entries)))
	for i, entry := range entries {
		off := BlockHeaderSize + i*EntrySize
		encodeEntry(buf[off:off+EntrySize], entry)
	}
	return nil
}

func decodeEntry(buf []byte) (Entry, error) {
	entry := Entry{
		Point:           GetPackedPoint(buf[0:PackedPointSize]).Unpack(),
		SlabBlockOffset: binary.LittleEndian.Uint32(buf[PackedPointSize : PackedPointSize+4]),
	}
	switch buf[PackedPointSize+4] {
	case opDecrement:
	case opIncrement:
		entry.Increment = true
	default:
		return Entry{}, fmt.Errorf("%w: unknown operation %d", ErrCorruptBlock, buf[PackedPointSize+4])
	}
	if !entry.Point.IsValid() {
		return Entry{}, fmt.Errorf("%w: entry has no journal point", ErrCorruptBlock)
	}
	return entry, nil
}

func encodeEntry(buf []byte, entry Entry) {
	PutPackedPoint(buf[0:PackedPointSize], entry.Point.Pack())
	binary.LittleEndian.PutUint32(buf[PackedPointSize:PackedPointSize+4], entry.SlabBlockOffset)
	op := byte(opDecrement)
	if entry.Increment {
		op = opIncrement
	}
	buf[PackedPointSize+4] = op
}
