package journal

import "encoding/binary"

// Point is the absolute position of an entry in a slab journal. The
// zero sequence number is reserved: a Point with SequenceNumber == 0
// marks "no valid position".
type Point struct {
	SequenceNumber uint64
	EntryCount     uint16
}

// PackedPoint is the on-disk encoding of a Point: a single 64-bit
// word holding 48 bits of sequence number in the high-order bits and
// the 16-bit entry count in the low-order bits. It is embedded inside
// larger journal and metadata records.
type PackedPoint uint64

// PackedPointSize is the encoded size of a PackedPoint in bytes.
const PackedPointSize = 8

// Advance moves the point forward by one entry. When the entry count
// reaches entriesPerBlock the point rolls over to the first entry of
// the next block.
func (p *Point) Advance(entriesPerBlock uint16) {
	p.EntryCount++
	if p.EntryCount == entriesPerBlock {
		p.SequenceNumber++
		p.EntryCount = 0
	}
}

// IsValid reports whether the point refers to a real journal position.
func (p Point) IsValid() bool {
	return p.SequenceNumber > 0
}

// Before reports whether p strictly precedes other in the journal.
// Points are ordered lexicographically on (SequenceNumber, EntryCount).
func (p Point) Before(other Point) bool {
	if p.SequenceNumber != other.SequenceNumber {
		return p.SequenceNumber < other.SequenceNumber
	}
	return p.EntryCount < other.EntryCount
}

// Equivalent reports whether both points reference the same journal
// position.
func (p Point) Equivalent(other Point) bool {
	return p.SequenceNumber == other.SequenceNumber && p.EntryCount == other.EntryCount
}

// Pack encodes the point into its on-disk form. Sequence numbers are
// stored in 48 bits; bits above 2^48 are silently truncated, which is
// a documented limit of the format rather than a runtime error.
func (p Point) Pack() PackedPoint {
	return PackedPoint((p.SequenceNumber << 16) | uint64(p.EntryCount))
}

// Unpack decodes a packed point. It is the inverse of Pack for every
// point whose sequence number is below 2^48.
func (pp PackedPoint) Unpack() Point {
	return Point{
		SequenceNumber: uint64(pp) >> 16,
		EntryCount:     uint16(uint64(pp) & 0xffff),
	}
}

// PutPackedPoint writes the packed point into buf, which must be at
// least PackedPointSize bytes long.
func PutPackedPoint(buf []byte, pp PackedPoint) {
	binary.LittleEndian.PutUint64(buf, uint64(pp))
}

// GetPackedPoint reads a packed point from buf.
func GetPackedPoint(buf []byte) PackedPoint {
	return PackedPoint(binary.LittleEndian.Uint64(buf))
}
