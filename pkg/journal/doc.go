/*
Package journal defines slab journal positions and the on-disk slab
journal block format used during crash recovery.

A Point is the absolute position of an entry in a slab journal: a
block sequence number plus the entry's index within that block. Points
form a total order (lexicographic on sequence number, then entry
count) that replay relies on to apply each logged operation exactly
once. A point with sequence number zero is the distinguished "no valid
position" value.

# On-Disk Encoding

PackedPoint squeezes a Point into a single 64-bit word:

	bits 63..16  sequence number (48 bits)
	bits 15..0   entry count

Pack and Unpack are exact inverses for every sequence number below
2^48; sequence numbers at or above that limit are silently truncated.
The packed form is embedded in larger journal and metadata records,
always little endian.

Journal blocks carry a 16-byte header (sequence number, entry count)
followed by fixed-width entries, each recording the journal point at
which it was logged, the slab block it touches, and whether the
reference count was incremented or decremented. DecodeBlock treats a
zero header sequence as "never written" and reports every structural
inconsistency as an error wrapping ErrCorruptBlock so the scrubber can
distinguish corruption from transport failures.
*/
package journal
