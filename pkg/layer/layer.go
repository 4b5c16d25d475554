package layer

import "context"

// Layer is the physical I/O backend the recovery core reads journal
// extents through. Implementations must support concurrent readers.
type Layer interface {
	// BlockSize returns the fixed physical block size in bytes.
	BlockSize() int

	// ReadBlocks reads len(buf)/BlockSize() blocks starting at
	// physical block number pbn into buf. buf must be a whole number
	// of blocks long.
	ReadBlocks(ctx context.Context, pbn uint64, buf []byte) error
}
