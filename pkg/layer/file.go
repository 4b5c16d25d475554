package layer

import (
	"context"
	"fmt"
	"os"
)

// FileLayer implements Layer over an ordinary file or block device.
type FileLayer struct {
	file      *os.File
	blockSize int
	blocks    uint64
}

// OpenFileLayer opens path read-only as a physical layer of fixed-size
// blocks.
func OpenFileLayer(path string, blockSize int) (*FileLayer, error) {
	if blockSize <= 0 {
		return nil, fmt.Errorf("invalid block size %d", blockSize)
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open device %s: %w", path, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat device %s: %w", path, err)
	}

	return &FileLayer{
		file:      file,
		blockSize: blockSize,
		blocks:    uint64(info.Size()) / uint64(blockSize),
	}, nil
}

// BlockSize returns the layer's block size in bytes.
func (l *FileLayer) BlockSize() int {
	return l.blockSize
}

// Blocks returns the number of whole blocks on the device.
func (l *FileLayer) Blocks() uint64 {
	return l.blocks
}

// ReadBlocks reads whole blocks starting at pbn into buf.
func (l *FileLayer) ReadBlocks(ctx context.Context, pbn uint64, buf []byte) error {
	if len(buf)%l.blockSize != 0 {
		return fmt.Errorf("read buffer is %d bytes, not a multiple of block size %d", len(buf), l.blockSize)
	}
	count := uint64(len(buf)) / uint64(l.blockSize)
	if pbn+count > l.blocks {
		return fmt.Errorf("read of blocks %d..%d past end of device (%d blocks)", pbn, pbn+count-1, l.blocks)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if _, err := l.file.ReadAt(buf, int64(pbn)*int64(l.blockSize)); err != nil {
		return fmt.Errorf("failed to read %d blocks at pbn %d: %w", count, pbn, err)
	}
	return nil
}

// Close releases the underlying file.
func (l *FileLayer) Close() error {
	return l.file.Close()
}
