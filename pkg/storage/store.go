package storage

import "time"

// SuperBlock is the engine-wide metadata record persisted across
// restarts. The recovery core reads it to learn which slabs need
// scrubbing and writes it to persist the read-only flag.
type SuperBlock struct {
	// Nonce uniquely identifies this engine instance's on-disk state.
	Nonce string `json:"nonce"`
	// ReadOnly is set permanently once the engine has entered
	// read-only mode.
	ReadOnly bool `json:"read_only"`
	// ReadOnlyCause records why, for diagnostics.
	ReadOnlyCause string `json:"read_only_cause,omitempty"`
	// SlabCount is the total number of slabs in the depot.
	SlabCount uint32 `json:"slab_count"`
	// DirtySlabs lists the slabs whose journals must be replayed
	// before allocation from them is safe.
	DirtySlabs []uint32 `json:"dirty_slabs,omitempty"`
	// SavedAt is the time of the last save.
	SavedAt time.Time `json:"saved_at"`
}

// Store defines the interface for super-block persistence
type Store interface {
	// LoadSuperBlock returns the persisted super block, or nil if none
	// has been saved yet.
	LoadSuperBlock() (*SuperBlock, error)
	// SaveSuperBlock persists the super block, stamping SavedAt.
	SaveSuperBlock(sb *SuperBlock) error

	// Utility
	Close() error
}
