package storage

import "fmt"

// ReadOnlyPersister adapts a Store to the read-only notifier's
// persistence hook: it stamps the super block read-only and saves it.
type ReadOnlyPersister struct {
	store Store
	sb    *SuperBlock
}

// NewReadOnlyPersister wraps the store and the engine's current super
// block.
func NewReadOnlyPersister(store Store, sb *SuperBlock) *ReadOnlyPersister {
	return &ReadOnlyPersister{store: store, sb: sb}
}

// PersistReadOnly marks the super block read-only with the given cause
// and saves it.
func (p *ReadOnlyPersister) PersistReadOnly(cause error) error {
	p.sb.ReadOnly = true
	if cause != nil {
		p.sb.ReadOnlyCause = cause.Error()
	}
	if err := p.store.SaveSuperBlock(p.sb); err != nil {
		return fmt.Errorf("failed to persist read-only status: %w", err)
	}
	return nil
}
