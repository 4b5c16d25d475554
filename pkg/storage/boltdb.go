package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketSuperBlock = []byte("superblock")

	superBlockKey = []byte("current")
)

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "strata.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketSuperBlock); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", bucketSuperBlock, err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// LoadSuperBlock returns the persisted super block, or nil if the
// store is fresh.
func (s *BoltStore) LoadSuperBlock() (*SuperBlock, error) {
	var sb *SuperBlock
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSuperBlock).Get(superBlockKey)
		if data == nil {
			return nil
		}
		sb = &SuperBlock{}
		return json.Unmarshal(data, sb)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load super block: %w", err)
	}
	return sb, nil
}

// SaveSuperBlock persists the super block
func (s *BoltStore) SaveSuperBlock(sb *SuperBlock) error {
	sb.SavedAt = time.Now()
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(sb)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketSuperBlock).Put(superBlockKey, data)
	})
}

// NewSuperBlock creates a fresh super block for a depot of slabCount
// slabs with a random nonce.
func NewSuperBlock(slabCount uint32) *SuperBlock {
	return &SuperBlock{
		Nonce:     uuid.New().String(),
		SlabCount: slabCount,
	}
}
