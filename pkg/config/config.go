package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/strata/pkg/journal"
)

// Config holds engine configuration
type Config struct {
	// DataDir is where the metadata database lives.
	DataDir string `yaml:"data_dir"`
	// DevicePath is the backing file or block device.
	DevicePath string `yaml:"device_path"`

	// BlockSize is the physical block size in bytes.
	BlockSize int `yaml:"block_size"`
	// EntriesPerBlock is the slab journal block entry capacity.
	EntriesPerBlock uint16 `yaml:"entries_per_block"`
	// JournalBlocks is the per-slab journal extent length.
	JournalBlocks uint32 `yaml:"journal_blocks"`
	// SlabDataBlocks is the number of data blocks per slab.
	SlabDataBlocks uint32 `yaml:"slab_data_blocks"`

	// VIOPoolSize caps concurrent recovery I/O.
	VIOPoolSize int `yaml:"vio_pool_size"`
	// HighPriorityOnly restricts scrubbing to high-priority slabs.
	HighPriorityOnly bool `yaml:"high_priority_only"`

	LogLevel  string `yaml:"log_level"`
	LogJSON   bool   `yaml:"log_json"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// Default returns the configuration defaults
func Default() *Config {
	return &Config{
		DataDir:         "/var/lib/strata",
		BlockSize:       4096,
		EntriesPerBlock: 311,
		JournalBlocks:   8,
		SlabDataBlocks:  16384,
		VIOPoolSize:     2,
		LogLevel:        "info",
	}
}

// Load reads a YAML config file over the defaults. An empty path
// returns the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for consistency
func (c *Config) Validate() error {
	if c.BlockSize <= 0 {
		return fmt.Errorf("block_size must be positive, got %d", c.BlockSize)
	}
	if c.EntriesPerBlock == 0 {
		return fmt.Errorf("entries_per_block must be positive")
	}
	if c.JournalBlocks == 0 {
		return fmt.Errorf("journal_blocks must be positive")
	}
	if c.VIOPoolSize <= 0 {
		return fmt.Errorf("vio_pool_size must be positive, got %d", c.VIOPoolSize)
	}
	if needed := journal.BlockHeaderSize + int(c.EntriesPerBlock)*journal.EntrySize; needed > c.BlockSize {
		return fmt.Errorf("entries_per_block %d does not fit a %d-byte block", c.EntriesPerBlock, c.BlockSize)
	}
	return nil
}
