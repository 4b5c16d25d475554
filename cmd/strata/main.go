package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/strata/pkg/config"
	"github.com/cuemby/strata/pkg/events"
	"github.com/cuemby/strata/pkg/layer"
	"github.com/cuemby/strata/pkg/log"
	"github.com/cuemby/strata/pkg/metrics"
	"github.com/cuemby/strata/pkg/readonly"
	"github.com/cuemby/strata/pkg/scrubber"
	"github.com/cuemby/strata/pkg/slab"
	"github.com/cuemby/strata/pkg/storage"
	"github.com/cuemby/strata/pkg/zone"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "strata",
	Short: "Strata - crash recovery for the slab depot",
	Long: `Strata replays per-slab journals after an unclean shutdown,
rebuilding reference counts in strict priority order while bounding
recovery I/O through a fixed pool of read buffers.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Strata version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to config file")

	rootCmd.AddCommand(formatCmd)
	rootCmd.AddCommand(scrubCmd)
	rootCmd.AddCommand(statusCmd)

	formatCmd.Flags().Uint32("slabs", 0, "Number of slabs in the depot")
	formatCmd.Flags().UintSlice("dirty", nil, "Slab numbers to mark dirty")
}

var formatCmd = &cobra.Command{
	Use:   "format",
	Short: "Write a fresh super block",
	Long: `Format creates a new super block with a fresh nonce. The slab count
defaults to what fits on the device given the configured geometry.
Existing super blocks are not overwritten.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		store, err := storage.NewBoltStore(cfg.DataDir)
		if err != nil {
			return err
		}
		defer store.Close()

		existing, err := store.LoadSuperBlock()
		if err != nil {
			return err
		}
		if existing != nil {
			return fmt.Errorf("super block already exists (nonce %s)", existing.Nonce)
		}

		slabs, _ := cmd.Flags().GetUint32("slabs")
		if slabs == 0 {
			dev, err := layer.OpenFileLayer(cfg.DevicePath, cfg.BlockSize)
			if err != nil {
				return err
			}
			perSlab := uint64(cfg.JournalBlocks) + uint64(cfg.SlabDataBlocks)
			if dev.Blocks() > 1 {
				slabs = uint32((dev.Blocks() - 1) / perSlab)
			}
			dev.Close()
		}
		if slabs == 0 {
			return fmt.Errorf("device %s too small for one slab", cfg.DevicePath)
		}

		sb := storage.NewSuperBlock(slabs)
		dirty, _ := cmd.Flags().GetUintSlice("dirty")
		for _, n := range dirty {
			if uint32(n) >= slabs {
				return fmt.Errorf("dirty slab %d out of range (%d slabs)", n, slabs)
			}
			sb.DirtySlabs = append(sb.DirtySlabs, uint32(n))
		}

		if err := store.SaveSuperBlock(sb); err != nil {
			return err
		}
		fmt.Printf("✓ Formatted: nonce %s, %d slab(s), %d dirty\n", sb.Nonce, slabs, len(sb.DirtySlabs))
		return nil
	},
}

// slabOrigin computes the journal origin for a slab: block zero is the
// super block region, then slabs are laid out back to back with each
// journal extent preceding its data blocks.
func slabOrigin(number uint32, cfg *config.Config) uint64 {
	perSlab := uint64(cfg.JournalBlocks) + uint64(cfg.SlabDataBlocks)
	return 1 + uint64(number)*perSlab
}

var scrubCmd = &cobra.Command{
	Use:   "scrub",
	Short: "Replay dirty slab journals and bring the depot online",
	Long: `Scrub loads the super block, queues every dirty slab for journal
replay, and runs the scrubber to completion. On success the dirty set
is cleared; on an unrecoverable journal the engine is marked read-only
and the cause is persisted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		log.Init(log.Config{
			Level:      log.Level(cfg.LogLevel),
			JSONOutput: cfg.LogJSON,
		})
		logger := log.WithComponent("cli")

		store, err := storage.NewBoltStore(cfg.DataDir)
		if err != nil {
			return err
		}
		defer store.Close()

		dev, err := layer.OpenFileLayer(cfg.DevicePath, cfg.BlockSize)
		if err != nil {
			return err
		}
		defer dev.Close()

		sb, err := store.LoadSuperBlock()
		if err != nil {
			return err
		}
		if sb == nil {
			return fmt.Errorf("no super block in %s, nothing to scrub", cfg.DataDir)
		}
		if sb.ReadOnly {
			return fmt.Errorf("engine is read-only: %s", sb.ReadOnlyCause)
		}
		if len(sb.DirtySlabs) == 0 {
			logger.Info().Msg("No dirty slabs, depot is clean")
			return nil
		}

		if cfg.MetricsAddr != "" {
			go func() {
				mux := http.NewServeMux()
				mux.Handle("/metrics", metrics.Handler())
				if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
					logger.Error().Err(err).Msg("Metrics server failed")
				}
			}()
		}

		z := zone.New(0, 256)
		defer z.Stop()

		broker := events.NewBroker()
		broker.Start()
		defer broker.Stop()

		notifier := readonly.NewNotifier(
			[]*zone.Zone{z}, 0,
			storage.NewReadOnlyPersister(store, sb),
			log.WithComponent("readonly"),
		)

		scr, err := scrubber.New(scrubber.Config{
			Zone:             z,
			Layer:            dev,
			Notifier:         notifier,
			Broker:           broker,
			PoolSize:         cfg.VIOPoolSize,
			EntriesPerBlock:  cfg.EntriesPerBlock,
			MaxJournalBlocks: cfg.JournalBlocks,
		})
		if err != nil {
			return err
		}

		for _, number := range sb.DirtySlabs {
			sl := slab.New(number, slabOrigin(number, cfg), cfg.JournalBlocks, cfg.SlabDataBlocks)
			if err := scr.RegisterSlab(sl, false); err != nil {
				return fmt.Errorf("failed to queue slab %d: %w", number, err)
			}
		}
		scr.SetHighPriorityOnly(cfg.HighPriorityOnly)

		logger.Info().
			Int("slabs", len(sb.DirtySlabs)).
			Str("device", cfg.DevicePath).
			Msg("Starting journal replay")

		start := time.Now()
		done := make(chan error, 1)
		if err := scr.NotifyWhenScrubbed(done); err != nil {
			return err
		}
		if err := scr.Start(); err != nil {
			return err
		}

		if err := <-done; err != nil {
			return fmt.Errorf("recovery failed: %w", err)
		}

		scrubbed := len(sb.DirtySlabs)
		sb.DirtySlabs = nil
		if err := store.SaveSuperBlock(sb); err != nil {
			return fmt.Errorf("failed to clear dirty set: %w", err)
		}
		scr.Close()

		logger.Info().
			Dur("elapsed", time.Since(start)).
			Msg("All slabs scrubbed")
		fmt.Printf("✓ Scrubbed %d slab(s) in %s\n", scrubbed, time.Since(start).Round(time.Millisecond))
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the persisted super block",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		store, err := storage.NewBoltStore(cfg.DataDir)
		if err != nil {
			return err
		}
		defer store.Close()

		sb, err := store.LoadSuperBlock()
		if err != nil {
			return err
		}
		if sb == nil {
			fmt.Println("No super block found (engine never formatted)")
			return nil
		}

		out, err := json.MarshalIndent(sb, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}
