package main

import (
	"fmt"
	"time"

	"github.com/cuemby/loam/pkg/config"
	"github.com/cuemby/loam/pkg/events"
	"github.com/cuemby/loam/pkg/persistence"
	"github.com/cuemby/loam/pkg/retention"
	"github.com/cuemby/loam/pkg/store"
	"github.com/cuemby/loam/pkg/vector"
	"github.com/spf13/cobra"
)

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Run one retention sweep and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		backend, err := persistence.Open(ctx, cfg.PersistencePath(), persistence.Options{
			AllowReadOnly: cfg.Persistence.AllowReadOnly,
		})
		if err != nil {
			return err
		}
		defer backend.Close()

		mgr, err := retention.NewManager(ctx, cfg.Retention, backend)
		if err != nil {
			return err
		}
		marks, err := mgr.Advance(ctx, time.Now())
		if err != nil {
			return err
		}
		return retention.NewSweeper(cfg.Retention.SweepBatchSize, backend).Sweep(ctx, marks)
	},
}

var compactCmd = &cobra.Command{
	Use:   "compact <index>",
	Short: "Compact a vector index's segments into one",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		backend, err := persistence.Open(ctx, cfg.PersistencePath(), persistence.Options{})
		if err != nil {
			return err
		}
		defer backend.Close()

		mgr, err := retention.NewManager(ctx, cfg.Retention, backend)
		if err != nil {
			return err
		}
		broker := events.NewBroker()
		broker.Start()
		defer broker.Stop()

		db, err := store.Open(ctx, backend, mgr.Follower(), broker)
		if err != nil {
			return err
		}
		engine, err := vector.NewEngine(cfg.Vector, cfg.SegmentDir(), store.NewVectorFeed(db))
		if err != nil {
			return err
		}
		defer engine.Close()

		if err := engine.Compactor.CompactIndex(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("compacted index %s\n", args[0])
		return nil
	},
}

var readOnlyCmd = &cobra.Command{
	Use:   "read-only <on|off>",
	Short: "Mark the store read-only (or writable again)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		var readOnly bool
		switch args[0] {
		case "on":
			readOnly = true
		case "off":
			readOnly = false
		default:
			return fmt.Errorf("expected on or off, got %q", args[0])
		}

		ctx := cmd.Context()
		backend, err := persistence.Open(ctx, cfg.PersistencePath(), persistence.Options{
			AllowReadOnly: true,
		})
		if err != nil {
			return err
		}
		defer backend.Close()
		return backend.SetReadOnly(ctx, readOnly)
	},
}
