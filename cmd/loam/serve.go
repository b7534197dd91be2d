package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/loam/pkg/config"
	"github.com/cuemby/loam/pkg/events"
	"github.com/cuemby/loam/pkg/log"
	"github.com/cuemby/loam/pkg/metrics"
	"github.com/cuemby/loam/pkg/persistence"
	"github.com/cuemby/loam/pkg/retention"
	"github.com/cuemby/loam/pkg/store"
	"github.com/cuemby/loam/pkg/vector"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the Loam engine",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		return runServe(cmd.Context(), cfg)
	},
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg := config.Default()
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}
	if dataDir, _ := cmd.Flags().GetString("data-dir"); dataDir != "" {
		cfg.DataDir = dataDir
	}
	return cfg, cfg.Validate()
}

func runServe(ctx context.Context, cfg config.Config) error {
	metrics.SetVersion(Version)
	logger := log.WithComponent("serve")

	shutdown := persistence.NewShutdownSignal()
	backend, err := persistence.Open(ctx, cfg.PersistencePath(), persistence.Options{
		AllowReadOnly: cfg.Persistence.AllowReadOnly,
		Shutdown:      shutdown,
	})
	if err != nil {
		return fmt.Errorf("failed to open persistence: %w", err)
	}
	defer backend.Close()

	metrics.RegisterProbe("persistence", true, func(ctx context.Context) metrics.Check {
		if err := backend.Ping(ctx); err != nil {
			return metrics.Check{State: metrics.StateFailed, Detail: err.Error()}
		}
		return metrics.Check{State: metrics.StateReady}
	})
	metrics.RegisterProbe("lease", true, func(ctx context.Context) metrics.Check {
		if shutdown.Fired() {
			return metrics.Check{State: metrics.StateFailed, Detail: "lease preempted by another writer"}
		}
		return metrics.Check{State: metrics.StateReady}
	})

	retentionMgr, err := retention.NewManager(ctx, cfg.Retention, backend)
	if err != nil {
		return fmt.Errorf("failed to start retention manager: %w", err)
	}

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	db, err := store.Open(ctx, backend, retentionMgr.Follower(), broker)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}

	feed := store.NewVectorFeed(db)
	engine, err := vector.NewEngine(cfg.Vector, cfg.SegmentDir(), feed)
	if err != nil {
		return fmt.Errorf("failed to start vector engine: %w", err)
	}
	defer engine.Close()
	metrics.RegisterProbe("vector-indexes", true, engine.HealthProbe())

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", metrics.HealthHandler())
	mux.HandleFunc("/ready", metrics.ReadyHandler())
	mux.HandleFunc("/live", metrics.LivenessHandler())
	server := &http.Server{Addr: cfg.HTTPAddr, Handler: mux}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, runCtx := errgroup.WithContext(runCtx)
	g.Go(func() error { return retentionMgr.Run(runCtx) })
	g.Go(func() error { return engine.Run(runCtx) })
	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)

		select {
		case sig := <-sigCh:
			logger.Info().Str("signal", sig.String()).Msg("shutting down")
		case <-shutdown.Done():
			// Another writer took the lease; this process must stop
			// writing immediately.
			logger.Error().Msg("lease lost, shutting down")
		case <-runCtx.Done():
		}
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	})

	logger.Info().
		Str("data_dir", cfg.DataDir).
		Str("http_addr", cfg.HTTPAddr).
		Msg("loam engine started")

	err = g.Wait()
	if err == context.Canceled {
		return nil
	}
	return err
}
