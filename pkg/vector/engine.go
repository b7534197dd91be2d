package vector

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/loam/pkg/config"
	"github.com/cuemby/loam/pkg/log"
	"github.com/cuemby/loam/pkg/metrics"
	"github.com/cuemby/loam/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Engine wires the vector subsystem together: segment storage, the
// metadata catalog, the worker pool, and the flush and compaction loops.
type Engine struct {
	Storage   *SegmentStorage
	Catalog   *Catalog
	Pool      *Pool
	Committer *Committer
	Flusher   *Flusher
	Compactor *Compactor
	Searcher  *Searcher

	interval time.Duration
	logger   zerolog.Logger
}

// NewEngine assembles an engine from configuration and a vector source.
func NewEngine(cfg config.VectorConfig, segmentDir string, source VectorSource) (*Engine, error) {
	storage, err := NewSegmentStorage(segmentDir)
	if err != nil {
		return nil, err
	}
	catalog, err := OpenCatalog(segmentDir)
	if err != nil {
		return nil, err
	}

	pool := NewPool(cfg.Workers, cfg.MaxWorkerSharePercent)
	committer := NewCommitter(catalog, storage)
	classify := ClassifyConfig{
		MaxIndexBytes: cfg.MaxIndexBytes.Count(),
		MaxSegmentAge: cfg.MaxSegmentAge.Std(),
	}
	flusher := NewFlusher(source, storage, catalog, committer, pool, FlusherConfig{
		HNSWThreshold:         cfg.HNSWThreshold,
		IncrementalBuildBytes: cfg.IncrementalBuildBytes.Count(),
	}, classify)
	compactor := NewCompactor(storage, catalog, committer, pool, CompactorConfig{
		MinSegments:   cfg.MinCompactionSegments,
		HNSWThreshold: cfg.HNSWThreshold,
	})

	return &Engine{
		Storage:   storage,
		Catalog:   catalog,
		Pool:      pool,
		Committer: committer,
		Flusher:   flusher,
		Compactor: compactor,
		Searcher:  NewSearcher(storage, catalog),
		interval:  10 * time.Second,
		logger:    log.WithComponent("vector-engine"),
	}, nil
}

// CreateIndex registers a new index in the Backfilling state; the next
// flusher step starts the sweep.
func (e *Engine) CreateIndex(ctx context.Context, meta IndexMetadata, snapshot types.Timestamp) error {
	if err := meta.Validate(); err != nil {
		return err
	}
	meta.State = IndexState{
		Kind:       StateBackfilling,
		SnapshotTS: snapshot,
	}
	return e.Catalog.UpdateVectorIndex(meta)
}

// HealthProbe reports the engine's lifecycle position for the readiness
// endpoints. The engine is not ready while any index is still
// backfilling; an index stuck between Backfilled and SnapshottedAt keeps
// it in the starting state too, since queries against it would fail with
// ErrIndexNotReady.
func (e *Engine) HealthProbe() metrics.Probe {
	return func(ctx context.Context) metrics.Check {
		metas, err := e.Catalog.ListVectorIndexes()
		if err != nil {
			return metrics.Check{State: metrics.StateFailed, Detail: err.Error()}
		}

		backfilling, catchingUp, serving := 0, 0, 0
		for _, meta := range metas {
			switch meta.State.Kind {
			case StateBackfilling:
				backfilling++
			case StateBackfilled:
				catchingUp++
			case StateSnapshotted:
				serving++
			}
		}

		detail := fmt.Sprintf("%d workers, %d serving, %d backfilling, %d catching up",
			e.Pool.Workers(), serving, backfilling, catchingUp)
		if backfilling > 0 || catchingUp > 0 {
			return metrics.Check{State: metrics.StateStarting, Detail: detail}
		}
		return metrics.Check{State: metrics.StateReady, Detail: detail}
	}
}

// Run drives the flush and compaction loops until ctx ends. The two loops
// run concurrently; the committer reconciles their commits.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		ticker := time.NewTicker(e.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				if _, err := e.Flusher.Step(ctx); err != nil {
					e.logger.Error().Err(err).Msg("vector flush step failed")
				}
			}
		}
	})

	g.Go(func() error {
		ticker := time.NewTicker(e.interval * 3)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				if err := e.Compactor.Step(ctx); err != nil {
					e.logger.Error().Err(err).Msg("vector compaction step failed")
				}
			}
		}
	})

	return g.Wait()
}

// Close releases the engine's resources.
func (e *Engine) Close() error {
	e.Pool.Close()
	return e.Catalog.Close()
}
