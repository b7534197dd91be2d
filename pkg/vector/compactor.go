package vector

import (
	"context"
	"fmt"

	"github.com/cuemby/loam/pkg/log"
	"github.com/cuemby/loam/pkg/metrics"
	"github.com/cuemby/loam/pkg/types"
	"github.com/rs/zerolog"
)

// CompactorConfig tunes segment merging.
type CompactorConfig struct {
	// MinSegments is how many segments must accumulate before a merge is
	// worthwhile.
	MinSegments int

	// HNSWThreshold matches the flusher's; a merged segment usually
	// crosses it.
	HNSWThreshold int
}

// Compactor merges an index's small segments into one large segment,
// dropping deleted points in the process. It runs concurrently with the
// flusher; the committer reconciles whichever finishes second.
type Compactor struct {
	storage   *SegmentStorage
	metadata  MetadataStore
	committer *Committer
	pool      *Pool
	cfg       CompactorConfig
	logger    zerolog.Logger
}

// NewCompactor assembles a compactor.
func NewCompactor(storage *SegmentStorage, metadata MetadataStore, committer *Committer, pool *Pool, cfg CompactorConfig) *Compactor {
	return &Compactor{
		storage:   storage,
		metadata:  metadata,
		committer: committer,
		pool:      pool,
		cfg:       cfg,
		logger:    log.WithComponent("vector-compactor"),
	}
}

// Step compacts every index that has accumulated enough segments.
func (c *Compactor) Step(ctx context.Context) error {
	metas, err := c.metadata.ListVectorIndexes()
	if err != nil {
		return err
	}
	for _, meta := range metas {
		if meta.State.Kind == StateBackfilling {
			continue
		}
		if len(meta.State.Segments) < c.cfg.MinSegments {
			continue
		}
		if err := c.compactOne(ctx, meta); err != nil {
			return fmt.Errorf("failed to compact index %s: %w", meta.Name, err)
		}
	}
	return nil
}

// CompactIndex merges the named index's segments regardless of count.
// Admin tooling uses it.
func (c *Compactor) CompactIndex(ctx context.Context, name string) error {
	meta, err := c.metadata.GetVectorIndex(name)
	if err != nil {
		return err
	}
	if len(meta.State.Segments) < 2 {
		return nil
	}
	return c.compactOne(ctx, *meta)
}

func (c *Compactor) compactOne(ctx context.Context, meta IndexMetadata) error {
	inputs := append([]FragmentedSegment(nil), meta.State.Segments...)

	timer := metrics.NewTimer()
	var output *ImmutableSegment
	err := c.pool.Do(ctx, meta.Client, func() error {
		merged := NewMutableSegment(meta.Dimension)
		for _, frag := range inputs {
			seg, err := c.storage.Open(frag)
			if err != nil {
				return err
			}
			var upsertErr error
			seg.LiveEntries(func(id types.InternalID, vec []float32) {
				if upsertErr == nil {
					upsertErr = merged.Upsert(id, vec)
				}
			})
			if upsertErr != nil {
				return upsertErr
			}
		}
		output = merged.Build(c.cfg.HNSWThreshold)
		return nil
	})
	if err != nil {
		return err
	}
	metrics.VectorSegmentBuildDuration.WithLabelValues("compaction").Observe(timer.Duration().Seconds())

	if output == nil {
		// Every input point was deleted; nothing to merge. Leave the
		// segments for retention of their tombstone bitsets.
		return nil
	}

	if err := c.committer.CommitCompaction(ctx, meta.Name, inputs, output); err != nil {
		return err
	}
	metrics.VectorSegmentsBuilt.WithLabelValues("compaction").Inc()
	c.logger.Info().
		Str("index", meta.Name).
		Int("merged_segments", len(inputs)).
		Uint32("vectors", output.NumVectors()).
		Msg("compacted vector segments")
	return nil
}
