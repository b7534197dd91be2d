package vector

import (
	"context"
	"fmt"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/cuemby/loam/pkg/log"
	"github.com/cuemby/loam/pkg/metrics"
	"github.com/cuemby/loam/pkg/types"
	"golang.org/x/time/rate"
)

// FlusherConfig tunes segment construction.
type FlusherConfig struct {
	// HNSWThreshold is the live-vector count at which a segment gets a
	// graph instead of staying a full-scan list.
	HNSWThreshold int

	// IncrementalBuildBytes caps the vector bytes per backfill part.
	IncrementalBuildBytes uint64

	// PageSize batches rate-limiter waits during log reads.
	PageSize int
}

// Flusher turns document-log activity into new index segments. One step
// enumerates every index needing work and builds each in priority order.
type Flusher struct {
	source    VectorSource
	storage   *SegmentStorage
	metadata  MetadataStore
	committer *Committer
	pool      *Pool
	cfg       FlusherConfig
	classify  ClassifyConfig
}

// NewFlusher assembles a flusher.
func NewFlusher(source VectorSource, storage *SegmentStorage, metadata MetadataStore, committer *Committer, pool *Pool, cfg FlusherConfig, classify ClassifyConfig) *Flusher {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 128
	}
	return &Flusher{
		source:    source,
		storage:   storage,
		metadata:  metadata,
		committer: committer,
		pool:      pool,
		cfg:       cfg,
		classify:  classify,
	}
}

// Step runs one scheduling round and returns vectors indexed per index.
func (f *Flusher) Step(ctx context.Context) (map[string]uint32, error) {
	metas, err := f.metadata.ListVectorIndexes()
	if err != nil {
		return nil, err
	}
	now, err := f.source.LatestTS(ctx)
	if err != nil {
		return nil, err
	}

	counts := make(map[string]uint32)
	for _, build := range ClassifyBuilds(metas, f.classify, now) {
		n, err := f.buildOne(ctx, build)
		if err != nil {
			return counts, fmt.Errorf("failed to build index %s: %w", build.Meta.Name, err)
		}
		counts[build.Meta.Name] = n
	}
	return counts, nil
}

// buildKind selects how documents are fetched for a segment build.
type buildKind int

const (
	// buildPartial streams the document log slice (lastTS, newTS].
	buildPartial buildKind = iota
	// buildIncremental sweeps the table at a fixed snapshot, resuming at
	// a cursor, until the byte budget or the end of the table.
	buildIncremental
)

type buildSpec struct {
	kind             buildKind
	lastTS           types.Timestamp
	cursor           *types.InternalID
	backfillSnapshot types.Timestamp
	previous         []FragmentedSegment

	// rebuild discards every existing segment at commit; set when the
	// index is rebuilt from scratch after a format-version mismatch.
	rebuild bool
}

type buildResult struct {
	segment          *ImmutableSegment
	updatedBitsets   map[SegmentID]*roaring.Bitmap
	deletedIDs       []types.InternalID
	newCursor        *types.InternalID
	backfillComplete bool
}

func (f *Flusher) buildOne(ctx context.Context, job IndexBuild) (uint32, error) {
	meta := job.Meta
	state := meta.State

	newTS, err := f.source.LatestTS(ctx)
	if err != nil {
		return 0, err
	}

	var spec buildSpec
	switch {
	case state.Kind == StateBackfilling:
		// Resuming a sweep: the snapshot is pinned for the whole backfill.
		spec = buildSpec{
			kind:             buildIncremental,
			cursor:           state.Cursor,
			backfillSnapshot: state.SnapshotTS,
			previous:         state.Segments,
		}
		newTS = state.SnapshotTS
	case state.HasVersionMismatch():
		// Obsolete segments cannot be extended; rebuild from scratch.
		spec = buildSpec{
			kind:             buildIncremental,
			backfillSnapshot: newTS,
			rebuild:          true,
		}
	default:
		spec = buildSpec{
			kind:     buildPartial,
			lastTS:   state.SnapshotTS,
			previous: state.Segments,
		}
	}

	limiter := job.Reason.Limiter()
	timer := metrics.NewTimer()

	var res *buildResult
	err = f.pool.Do(ctx, meta.Client, func() error {
		var buildErr error
		res, buildErr = f.buildMultipartSegment(ctx, &meta, spec, newTS, limiter)
		return buildErr
	})
	if err != nil {
		return 0, err
	}
	metrics.VectorSegmentBuildDuration.WithLabelValues(job.Reason.String()).Observe(timer.Duration().Seconds())

	if err := f.committer.CommitFlush(ctx, meta.Name, spec, res, newTS); err != nil {
		return 0, err
	}
	metrics.VectorSegmentsBuilt.WithLabelValues(job.Reason.String()).Inc()

	var indexed uint32
	if res.segment != nil {
		indexed = res.segment.NumVectors()
		metrics.VectorsIndexed.Add(float64(indexed))
	}
	buildLog := log.ForBuild(meta.Name, job.Reason.String())
	buildLog.Info().
		Uint32("vectors", indexed).
		Bool("backfill_complete", res.backfillComplete).
		Msg("flushed vector segment")
	return indexed, nil
}

// buildMultipartSegment runs on a pool worker. It streams documents per
// the spec, accumulates a working segment, and prepares bitset updates
// against private clones so concurrent searches stay unaffected until
// commit.
func (f *Flusher) buildMultipartSegment(ctx context.Context, meta *IndexMetadata, spec buildSpec, newTS types.Timestamp, limiter *rate.Limiter) (*buildResult, error) {
	mutable := NewMutableSegment(meta.Dimension)

	type prevSegment struct {
		frag   FragmentedSegment
		seg    *ImmutableSegment
		bitset *roaring.Bitmap
		dirty  bool
	}
	previous := make([]*prevSegment, 0, len(spec.previous))
	for _, frag := range spec.previous {
		seg, err := f.storage.Open(frag)
		if err != nil {
			return nil, err
		}
		previous = append(previous, &prevSegment{frag: frag, seg: seg, bitset: seg.CloneBitset()})
	}

	res := &buildResult{updatedBitsets: make(map[SegmentID]*roaring.Bitmap)}

	deleteFromPrevious := func(id types.InternalID) {
		for _, prev := range previous {
			offset, ok := prev.seg.OffsetOf(id)
			if !ok || prev.bitset.Contains(offset) {
				continue
			}
			prev.bitset.Add(offset)
			prev.dirty = true
			res.deletedIDs = append(res.deletedIDs, id)
			metrics.VectorsDeleted.Inc()
		}
	}

	var stream VectorStream
	switch spec.kind {
	case buildPartial:
		stream = f.source.StreamRange(ctx, meta.TabletID, types.Span(spec.lastTS, newTS))
	case buildIncremental:
		stream = f.source.StreamTableAt(ctx, meta.TabletID, spec.backfillSnapshot, spec.cursor)
	}

	sincePause := 0
	stoppedOnBudget := false
	for stream.Next(ctx) {
		sincePause++
		if sincePause >= f.cfg.PageSize {
			sincePause = 0
			if err := limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		entry := stream.Entry()
		if entry.Deleted {
			mutable.Delete(entry.ID)
			deleteFromPrevious(entry.ID)
			continue
		}
		if len(entry.Vector) != meta.Dimension {
			// Documents with the wrong dimension never enter the index.
			continue
		}
		// A vector reappearing supersedes any copy in older segments.
		deleteFromPrevious(entry.ID)
		if err := mutable.Upsert(entry.ID, entry.Vector); err != nil {
			return nil, err
		}
		if spec.kind == buildIncremental {
			id := entry.ID
			res.newCursor = &id
			if mutable.VectorBytes() >= f.cfg.IncrementalBuildBytes {
				stoppedOnBudget = true
				break
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, err
	}
	res.backfillComplete = spec.kind == buildIncremental && !stoppedOnBudget

	for _, prev := range previous {
		if prev.dirty {
			res.updatedBitsets[prev.frag.ID] = prev.bitset
		}
	}

	// Empty segments are never emitted.
	res.segment = mutable.Build(f.cfg.HNSWThreshold)
	return res, nil
}
