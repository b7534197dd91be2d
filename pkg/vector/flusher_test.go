package vector

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/loam/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSource is a scripted document log for build tests.
type fakeSource struct {
	mu sync.Mutex

	latest types.Timestamp
	// log holds (ts, entry) pairs in commit order.
	log []fakeLogEntry
	// table holds the live snapshot rows in id order.
	table []VectorEntry
}

type fakeLogEntry struct {
	ts    types.Timestamp
	entry VectorEntry
}

func (f *fakeSource) LatestTS(context.Context) (types.Timestamp, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.latest, nil
}

func (f *fakeSource) append(ts types.Timestamp, entry VectorEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log = append(f.log, fakeLogEntry{ts: ts, entry: entry})
	if ts > f.latest {
		f.latest = ts
	}
}

func (f *fakeSource) StreamRange(_ context.Context, _ types.TabletID, tr types.TimestampRange) VectorStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	var entries []VectorEntry
	for _, le := range f.log {
		if tr.Contains(le.ts) {
			entries = append(entries, le.entry)
		}
	}
	return &sliceStream{entries: entries}
}

func (f *fakeSource) StreamTableAt(_ context.Context, _ types.TabletID, _ types.Timestamp, cursor *types.InternalID) VectorStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	var entries []VectorEntry
	for _, e := range f.table {
		if cursor != nil && e.ID.Compare(*cursor) <= 0 {
			continue
		}
		entries = append(entries, e)
	}
	return &sliceStream{entries: entries}
}

type sliceStream struct {
	entries []VectorEntry
	pos     int
	current VectorEntry
}

func (s *sliceStream) Next(context.Context) bool {
	if s.pos >= len(s.entries) {
		return false
	}
	s.current = s.entries[s.pos]
	s.pos++
	return true
}

func (s *sliceStream) Entry() VectorEntry { return s.current }
func (s *sliceStream) Err() error          { return nil }

type harness struct {
	source    *fakeSource
	storage   *SegmentStorage
	catalog   *Catalog
	committer *Committer
	flusher   *Flusher
	compactor *Compactor
	pool      *Pool
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	storage, err := NewSegmentStorage(dir)
	require.NoError(t, err)
	catalog, err := OpenCatalog(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = catalog.Close() })

	source := &fakeSource{latest: 1}
	pool := NewPool(2, 100)
	t.Cleanup(pool.Close)
	committer := NewCommitter(catalog, storage)
	flusher := NewFlusher(source, storage, catalog, committer, pool, FlusherConfig{
		HNSWThreshold:         1024,
		IncrementalBuildBytes: 1 << 20,
	}, ClassifyConfig{})
	compactor := NewCompactor(storage, catalog, committer, pool, CompactorConfig{
		MinSegments:   3,
		HNSWThreshold: 1024,
	})
	return &harness{
		source:    source,
		storage:   storage,
		catalog:   catalog,
		committer: committer,
		flusher:   flusher,
		compactor: compactor,
		pool:      pool,
	}
}

func (h *harness) createIndex(t *testing.T, name string) IndexMetadata {
	t.Helper()
	meta := IndexMetadata{
		Name:      name,
		IndexID:   types.NewIndexID(),
		TabletID:  types.NewTabletID(),
		Dimension: 2,
		Client:    "test",
		State:     IndexState{Kind: StateBackfilling, SnapshotTS: 1},
	}
	require.NoError(t, h.catalog.UpdateVectorIndex(meta))
	return meta
}

func (h *harness) state(t *testing.T, name string) IndexState {
	t.Helper()
	meta, err := h.catalog.GetVectorIndex(name)
	require.NoError(t, err)
	return meta.State
}

func TestBackfillEmptyTableProducesNoSegment(t *testing.T) {
	h := newHarness(t)
	h.createIndex(t, "idx")

	_, err := h.flusher.Step(context.Background())
	require.NoError(t, err)

	state := h.state(t, "idx")
	assert.Equal(t, StateBackfilled, state.Kind)
	assert.Empty(t, state.Segments, "an empty backfill emits no zero-vector segment")
}

func TestBackfillThenCatchUpReachesSnapshotted(t *testing.T) {
	h := newHarness(t)
	h.createIndex(t, "idx")

	id := types.NewInternalID()
	h.source.table = []VectorEntry{{ID: id, Vector: vec(1, 2)}}

	ctx := context.Background()

	// Backfill sweep.
	_, err := h.flusher.Step(ctx)
	require.NoError(t, err)
	state := h.state(t, "idx")
	assert.Equal(t, StateBackfilled, state.Kind)
	require.Len(t, state.Segments, 1)
	assert.Equal(t, uint32(1), state.Segments[0].NumVectors)

	// Catch-up flush completes the transition to serving.
	h.source.append(5, VectorEntry{ID: types.NewInternalID(), Vector: vec(3, 4)})
	_, err = h.flusher.Step(ctx)
	require.NoError(t, err)
	state = h.state(t, "idx")
	assert.Equal(t, StateSnapshotted, state.Kind)
	assert.Equal(t, types.Timestamp(5), state.SnapshotTS)
	assert.Len(t, state.Segments, 2)
}

func TestIncrementalBackfillCutsPartsOnBudget(t *testing.T) {
	h := newHarness(t)
	h.createIndex(t, "idx")
	// Tiny budget: every vector fills a part.
	h.flusher.cfg.IncrementalBuildBytes = 8

	ids := []types.InternalID{types.NewInternalID(), types.NewInternalID(), types.NewInternalID()}
	// The snapshot sweep resumes by id order.
	sort.Slice(ids, func(i, j int) bool { return ids[i].Compare(ids[j]) < 0 })
	for _, id := range ids {
		h.source.table = append(h.source.table, VectorEntry{ID: id, Vector: vec(1, 1)})
	}

	ctx := context.Background()

	// Part one: budget reached after the first vector, still backfilling.
	_, err := h.flusher.Step(ctx)
	require.NoError(t, err)
	state := h.state(t, "idx")
	assert.Equal(t, StateBackfilling, state.Kind)
	require.NotNil(t, state.Cursor)
	assert.Equal(t, ids[0], *state.Cursor)
	assert.Len(t, state.Segments, 1)

	// Remaining parts finish the sweep.
	for i := 0; i < 3 && h.state(t, "idx").Kind == StateBackfilling; i++ {
		_, err = h.flusher.Step(ctx)
		require.NoError(t, err)
	}
	state = h.state(t, "idx")
	assert.Equal(t, StateBackfilled, state.Kind)

	total := uint32(0)
	for _, seg := range state.Segments {
		total += seg.NumVectors
	}
	assert.Equal(t, uint32(3), total)
}

func TestFlushWithNoNewDocumentsAppendsNothing(t *testing.T) {
	h := newHarness(t)
	h.createIndex(t, "idx")
	h.source.table = []VectorEntry{{ID: types.NewInternalID(), Vector: vec(1, 1)}}

	ctx := context.Background()
	_, err := h.flusher.Step(ctx)
	require.NoError(t, err)
	h.source.latest = 2
	_, err = h.flusher.Step(ctx)
	require.NoError(t, err)
	require.Equal(t, StateSnapshotted, h.state(t, "idx").Kind)
	segments := len(h.state(t, "idx").Segments)

	// Log advances with no vector activity: no empty segment appears.
	h.source.latest = 3
	_, err = h.flusher.Step(ctx)
	require.NoError(t, err)
	state := h.state(t, "idx")
	assert.Len(t, state.Segments, segments)
	assert.Equal(t, types.Timestamp(3), state.SnapshotTS)
}

// TestConcurrentCompactionAndFlushPropagatesDeletes drives the race the
// committer exists for: a flush builds against segments a compaction
// replaces before the flush commits.
func TestConcurrentCompactionAndFlushPropagatesDeletes(t *testing.T) {
	h := newHarness(t)
	h.createIndex(t, "idx")
	ctx := context.Background()

	// Three segments, one vector each.
	docIDs := make([]types.InternalID, 3)
	_, err := h.flusher.Step(ctx) // empty backfill -> Backfilled
	require.NoError(t, err)
	ts := types.Timestamp(1)
	for i := range docIDs {
		docIDs[i] = types.NewInternalID()
		ts++
		h.source.append(ts, VectorEntry{ID: docIDs[i], Vector: vec(float32(i), 1)})
		_, err = h.flusher.Step(ctx)
		require.NoError(t, err)
	}
	require.Len(t, h.state(t, "idx").Segments, 3)
	require.Equal(t, StateSnapshotted, h.state(t, "idx").Kind)

	// Queue a delete for every document plus one new insert.
	newID := types.NewInternalID()
	ts++
	newTS := ts
	for _, id := range docIDs {
		h.source.append(newTS, VectorEntry{ID: id, Deleted: true})
	}
	h.source.append(newTS, VectorEntry{ID: newID, Vector: vec(9, 9)})

	// The flush BUILDS first (recording deletions against the three old
	// segments) but commits second.
	current, err := h.catalog.GetVectorIndex("idx")
	require.NoError(t, err)
	spec := buildSpec{
		kind:     buildPartial,
		lastTS:   current.State.SnapshotTS,
		previous: current.State.Segments,
	}
	res, err := h.flusher.buildMultipartSegment(ctx, current, spec, newTS, ReasonCatchUp.Limiter())
	require.NoError(t, err)
	require.NotNil(t, res.segment)
	assert.Len(t, res.deletedIDs, 3)

	// Compaction commits first, replacing all three inputs.
	require.NoError(t, h.compactor.CompactIndex(ctx, "idx"))
	afterCompaction := h.state(t, "idx")
	require.Len(t, afterCompaction.Segments, 1)
	assert.Equal(t, uint32(3), afterCompaction.Segments[0].NumVectors)
	assert.Equal(t, uint32(0), afterCompaction.Segments[0].NumDeleted)

	// Now the flush commits; its deletions must land on the compacted
	// segment.
	require.NoError(t, h.committer.CommitFlush(ctx, "idx", spec, res, newTS))

	final := h.state(t, "idx")
	require.Len(t, final.Segments, 2, "one compacted segment plus the new flush segment")

	compacted := final.Segments[0]
	assert.Equal(t, uint32(3), compacted.NumVectors)
	assert.Equal(t, uint32(3), compacted.NumDeleted, "every input vector is deleted in the compacted bitset")

	flushed := final.Segments[1]
	assert.Equal(t, uint32(1), flushed.NumVectors)
	seg, err := h.storage.Open(flushed)
	require.NoError(t, err)
	assert.True(t, seg.Contains(newID))

	// The live-point invariant: the new insert lives in exactly one
	// segment, the deleted documents in none.
	for _, id := range docIDs {
		for _, frag := range final.Segments {
			s, err := h.storage.Open(frag)
			require.NoError(t, err)
			assert.False(t, s.Contains(id))
		}
	}
}

func TestVersionMismatchTriggersRebuild(t *testing.T) {
	h := newHarness(t)
	h.createIndex(t, "idx")
	ctx := context.Background()

	id := types.NewInternalID()
	h.source.table = []VectorEntry{{ID: id, Vector: vec(1, 1)}}
	_, err := h.flusher.Step(ctx)
	require.NoError(t, err)
	h.source.latest = 2
	_, err = h.flusher.Step(ctx)
	require.NoError(t, err)
	require.Equal(t, StateSnapshotted, h.state(t, "idx").Kind)

	// Downgrade the recorded format: the next step rebuilds from scratch.
	meta, err := h.catalog.GetVectorIndex("idx")
	require.NoError(t, err)
	meta.State.Segments[0].FormatVersion = SegmentFormatVersion - 1
	require.NoError(t, h.catalog.UpdateVectorIndex(*meta))

	h.source.latest = 3
	_, err = h.flusher.Step(ctx)
	require.NoError(t, err)

	state := h.state(t, "idx")
	// The rebuild sweeps the table at a fresh snapshot; the obsolete
	// segment is dropped from the state.
	for _, seg := range state.Segments {
		assert.Equal(t, SegmentFormatVersion, seg.FormatVersion)
	}
}

func TestPoolFairShare(t *testing.T) {
	pool := NewPool(4, 50) // 2 workers max per client
	defer pool.Close()
	ctx := context.Background()

	block := make(chan struct{})
	started := make(chan struct{}, 4)
	var wg sync.WaitGroup
	runBlocked := func(client string) chan error {
		out := make(chan error, 1)
		wg.Add(1)
		go func() {
			defer wg.Done()
			out <- pool.Do(ctx, client, func() error {
				started <- struct{}{}
				<-block
				return nil
			})
		}()
		return out
	}

	r1 := runBlocked("greedy")
	r2 := runBlocked("greedy")
	<-started
	<-started

	// The third job for the same client is over its share.
	err := pool.Do(ctx, "greedy", func() error { return nil })
	assert.ErrorIs(t, err, types.ErrWorkerOverloaded)

	// Another client still gets in.
	done := make(chan error, 1)
	go func() { done <- pool.Do(ctx, "patient", func() error { return nil }) }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("other client starved")
	}

	close(block)
	assert.NoError(t, <-r1)
	assert.NoError(t, <-r2)
	wg.Wait()
}

func TestPoolExpiresQueuedJobs(t *testing.T) {
	pool := NewPool(1, 100)
	defer pool.Close()

	block := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = pool.Do(context.Background(), "a", func() error {
			close(started)
			<-block
			return nil
		})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := pool.Do(ctx, "b", func() error { return nil })
	assert.ErrorIs(t, err, types.ErrExpiredInQueue)
	close(block)
}

func TestSearcherAcrossSegments(t *testing.T) {
	h := newHarness(t)
	h.createIndex(t, "idx")
	ctx := context.Background()

	_, err := h.flusher.Step(ctx) // empty backfill
	require.NoError(t, err)

	near := types.NewInternalID()
	far := types.NewInternalID()
	h.source.append(2, VectorEntry{ID: near, Vector: vec(1, 1)})
	_, err = h.flusher.Step(ctx)
	require.NoError(t, err)
	h.source.append(3, VectorEntry{ID: far, Vector: vec(50, 50)})
	_, err = h.flusher.Step(ctx)
	require.NoError(t, err)
	require.Len(t, h.state(t, "idx").Segments, 2)

	searcher := NewSearcher(h.storage, h.catalog)
	results, err := searcher.Search(ctx, "idx", vec(0, 0), 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, near, results[0].ID)
	assert.Equal(t, far, results[1].ID)

	// Dimension mismatch is rejected.
	_, err = searcher.Search(ctx, "idx", vec(0, 0, 0), 1)
	assert.Error(t, err)
}

func TestSearcherRejectsBuildingIndex(t *testing.T) {
	h := newHarness(t)
	h.createIndex(t, "idx")

	searcher := NewSearcher(h.storage, h.catalog)
	_, err := searcher.Search(context.Background(), "idx", vec(0, 0), 1)
	assert.ErrorIs(t, err, ErrIndexNotReady)
}
