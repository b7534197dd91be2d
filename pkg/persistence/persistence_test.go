package persistence

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/cuemby/loam/pkg/log"
	"github.com/cuemby/loam/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel})
	os.Exit(m.Run())
}

// testRetention is a fixed watermark pair for read validation.
type testRetention struct {
	minIndexTS    types.Timestamp
	minDocumentTS types.Timestamp
}

func (r testRetention) ValidateSnapshot(_ context.Context, ts types.Timestamp) error {
	if ts < r.minIndexTS {
		return &types.SnapshotTooOldError{Requested: ts, MinIndex: r.minIndexTS}
	}
	return nil
}

func (r testRetention) ValidateDocumentSnapshot(_ context.Context, ts types.Timestamp) error {
	if ts < r.minDocumentTS {
		return &types.DocumentSnapshotTooOldError{Requested: ts, MinDocument: r.minDocumentTS}
	}
	return nil
}

func openTest(t *testing.T) *SQLitePersistence {
	t.Helper()
	p, err := Open(context.Background(), filepath.Join(t.TempDir(), "loam.db"), Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func docEntry(id types.DocumentID, ts types.Timestamp, value *types.Value, prevTS *types.Timestamp) types.DocumentLogEntry {
	return types.DocumentLogEntry{TS: ts, ID: id, Value: value, PrevTS: prevTS}
}

func valuePtr(v types.Value) *types.Value {
	return &v
}

func collectDocs(t *testing.T, stream *DocumentStream) []types.DocumentLogEntry {
	t.Helper()
	ctx := context.Background()
	var out []types.DocumentLogEntry
	for stream.Next(ctx) {
		out = append(out, stream.Entry())
	}
	require.NoError(t, stream.Err())
	return out
}

func TestWriteReadDelete(t *testing.T) {
	p := openTest(t)
	ctx := context.Background()
	id := types.DocumentID{Tablet: types.NewTabletID(), Internal: types.NewInternalID()}

	require.NoError(t, p.Write(ctx,
		[]types.DocumentLogEntry{docEntry(id, 0, valuePtr(types.Object(map[string]types.Value{"v": types.Int(1)})), nil)},
		nil, types.ConflictError))
	prev := types.Timestamp(0)
	require.NoError(t, p.Write(ctx,
		[]types.DocumentLogEntry{docEntry(id, 1, nil, &prev)},
		nil, types.ConflictError))

	all := collectDocs(t, p.Reader().LoadDocuments(ctx, types.AllTime(), types.Asc, 10, testRetention{}))
	require.Len(t, all, 2)
	assert.Equal(t, types.Timestamp(0), all[0].TS)
	assert.False(t, all[0].IsTombstone())
	assert.Equal(t, types.Timestamp(1), all[1].TS)
	assert.True(t, all[1].IsTombstone())
	require.NotNil(t, all[1].PrevTS)
	assert.Equal(t, types.Timestamp(0), *all[1].PrevTS)

	fromOne := collectDocs(t, p.Reader().LoadDocuments(ctx, types.AtOrAfter(1), types.Asc, 10, testRetention{}))
	require.Len(t, fromOne, 1)
	assert.True(t, fromOne[0].IsTombstone())
}

func TestLoadDocumentsOrderAndDescending(t *testing.T) {
	p := openTest(t)
	ctx := context.Background()
	tablet := types.NewTabletID()

	var docs []types.DocumentLogEntry
	for ts := types.Timestamp(1); ts <= 5; ts++ {
		id := types.DocumentID{Tablet: tablet, Internal: types.NewInternalID()}
		docs = append(docs, docEntry(id, ts, valuePtr(types.Int(int64(ts))), nil))
	}
	require.NoError(t, p.Write(ctx, docs, nil, types.ConflictError))

	// Page size smaller than the row count exercises cursor pagination.
	asc := collectDocs(t, p.Reader().LoadDocuments(ctx, types.AllTime(), types.Asc, 2, testRetention{}))
	require.Len(t, asc, 5)
	for i := 1; i < len(asc); i++ {
		assert.Less(t, asc[i-1].TS, asc[i].TS)
	}

	desc := collectDocs(t, p.Reader().LoadDocuments(ctx, types.AllTime(), types.Desc, 2, testRetention{}))
	require.Len(t, desc, 5)
	for i := 1; i < len(desc); i++ {
		assert.Greater(t, desc[i-1].TS, desc[i].TS)
	}
}

func TestLoadDocumentsRetentionChecked(t *testing.T) {
	p := openTest(t)
	ctx := context.Background()

	stream := p.Reader().LoadDocuments(ctx, types.AllTime(), types.Asc, 10,
		testRetention{minDocumentTS: 5})
	assert.False(t, stream.Next(ctx))
	var tooOld *types.DocumentSnapshotTooOldError
	require.ErrorAs(t, stream.Err(), &tooOld)
}

func writeIndexedDoc(t *testing.T, p *SQLitePersistence, indexID types.IndexID, id types.DocumentID, ts types.Timestamp, key types.IndexKey, value types.Value) {
	t.Helper()
	docID := id
	require.NoError(t, p.Write(context.Background(),
		[]types.DocumentLogEntry{docEntry(id, ts, valuePtr(value), nil)},
		[]types.IndexUpdate{{TS: ts, Entry: types.IndexEntry{
			IndexID: indexID, Key: key, TS: ts, DocID: &docID,
		}}},
		types.ConflictOverwrite))
}

func collectScan(t *testing.T, scan *IndexScanStream) []IndexScanItem {
	t.Helper()
	ctx := context.Background()
	var out []IndexScanItem
	for scan.Next(ctx) {
		out = append(out, scan.Item())
	}
	require.NoError(t, scan.Err())
	return out
}

func TestIndexScanLatestRevisionPerKey(t *testing.T) {
	p := openTest(t)
	ctx := context.Background()
	tablet := types.NewTabletID()
	indexID := types.NewIndexID()
	id := types.DocumentID{Tablet: tablet, Internal: types.NewInternalID()}
	key := types.EncodeKey(types.String("k"))

	writeIndexedDoc(t, p, indexID, id, 1, key, types.Int(1))
	writeIndexedDoc(t, p, indexID, id, 2, key, types.Int(2))

	atTwo := collectScan(t, p.Reader().IndexScan(ctx, indexID, tablet, 2,
		types.Interval{}, types.Asc, 10, testRetention{}))
	require.Len(t, atTwo, 1)
	assert.Equal(t, types.Timestamp(2), atTwo[0].TS)
	assert.Equal(t, int64(2), atTwo[0].Document.Value.Int)

	atOne := collectScan(t, p.Reader().IndexScan(ctx, indexID, tablet, 1,
		types.Interval{}, types.Asc, 10, testRetention{}))
	require.Len(t, atOne, 1)
	assert.Equal(t, int64(1), atOne[0].Document.Value.Int)

	// A tombstone hides the key from later snapshots.
	require.NoError(t, p.Write(ctx, nil, []types.IndexUpdate{{TS: 3, Entry: types.IndexEntry{
		IndexID: indexID, Key: key, TS: 3, Tombstone: true,
	}}}, types.ConflictError))
	atThree := collectScan(t, p.Reader().IndexScan(ctx, indexID, tablet, 3,
		types.Interval{}, types.Asc, 10, testRetention{}))
	assert.Empty(t, atThree)
}

func TestIndexScanDanglingReference(t *testing.T) {
	p := openTest(t)
	ctx := context.Background()
	tablet := types.NewTabletID()
	indexID := types.NewIndexID()
	missing := types.DocumentID{Tablet: tablet, Internal: types.NewInternalID()}

	require.NoError(t, p.Write(ctx, nil, []types.IndexUpdate{{TS: 1, Entry: types.IndexEntry{
		IndexID: indexID,
		Key:     types.EncodeKey(types.String("x")),
		TS:      1,
		DocID:   &missing,
	}}}, types.ConflictError))

	scan := p.Reader().IndexScan(ctx, indexID, tablet, 1, types.Interval{}, types.Asc, 10, testRetention{})
	assert.False(t, scan.Next(ctx))
	require.Error(t, scan.Err())
	assert.Contains(t, scan.Err().Error(), "Dangling index reference")
}

func TestIndexScanLongKeyFullOrder(t *testing.T) {
	p := openTest(t)
	ctx := context.Background()
	tablet := types.NewTabletID()
	indexID := types.NewIndexID()

	prefix := bytes.Repeat([]byte{'m'}, types.MaxIndexKeyPrefixLen)
	longA := types.IndexKey(append(append([]byte{}, prefix...), 'a'))
	longB := types.IndexKey(append(append([]byte{}, prefix...), 'b'))
	longC := types.IndexKey(append(append([]byte{}, prefix...), 'c'))
	before := types.IndexKey([]byte("aaa"))
	after := types.IndexKey([]byte("zzz"))

	keys := []types.IndexKey{longB, after, longC, before, longA}
	for i, key := range keys {
		id := types.DocumentID{Tablet: tablet, Internal: types.NewInternalID()}
		writeIndexedDoc(t, p, indexID, id, types.Timestamp(i+1), key, types.Int(int64(i)))
	}

	items := collectScan(t, p.Reader().IndexScan(ctx, indexID, tablet, 10,
		types.Interval{}, types.Asc, 2, testRetention{}))
	require.Len(t, items, 5)
	want := []types.IndexKey{before, longA, longB, longC, after}
	for i, item := range items {
		assert.True(t, bytes.Equal(want[i], item.Key),
			"position %d: expected key %q..., got %q...", i, want[i][:3], item.Key[:3])
	}

	// Descending mirrors the order.
	descItems := collectScan(t, p.Reader().IndexScan(ctx, indexID, tablet, 10,
		types.Interval{}, types.Desc, 2, testRetention{}))
	require.Len(t, descItems, 5)
	for i, item := range descItems {
		assert.True(t, bytes.Equal(want[len(want)-1-i], item.Key))
	}
}

func TestIndexScanIntervalWithLongEndpoint(t *testing.T) {
	p := openTest(t)
	ctx := context.Background()
	tablet := types.NewTabletID()
	indexID := types.NewIndexID()

	prefix := bytes.Repeat([]byte{'m'}, types.MaxIndexKeyPrefixLen)
	longA := types.IndexKey(append(append([]byte{}, prefix...), 'a'))
	longB := types.IndexKey(append(append([]byte{}, prefix...), 'b'))

	for i, key := range []types.IndexKey{longA, longB} {
		id := types.DocumentID{Tablet: tablet, Internal: types.NewInternalID()}
		writeIndexedDoc(t, p, indexID, id, types.Timestamp(i+1), key, types.Int(int64(i)))
	}

	// The interval endpoint is itself longer than the stored prefix;
	// rows sharing its prefix must still be filtered by full key.
	items := collectScan(t, p.Reader().IndexScan(ctx, indexID, tablet, 10,
		types.Interval{Start: longA, End: longB}, types.Asc, 10, testRetention{}))
	require.Len(t, items, 1)
	assert.True(t, bytes.Equal(longA, items[0].Key))
}

func TestWriteTooLarge(t *testing.T) {
	p := openTest(t)
	ctx := context.Background()
	tablet := types.NewTabletID()

	docs := make([]types.DocumentLogEntry, types.MaxInsertSize+1)
	for i := range docs {
		docs[i] = docEntry(types.DocumentID{Tablet: tablet, Internal: types.NewInternalID()},
			types.Timestamp(i), valuePtr(types.Int(1)), nil)
	}
	err := p.Write(ctx, docs, nil, types.ConflictError)
	assert.ErrorIs(t, err, types.ErrTooLarge)
}

func TestReadOnly(t *testing.T) {
	p := openTest(t)
	ctx := context.Background()
	id := types.DocumentID{Tablet: types.NewTabletID(), Internal: types.NewInternalID()}

	require.NoError(t, p.SetReadOnly(ctx, true))
	err := p.Write(ctx, []types.DocumentLogEntry{docEntry(id, 1, valuePtr(types.Int(1)), nil)}, nil, types.ConflictError)
	assert.ErrorIs(t, err, types.ErrReadOnly)

	require.NoError(t, p.SetReadOnly(ctx, false))
	assert.NoError(t, p.Write(ctx, []types.DocumentLogEntry{docEntry(id, 1, valuePtr(types.Int(1)), nil)}, nil, types.ConflictError))
}

func TestConflictStrategies(t *testing.T) {
	p := openTest(t)
	ctx := context.Background()
	id := types.DocumentID{Tablet: types.NewTabletID(), Internal: types.NewInternalID()}

	require.NoError(t, p.Write(ctx,
		[]types.DocumentLogEntry{docEntry(id, 1, valuePtr(types.Int(1)), nil)}, nil, types.ConflictError))

	// Same primary key again: Error fails the batch, Overwrite replaces.
	err := p.Write(ctx,
		[]types.DocumentLogEntry{docEntry(id, 1, valuePtr(types.Int(2)), nil)}, nil, types.ConflictError)
	assert.Error(t, err)

	require.NoError(t, p.Write(ctx,
		[]types.DocumentLogEntry{docEntry(id, 1, valuePtr(types.Int(3)), nil)}, nil, types.ConflictOverwrite))
	all := collectDocs(t, p.Reader().LoadDocuments(ctx, types.AllTime(), types.Asc, 10, testRetention{}))
	require.Len(t, all, 1)
	assert.Equal(t, int64(3), all[0].Value.Int)
}

func TestDuplicateInternalIDInBatch(t *testing.T) {
	p := openTest(t)
	ctx := context.Background()
	id := types.DocumentID{Tablet: types.NewTabletID(), Internal: types.NewInternalID()}

	err := p.Write(ctx, []types.DocumentLogEntry{
		docEntry(id, 1, valuePtr(types.Int(1)), nil),
		docEntry(id, 1, valuePtr(types.Int(2)), nil),
	}, nil, types.ConflictError)
	assert.ErrorIs(t, err, types.ErrDuplicateInternalID)
}

func TestPreviousRevisions(t *testing.T) {
	p := openTest(t)
	ctx := context.Background()
	id := types.DocumentID{Tablet: types.NewTabletID(), Internal: types.NewInternalID()}

	require.NoError(t, p.Write(ctx,
		[]types.DocumentLogEntry{docEntry(id, 1, valuePtr(types.Int(1)), nil)}, nil, types.ConflictError))
	prev := types.Timestamp(1)
	require.NoError(t, p.Write(ctx,
		[]types.DocumentLogEntry{docEntry(id, 5, valuePtr(types.Int(5)), &prev)}, nil, types.ConflictError))

	// Latest revision strictly before ts 5 is the one at ts 1.
	q := types.DocumentPrevTSQuery{ID: id, TS: 5}
	got, err := p.Reader().PreviousRevisions(ctx, []types.DocumentPrevTSQuery{q}, testRetention{})
	require.NoError(t, err)
	require.Contains(t, got, q)
	assert.Equal(t, types.Timestamp(1), got[q].TS)
	assert.Equal(t, int64(1), got[q].Value.Int)
}

func TestPreviousRevisionsRetention(t *testing.T) {
	p := openTest(t)
	ctx := context.Background()
	id := types.DocumentID{Tablet: types.NewTabletID(), Internal: types.NewInternalID()}

	require.NoError(t, p.Write(ctx,
		[]types.DocumentLogEntry{docEntry(id, 1, valuePtr(types.Int(1)), nil)}, nil, types.ConflictError))

	q := types.DocumentPrevTSQuery{ID: id, TS: 5, PrevTS: 1}

	_, err := p.Reader().PreviousRevisionsOfDocuments(ctx,
		[]types.DocumentPrevTSQuery{q}, testRetention{minDocumentTS: 4})
	var tooOld *types.DocumentSnapshotTooOldError
	require.ErrorAs(t, err, &tooOld)

	got, err := p.Reader().PreviousRevisionsOfDocuments(ctx,
		[]types.DocumentPrevTSQuery{q}, testRetention{minDocumentTS: 0})
	require.NoError(t, err)
	require.Contains(t, got, q)
	assert.Equal(t, types.Timestamp(1), got[q].TS)
}

func TestLeasePreemption(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "loam.db")
	ctx := context.Background()

	p1, err := Open(ctx, path, Options{})
	require.NoError(t, err)
	defer p1.Close()

	p2, err := Open(ctx, path, Options{})
	require.NoError(t, err)
	defer p2.Close()

	id := types.DocumentID{Tablet: types.NewTabletID(), Internal: types.NewInternalID()}
	err = p1.Write(ctx, []types.DocumentLogEntry{docEntry(id, 1, valuePtr(types.Int(1)), nil)}, nil, types.ConflictError)
	assert.True(t, errors.Is(err, types.ErrLeaseLost))
	assert.True(t, p1.LeaseLost().Fired())

	// The new holder writes fine.
	assert.NoError(t, p2.Write(ctx, []types.DocumentLogEntry{docEntry(id, 1, valuePtr(types.Int(1)), nil)}, nil, types.ConflictError))
}

func TestPersistenceGlobals(t *testing.T) {
	p := openTest(t)
	ctx := context.Background()

	got, err := p.GetGlobal(ctx, types.GlobalRetentionMinSnapshotTS)
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, p.WriteGlobal(ctx, types.GlobalRetentionMinSnapshotTS, json.RawMessage(`42`)))
	got, err = p.GetGlobal(ctx, types.GlobalRetentionMinSnapshotTS)
	require.NoError(t, err)
	assert.JSONEq(t, `42`, string(got))

	// Atomic replace.
	require.NoError(t, p.WriteGlobal(ctx, types.GlobalRetentionMinSnapshotTS, json.RawMessage(`99`)))
	got, err = p.GetGlobal(ctx, types.GlobalRetentionMinSnapshotTS)
	require.NoError(t, err)
	assert.JSONEq(t, `99`, string(got))
}

func TestLoadIndexChunkAndDelete(t *testing.T) {
	p := openTest(t)
	ctx := context.Background()
	tablet := types.NewTabletID()
	indexID := types.NewIndexID()

	for i := 0; i < 5; i++ {
		id := types.DocumentID{Tablet: tablet, Internal: types.NewInternalID()}
		writeIndexedDoc(t, p, indexID, id, types.Timestamp(i+1),
			types.EncodeKey(types.Int(int64(i))), types.Int(int64(i)))
	}

	var rows []IndexRow
	var cursor *IndexEntryKey
	for {
		chunk, err := p.Reader().LoadIndexChunk(ctx, cursor, 2)
		require.NoError(t, err)
		if len(chunk) == 0 {
			break
		}
		rows = append(rows, chunk...)
		last := chunk[len(chunk)-1].Key
		cursor = &last
		if len(chunk) < 2 {
			break
		}
	}
	require.Len(t, rows, 5)

	deleted, err := p.DeleteIndexEntries(ctx, []IndexEntryKey{rows[0].Key, rows[1].Key})
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	remaining, err := p.Reader().LoadIndexChunk(ctx, nil, 10)
	require.NoError(t, err)
	assert.Len(t, remaining, 3)
}

func TestDeleteDocuments(t *testing.T) {
	p := openTest(t)
	ctx := context.Background()
	tablet := types.NewTabletID()
	id := types.DocumentID{Tablet: tablet, Internal: types.NewInternalID()}

	require.NoError(t, p.Write(ctx,
		[]types.DocumentLogEntry{docEntry(id, 1, valuePtr(types.Int(1)), nil)}, nil, types.ConflictError))

	n, err := p.DeleteDocuments(ctx, []DocumentKey{{TS: 1, Tablet: tablet, ID: id.Internal}})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	all := collectDocs(t, p.Reader().LoadDocuments(ctx, types.AllTime(), types.Asc, 10, testRetention{}))
	assert.Empty(t, all)
}
