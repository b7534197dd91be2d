package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"

	"github.com/cuemby/loam/pkg/types"
)

// Page sizing for snapshot reads. The size hint is clamped into
// [minQueryBatchSize, maxQueryBatchSize] and doubles each round up to
// maxDynamicBatchSize to amortize tombstones and long-key groups.
const (
	minQueryBatchSize   = 8
	maxQueryBatchSize   = 128
	maxDynamicBatchSize = 1024
	defaultPageSize     = 128
)

type sqliteReader struct {
	p *SQLitePersistence
}

type docCursor struct {
	ts     int64
	tablet []byte
	id     []byte
}

// DocumentStream is a cursor-paginated read of the document log. Use it
// like sql.Rows: Next advances, Entry reads the current row, Err reports
// what terminated the stream.
type DocumentStream struct {
	r         *sqliteReader
	tr        types.TimestampRange
	order     types.Order
	pageSize  int
	retention RetentionValidator

	cursor    docCursor
	page      []types.DocumentLogEntry
	pageIdx   int
	exhausted bool
	validated bool
	err       error
	entry     types.DocumentLogEntry
}

// LoadDocuments implements Reader.
func (r *sqliteReader) LoadDocuments(ctx context.Context, tr types.TimestampRange, order types.Order, pageSize int, retention RetentionValidator) *DocumentStream {
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	cursor := docCursor{ts: math.MinInt64}
	if order == types.Desc {
		// 17 bytes of 0xff compares above any 16-byte column value.
		high := make([]byte, 17)
		for i := range high {
			high[i] = 0xff
		}
		cursor = docCursor{ts: math.MaxInt64, tablet: high, id: high}
	}
	return &DocumentStream{
		r:         r,
		tr:        tr,
		order:     order,
		pageSize:  pageSize,
		retention: retention,
		cursor:    cursor,
	}
}

// Next advances to the next revision. It returns false at the end of the
// stream or on error; check Err afterwards.
func (s *DocumentStream) Next(ctx context.Context) bool {
	if s.err != nil {
		return false
	}
	if !s.validated {
		if err := s.retention.ValidateDocumentSnapshot(ctx, s.tr.Start); err != nil {
			s.err = err
			return false
		}
		s.validated = true
	}
	for {
		if s.pageIdx < len(s.page) {
			s.entry = s.page[s.pageIdx]
			s.pageIdx++
			return true
		}
		if s.exhausted {
			return false
		}
		if err := s.loadPage(ctx); err != nil {
			s.err = err
			return false
		}
	}
}

// Entry returns the revision Next positioned on.
func (s *DocumentStream) Entry() types.DocumentLogEntry {
	return s.entry
}

// Err returns the error that terminated the stream, if any.
func (s *DocumentStream) Err() error {
	return s.err
}

func (s *DocumentStream) loadPage(ctx context.Context) error {
	// Retention can advance while a long scan is in flight; re-validate
	// at every page boundary.
	if err := s.retention.ValidateDocumentSnapshot(ctx, s.tr.Start); err != nil {
		return err
	}

	query := loadDocumentsAscQuery
	if s.order == types.Desc {
		query = loadDocumentsDescQuery
	}
	rows, err := s.r.p.db.QueryContext(ctx, query,
		int64(s.tr.Start), int64(s.tr.End),
		s.cursor.ts, s.cursor.tablet, s.cursor.id,
		s.pageSize)
	if err != nil {
		return fmt.Errorf("failed to load documents: %w", err)
	}
	defer rows.Close()

	s.page = s.page[:0]
	s.pageIdx = 0
	n := 0
	for rows.Next() {
		entry, key, err := scanDocumentRow(rows)
		if err != nil {
			return err
		}
		s.page = append(s.page, entry)
		s.cursor = key
		n++
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate documents: %w", err)
	}
	if n < s.pageSize {
		s.exhausted = true
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocumentRow(rows rowScanner) (types.DocumentLogEntry, docCursor, error) {
	var (
		idBytes     []byte
		ts          int64
		tabletBytes []byte
		jsonValue   []byte
		deleted     int
		prevTS      sql.NullInt64
	)
	if err := rows.Scan(&idBytes, &ts, &tabletBytes, &jsonValue, &deleted, &prevTS); err != nil {
		return types.DocumentLogEntry{}, docCursor{}, fmt.Errorf("failed to scan document row: %w", err)
	}
	entry := types.DocumentLogEntry{TS: types.Timestamp(ts)}
	copy(entry.ID.Tablet[:], tabletBytes)
	copy(entry.ID.Internal[:], idBytes)
	if deleted == 0 && jsonValue != nil {
		var v types.Value
		if err := json.Unmarshal(jsonValue, &v); err != nil {
			return types.DocumentLogEntry{}, docCursor{}, fmt.Errorf("failed to decode document %s: %w", entry.ID, err)
		}
		entry.Value = &v
	}
	if prevTS.Valid {
		prev := types.Timestamp(prevTS.Int64)
		entry.PrevTS = &prev
	}
	return entry, docCursor{ts: ts, tablet: tabletBytes, id: idBytes}, nil
}

// PreviousRevisions implements Reader.
func (r *sqliteReader) PreviousRevisions(ctx context.Context, queries []types.DocumentPrevTSQuery, retention RetentionValidator) (map[types.DocumentPrevTSQuery]types.DocumentLogEntry, error) {
	return r.revisionLookup(ctx, queries, retention, false)
}

// PreviousRevisionsOfDocuments implements Reader.
func (r *sqliteReader) PreviousRevisionsOfDocuments(ctx context.Context, queries []types.DocumentPrevTSQuery, retention RetentionValidator) (map[types.DocumentPrevTSQuery]types.DocumentLogEntry, error) {
	return r.revisionLookup(ctx, queries, retention, true)
}

type revisionLookupKey struct {
	tablet  types.TabletID
	id      types.InternalID
	queryTS int64
}

func (r *sqliteReader) revisionLookup(ctx context.Context, queries []types.DocumentPrevTSQuery, retention RetentionValidator, exact bool) (map[types.DocumentPrevTSQuery]types.DocumentLogEntry, error) {
	byKey := make(map[revisionLookupKey]types.DocumentPrevTSQuery, len(queries))
	for _, q := range queries {
		target := q.TS
		if exact {
			target = q.PrevTS
		}
		if err := retention.ValidateDocumentSnapshot(ctx, target); err != nil {
			return nil, err
		}
		byKey[revisionLookupKey{tablet: q.ID.Tablet, id: q.ID.Internal, queryTS: int64(target)}] = q
	}

	out := make(map[types.DocumentPrevTSQuery]types.DocumentLogEntry, len(queries))
	pos := 0
	for _, chunkSize := range smartChunks(len(queries)) {
		chunk := queries[pos : pos+chunkSize]
		pos += chunkSize

		stmt, err := r.p.stmt(ctx, prevRevChunk(chunkSize, exact))
		if err != nil {
			return nil, err
		}
		args := make([]any, 0, chunkSize*4)
		for _, q := range chunk {
			target := q.TS
			if exact {
				target = q.PrevTS
			}
			args = append(args, int64(target), q.ID.Tablet.Bytes(), q.ID.Internal.Bytes(), int64(target))
		}
		rows, err := stmt.QueryContext(ctx, args...)
		if err != nil {
			return nil, fmt.Errorf("failed to look up previous revisions: %w", err)
		}
		if err := func() error {
			defer rows.Close()
			for rows.Next() {
				var (
					idBytes     []byte
					ts          int64
					tabletBytes []byte
					jsonValue   []byte
					deleted     int
					prevTS      sql.NullInt64
					queryTS     int64
				)
				if err := rows.Scan(&idBytes, &ts, &tabletBytes, &jsonValue, &deleted, &prevTS, &queryTS); err != nil {
					return fmt.Errorf("failed to scan revision row: %w", err)
				}
				var key revisionLookupKey
				copy(key.tablet[:], tabletBytes)
				copy(key.id[:], idBytes)
				key.queryTS = queryTS
				q, ok := byKey[key]
				if !ok {
					continue
				}
				entry := types.DocumentLogEntry{TS: types.Timestamp(ts), ID: q.ID}
				if deleted == 0 && jsonValue != nil {
					var v types.Value
					if err := json.Unmarshal(jsonValue, &v); err != nil {
						return fmt.Errorf("failed to decode document %s: %w", q.ID, err)
					}
					entry.Value = &v
				}
				if prevTS.Valid {
					prev := types.Timestamp(prevTS.Int64)
					entry.PrevTS = &prev
				}
				out[q] = entry
			}
			return rows.Err()
		}(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// LoadIndexChunk implements Reader.
func (r *sqliteReader) LoadIndexChunk(ctx context.Context, cursor *IndexEntryKey, n int) ([]IndexRow, error) {
	var (
		indexID   []byte
		keyPrefix []byte
		keySHA    []byte
		ts        int64
	)
	if cursor != nil {
		indexID = cursor.IndexID.Bytes()
		keyPrefix = cursor.KeyPrefix
		keySHA = cursor.KeySHA256[:]
		ts = int64(cursor.TS)
	} else {
		indexID = []byte{}
		keyPrefix = []byte{}
		keySHA = []byte{}
		ts = math.MinInt64
	}

	rows, err := r.p.db.QueryContext(ctx, loadIndexChunkQuery, indexID, keyPrefix, keySHA, ts, n)
	if err != nil {
		return nil, fmt.Errorf("failed to load index chunk: %w", err)
	}
	defer rows.Close()

	var out []IndexRow
	for rows.Next() {
		var (
			rowIndexID []byte
			rowPrefix  []byte
			rowSHA     []byte
			rowTS      int64
			rowSuffix  []byte
			deleted    int
			tableID    []byte
			docID      []byte
		)
		if err := rows.Scan(&rowIndexID, &rowPrefix, &rowSHA, &rowTS, &rowSuffix, &deleted, &tableID, &docID); err != nil {
			return nil, fmt.Errorf("failed to scan index row: %w", err)
		}
		row := IndexRow{
			Key: IndexEntryKey{
				KeyPrefix: rowPrefix,
				TS:        types.Timestamp(rowTS),
			},
			KeySuffix: rowSuffix,
			Deleted:   deleted != 0,
		}
		copy(row.Key.IndexID[:], rowIndexID)
		copy(row.Key.KeySHA256[:], rowSHA)
		if tableID != nil {
			var tablet types.TabletID
			copy(tablet[:], tableID)
			row.TabletID = &tablet
		}
		if docID != nil {
			var internal types.InternalID
			copy(internal[:], docID)
			row.DocID = &internal
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate index chunk: %w", err)
	}
	return out, nil
}

// MaxTS implements Reader.
func (r *sqliteReader) MaxTS(ctx context.Context) (types.Timestamp, error) {
	var ts int64
	if err := r.p.db.QueryRowContext(ctx, maxTSQuery).Scan(&ts); err != nil {
		return 0, fmt.Errorf("failed to read max timestamp: %w", err)
	}
	return types.Timestamp(ts), nil
}

// Compile-time check that sqliteReader implements Reader.
var _ Reader = (*sqliteReader)(nil)
