package persistence

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/cuemby/loam/pkg/metrics"
	"github.com/cuemby/loam/pkg/types"
)

// maxLongKeyBuffer bounds how many max-length-prefix rows a scan will hold
// for full-key reordering before giving up. A group this large means a
// pathological number of keys share one 2500-byte prefix.
const maxLongKeyBuffer = 8192

var (
	minSHA256 = make([]byte, 32)
	maxSHA256 = bytes.Repeat([]byte{0xff}, 32)
)

// sqlKey is the pagination key for index scans. key_suffix is not part of
// the backend primary key, so pagination runs over (key_prefix, key_sha256)
// and full-key order is restored application-side.
type sqlKey struct {
	prefix []byte
	sha256 []byte
}

type sqlKeyBound struct {
	key       sqlKey
	inclusive bool
	unbounded bool
}

// toSQLBounds widens a full-key interval to (prefix, sha256) bounds. The
// widened range can admit extra long keys sharing a boundary prefix; those
// are filtered against the interval after reassembly.
func toSQLBounds(interval types.Interval) (lower, upper sqlKeyBound) {
	if len(interval.Start) > 0 {
		prefix, _ := types.IndexKey(interval.Start).Split()
		lower = sqlKeyBound{key: sqlKey{prefix: prefix, sha256: minSHA256}, inclusive: true}
	} else {
		lower = sqlKeyBound{unbounded: true}
	}
	if interval.End != nil {
		prefix, _ := types.IndexKey(interval.End).Split()
		upper = sqlKeyBound{key: sqlKey{prefix: prefix, sha256: maxSHA256}, inclusive: true}
	} else {
		upper = sqlKeyBound{unbounded: true}
	}
	return lower, upper
}

// IndexScanStream yields at most one (key, ts, document) tuple per distinct
// index key, in full-key order. Use like sql.Rows: Next, Item, Err.
type IndexScanStream struct {
	r         *sqliteReader
	indexID   types.IndexID
	tabletID  types.TabletID
	snapshot  types.Timestamp
	interval  types.Interval
	order     types.Order
	retention RetentionValidator

	lower     sqlKeyBound
	upper     sqlKeyBound
	batchSize int

	// Rows whose prefix is at maximum length, held until the prefix
	// changes so the group can be emitted in full-key order.
	longKeyBuffer []IndexScanItem

	pending   []IndexScanItem
	pendingIx int
	exhausted bool
	err       error
	item      IndexScanItem
}

// IndexScan implements Reader.
func (r *sqliteReader) IndexScan(ctx context.Context, indexID types.IndexID, tabletID types.TabletID, snapshot types.Timestamp, interval types.Interval, order types.Order, sizeHint int, retention RetentionValidator) *IndexScanStream {
	batchSize := sizeHint
	if batchSize < minQueryBatchSize {
		batchSize = minQueryBatchSize
	}
	if batchSize > maxQueryBatchSize {
		batchSize = maxQueryBatchSize
	}
	lower, upper := toSQLBounds(interval)
	return &IndexScanStream{
		r:         r,
		indexID:   indexID,
		tabletID:  tabletID,
		snapshot:  snapshot,
		interval:  interval,
		order:     order,
		retention: retention,
		lower:     lower,
		upper:     upper,
		batchSize: batchSize,
	}
}

// Next advances to the next tuple. It returns false at the end of the scan
// or on error; check Err afterwards.
func (s *IndexScanStream) Next(ctx context.Context) bool {
	if s.err != nil {
		return false
	}
	for {
		if s.pendingIx < len(s.pending) {
			s.item = s.pending[s.pendingIx]
			s.pendingIx++
			return true
		}
		if s.exhausted {
			return false
		}
		if err := s.loadBatch(ctx); err != nil {
			s.err = err
			return false
		}
	}
}

// Item returns the tuple Next positioned on.
func (s *IndexScanStream) Item() IndexScanItem {
	return s.item
}

// Err returns the error that terminated the scan, if any.
func (s *IndexScanStream) Err() error {
	return s.err
}

func (s *IndexScanStream) loadBatch(ctx context.Context) error {
	if err := s.retention.ValidateSnapshot(ctx, s.snapshot); err != nil {
		return err
	}

	query, params := s.buildQuery()
	stmt, err := s.r.p.stmt(ctx, query)
	if err != nil {
		return err
	}
	rows, err := stmt.QueryContext(ctx, params...)
	if err != nil {
		return fmt.Errorf("failed to scan index: %w", err)
	}
	defer rows.Close()

	s.pending = s.pending[:0]
	s.pendingIx = 0

	batchRows := 0
	for rows.Next() {
		batchRows++
		var (
			rowIndexID  []byte
			rowPrefix   []byte
			rowSHA      []byte
			rowSuffix   []byte
			rowTS       int64
			rowDeleted  int
			rowDocID    []byte
			docTableID  []byte
			docJSON     []byte
			docDeleted  sql.NullInt64
			docPrevTS   sql.NullInt64
		)
		if err := rows.Scan(&rowIndexID, &rowPrefix, &rowSHA, &rowSuffix, &rowTS, &rowDeleted,
			&rowDocID, &docTableID, &docJSON, &docDeleted, &docPrevTS); err != nil {
			return fmt.Errorf("failed to scan index row: %w", err)
		}

		// A new prefix means the buffered long-key group is complete.
		if len(s.longKeyBuffer) > 0 && !bytes.Equal(s.longKeyBuffer[0].Key[:types.MaxIndexKeyPrefixLen], rowPrefix) {
			s.flushLongKeyBuffer()
		}

		// Advance the pagination bound past this row.
		bound := sqlKeyBound{key: sqlKey{prefix: rowPrefix, sha256: rowSHA}, inclusive: false}
		if s.order == types.Asc {
			s.lower = bound
		} else {
			s.upper = bound
		}

		if rowDeleted != 0 {
			metrics.IndexScanRowsSkippedDeleted.Inc()
			continue
		}

		key := make(types.IndexKey, 0, len(rowPrefix)+len(rowSuffix))
		key = append(key, rowPrefix...)
		key = append(key, rowSuffix...)

		var docID types.DocumentID
		copy(docID.Tablet[:], s.tabletID[:])
		copy(docID.Internal[:], rowDocID)

		if docTableID == nil {
			return &types.DanglingIndexReferenceError{Index: s.indexID, ID: docID}
		}
		if docDeleted.Valid && docDeleted.Int64 != 0 {
			return &types.DeletedDocumentReferenceError{Index: s.indexID, ID: docID}
		}

		var value types.Value
		if err := json.Unmarshal(docJSON, &value); err != nil {
			return fmt.Errorf("failed to decode document %s: %w", docID, err)
		}
		entry := types.DocumentLogEntry{TS: types.Timestamp(rowTS), ID: docID, Value: &value}
		if docPrevTS.Valid {
			prev := types.Timestamp(docPrevTS.Int64)
			entry.PrevTS = &prev
		}
		item := IndexScanItem{Key: key, TS: types.Timestamp(rowTS), Document: entry}

		if len(key) < types.MaxIndexKeyPrefixLen {
			if s.interval.Contains(key) {
				metrics.IndexScanRows.Inc()
				s.pending = append(s.pending, item)
			}
		} else {
			// Other rows sharing this max-length prefix can sort before
			// this one on full key; hold the group until the prefix moves.
			if len(s.longKeyBuffer) >= maxLongKeyBuffer {
				return fmt.Errorf("%w: more than %d index keys share one prefix",
					types.ErrInvalidCursor, maxLongKeyBuffer)
			}
			metrics.IndexScanRowsBufferedLongKey.Inc()
			s.longKeyBuffer = append(s.longKeyBuffer, item)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate index rows: %w", err)
	}

	if batchRows < s.batchSize {
		s.flushLongKeyBuffer()
		s.exhausted = true
	}

	// Doubling corrects for tombstone-heavy and long-key-heavy regions as
	// well as undersized hints.
	if s.batchSize < maxDynamicBatchSize {
		s.batchSize *= 2
		if s.batchSize > maxDynamicBatchSize {
			s.batchSize = maxDynamicBatchSize
		}
	}
	return nil
}

func (s *IndexScanStream) flushLongKeyBuffer() {
	if len(s.longKeyBuffer) == 0 {
		return
	}
	sort.Slice(s.longKeyBuffer, func(i, j int) bool {
		return bytes.Compare(s.longKeyBuffer[i].Key, s.longKeyBuffer[j].Key) < 0
	})
	if s.order == types.Desc {
		for i, j := 0, len(s.longKeyBuffer)-1; i < j; i, j = i+1, j-1 {
			s.longKeyBuffer[i], s.longKeyBuffer[j] = s.longKeyBuffer[j], s.longKeyBuffer[i]
		}
	}
	for _, item := range s.longKeyBuffer {
		if s.interval.Contains(item.Key) {
			metrics.IndexScanRows.Inc()
			s.pending = append(s.pending, item)
		}
	}
	s.longKeyBuffer = s.longKeyBuffer[:0]
}

func (s *IndexScanStream) buildQuery() (string, []any) {
	conds := []string{"index_id = ?", "ts <= ?"}
	params := []any{s.indexID.Bytes(), int64(s.snapshot)}

	if !s.lower.unbounded {
		op := ">"
		if s.lower.inclusive {
			op = ">="
		}
		conds = append(conds, fmt.Sprintf("(key_prefix, key_sha256) %s (?, ?)", op))
		params = append(params, s.lower.key.prefix, s.lower.key.sha256)
	}
	if !s.upper.unbounded {
		op := "<"
		if s.upper.inclusive {
			op = "<="
		}
		conds = append(conds, fmt.Sprintf("(key_prefix, key_sha256) %s (?, ?)", op))
		params = append(params, s.upper.key.prefix, s.upper.key.sha256)
	}

	query := fmt.Sprintf(indexScanQueryTemplate, strings.Join(conds, " AND "), s.order.String())
	params = append(params, s.batchSize)
	return query, params
}
