package persistence

import (
	"context"
	"encoding/json"

	"github.com/cuemby/loam/pkg/types"
)

// RetentionValidator guards reads against observing history that retention
// has released for deletion. Implementations live in pkg/retention.
type RetentionValidator interface {
	// ValidateSnapshot fails when ts precedes the minimum index snapshot.
	ValidateSnapshot(ctx context.Context, ts types.Timestamp) error

	// ValidateDocumentSnapshot fails when ts precedes the minimum document
	// snapshot. Document retention can run longer than index retention.
	ValidateDocumentSnapshot(ctx context.Context, ts types.Timestamp) error
}

// Persistence is the write half of the backend, held by the single lease
// owner.
type Persistence interface {
	// Write atomically appends document revisions and index entries.
	// Either every row lands or none. Under types.ConflictError a
	// primary-key collision fails the batch; under types.ConflictOverwrite
	// the new row replaces the old. Fails with types.ErrLeaseLost if the
	// lease was preempted, types.ErrReadOnly if the store is read-only,
	// and types.ErrTooLarge past types.MaxInsertSize rows.
	Write(ctx context.Context, docs []types.DocumentLogEntry, indexes []types.IndexUpdate, strategy types.ConflictStrategy) error

	// WriteGlobal atomically replaces one persistence_globals row.
	WriteGlobal(ctx context.Context, key types.PersistenceGlobalKey, value json.RawMessage) error

	// GetGlobal reads one persistence_globals row, nil if absent.
	GetGlobal(ctx context.Context, key types.PersistenceGlobalKey) (json.RawMessage, error)

	// SetReadOnly marks or unmarks the store read-only. Freshly acquired
	// leases observe the flag before their first write.
	SetReadOnly(ctx context.Context, readOnly bool) error

	// DeleteDocuments removes document revisions by primary key. Used by
	// the retention sweeper and import cleanup.
	DeleteDocuments(ctx context.Context, keys []DocumentKey) (int, error)

	// DeleteIndexEntries removes index rows by primary key.
	DeleteIndexEntries(ctx context.Context, keys []IndexEntryKey) (int, error)

	// Reader returns the read half. Readers are unbounded and safe for
	// concurrent use.
	Reader() Reader

	// Close releases the backend. The lease row is left as-is; a crashed
	// writer's lease is simply preempted by the next acquirer.
	Close() error
}

// Reader is the read half of the backend.
type Reader interface {
	// LoadDocuments streams document revisions inside the range in
	// (ts, table_id, id) order. Retention is validated before the first
	// row and again at every page boundary.
	LoadDocuments(ctx context.Context, tr types.TimestampRange, order types.Order, pageSize int, retention RetentionValidator) *DocumentStream

	// IndexScan yields, for each distinct key in the interval, the latest
	// revision at or before snapshot that is not a tombstone, in full-key
	// order. Tombstoned keys are skipped silently; entries referencing a
	// missing document fail with DanglingIndexReferenceError and entries
	// referencing a tombstoned document fail with
	// DeletedDocumentReferenceError.
	IndexScan(ctx context.Context, indexID types.IndexID, tabletID types.TabletID, snapshot types.Timestamp, interval types.Interval, order types.Order, sizeHint int, retention RetentionValidator) *IndexScanStream

	// PreviousRevisions returns, for each (id, ts) query, the revision
	// with the greatest timestamp strictly below ts.
	PreviousRevisions(ctx context.Context, queries []types.DocumentPrevTSQuery, retention RetentionValidator) (map[types.DocumentPrevTSQuery]types.DocumentLogEntry, error)

	// PreviousRevisionsOfDocuments resolves exact prev_ts references.
	PreviousRevisionsOfDocuments(ctx context.Context, queries []types.DocumentPrevTSQuery, retention RetentionValidator) (map[types.DocumentPrevTSQuery]types.DocumentLogEntry, error)

	// LoadIndexChunk pages through the raw index log in primary-key order
	// for the retention sweeper. A nil cursor starts from the beginning.
	LoadIndexChunk(ctx context.Context, cursor *IndexEntryKey, n int) ([]IndexRow, error)

	// MaxTS returns the greatest committed timestamp, or zero on an empty
	// log.
	MaxTS(ctx context.Context) (types.Timestamp, error)
}

// DocumentKey is the primary key of one document revision.
type DocumentKey struct {
	TS     types.Timestamp
	Tablet types.TabletID
	ID     types.InternalID
}

// IndexEntryKey is the primary key of one index row.
type IndexEntryKey struct {
	IndexID   types.IndexID
	KeyPrefix []byte
	KeySHA256 [32]byte
	TS        types.Timestamp
}

// IndexRow is one raw index log row as stored, before any snapshot
// resolution. The retention sweeper consumes these.
type IndexRow struct {
	Key       IndexEntryKey
	KeySuffix []byte
	Deleted   bool
	TabletID  *types.TabletID
	DocID     *types.InternalID
}

// FullKey reassembles the complete index key bytes.
func (r *IndexRow) FullKey() types.IndexKey {
	if len(r.KeySuffix) == 0 {
		return types.IndexKey(r.Key.KeyPrefix)
	}
	out := make([]byte, 0, len(r.Key.KeyPrefix)+len(r.KeySuffix))
	out = append(out, r.Key.KeyPrefix...)
	out = append(out, r.KeySuffix...)
	return out
}

// IndexScanItem is one yielded (key, revision ts, document) tuple.
type IndexScanItem struct {
	Key      types.IndexKey
	TS       types.Timestamp
	Document types.DocumentLogEntry
}
