package store

import (
	"context"
	"fmt"

	"github.com/cuemby/loam/pkg/types"
	"github.com/tidwall/btree"
)

// writeEntry is one buffered write. A nil value deletes the document.
type writeEntry struct {
	id    types.DocumentID
	table string
	value *types.Value
}

type readRange struct {
	index    types.IndexID
	table    string
	interval types.Interval
}

type readSet struct {
	docs   map[types.DocumentID]string
	ranges []readRange
}

// Transaction is an optimistic transaction over the store. Reads observe
// the snapshot it began at plus its own buffered writes; nothing touches
// the log until Commit.
type Transaction struct {
	db       *Database
	identity Identity
	ts       types.Timestamp

	reads  readSet
	writes *btree.Map[string, writeEntry]
	done   bool
}

func newTransaction(db *Database, identity Identity, ts types.Timestamp) *Transaction {
	return &Transaction{
		db:       db,
		identity: identity,
		ts:       ts,
		reads:    readSet{docs: make(map[types.DocumentID]string)},
		writes:   btree.NewMap[string, writeEntry](32),
	}
}

// Timestamp returns the snapshot the transaction reads at.
func (tx *Transaction) Timestamp() types.Timestamp {
	return tx.ts
}

// Identity returns the principal the transaction runs as.
func (tx *Transaction) Identity() Identity {
	return tx.identity
}

// Insert buffers a new document and returns its id. The table is created
// on first use.
func (tx *Transaction) Insert(ctx context.Context, table string, value types.Value) (types.DocumentID, error) {
	if tx.done {
		return types.DocumentID{}, fmt.Errorf("transaction already finished")
	}
	entry, err := tx.db.ensureTable(ctx, table)
	if err != nil {
		return types.DocumentID{}, err
	}
	id := types.DocumentID{Tablet: entry.Tablet, Internal: types.NewInternalID()}
	tx.bufferWrite(id, table, &value)
	return id, nil
}

// Get returns the document as of the snapshot, overlaid with the
// transaction's own writes. A nil result means the document does not
// exist.
func (tx *Transaction) Get(ctx context.Context, id types.DocumentID) (*types.Value, error) {
	if tx.done {
		return nil, fmt.Errorf("transaction already finished")
	}
	entry, ok := tx.db.mapping.LookupTablet(id.Tablet)
	if !ok {
		return nil, fmt.Errorf("unknown tablet %s", id.Tablet)
	}
	tx.reads.docs[id] = entry.Name

	if w, buffered := tx.writes.Get(string(byIDKey(id))); buffered {
		return w.value, nil
	}

	revs, err := tx.db.reader.PreviousRevisions(ctx,
		[]types.DocumentPrevTSQuery{{ID: id, TS: tx.ts + 1}},
		tx.db.retention)
	if err != nil {
		return nil, err
	}
	rev, found := revs[types.DocumentPrevTSQuery{ID: id, TS: tx.ts + 1}]
	if !found || rev.IsTombstone() {
		return nil, nil
	}
	return rev.Value, nil
}

// Replace buffers a full overwrite of an existing document.
func (tx *Transaction) Replace(ctx context.Context, id types.DocumentID, value types.Value) error {
	if tx.done {
		return fmt.Errorf("transaction already finished")
	}
	entry, ok := tx.db.mapping.LookupTablet(id.Tablet)
	if !ok {
		return fmt.Errorf("unknown tablet %s", id.Tablet)
	}
	tx.bufferWrite(id, entry.Name, &value)
	return nil
}

// Delete buffers a tombstone for the document.
func (tx *Transaction) Delete(ctx context.Context, id types.DocumentID) error {
	if tx.done {
		return fmt.Errorf("transaction already finished")
	}
	entry, ok := tx.db.mapping.LookupTablet(id.Tablet)
	if !ok {
		return fmt.Errorf("unknown tablet %s", id.Tablet)
	}
	tx.bufferWrite(id, entry.Name, nil)
	return nil
}

func (tx *Transaction) bufferWrite(id types.DocumentID, table string, value *types.Value) {
	tx.writes.Set(string(byIDKey(id)), writeEntry{id: id, table: table, value: value})
}

// Document is one result of a table scan.
type Document struct {
	ID    types.DocumentID
	Value types.Value
}

// ScanTable streams the table's documents at the snapshot in id order,
// overlaid with the transaction's buffered writes, up to limit. The whole
// scanned range joins the read set.
func (tx *Transaction) ScanTable(ctx context.Context, table string, limit int) ([]Document, error) {
	if tx.done {
		return nil, fmt.Errorf("transaction already finished")
	}
	entry, ok := tx.db.mapping.Lookup(table)
	if !ok {
		// Scanning a table that does not exist reads the empty range;
		// creation of the table by a concurrent commit still conflicts
		// through the mapping global, so nothing to track.
		return nil, nil
	}

	interval := types.Interval{}
	tx.reads.ranges = append(tx.reads.ranges, readRange{
		index:    entry.ByIDIndex,
		table:    table,
		interval: interval,
	})

	// Buffered writes for this tablet, already in id-key order from the
	// write buffer's btree.
	type bufferedWrite struct {
		key string
		w   writeEntry
	}
	var buffered []bufferedWrite
	tx.writes.Scan(func(key string, w writeEntry) bool {
		if w.id.Tablet == entry.Tablet {
			buffered = append(buffered, bufferedWrite{key: key, w: w})
		}
		return true
	})

	// Merge-walk the snapshot scan with the buffered writes so results
	// stay in id order and the overlay wins on collisions.
	var out []Document
	bi := 0
	emit := func(doc Document) bool {
		out = append(out, doc)
		return limit > 0 && len(out) >= limit
	}

	scan := tx.db.reader.IndexScan(ctx, entry.ByIDIndex, entry.Tablet, tx.ts,
		interval, types.Asc, limit, tx.db.retention)
	for scan.Next(ctx) {
		item := scan.Item()
		itemKey := string(item.Key)

		for bi < len(buffered) && buffered[bi].key < itemKey {
			if w := buffered[bi].w; w.value != nil {
				if emit(Document{ID: w.id, Value: *w.value}) {
					return out, scan.Err()
				}
			}
			bi++
		}
		if bi < len(buffered) && buffered[bi].key == itemKey {
			w := buffered[bi].w
			bi++
			if w.value == nil {
				continue
			}
			if emit(Document{ID: w.id, Value: *w.value}) {
				return out, scan.Err()
			}
			continue
		}
		if emit(Document{ID: item.Document.ID, Value: *item.Document.Value}) {
			return out, scan.Err()
		}
	}
	if err := scan.Err(); err != nil {
		return nil, err
	}

	for ; bi < len(buffered); bi++ {
		if w := buffered[bi].w; w.value != nil {
			if emit(Document{ID: w.id, Value: *w.value}) {
				break
			}
		}
	}
	return out, nil
}

// Commit runs the OCC protocol. On success the commit timestamp is
// returned; a types.OCCError means the caller should retry the whole
// closure.
func (tx *Transaction) Commit(ctx context.Context) (types.Timestamp, error) {
	if tx.done {
		return 0, fmt.Errorf("transaction already finished")
	}
	tx.done = true
	if tx.writes.Len() == 0 {
		// Read-only transactions never conflict.
		return tx.ts, nil
	}
	return tx.db.commit(ctx, tx)
}

// Rollback discards the transaction.
func (tx *Transaction) Rollback() {
	tx.done = true
}
