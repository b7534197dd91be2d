/*
Package types defines the core data model shared by every Loam component.

The model is built around an append-only log of document revisions. Every
write produces a new DocumentLogEntry rather than mutating a row in place;
deletions are tombstones. Secondary indexes are maintained as their own
append-only log of IndexEntry rows keyed by order-preserving key bytes.

	┌──────────────────── DOCUMENT LOG ────────────────────────┐
	│                                                           │
	│  (ts=1, tbl, id=A, {v:1})                                 │
	│  (ts=3, tbl, id=A, {v:2}, prev_ts=1)                      │
	│  (ts=5, tbl, id=A, tombstone, prev_ts=3)                  │
	│                                                           │
	│  Within one id, ts strictly increases and prev_ts links   │
	│  each revision to its immediate predecessor.              │
	└───────────────────────────────────────────────────────────┘

Identity is split in two: a TabletID names the physical storage of a table
and survives renames and imports, while table names and numbers are
namespace-bound metadata resolved through a table mapping. A DocumentID is
the pair (TabletID, InternalID).

The package also carries the error taxonomy used across the persistence,
retention, schema, vector, and store packages, and the Value model for
document contents with its order-preserving index key encoding.
*/
package types
