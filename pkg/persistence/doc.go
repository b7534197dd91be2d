/*
Package persistence implements Loam's durable, ordered log of document
revisions and index entries over SQLite.

The backend holds five tables:

	┌─────────────────── SQLITE BACKEND ───────────────────────┐
	│                                                           │
	│  documents            (ts, table_id, id) PK               │
	│  indexes              (index_id, key_prefix,              │
	│                        key_sha256, ts) PK                 │
	│  leases               singleton row id=1                  │
	│  read_only            zero or one row                     │
	│  persistence_globals  small KV metadata                   │
	│                                                           │
	└───────────────────────────────────────────────────────────┘

Writes are atomic batches guarded by the lease: every write transaction
re-asserts that the lease timestamp it was acquired with is still current
and fails with types.ErrLeaseLost otherwise. Reads are snapshot reads: a
scan at timestamp ts only observes the latest revision of each key at or
before ts, and every paginated read re-validates the caller's retention
handle at page boundaries.

Index keys longer than types.MaxIndexKeyPrefixLen bytes split into an
indexed prefix plus an overflow suffix; the SHA-256 of the full key joins
the primary key so long keys sharing a prefix stay distinct. IndexScan
restores full-key ordering by buffering max-length-prefix rows until the
prefix changes, then sorting the group by full key.

Inserts are chunked through a fixed set of statement sizes so the prepared
statement cache stays hot regardless of batch shape.
*/
package persistence
