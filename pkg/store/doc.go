/*
Package store is Loam's transactional document store. It coordinates the
persistence log, the retention validator, the schema checker, and the
vector engine behind an optimistic-concurrency transactional interface.

	┌──────────────────── COMMIT PATH ─────────────────────────┐
	│                                                           │
	│  Begin ──► buffered reads/writes ──► Commit               │
	│                                       │                   │
	│                 read-set ∩ recent writes? ──► OCC error   │
	│                                       │                   │
	│                 schema check ──► persistence.Write        │
	│                 (under the lease)     │                   │
	│                                 commit broker event       │
	└───────────────────────────────────────────────────────────┘

Transactions open at the latest committed timestamp and track every point
read and index range they touch. Commit assigns the next timestamp,
intersects the read set with writes committed since the transaction began,
enforces the active schema on every buffered write, and appends documents
plus their index entries in one atomic persistence write. Conflicts
surface as types.OCCError with a description of the table and document
involved; ExecuteWithOCCRetries re-runs the closure with exponential
backoff.

Tables resolve through a mapping of name to table number to tablet id.
Tablet ids are stable storage identities: renames and import activations
remap names and numbers without rewriting any rows. Imports stage rows
into a hidden tablet that an activation later swaps into the live
namespace atomically.

The package also hosts the log-sink registry (a system table) and the
contract the external function-execution sandbox is driven through.
*/
package store
