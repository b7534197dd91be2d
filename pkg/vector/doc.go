/*
Package vector implements Loam's multi-segment approximate-nearest-neighbor
index engine.

An index is a set of immutable segments plus one mutable deleted-bitset per
segment. Segments are produced two ways: a flush converts document-log
activity since the last build into one new small segment, and a compaction
merges several small segments into a large one, dropping deleted points.
Once written, a segment body never changes; the only mutation anywhere is
flipping bits in a deleted-bitset.

	┌────────────────── INDEX LIFECYCLE ───────────────────────┐
	│                                                           │
	│  Backfilling ──────► Backfilled ──────► SnapshottedAt     │
	│  (sweep table at     (caught up to      (serving reads,   │
	│   fixed snapshot,     backfill ts)       flush appends    │
	│   cursor resumes)                        segments)        │
	│                                                           │
	│  VersionMismatch on any segment ──► rebuild from scratch  │
	└───────────────────────────────────────────────────────────┘

Flushes and compactions run concurrently and may finish in either order.
The Committer reconciles them: deletions a flush recorded against a segment
that a compaction replaced are re-applied to the compacted output, and a
compaction folds in any bitset updates that landed on its inputs while it
ran. After either commit, every live (document, vector) pair has exactly
one non-deleted point across all segments.

Builds are CPU-bound and run on a fixed worker pool with per-client
fair-share admission; document-log reads during a build are token-bucket
rate-limited by the reason the build was scheduled.

On disk a segment is a tar archive of the builder's files plus two sibling
artifacts, a stable external-id table and the deleted-bitset; only the
bitset is ever rewritten. Segment payloads are memory-mapped on restore.
*/
package vector
