/*
Package retention bounds how far back in the document log readers may look,
and reclaims history that has fallen past those bounds.

Two watermarks govern reads: min_index_ts for index snapshots and
min_document_ts for raw document revisions. Document retention runs longer
than index retention so the engine can still recover document bodies
slightly past index retention when repairing index references.

The Manager owns both watermarks, advances them monotonically from the
configured retention windows, and persists the index watermark under the
RetentionMinSnapshotTimestamp persistence global so restarts never move
the floor backwards.

The Sweeper deletes rows the watermarks have released:

  - an index entry whose ts precedes min_index_ts and that has a newer
    entry for the same key, or any tombstone past min_index_ts;
  - a document revision whose ts precedes min_document_ts and that has a
    newer revision of the same id, or any tombstone past min_document_ts.

Readers hold a retention handle; every paginated read re-validates it at
page boundaries, so a scan that outlives the watermark fails instead of
returning rows the sweeper may already have removed.
*/
package retention
