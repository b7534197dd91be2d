package vector

import (
	"context"

	"github.com/cuemby/loam/pkg/types"
)

// VectorEntry is one document's contribution to an index: its vector, or a
// tombstone when the document was deleted or its vector field removed.
type VectorEntry struct {
	ID      types.InternalID
	Vector  []float32
	Deleted bool
}

// VectorStream is a pull iterator over vector entries.
type VectorStream interface {
	Next(ctx context.Context) bool
	Entry() VectorEntry
	Err() error
}

// VectorSource adapts the document log for index builds. The store
// implements it by projecting the indexed field out of each revision.
type VectorSource interface {
	// StreamRange streams entries for revisions in the timestamp range,
	// in log order. Updates appear as a live entry; deletions as a
	// tombstone entry.
	StreamRange(ctx context.Context, tablet types.TabletID, tr types.TimestampRange) VectorStream

	// StreamTableAt streams the table's live documents at a snapshot in
	// id order, resuming after cursor. Backfills use it.
	StreamTableAt(ctx context.Context, tablet types.TabletID, snapshot types.Timestamp, cursor *types.InternalID) VectorStream

	// LatestTS returns a fresh repeatable timestamp for a new build.
	LatestTS(ctx context.Context) (types.Timestamp, error)
}
