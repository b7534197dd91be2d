package store

import (
	"context"
	"sync"

	"github.com/cuemby/loam/pkg/persistence"
	"github.com/cuemby/loam/pkg/retention"
	"github.com/cuemby/loam/pkg/types"
	"github.com/cuemby/loam/pkg/vector"
)

// VectorFeed adapts the document log for the vector engine: it projects
// the indexed field out of each revision and streams either a log slice
// (for flushes) or an id-ordered table snapshot via the by_id index (for
// backfills).
type VectorFeed struct {
	db *Database

	mu     sync.RWMutex
	fields map[types.TabletID]string
}

// NewVectorFeed builds a feed over the database.
func NewVectorFeed(db *Database) *VectorFeed {
	return &VectorFeed{db: db, fields: make(map[types.TabletID]string)}
}

// RegisterField records which document field a tablet's vector index
// reads.
func (f *VectorFeed) RegisterField(tablet types.TabletID, field string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fields[tablet] = field
}

func (f *VectorFeed) fieldFor(tablet types.TabletID) string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.fields[tablet]
}

// LatestTS implements vector.VectorSource.
func (f *VectorFeed) LatestTS(ctx context.Context) (types.Timestamp, error) {
	return f.db.LatestTS(), nil
}

// StreamRange implements vector.VectorSource.
func (f *VectorFeed) StreamRange(ctx context.Context, tablet types.TabletID, tr types.TimestampRange) vector.VectorStream {
	return &logSliceStream{
		tablet: tablet,
		field:  f.fieldFor(tablet),
		stream: f.db.reader.LoadDocuments(ctx, tr, types.Asc, 256, retention.Unchecked{}),
	}
}

// StreamTableAt implements vector.VectorSource.
func (f *VectorFeed) StreamTableAt(ctx context.Context, tablet types.TabletID, snapshot types.Timestamp, cursor *types.InternalID) vector.VectorStream {
	entry, ok := f.db.mapping.LookupTablet(tablet)
	if !ok {
		return &emptyVectorStream{}
	}

	interval := types.Interval{}
	if cursor != nil {
		// Resume strictly after the last id the previous part read.
		last := byIDKey(types.DocumentID{Tablet: tablet, Internal: *cursor})
		interval.Start = types.SuccessorKey(last)
	}
	return &snapshotStream{
		field: f.fieldFor(tablet),
		scan: f.db.reader.IndexScan(ctx, entry.ByIDIndex, tablet, snapshot,
			interval, types.Asc, 256, f.db.retention),
	}
}

// projectVector pulls the indexed field out of a document value. A
// missing field or a non-float array projects as a tombstone so the index
// drops any stale point.
func projectVector(value *types.Value, field string) ([]float32, bool) {
	if value == nil {
		return nil, false
	}
	raw, ok := value.Get(field)
	if !ok || raw.Kind != types.ValueArray {
		return nil, false
	}
	vec := make([]float32, len(raw.Items))
	for i, item := range raw.Items {
		if item.Kind != types.ValueFloat64 {
			return nil, false
		}
		vec[i] = float32(item.Float)
	}
	return vec, true
}

type logSliceStream struct {
	tablet types.TabletID
	field  string
	stream *persistence.DocumentStream
	entry  vector.VectorEntry
}

func (s *logSliceStream) Next(ctx context.Context) bool {
	for s.stream.Next(ctx) {
		doc := s.stream.Entry()
		if doc.ID.Tablet != s.tablet {
			continue
		}
		if vec, ok := projectVector(doc.Value, s.field); ok {
			s.entry = vector.VectorEntry{ID: doc.ID.Internal, Vector: vec}
		} else {
			s.entry = vector.VectorEntry{ID: doc.ID.Internal, Deleted: true}
		}
		return true
	}
	return false
}

func (s *logSliceStream) Entry() vector.VectorEntry {
	return s.entry
}

func (s *logSliceStream) Err() error {
	return s.stream.Err()
}

type snapshotStream struct {
	field string
	scan  *persistence.IndexScanStream
	entry vector.VectorEntry
}

func (s *snapshotStream) Next(ctx context.Context) bool {
	for s.scan.Next(ctx) {
		item := s.scan.Item()
		vec, ok := projectVector(item.Document.Value, s.field)
		if !ok {
			// Documents without the field contribute nothing during a
			// snapshot sweep.
			continue
		}
		s.entry = vector.VectorEntry{ID: item.Document.ID.Internal, Vector: vec}
		return true
	}
	return false
}

func (s *snapshotStream) Entry() vector.VectorEntry {
	return s.entry
}

func (s *snapshotStream) Err() error {
	return s.scan.Err()
}

type emptyVectorStream struct{}

func (emptyVectorStream) Next(context.Context) bool { return false }
func (emptyVectorStream) Entry() vector.VectorEntry { return vector.VectorEntry{} }
func (emptyVectorStream) Err() error { return nil }

// Compile-time check that VectorFeed implements vector.VectorSource.
var _ vector.VectorSource = (*VectorFeed)(nil)
