package vector

import (
	"fmt"

	"github.com/cuemby/loam/pkg/types"
)

// StateKind enumerates the index lifecycle states.
type StateKind string

const (
	// StateBackfilling means the engine is sweeping the table at a fixed
	// snapshot, cutting incremental segments as the byte budget fills.
	StateBackfilling StateKind = "backfilling"

	// StateBackfilled means the sweep finished; the index still has to
	// catch up the document log from the backfill snapshot.
	StateBackfilled StateKind = "backfilled"

	// StateSnapshotted means the index serves reads at SnapshotTS.
	StateSnapshotted StateKind = "snapshotted"
)

// IndexState is the durable state of one vector index.
type IndexState struct {
	Kind StateKind `json:"kind"`

	// Cursor is the last document id the backfill sweep read, absent at
	// the start of a sweep.
	Cursor *types.InternalID `json:"cursor,omitempty"`

	// SnapshotTS is the backfill snapshot while backfilling, then the
	// timestamp the segments are complete up to.
	SnapshotTS types.Timestamp `json:"snapshot_ts"`

	Segments []FragmentedSegment `json:"segments"`
}

// SegmentByID finds a fragment in the state.
func (s *IndexState) SegmentByID(id SegmentID) *FragmentedSegment {
	for i := range s.Segments {
		if s.Segments[i].ID == id {
			return &s.Segments[i]
		}
	}
	return nil
}

// SizeBytes sums the payload sizes of all segments.
func (s *IndexState) SizeBytes() uint64 {
	var total uint64
	for i := range s.Segments {
		total += s.Segments[i].SizeBytes
	}
	return total
}

// HasVersionMismatch reports whether any segment predates the current
// on-disk format.
func (s *IndexState) HasVersionMismatch() bool {
	for i := range s.Segments {
		if s.Segments[i].FormatVersion != SegmentFormatVersion {
			return true
		}
	}
	return false
}

// IndexMetadata describes one vector index and its current state.
type IndexMetadata struct {
	// Name is the index's stable registry key.
	Name string `json:"name"`

	IndexID  types.IndexID  `json:"index_id"`
	TabletID types.TabletID `json:"tablet_id"`

	// Dimension is the expected vector length; documents with any other
	// length are skipped during builds.
	Dimension int `json:"dimension"`

	// Client attributes build work for fair-share admission.
	Client string `json:"client"`

	State IndexState `json:"state"`
}

// Validate rejects unusable metadata before it enters the registry.
func (m *IndexMetadata) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("vector index needs a name")
	}
	if m.Dimension <= 0 || m.Dimension > 4096 {
		return fmt.Errorf("vector index %s has invalid dimension %d", m.Name, m.Dimension)
	}
	return nil
}

// MetadataStore is the durable registry of vector indexes. State updates
// are atomic per index; the committer relies on read-modify-write under
// its own lock.
type MetadataStore interface {
	ListVectorIndexes() ([]IndexMetadata, error)
	GetVectorIndex(name string) (*IndexMetadata, error)
	UpdateVectorIndex(meta IndexMetadata) error
	DeleteVectorIndex(name string) error
}
