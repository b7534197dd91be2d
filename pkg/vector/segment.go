package vector

import (
	"fmt"
	"math"
	"sort"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/cuemby/loam/pkg/types"
	"github.com/google/uuid"
)

// SegmentFormatVersion is the current on-disk segment format. Indexes
// carrying segments of an older version are rebuilt from scratch.
const SegmentFormatVersion = 2

// SegmentID identifies one immutable segment.
type SegmentID [16]byte

// NewSegmentID mints a fresh segment id.
func NewSegmentID() SegmentID {
	return SegmentID(uuid.New())
}

func (id SegmentID) String() string {
	return uuid.UUID(id).String()
}

// StorageHandles are the storage keys of a segment's three artifacts. The
// archive and id table are immutable; the bitset rewrites in place.
type StorageHandles struct {
	Archive       string `json:"archive"`
	IDTable       string `json:"id_table"`
	DeletedBitset string `json:"deleted_bitset"`
}

// FragmentedSegment is one fragment of an index as tracked in index state.
type FragmentedSegment struct {
	ID            SegmentID      `json:"id"`
	NumVectors    uint32         `json:"num_vectors"`
	NumDeleted    uint32         `json:"num_deleted"`
	SizeBytes     uint64         `json:"size_bytes"`
	FormatVersion int            `json:"format_version"`
	Handles       StorageHandles `json:"handles"`
}

// MutableSegment accumulates upserts during a build. It is not safe for
// concurrent use; exactly one build task owns it.
type MutableSegment struct {
	dim     int
	vectors [][]float32
	ids     []types.InternalID
	byID    map[types.InternalID]uint32
	deleted *roaring.Bitmap
}

// NewMutableSegment creates an empty working segment for vectors of the
// given dimension.
func NewMutableSegment(dim int) *MutableSegment {
	return &MutableSegment{
		dim:     dim,
		byID:    make(map[types.InternalID]uint32),
		deleted: roaring.New(),
	}
}

// Upsert inserts or replaces the vector for an external id.
func (m *MutableSegment) Upsert(id types.InternalID, vec []float32) error {
	if len(vec) != m.dim {
		return fmt.Errorf("vector for %s has dimension %d, index expects %d", id, len(vec), m.dim)
	}
	if offset, ok := m.byID[id]; ok {
		m.vectors[offset] = vec
		m.deleted.Remove(offset)
		return nil
	}
	offset := uint32(len(m.vectors))
	m.vectors = append(m.vectors, vec)
	m.ids = append(m.ids, id)
	m.byID[id] = offset
	return nil
}

// Delete marks an external id deleted inside this working segment. It
// reports whether the id was present.
func (m *MutableSegment) Delete(id types.InternalID) bool {
	offset, ok := m.byID[id]
	if !ok {
		return false
	}
	m.deleted.Add(offset)
	return true
}

// Contains reports whether the working segment holds a live point for id.
func (m *MutableSegment) Contains(id types.InternalID) bool {
	offset, ok := m.byID[id]
	return ok && !m.deleted.Contains(offset)
}

// LiveCount returns how many points are not deleted.
func (m *MutableSegment) LiveCount() int {
	return len(m.vectors) - int(m.deleted.GetCardinality())
}

// VectorBytes returns the accumulated payload size, the budget flushes cut
// backfill parts on.
func (m *MutableSegment) VectorBytes() uint64 {
	return uint64(len(m.vectors)) * uint64(m.dim) * 4
}

// Build freezes the working segment into an immutable one, dropping
// deleted points. Segments at or above hnswThreshold live vectors get a
// graph index; smaller segments stay plain full-scan lists so tiny flushes
// build cheaply. Returns nil if no live points remain.
func (m *MutableSegment) Build(hnswThreshold int) *ImmutableSegment {
	live := m.LiveCount()
	if live == 0 {
		return nil
	}

	seg := &ImmutableSegment{
		id:      NewSegmentID(),
		dim:     m.dim,
		vectors: make([]float32, 0, live*m.dim),
		ids:     make([]types.InternalID, 0, live),
		byID:    make(map[types.InternalID]uint32, live),
		deleted: roaring.New(),
	}
	for offset, vec := range m.vectors {
		if m.deleted.Contains(uint32(offset)) {
			continue
		}
		internal := uint32(len(seg.ids))
		seg.vectors = append(seg.vectors, vec...)
		seg.ids = append(seg.ids, m.ids[offset])
		seg.byID[m.ids[offset]] = internal
	}
	if live >= hnswThreshold {
		seg.graph = buildHNSW(seg, defaultHNSWParams())
	}
	return seg
}

// ImmutableSegment is a frozen fragment: a flat vector payload, the stable
// external-id table, an optional HNSW graph, and the one mutable artifact,
// the deleted-bitset.
type ImmutableSegment struct {
	id      SegmentID
	dim     int
	vectors []float32
	ids     []types.InternalID
	byID    map[types.InternalID]uint32
	deleted *roaring.Bitmap
	graph   *hnswGraph
}

// ID returns the segment id.
func (s *ImmutableSegment) ID() SegmentID {
	return s.id
}

// Dimension returns the vector dimension.
func (s *ImmutableSegment) Dimension() int {
	return s.dim
}

// NumVectors returns the total point count, deleted included.
func (s *ImmutableSegment) NumVectors() uint32 {
	return uint32(len(s.ids))
}

// NumDeleted returns how many points the bitset marks deleted.
func (s *ImmutableSegment) NumDeleted() uint32 {
	return uint32(s.deleted.GetCardinality())
}

// SizeBytes returns the payload size.
func (s *ImmutableSegment) SizeBytes() uint64 {
	return uint64(len(s.vectors)) * 4
}

// HasGraph reports whether the segment carries an HNSW index.
func (s *ImmutableSegment) HasGraph() bool {
	return s.graph != nil
}

// Contains reports whether the segment holds a live point for id.
func (s *ImmutableSegment) Contains(id types.InternalID) bool {
	offset, ok := s.byID[id]
	return ok && !s.deleted.Contains(offset)
}

// Holds reports whether the segment holds any point for id, deleted or not.
func (s *ImmutableSegment) Holds(id types.InternalID) bool {
	_, ok := s.byID[id]
	return ok
}

// MarkDeleted flips the bitset bit for an external id. It reports whether
// a live point was deleted.
func (s *ImmutableSegment) MarkDeleted(id types.InternalID) bool {
	offset, ok := s.byID[id]
	if !ok || s.deleted.Contains(offset) {
		return false
	}
	s.deleted.Add(offset)
	return true
}

// OffsetOf returns the internal offset of an external id.
func (s *ImmutableSegment) OffsetOf(id types.InternalID) (uint32, bool) {
	offset, ok := s.byID[id]
	return offset, ok
}

// ReplaceBitset swaps in a new deleted-bitset. The committer uses it to
// publish bitset updates a build prepared against a private clone.
func (s *ImmutableSegment) ReplaceBitset(bitset *roaring.Bitmap) {
	s.deleted = bitset
}

// CloneBitset returns a private copy of the deleted-bitset for a build to
// mutate without affecting concurrent searches.
func (s *ImmutableSegment) CloneBitset() *roaring.Bitmap {
	return s.deleted.Clone()
}

// DeletedIDs returns the external ids of every deleted point.
func (s *ImmutableSegment) DeletedIDs() []types.InternalID {
	out := make([]types.InternalID, 0, s.deleted.GetCardinality())
	it := s.deleted.Iterator()
	for it.HasNext() {
		out = append(out, s.ids[it.Next()])
	}
	return out
}

// LiveEntries calls f for every live (id, vector) point.
func (s *ImmutableSegment) LiveEntries(f func(id types.InternalID, vec []float32)) {
	for offset := range s.ids {
		if s.deleted.Contains(uint32(offset)) {
			continue
		}
		f(s.ids[offset], s.vectorAt(uint32(offset)))
	}
}

func (s *ImmutableSegment) vectorAt(offset uint32) []float32 {
	start := int(offset) * s.dim
	return s.vectors[start : start+s.dim]
}

// SearchResult is one nearest-neighbor hit.
type SearchResult struct {
	ID       types.InternalID
	Distance float32
}

// Search returns the k nearest live points by squared Euclidean distance.
// Segments with a graph search it; plain segments scan every live point.
func (s *ImmutableSegment) Search(query []float32, k int) []SearchResult {
	if s.graph != nil {
		return s.graph.search(s, query, k)
	}
	results := make([]SearchResult, 0, len(s.ids))
	for offset := range s.ids {
		if s.deleted.Contains(uint32(offset)) {
			continue
		}
		results = append(results, SearchResult{
			ID:       s.ids[offset],
			Distance: squaredDistance(query, s.vectorAt(uint32(offset))),
		})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Distance != results[j].Distance {
			return results[i].Distance < results[j].Distance
		}
		return results[i].ID.Compare(results[j].ID) < 0
	})
	if len(results) > k {
		results = results[:k]
	}
	return results
}

// Fragment summarizes the segment for index state tracking.
func (s *ImmutableSegment) Fragment(handles StorageHandles) FragmentedSegment {
	return FragmentedSegment{
		ID:            s.id,
		NumVectors:    s.NumVectors(),
		NumDeleted:    s.NumDeleted(),
		SizeBytes:     s.SizeBytes(),
		FormatVersion: SegmentFormatVersion,
		Handles:       handles,
	}
}

func squaredDistance(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	if math.IsNaN(float64(sum)) {
		return float32(math.Inf(1))
	}
	return sum
}
