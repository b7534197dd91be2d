package vector

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
)

// SegmentStorage owns the segment directory: writing new segments, opening
// persisted ones, and rewriting bitsets. Restored segments are cached so a
// search does not re-mmap per query.
type SegmentStorage struct {
	dir string

	mu    sync.Mutex
	cache map[SegmentID]*ImmutableSegment
}

// NewSegmentStorage creates storage rooted at dir.
func NewSegmentStorage(dir string) (*SegmentStorage, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create segment directory: %w", err)
	}
	return &SegmentStorage{
		dir:   dir,
		cache: make(map[SegmentID]*ImmutableSegment),
	}, nil
}

// Dir returns the storage root.
func (s *SegmentStorage) Dir() string {
	return s.dir
}

// Put persists a freshly built segment and caches it.
func (s *SegmentStorage) Put(seg *ImmutableSegment) (StorageHandles, error) {
	handles, err := WriteSegment(s.dir, seg)
	if err != nil {
		return StorageHandles{}, err
	}
	s.mu.Lock()
	s.cache[seg.id] = seg
	s.mu.Unlock()
	return handles, nil
}

// Open returns the segment for a fragment, restoring from disk on a cache
// miss.
func (s *SegmentStorage) Open(frag FragmentedSegment) (*ImmutableSegment, error) {
	s.mu.Lock()
	if seg, ok := s.cache[frag.ID]; ok {
		s.mu.Unlock()
		return seg, nil
	}
	s.mu.Unlock()

	seg, err := RestoreSegment(s.dir, frag)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.cache[frag.ID] = seg
	s.mu.Unlock()
	return seg, nil
}

// FlushBitset rewrites a segment's deleted-bitset on disk.
func (s *SegmentStorage) FlushBitset(frag FragmentedSegment, bitset *roaring.Bitmap) error {
	return WriteBitset(filepath.Join(s.dir, frag.Handles.DeletedBitset), bitset)
}

// ReadCurrentBitset reads a segment's bitset from disk, bypassing the
// cache. The compaction committer uses it to observe deletions a
// concurrent flush wrote while the compaction ran.
func (s *SegmentStorage) ReadCurrentBitset(frag FragmentedSegment) (*roaring.Bitmap, error) {
	return ReadBitset(filepath.Join(s.dir, frag.Handles.DeletedBitset))
}

// Drop evicts a segment from the cache and deletes its files. Called after
// a compaction's inputs are no longer referenced by any state.
func (s *SegmentStorage) Drop(frag FragmentedSegment) error {
	s.mu.Lock()
	delete(s.cache, frag.ID)
	s.mu.Unlock()

	for _, name := range []string{frag.Handles.Archive, frag.Handles.IDTable, frag.Handles.DeletedBitset} {
		if name == "" {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove segment file %s: %w", name, err)
		}
	}
	// Unpacked archive directory, if the segment was ever restored.
	_ = os.RemoveAll(filepath.Join(s.dir, frag.ID.String()))
	return nil
}
