package vector

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/cuemby/loam/pkg/metrics"
	"github.com/cuemby/loam/pkg/types"
)

// ErrIndexNotReady means the index has not reached SnapshottedAt and
// cannot serve queries yet.
var ErrIndexNotReady = errors.New("vector index is still building")

// Searcher answers nearest-neighbor queries across an index's segments at
// its current snapshot.
type Searcher struct {
	storage  *SegmentStorage
	metadata MetadataStore
}

// NewSearcher builds a searcher.
func NewSearcher(storage *SegmentStorage, metadata MetadataStore) *Searcher {
	return &Searcher{storage: storage, metadata: metadata}
}

// Search returns the k nearest live documents. Results are deterministic
// for a fixed snapshot: ties break ascending by document id.
func (s *Searcher) Search(ctx context.Context, indexName string, query []float32, k int) ([]SearchResult, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.VectorSearchDuration)

	meta, err := s.metadata.GetVectorIndex(indexName)
	if err != nil {
		return nil, err
	}
	if meta.State.Kind != StateSnapshotted {
		return nil, fmt.Errorf("%w: index %s is %s", ErrIndexNotReady, indexName, meta.State.Kind)
	}
	if len(query) != meta.Dimension {
		return nil, fmt.Errorf("query has dimension %d, index %s expects %d", len(query), indexName, meta.Dimension)
	}

	var merged []SearchResult
	for _, frag := range meta.State.Segments {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		seg, err := s.storage.Open(frag)
		if err != nil {
			return nil, err
		}
		merged = append(merged, seg.Search(query, k)...)
	}

	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Distance != merged[j].Distance {
			return merged[i].Distance < merged[j].Distance
		}
		return merged[i].ID.Compare(merged[j].ID) < 0
	})

	// A document's point lives in exactly one segment, but keep the
	// first hit per id anyway so a reconciliation in flight cannot
	// surface duplicates.
	seen := make(map[types.InternalID]struct{}, k)
	out := make([]SearchResult, 0, k)
	for _, r := range merged {
		if _, dup := seen[r.ID]; dup {
			continue
		}
		seen[r.ID] = struct{}{}
		out = append(out, r)
		if len(out) == k {
			break
		}
	}
	return out, nil
}
