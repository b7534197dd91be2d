package vector

import (
	"context"
	"fmt"
	"sync"

	"github.com/cuemby/loam/pkg/log"
	"github.com/cuemby/loam/pkg/metrics"
	"github.com/cuemby/loam/pkg/types"
)

// Committer serializes state commits from concurrent flushes and
// compactions and reconciles their overlap. The invariant it maintains:
// after any commit, every live (document, vector) pair has exactly one
// non-deleted point across the index's segments, and every deleted
// document has none.
type Committer struct {
	mu       sync.Mutex
	metadata MetadataStore
	storage  *SegmentStorage
}

// NewCommitter builds a committer over the registry and segment storage.
func NewCommitter(metadata MetadataStore, storage *SegmentStorage) *Committer {
	return &Committer{
		metadata: metadata,
		storage:  storage,
	}
}

// CommitFlush publishes a flush: bitset updates land first, then the new
// segment, then the state transition, atomically with respect to other
// commits.
//
// If a concurrent compaction replaced a segment this flush recorded
// deletions against, the pending deletions are re-applied to whichever
// current segment holds each document now.
func (c *Committer) CommitFlush(ctx context.Context, name string, spec buildSpec, res *buildResult, newTS types.Timestamp) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	meta, err := c.metadata.GetVectorIndex(name)
	if err != nil {
		return err
	}
	state := meta.State

	// Publish bitset updates whose owning segment survived.
	orphaned := false
	for segID, bitset := range res.updatedBitsets {
		frag := state.SegmentByID(segID)
		if frag == nil {
			orphaned = true
			continue
		}
		if err := c.storage.FlushBitset(*frag, bitset); err != nil {
			return err
		}
		seg, err := c.storage.Open(*frag)
		if err != nil {
			return err
		}
		seg.ReplaceBitset(bitset)
		frag.NumDeleted = uint32(bitset.GetCardinality())
	}

	// Deletions recorded against compacted-away segments move to whatever
	// segment holds those documents now.
	if orphaned {
		if err := c.applyDeletes(&state, res.deletedIDs); err != nil {
			return err
		}
	}

	if spec.rebuild {
		// A from-scratch rebuild supersedes every existing segment.
		for _, frag := range state.Segments {
			if err := c.storage.Drop(frag); err != nil {
				log.ForSegment(name, frag.ID.String()).Warn().Err(err).Msg("failed to remove superseded segment files")
			}
		}
		state.Segments = nil
	}

	if res.segment != nil {
		handles, err := c.storage.Put(res.segment)
		if err != nil {
			return err
		}
		state.Segments = append(state.Segments, res.segment.Fragment(handles))
	}

	switch spec.kind {
	case buildIncremental:
		if res.backfillComplete {
			state.Kind = StateBackfilled
			state.Cursor = nil
			state.SnapshotTS = spec.backfillSnapshot
		} else {
			state.Kind = StateBackfilling
			state.Cursor = res.newCursor
			state.SnapshotTS = spec.backfillSnapshot
		}
	case buildPartial:
		state.Kind = StateSnapshotted
		state.SnapshotTS = newTS
	}

	meta.State = state
	return c.metadata.UpdateVectorIndex(*meta)
}

// CommitCompaction replaces the compaction's input segments with its
// output. Deletions a concurrent flush committed against the inputs while
// the compaction ran are folded into the output's bitset first.
func (c *Committer) CommitCompaction(ctx context.Context, name string, inputs []FragmentedSegment, output *ImmutableSegment) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	meta, err := c.metadata.GetVectorIndex(name)
	if err != nil {
		return err
	}
	state := meta.State

	for i := range inputs {
		if state.SegmentByID(inputs[i].ID) == nil {
			return fmt.Errorf("compaction input segment %s no longer in index %s", inputs[i].ID, name)
		}
	}

	// Fold in deletions that landed on the inputs after the compaction
	// read them.
	for i := range inputs {
		bitset, err := c.storage.ReadCurrentBitset(inputs[i])
		if err != nil {
			return err
		}
		seg, err := c.storage.Open(inputs[i])
		if err != nil {
			return err
		}
		it := bitset.Iterator()
		for it.HasNext() {
			id := seg.ids[it.Next()]
			if output.MarkDeleted(id) {
				metrics.VectorsDeleted.Inc()
			}
		}
	}

	handles, err := c.storage.Put(output)
	if err != nil {
		return err
	}

	kept := state.Segments[:0:0]
	for _, frag := range state.Segments {
		replaced := false
		for i := range inputs {
			if frag.ID == inputs[i].ID {
				replaced = true
				break
			}
		}
		if !replaced {
			kept = append(kept, frag)
		}
	}
	state.Segments = append(kept, output.Fragment(handles))

	meta.State = state
	if err := c.metadata.UpdateVectorIndex(*meta); err != nil {
		return err
	}
	metrics.VectorCompactions.Inc()

	for i := range inputs {
		if err := c.storage.Drop(inputs[i]); err != nil {
			log.ForSegment(name, inputs[i].ID.String()).Warn().Err(err).Msg("failed to remove compacted segment files")
		}
	}
	return nil
}

// applyDeletes marks documents deleted in whichever current segment holds
// a live point for them.
func (c *Committer) applyDeletes(state *IndexState, ids []types.InternalID) error {
	dirty := make(map[SegmentID]*FragmentedSegment)
	for _, id := range ids {
		for i := range state.Segments {
			frag := &state.Segments[i]
			seg, err := c.storage.Open(*frag)
			if err != nil {
				return err
			}
			if seg.MarkDeleted(id) {
				dirty[frag.ID] = frag
			}
		}
	}
	for _, frag := range dirty {
		seg, err := c.storage.Open(*frag)
		if err != nil {
			return err
		}
		if err := c.storage.FlushBitset(*frag, seg.deleted); err != nil {
			return err
		}
		frag.NumDeleted = seg.NumDeleted()
	}
	return nil
}
