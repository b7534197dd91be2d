package retention

import (
	"bytes"
	"context"

	"github.com/cuemby/loam/pkg/log"
	"github.com/cuemby/loam/pkg/metrics"
	"github.com/cuemby/loam/pkg/persistence"
	"github.com/cuemby/loam/pkg/types"
	"github.com/rs/zerolog"
)

// Sweeper deletes index entries and document revisions the watermarks have
// released. Deletions go through the writer's lease like any other write.
type Sweeper struct {
	batchSize int
	backend   persistence.Persistence
	logger    zerolog.Logger
}

// NewSweeper builds a sweeper over the backend.
func NewSweeper(batchSize int, backend persistence.Persistence) *Sweeper {
	if batchSize <= 0 {
		batchSize = 512
	}
	return &Sweeper{
		batchSize: batchSize,
		backend:   backend,
		logger:    log.WithComponent("retention-sweeper"),
	}
}

// Sweep runs one full pass over the index and document logs.
func (s *Sweeper) Sweep(ctx context.Context, marks Watermarks) error {
	deletedIdx, err := s.sweepIndexes(ctx, marks.MinIndexTS)
	if err != nil {
		return err
	}
	deletedDocs, err := s.sweepDocuments(ctx, marks.MinDocumentTS)
	if err != nil {
		return err
	}
	if deletedIdx > 0 || deletedDocs > 0 {
		s.logger.Info().
			Int("index_entries", deletedIdx).
			Int("documents", deletedDocs).
			Msg("retention sweep reclaimed rows")
	}
	return nil
}

// sweepIndexes walks the raw index log in primary-key order. Rows of one
// key group arrive adjacent, so an entry is expired when a newer entry for
// the same (index_id, key_prefix, key_sha256) follows it in the chunk, or
// when it is a tombstone past the floor.
func (s *Sweeper) sweepIndexes(ctx context.Context, minIndexTS types.Timestamp) (int, error) {
	reader := s.backend.Reader()
	deleted := 0

	var cursor *persistence.IndexEntryKey
	// The last row of each chunk may have newer siblings in the next
	// chunk; carry it over instead of deciding early.
	var carry *persistence.IndexRow

	for {
		rows, err := reader.LoadIndexChunk(ctx, cursor, s.batchSize)
		if err != nil {
			return deleted, err
		}
		if len(rows) == 0 {
			break
		}

		var expired []persistence.IndexEntryKey
		if carry != nil {
			rows = append([]persistence.IndexRow{*carry}, rows...)
		}
		for i := 0; i < len(rows)-1; i++ {
			row := &rows[i]
			if row.Key.TS >= minIndexTS {
				continue
			}
			if sameIndexKey(&row.Key, &rows[i+1].Key) || row.Deleted {
				expired = append(expired, row.Key)
			}
		}
		last := rows[len(rows)-1]
		carry = &last
		cursor = &last.Key

		if len(expired) > 0 {
			n, err := s.backend.DeleteIndexEntries(ctx, expired)
			if err != nil {
				return deleted, err
			}
			deleted += n
			metrics.RetentionEntriesDeleted.WithLabelValues("index").Add(float64(n))
		}
		if len(rows) < s.batchSize {
			break
		}
	}

	// The final row of the log has no successor; only a tombstone expires.
	if carry != nil && carry.Key.TS < minIndexTS && carry.Deleted {
		n, err := s.backend.DeleteIndexEntries(ctx, []persistence.IndexEntryKey{carry.Key})
		if err != nil {
			return deleted, err
		}
		deleted += n
		metrics.RetentionEntriesDeleted.WithLabelValues("index").Add(float64(n))
	}
	return deleted, nil
}

func sameIndexKey(a, b *persistence.IndexEntryKey) bool {
	return a.IndexID == b.IndexID &&
		bytes.Equal(a.KeyPrefix, b.KeyPrefix) &&
		a.KeySHA256 == b.KeySHA256
}

// sweepDocuments streams revisions below the floor. A revision is expired
// when a newer revision of the same id exists or when it is a tombstone.
// Revisions superseded within the candidate range are obvious; for each
// id's newest candidate the latest committed revision decides.
func (s *Sweeper) sweepDocuments(ctx context.Context, minDocTS types.Timestamp) (int, error) {
	reader := s.backend.Reader()
	stream := reader.LoadDocuments(ctx,
		types.TimestampRange{Start: 0, End: minDocTS},
		types.Asc, s.batchSize, Unchecked{})

	var expired []persistence.DocumentKey
	newest := make(map[types.DocumentID]types.DocumentLogEntry)

	for stream.Next(ctx) {
		entry := stream.Entry()
		if prior, ok := newest[entry.ID]; ok {
			// The prior candidate is superseded by this one.
			expired = append(expired, persistence.DocumentKey{
				TS: prior.TS, Tablet: prior.ID.Tablet, ID: prior.ID.Internal,
			})
		}
		newest[entry.ID] = entry
	}
	if err := stream.Err(); err != nil {
		return 0, err
	}

	// Resolve each id's newest candidate against the live log.
	var lookups []types.DocumentPrevTSQuery
	for id, entry := range newest {
		if entry.IsTombstone() {
			expired = append(expired, persistence.DocumentKey{
				TS: entry.TS, Tablet: id.Tablet, ID: id.Internal,
			})
			continue
		}
		lookups = append(lookups, types.DocumentPrevTSQuery{ID: id, TS: types.MaxTimestamp})
	}
	if len(lookups) > 0 {
		latest, err := reader.PreviousRevisions(ctx, lookups, Unchecked{})
		if err != nil {
			return 0, err
		}
		for _, q := range lookups {
			entry := newest[q.ID]
			if live, ok := latest[q]; ok && live.TS > entry.TS {
				expired = append(expired, persistence.DocumentKey{
					TS: entry.TS, Tablet: q.ID.Tablet, ID: q.ID.Internal,
				})
			}
		}
	}

	deleted := 0
	for start := 0; start < len(expired); start += types.MaxInsertSize {
		end := start + types.MaxInsertSize
		if end > len(expired) {
			end = len(expired)
		}
		n, err := s.backend.DeleteDocuments(ctx, expired[start:end])
		if err != nil {
			return deleted, err
		}
		deleted += n
	}
	if deleted > 0 {
		metrics.RetentionEntriesDeleted.WithLabelValues("document").Add(float64(deleted))
	}
	return deleted, nil
}
