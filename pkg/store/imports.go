package store

import (
	"context"
	"fmt"

	"github.com/cuemby/loam/pkg/events"
	"github.com/cuemby/loam/pkg/persistence"
	"github.com/cuemby/loam/pkg/retention"
	"github.com/cuemby/loam/pkg/types"
)

// InsertTableForImport creates a hidden staging tablet for a bulk import.
// Rows and index entries written against it are invisible to the user
// namespace until ActivateImport swaps it in.
func (db *Database) InsertTableForImport(ctx context.Context, name string) (*TableEntry, error) {
	entry, err := db.mapping.Create(name, true)
	if err != nil {
		return nil, err
	}
	if err := db.persistMapping(ctx); err != nil {
		return nil, err
	}
	db.logger.Info().Str("table", name).Str("tablet", entry.Tablet.String()).Msg("created import staging table")
	return entry, nil
}

// WriteImportBatch appends rows directly into a staging tablet, bypassing
// the transactional layer. The batch shares the writer's lease and the
// per-call row cap with ordinary commits.
func (db *Database) WriteImportBatch(ctx context.Context, staging *TableEntry, values []types.Value) ([]types.DocumentID, error) {
	if !staging.Hidden {
		return nil, fmt.Errorf("table %s is not an import staging table", staging.Name)
	}

	db.commitMu.Lock()
	defer db.commitMu.Unlock()
	ts := db.nextTS()

	ids := make([]types.DocumentID, len(values))
	docs := make([]types.DocumentLogEntry, len(values))
	updates := make([]types.IndexUpdate, len(values))
	for i := range values {
		id := types.DocumentID{Tablet: staging.Tablet, Internal: types.NewInternalID()}
		ids[i] = id
		value := values[i]
		docs[i] = types.DocumentLogEntry{TS: ts, ID: id, Value: &value}
		docID := id
		updates[i] = types.IndexUpdate{TS: ts, Entry: types.IndexEntry{
			IndexID: staging.ByIDIndex,
			Key:     byIDKey(id),
			TS:      ts,
			DocID:   &docID,
		}}
	}

	if err := db.backend.Write(ctx, docs, updates, types.ConflictError); err != nil {
		return nil, err
	}
	db.lastCommitTS = ts
	return ids, nil
}

// ActivateImport atomically swaps the staging tablet into the live
// namespace under name. The replaced table's rows stay reachable through
// its (now hidden) tablet until DropHiddenTable removes them; no rows are
// rewritten.
func (db *Database) ActivateImport(ctx context.Context, staging *TableEntry, name string) error {
	if err := db.mapping.Activate(staging.Tablet, name); err != nil {
		return err
	}
	if err := db.persistMapping(ctx); err != nil {
		return err
	}
	db.broker.Publish(&events.Event{Type: events.EventTableActivated, Tables: []string{name}})
	db.logger.Info().Str("table", name).Str("tablet", staging.Tablet.String()).Msg("activated imported table")
	return nil
}

// DropHiddenTable bulk-deletes a hidden tablet's rows and removes it from
// the mapping. Used to clean up after a replaced table or an abandoned
// import.
func (db *Database) DropHiddenTable(ctx context.Context, tablet types.TabletID) error {
	entry, ok := db.mapping.LookupTablet(tablet)
	if !ok {
		return fmt.Errorf("tablet not found: %s", tablet)
	}
	if !entry.Hidden {
		return fmt.Errorf("table %s is live; rename or activate over it first", entry.Name)
	}

	stream := db.reader.LoadDocuments(ctx, types.AllTime(), types.Asc, 512, retention.Unchecked{})
	var keys []persistence.DocumentKey
	for stream.Next(ctx) {
		doc := stream.Entry()
		if doc.ID.Tablet != tablet {
			continue
		}
		keys = append(keys, persistence.DocumentKey{TS: doc.TS, Tablet: tablet, ID: doc.ID.Internal})
	}
	if err := stream.Err(); err != nil {
		return err
	}

	for start := 0; start < len(keys); start += types.MaxInsertSize {
		end := start + types.MaxInsertSize
		if end > len(keys) {
			end = len(keys)
		}
		if _, err := db.backend.DeleteDocuments(ctx, keys[start:end]); err != nil {
			return err
		}
	}

	db.mapping.mu.Lock()
	delete(db.mapping.byTablet, tablet)
	if db.mapping.byNumber[entry.Number] == entry {
		delete(db.mapping.byNumber, entry.Number)
	}
	db.mapping.mu.Unlock()
	if err := db.persistMapping(ctx); err != nil {
		return err
	}
	db.logger.Info().Str("tablet", tablet.String()).Int("rows", len(keys)).Msg("dropped hidden table rows")
	return nil
}
