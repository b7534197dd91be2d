package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/loam/pkg/events"
	"github.com/cuemby/loam/pkg/log"
	"github.com/cuemby/loam/pkg/metrics"
	"github.com/cuemby/loam/pkg/persistence"
	"github.com/cuemby/loam/pkg/retention"
	"github.com/cuemby/loam/pkg/schema"
	"github.com/cuemby/loam/pkg/types"
	"github.com/rs/zerolog"
)

// GlobalActiveSchema is the persistence_globals key holding the enforced
// schema.
const GlobalActiveSchema types.PersistenceGlobalKey = "ActiveSchema"

// maxRecentCommits bounds the in-memory commit log used for OCC conflict
// detection. A transaction older than the window conflicts by default.
const maxRecentCommits = 1024

// Identity names the principal a transaction runs as. It feeds logging
// and worker fair-share accounting, not authorization.
type Identity string

type writtenIndexKey struct {
	index types.IndexID
	key   types.IndexKey
}

type commitRecord struct {
	ts        types.Timestamp
	docs      map[types.DocumentID]string
	indexKeys []writtenIndexKey
}

// Database coordinates the persistence log, retention, schema enforcement,
// and the commit protocol.
type Database struct {
	backend   persistence.Persistence
	reader    persistence.Reader
	retention persistence.RetentionValidator
	mapping   *TableMapping
	virtual   *VirtualTableMapping
	broker    *events.Broker
	logger    zerolog.Logger

	commitMu     sync.Mutex
	lastCommitTS types.Timestamp
	recent       []commitRecord

	schemaMu     sync.RWMutex
	activeSchema *schema.DatabaseSchema
}

// Open loads the table mapping and active schema and positions the commit
// clock at the last committed timestamp.
func Open(ctx context.Context, backend persistence.Persistence, retentionHandle persistence.RetentionValidator, broker *events.Broker) (*Database, error) {
	reader := backend.Reader()

	rawMapping, err := backend.GetGlobal(ctx, GlobalTableMapping)
	if err != nil {
		return nil, err
	}
	mapping, err := RestoreTableMapping(rawMapping)
	if err != nil {
		return nil, err
	}

	var active *schema.DatabaseSchema
	rawSchema, err := backend.GetGlobal(ctx, GlobalActiveSchema)
	if err != nil {
		return nil, err
	}
	if rawSchema != nil {
		active = &schema.DatabaseSchema{}
		if err := json.Unmarshal(rawSchema, active); err != nil {
			return nil, fmt.Errorf("failed to decode active schema: %w", err)
		}
	}

	lastTS, err := reader.MaxTS(ctx)
	if err != nil {
		return nil, err
	}

	return &Database{
		backend:      backend,
		reader:       reader,
		retention:    retentionHandle,
		mapping:      mapping,
		virtual:      NewVirtualTableMapping(),
		broker:       broker,
		logger:       log.WithComponent("store"),
		lastCommitTS: lastTS,
		activeSchema: active,
	}, nil
}

// Mapping returns the live table mapping.
func (db *Database) Mapping() *TableMapping {
	return db.mapping
}

// VirtualMapping returns the virtual table namespace.
func (db *Database) VirtualMapping() *VirtualTableMapping {
	return db.virtual
}

// Reader exposes the backend's read half for subsystems that stream the
// log directly, like the vector engine.
func (db *Database) Reader() persistence.Reader {
	return db.reader
}

// LatestTS returns the last committed timestamp.
func (db *Database) LatestTS() types.Timestamp {
	db.commitMu.Lock()
	defer db.commitMu.Unlock()
	return db.lastCommitTS
}

// Begin opens a transaction at the latest committed timestamp.
func (db *Database) Begin(identity Identity) *Transaction {
	return newTransaction(db, identity, db.LatestTS())
}

// Schema returns the active schema, which may be nil.
func (db *Database) Schema() *schema.DatabaseSchema {
	db.schemaMu.RLock()
	defer db.schemaMu.RUnlock()
	return db.activeSchema
}

// SetSchema installs a new schema. Before enforcement flips on, the
// caller is expected to have scanned the tables PlanSchemaChange named.
func (db *Database) SetSchema(ctx context.Context, next *schema.DatabaseSchema) error {
	raw, err := json.Marshal(next)
	if err != nil {
		return err
	}
	if err := db.backend.WriteGlobal(ctx, GlobalActiveSchema, raw); err != nil {
		return err
	}
	db.schemaMu.Lock()
	db.activeSchema = next
	db.schemaMu.Unlock()

	db.broker.Publish(&events.Event{Type: events.EventSchemaChanged})
	db.logger.Info().Bool("enforced", next.Enforced()).Msg("installed schema")
	return nil
}

// PlanSchemaChange returns the tables whose contents must be revalidated
// by a full scan before next can be enforced. Tables whose inferred shape
// already proves the new validator are skipped.
func (db *Database) PlanSchemaChange(ctx context.Context, next *schema.DatabaseSchema) ([]string, error) {
	if !next.Enforced() {
		return nil, nil
	}
	shapes := make(map[string]schema.Shape, len(next.Tables))
	for table := range next.Tables {
		shape, err := db.InferTableShape(ctx, table)
		if err != nil {
			return nil, err
		}
		shapes[table] = shape
	}
	return schema.TablesToValidate(next, db.Schema(), shapes, db.mapping, db.virtual), nil
}

// InferTableShape folds the shape of every live document in the table at
// the current snapshot. An unknown table is empty and infers Never.
func (db *Database) InferTableShape(ctx context.Context, table string) (schema.Shape, error) {
	entry, ok := db.mapping.Lookup(table)
	if !ok {
		return schema.Shape{Kind: schema.ShapeNever}, nil
	}

	shape := schema.Shape{Kind: schema.ShapeNever}
	scan := db.reader.IndexScan(ctx, entry.ByIDIndex, entry.Tablet, db.LatestTS(),
		types.Interval{}, types.Asc, 256, db.retention)
	for scan.Next(ctx) {
		item := scan.Item()
		shape = shape.Union(schema.ShapeOfValue(*item.Document.Value, db.shapeIDResolver()))
	}
	if err := scan.Err(); err != nil {
		return schema.Shape{}, err
	}
	return shape, nil
}

func (db *Database) shapeIDResolver() schema.IDShapeResolver {
	return func(tablet types.TabletID) (uint32, bool) {
		entry, ok := db.mapping.LookupTablet(tablet)
		if !ok || entry.Hidden {
			return 0, false
		}
		return entry.Number, true
	}
}

// CreateTable registers a table and persists the mapping.
func (db *Database) CreateTable(ctx context.Context, name string) (*TableEntry, error) {
	entry, err := db.mapping.Create(name, false)
	if err != nil {
		return nil, err
	}
	if err := db.persistMapping(ctx); err != nil {
		return nil, err
	}
	db.broker.Publish(&events.Event{Type: events.EventTableCreated, Tables: []string{name}})
	return entry, nil
}

func (db *Database) persistMapping(ctx context.Context) error {
	raw, err := db.mapping.Snapshot()
	if err != nil {
		return err
	}
	return db.backend.WriteGlobal(ctx, GlobalTableMapping, raw)
}

// knownSystemTables are the system tables the engine itself manages; only
// these may come into existence lazily in the system namespace.
var knownSystemTables = map[string]struct{}{
	LogSinkTable: {},
}

// ensureTable resolves a table, creating it on first write the way user
// code expects.
func (db *Database) ensureTable(ctx context.Context, name string) (*TableEntry, error) {
	if entry, ok := db.mapping.Lookup(name); ok {
		return entry, nil
	}
	if IsSystemTableName(name) {
		if _, known := knownSystemTables[name]; !known {
			return nil, fmt.Errorf("system table %s cannot be created implicitly", name)
		}
	}
	return db.CreateTable(ctx, name)
}

// nextTS mints the next commit timestamp: wall clock, bumped to stay
// strictly monotone. Callers hold commitMu.
func (db *Database) nextTS() types.Timestamp {
	ts := types.TimestampFromTime(time.Now())
	if ts <= db.lastCommitTS {
		ts = db.lastCommitTS + 1
	}
	return ts
}

// commit runs the OCC protocol for a transaction.
func (db *Database) commit(ctx context.Context, tx *Transaction) (types.Timestamp, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.CommitDuration)

	db.commitMu.Lock()
	defer db.commitMu.Unlock()

	// Commits already evicted from the window cannot be checked, so a
	// transaction that began before the oldest tracked commit conflicts.
	if len(db.recent) >= maxRecentCommits && db.recent[0].ts > tx.ts {
		metrics.CommitsTotal.WithLabelValues("conflict").Inc()
		return 0, &types.OCCError{
			Description: fmt.Sprintf(
				"transaction began at ts %d, before the oldest commit still tracked for conflict detection",
				tx.ts),
		}
	}

	// Read-set intersection with everything committed since the
	// transaction began.
	for i := range db.recent {
		rec := &db.recent[i]
		if rec.ts <= tx.ts {
			continue
		}
		for id, table := range rec.docs {
			if _, read := tx.reads.docs[id]; read {
				metrics.OCCConflicts.WithLabelValues(table).Inc()
				metrics.CommitsTotal.WithLabelValues("conflict").Inc()
				log.ForCommit(string(tx.identity), int64(tx.ts)).Debug().
					Str("table", table).
					Int64("conflicting_ts", int64(rec.ts)).
					Msg("commit lost document race")
				return 0, &types.OCCError{
					Table: table,
					Description: fmt.Sprintf(
						"document %s changed at ts %d after this transaction began at ts %d",
						id, rec.ts, tx.ts),
				}
			}
		}
		for _, written := range rec.indexKeys {
			for _, rr := range tx.reads.ranges {
				if rr.index == written.index && rr.interval.Contains(written.key) {
					metrics.OCCConflicts.WithLabelValues(rr.table).Inc()
					metrics.CommitsTotal.WithLabelValues("conflict").Inc()
					log.ForCommit(string(tx.identity), int64(tx.ts)).Debug().
						Str("table", rr.table).
						Int64("conflicting_ts", int64(rec.ts)).
						Msg("commit lost range race")
					return 0, &types.OCCError{
						Table: rr.table,
						Description: fmt.Sprintf(
							"a document entered the scanned range of table %q at ts %d after this transaction began at ts %d",
							rr.table, rec.ts, tx.ts),
					}
				}
			}
		}
	}

	// Schema enforcement on every live write.
	if active := db.Schema(); active.Enforced() {
		var checkErr error
		tx.writes.Scan(func(_ string, w writeEntry) bool {
			if w.value == nil {
				return true
			}
			validator := active.TableValidator(w.table)
			if err := validator.CheckValue(*w.value, db.mapping, db.virtual); err != nil {
				metrics.SchemaValidationFailures.WithLabelValues(w.table).Inc()
				checkErr = fmt.Errorf("document in table %q failed validation: %w", w.table, err)
				return false
			}
			return true
		})
		if checkErr != nil {
			metrics.CommitsTotal.WithLabelValues("invalid").Inc()
			return 0, checkErr
		}
	}

	ts := db.nextTS()

	// Link each revision to its predecessor.
	var lookups []types.DocumentPrevTSQuery
	tx.writes.Scan(func(_ string, w writeEntry) bool {
		lookups = append(lookups, types.DocumentPrevTSQuery{ID: w.id, TS: types.MaxTimestamp})
		return true
	})
	prev, err := db.reader.PreviousRevisions(ctx, lookups, retention.Unchecked{})
	if err != nil {
		return 0, err
	}

	record := commitRecord{ts: ts, docs: make(map[types.DocumentID]string)}
	var docs []types.DocumentLogEntry
	var idxUpdates []types.IndexUpdate

	var buildErr error
	tx.writes.Scan(func(_ string, w writeEntry) bool {
		entry, ok := db.mapping.LookupTablet(w.id.Tablet)
		if !ok {
			buildErr = fmt.Errorf("tablet %s vanished during commit", w.id.Tablet)
			return false
		}

		doc := types.DocumentLogEntry{TS: ts, ID: w.id, Value: w.value}
		if p, found := prev[types.DocumentPrevTSQuery{ID: w.id, TS: types.MaxTimestamp}]; found {
			prevTS := p.TS
			doc.PrevTS = &prevTS
		}
		docs = append(docs, doc)

		key := byIDKey(w.id)
		update := types.IndexUpdate{TS: ts, Entry: types.IndexEntry{
			IndexID: entry.ByIDIndex,
			Key:     key,
			TS:      ts,
		}}
		if w.value == nil {
			update.Entry.Tombstone = true
		} else {
			id := w.id
			update.Entry.DocID = &id
		}
		idxUpdates = append(idxUpdates, update)

		record.docs[w.id] = w.table
		record.indexKeys = append(record.indexKeys, writtenIndexKey{index: entry.ByIDIndex, key: key})
		return true
	})
	if buildErr != nil {
		return 0, buildErr
	}

	if err := db.backend.Write(ctx, docs, idxUpdates, types.ConflictError); err != nil {
		metrics.CommitsTotal.WithLabelValues("error").Inc()
		return 0, err
	}

	db.lastCommitTS = ts
	db.recent = append(db.recent, record)
	if len(db.recent) > maxRecentCommits {
		db.recent = db.recent[len(db.recent)-maxRecentCommits:]
	}

	metrics.CommitsTotal.WithLabelValues("committed").Inc()
	db.broker.Publish(&events.Event{
		Type:     events.EventCommit,
		CommitTS: ts,
		Tables:   tablesOf(record.docs),
	})
	return ts, nil
}

func tablesOf(docs map[types.DocumentID]string) []string {
	seen := make(map[string]struct{}, len(docs))
	var out []string
	for _, table := range docs {
		if _, dup := seen[table]; dup {
			continue
		}
		seen[table] = struct{}{}
		out = append(out, table)
	}
	return out
}

// byIDKey renders the by_id index key for a document.
func byIDKey(id types.DocumentID) types.IndexKey {
	return types.EncodeKey(types.String(types.EncodeDocumentID(id)))
}
