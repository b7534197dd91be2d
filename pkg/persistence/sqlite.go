package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/cuemby/loam/pkg/log"
	"github.com/cuemby/loam/pkg/metrics"
	"github.com/cuemby/loam/pkg/types"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	// WASM-based SQLite driver, no cgo required.
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Options configures Open.
type Options struct {
	// AllowReadOnly lets Open succeed on a store marked read-only. Write
	// calls still fail.
	AllowReadOnly bool

	// Shutdown fires when the lease is preempted. A nil signal gets
	// allocated internally; callers that want to observe writer death
	// pass their own.
	Shutdown *ShutdownSignal
}

// SQLitePersistence implements Persistence over a single SQLite file.
type SQLitePersistence struct {
	db       *sql.DB
	path     string
	fresh    bool
	lease    *Lease
	shutdown *ShutdownSignal
	logger   zerolog.Logger
	readOnly atomic.Bool

	// Writes serialize on one connection; the mutex keeps chunked batch
	// assembly from interleaving between goroutines sharing the handle.
	writeMu sync.Mutex

	stmtMu sync.Mutex
	stmts  *lru.Cache[string, *sql.Stmt]
}

const stmtCacheSize = 64

// Open opens (creating if necessary) the backend at path and acquires the
// writer lease.
func Open(ctx context.Context, path string, opts Options) (*SQLitePersistence, error) {
	fresh := false
	if _, err := os.Stat(path); os.IsNotExist(err) {
		fresh = true
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	connStr := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)",
		path)
	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger := log.WithComponent("persistence")

	var readOnly bool
	if err := db.QueryRowContext(ctx, isReadOnlyQuery).Scan(&readOnly); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to read read_only flag: %w", err)
	}
	if readOnly && !opts.AllowReadOnly {
		_ = db.Close()
		return nil, types.ErrReadOnly
	}

	shutdown := opts.Shutdown
	if shutdown == nil {
		shutdown = NewShutdownSignal()
	}

	lease, err := acquireLease(ctx, db, shutdown, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	stmts, err := lru.NewWithEvict(stmtCacheSize, func(_ string, stmt *sql.Stmt) {
		_ = stmt.Close()
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	p := &SQLitePersistence{
		db:       db,
		path:     path,
		fresh:    fresh,
		lease:    lease,
		shutdown: shutdown,
		logger:   logger,
		stmts:    stmts,
	}
	p.readOnly.Store(readOnly)
	return p, nil
}

// IsFresh reports whether Open created the database file.
func (p *SQLitePersistence) IsFresh() bool {
	return p.fresh
}

// Path returns the database file path.
func (p *SQLitePersistence) Path() string {
	return p.path
}

// LeaseLost returns the shutdown signal fired on lease preemption.
func (p *SQLitePersistence) LeaseLost() *ShutdownSignal {
	return p.shutdown
}

// Ping verifies the backend answers queries. The health probe uses it.
func (p *SQLitePersistence) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close closes the backend.
func (p *SQLitePersistence) Close() error {
	p.stmtMu.Lock()
	p.stmts.Purge()
	p.stmtMu.Unlock()
	return p.db.Close()
}

// stmt returns a cached prepared statement for query.
func (p *SQLitePersistence) stmt(ctx context.Context, query string) (*sql.Stmt, error) {
	p.stmtMu.Lock()
	defer p.stmtMu.Unlock()
	if stmt, ok := p.stmts.Get(query); ok {
		return stmt, nil
	}
	stmt, err := p.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}
	p.stmts.Add(query, stmt)
	return stmt, nil
}

// Write implements Persistence.
func (p *SQLitePersistence) Write(ctx context.Context, docs []types.DocumentLogEntry, indexes []types.IndexUpdate, strategy types.ConflictStrategy) error {
	if len(docs) > types.MaxInsertSize || len(indexes) > types.MaxInsertSize {
		return fmt.Errorf("%w: %d documents, %d index entries (cap %d)",
			types.ErrTooLarge, len(docs), len(indexes), types.MaxInsertSize)
	}
	if p.readOnly.Load() {
		return types.ErrReadOnly
	}

	seen := make(map[DocumentKey]struct{}, len(docs))
	for _, doc := range docs {
		key := DocumentKey{TS: doc.TS, Tablet: doc.ID.Tablet, ID: doc.ID.Internal}
		if _, ok := seen[key]; ok {
			return fmt.Errorf("%w: document %s at ts %d", types.ErrDuplicateInternalID, doc.ID, doc.TS)
		}
		seen[key] = struct{}{}
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.WriteDuration)
	metrics.WriteBatchRows.Observe(float64(len(docs) + len(indexes)))

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	overwrite := strategy == types.ConflictOverwrite
	err := p.lease.Transact(ctx, func(tx *sql.Tx) error {
		if err := p.insertDocuments(ctx, tx, docs, overwrite); err != nil {
			return err
		}
		return p.insertIndexEntries(ctx, tx, indexes, overwrite)
	})
	if err != nil {
		return err
	}

	metrics.DocumentsWritten.Add(float64(len(docs)))
	metrics.IndexEntriesWritten.Add(float64(len(indexes)))
	return nil
}

func (p *SQLitePersistence) insertDocuments(ctx context.Context, tx *sql.Tx, docs []types.DocumentLogEntry, overwrite bool) error {
	pos := 0
	for _, chunkSize := range smartChunks(len(docs)) {
		chunk := docs[pos : pos+chunkSize]
		pos += chunkSize

		stmt, err := p.stmt(ctx, insertDocumentChunk(chunkSize, overwrite))
		if err != nil {
			return err
		}
		args := make([]any, 0, chunkSize*6)
		for i := range chunk {
			doc := &chunk[i]
			var jsonValue []byte
			if doc.Value != nil {
				jsonValue, err = json.Marshal(doc.Value)
				if err != nil {
					return fmt.Errorf("failed to encode document %s: %w", doc.ID, err)
				}
			}
			var prevTS any
			if doc.PrevTS != nil {
				prevTS = int64(*doc.PrevTS)
			}
			args = append(args,
				doc.ID.Internal.Bytes(),
				int64(doc.TS),
				doc.ID.Tablet.Bytes(),
				jsonValue,
				boolToInt(doc.IsTombstone()),
				prevTS,
			)
		}
		if _, err := tx.StmtContext(ctx, stmt).ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("failed to insert documents: %w", err)
		}
	}
	return nil
}

func (p *SQLitePersistence) insertIndexEntries(ctx context.Context, tx *sql.Tx, updates []types.IndexUpdate, overwrite bool) error {
	pos := 0
	for _, chunkSize := range smartChunks(len(updates)) {
		chunk := updates[pos : pos+chunkSize]
		pos += chunkSize

		stmt, err := p.stmt(ctx, insertIndexChunk(chunkSize, overwrite))
		if err != nil {
			return err
		}
		args := make([]any, 0, chunkSize*8)
		for i := range chunk {
			entry := &chunk[i].Entry
			prefix, suffix := entry.Key.Split()
			sha := entry.Key.SHA256()

			var tableID, docID any
			if entry.DocID != nil {
				tableID = entry.DocID.Tablet.Bytes()
				docID = entry.DocID.Internal.Bytes()
			}
			args = append(args,
				entry.IndexID.Bytes(),
				int64(chunk[i].TS),
				[]byte(prefix),
				suffix,
				sha[:],
				boolToInt(entry.Tombstone),
				tableID,
				docID,
			)
		}
		if _, err := tx.StmtContext(ctx, stmt).ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("failed to insert index entries: %w", err)
		}
	}
	return nil
}

// WriteGlobal implements Persistence.
func (p *SQLitePersistence) WriteGlobal(ctx context.Context, key types.PersistenceGlobalKey, value json.RawMessage) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.lease.Transact(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, setGlobalQuery, string(key), []byte(value)); err != nil {
			return fmt.Errorf("failed to write global %s: %w", key, err)
		}
		return nil
	})
}

// GetGlobal implements Persistence.
func (p *SQLitePersistence) GetGlobal(ctx context.Context, key types.PersistenceGlobalKey) (json.RawMessage, error) {
	var value []byte
	err := p.db.QueryRowContext(ctx, getGlobalQuery, string(key)).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read global %s: %w", key, err)
	}
	return json.RawMessage(value), nil
}

// SetReadOnly implements Persistence.
func (p *SQLitePersistence) SetReadOnly(ctx context.Context, readOnly bool) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	err := p.lease.Transact(ctx, func(tx *sql.Tx) error {
		query := unsetReadOnlyQuery
		if readOnly {
			query = setReadOnlyQuery
		}
		if _, err := tx.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to update read_only flag: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	p.readOnly.Store(readOnly)
	p.logger.Info().Bool("read_only", readOnly).Msg("updated read_only flag")
	return nil
}

// DeleteDocuments implements Persistence.
func (p *SQLitePersistence) DeleteDocuments(ctx context.Context, keys []DocumentKey) (int, error) {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	deleted := 0
	err := p.lease.Transact(ctx, func(tx *sql.Tx) error {
		pos := 0
		for _, chunkSize := range smartChunks(len(keys)) {
			chunk := keys[pos : pos+chunkSize]
			pos += chunkSize

			stmt, err := p.stmt(ctx, deleteDocumentChunk(chunkSize))
			if err != nil {
				return err
			}
			args := make([]any, 0, chunkSize*3)
			for _, key := range chunk {
				args = append(args, int64(key.TS), key.Tablet.Bytes(), key.ID.Bytes())
			}
			res, err := tx.StmtContext(ctx, stmt).ExecContext(ctx, args...)
			if err != nil {
				return fmt.Errorf("failed to delete documents: %w", err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			deleted += int(n)
		}
		return nil
	})
	return deleted, err
}

// DeleteIndexEntries implements Persistence.
func (p *SQLitePersistence) DeleteIndexEntries(ctx context.Context, keys []IndexEntryKey) (int, error) {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	deleted := 0
	err := p.lease.Transact(ctx, func(tx *sql.Tx) error {
		pos := 0
		for _, chunkSize := range smartChunks(len(keys)) {
			chunk := keys[pos : pos+chunkSize]
			pos += chunkSize

			stmt, err := p.stmt(ctx, deleteIndexChunk(chunkSize))
			if err != nil {
				return err
			}
			args := make([]any, 0, chunkSize*4)
			for _, key := range chunk {
				args = append(args, key.IndexID.Bytes(), key.KeyPrefix, key.KeySHA256[:], int64(key.TS))
			}
			res, err := tx.StmtContext(ctx, stmt).ExecContext(ctx, args...)
			if err != nil {
				return fmt.Errorf("failed to delete index entries: %w", err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			deleted += int(n)
		}
		return nil
	})
	return deleted, err
}

// Reader implements Persistence.
func (p *SQLitePersistence) Reader() Reader {
	return &sqliteReader{p: p}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Compile-time check that SQLitePersistence implements Persistence.
var _ Persistence = (*SQLitePersistence)(nil)
