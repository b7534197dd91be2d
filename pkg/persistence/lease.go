package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/loam/pkg/metrics"
	"github.com/cuemby/loam/pkg/types"
	"github.com/rs/zerolog"
)

// ShutdownSignal is fired exactly once when the writer loses its lease.
// The process owner selects on Done and shuts the writer down; in-process
// recovery is not attempted.
type ShutdownSignal struct {
	once sync.Once
	ch   chan struct{}
}

// NewShutdownSignal creates an unfired signal.
func NewShutdownSignal() *ShutdownSignal {
	return &ShutdownSignal{ch: make(chan struct{})}
}

// Fire trips the signal. Safe to call more than once.
func (s *ShutdownSignal) Fire() {
	s.once.Do(func() { close(s.ch) })
}

// Done returns a channel closed once the signal has fired.
func (s *ShutdownSignal) Done() <-chan struct{} {
	return s.ch
}

// Fired reports whether the signal has gone off.
func (s *ShutdownSignal) Fired() bool {
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}

// Lease is the singleton writer token. The holder acquired the leases row
// at a timestamp; any later acquirer bumps the row and every transaction
// the old holder attempts afterwards fails with types.ErrLeaseLost.
type Lease struct {
	db       *sql.DB
	ts       int64
	shutdown *ShutdownSignal
	logger   zerolog.Logger
}

// acquireLease takes the lease by conditionally bumping the row to a
// timestamp above the current holder's.
func acquireLease(ctx context.Context, db *sql.DB, shutdown *ShutdownSignal, logger zerolog.Logger) (*Lease, error) {
	if _, err := db.ExecContext(ctx, initLeaseQuery); err != nil {
		return nil, fmt.Errorf("failed to initialize lease row: %w", err)
	}

	var current int64
	if err := db.QueryRowContext(ctx, getLeaseQuery).Scan(&current); err != nil {
		return nil, fmt.Errorf("failed to read lease: %w", err)
	}

	ts := time.Now().UnixNano()
	if ts <= current {
		ts = current + 1
	}

	logger.Info().Msg("attempting to acquire lease")
	res, err := db.ExecContext(ctx, acquireLeaseQuery, ts, ts)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n != 1 {
		return nil, fmt.Errorf("failed to acquire lease: already acquired with higher timestamp")
	}
	logger.Info().Int64("lease_ts", ts).Msg("lease acquired")
	metrics.LeaseAcquisitions.Inc()

	return &Lease{db: db, ts: ts, shutdown: shutdown, logger: logger}, nil
}

// Transact runs f in a transaction that first re-asserts the lease is
// still held. On preemption it fires the shutdown signal and returns
// types.ErrLeaseLost; f never runs.
func (l *Lease) Transact(ctx context.Context, f func(tx *sql.Tx) error) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var held int64
	err = tx.QueryRowContext(ctx, assertLeaseQuery, l.ts).Scan(&held)
	if errors.Is(err, sql.ErrNoRows) {
		l.logger.Error().Int64("lease_ts", l.ts).Msg("lease preempted, shutting down writer")
		metrics.LeaseLost.Inc()
		l.shutdown.Fire()
		return types.ErrLeaseLost
	}
	if err != nil {
		return fmt.Errorf("failed to assert lease: %w", err)
	}

	if err := f(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
