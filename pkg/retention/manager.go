package retention

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cuemby/loam/pkg/config"
	"github.com/cuemby/loam/pkg/log"
	"github.com/cuemby/loam/pkg/metrics"
	"github.com/cuemby/loam/pkg/persistence"
	"github.com/cuemby/loam/pkg/types"
	"github.com/rs/zerolog"
)

// Manager owns the retention watermarks. It advances them from the
// configured windows, persists the index floor so restarts cannot regress
// it, and feeds every Follower handed out to readers.
type Manager struct {
	cfg      config.RetentionConfig
	backend  persistence.Persistence
	follower *Follower
	logger   zerolog.Logger
}

// NewManager loads the persisted floor and returns a manager positioned at
// it.
func NewManager(ctx context.Context, cfg config.RetentionConfig, backend persistence.Persistence) (*Manager, error) {
	m := &Manager{
		cfg:      cfg,
		backend:  backend,
		follower: &Follower{},
		logger:   log.WithComponent("retention"),
	}

	raw, err := backend.GetGlobal(ctx, types.GlobalRetentionMinSnapshotTS)
	if err != nil {
		return nil, err
	}
	if raw != nil {
		var floor int64
		if err := json.Unmarshal(raw, &floor); err != nil {
			return nil, fmt.Errorf("failed to decode persisted retention floor: %w", err)
		}
		m.follower.advance(Watermarks{MinIndexTS: types.Timestamp(floor)})
		metrics.RetentionMinSnapshotTS.Set(float64(floor))
	}
	return m, nil
}

// Follower returns the live retention handle readers should carry.
func (m *Manager) Follower() *Follower {
	return m.follower
}

// Advance recomputes both watermarks from the retention windows, clamped to
// the committed log so an idle backend never retires its only revisions.
// The index floor is persisted before it takes effect for readers.
func (m *Manager) Advance(ctx context.Context, now time.Time) (Watermarks, error) {
	maxTS, err := m.backend.Reader().MaxTS(ctx)
	if err != nil {
		return Watermarks{}, err
	}

	candidate := Watermarks{
		MinIndexTS:    clampToLog(now.Add(-m.cfg.IndexRetention.Std()), maxTS),
		MinDocumentTS: clampToLog(now.Add(-m.cfg.DocumentRetention.Std()), maxTS),
	}
	current := m.follower.Current()
	if candidate.MinIndexTS <= current.MinIndexTS && candidate.MinDocumentTS <= current.MinDocumentTS {
		return current, nil
	}

	if candidate.MinIndexTS > current.MinIndexTS {
		raw, err := json.Marshal(int64(candidate.MinIndexTS))
		if err != nil {
			return Watermarks{}, err
		}
		if err := m.backend.WriteGlobal(ctx, types.GlobalRetentionMinSnapshotTS, raw); err != nil {
			return Watermarks{}, fmt.Errorf("failed to persist retention floor: %w", err)
		}
	}

	m.follower.advance(candidate)
	advanced := m.follower.Current()
	metrics.RetentionMinSnapshotTS.Set(float64(advanced.MinIndexTS))
	m.logger.Debug().
		Int64("min_index_ts", int64(advanced.MinIndexTS)).
		Int64("min_document_ts", int64(advanced.MinDocumentTS)).
		Msg("advanced retention watermarks")
	return advanced, nil
}

// Run advances watermarks and sweeps expired rows until ctx ends.
func (m *Manager) Run(ctx context.Context) error {
	sweeper := NewSweeper(m.cfg.SweepBatchSize, m.backend)
	ticker := time.NewTicker(m.cfg.SweepInterval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			marks, err := m.Advance(ctx, now)
			if err != nil {
				m.logger.Error().Err(err).Msg("failed to advance retention watermarks")
				continue
			}
			if err := sweeper.Sweep(ctx, marks); err != nil {
				m.logger.Error().Err(err).Msg("retention sweep failed")
			}
		}
	}
}

func clampToLog(t time.Time, maxTS types.Timestamp) types.Timestamp {
	ts := types.TimestampFromTime(t)
	if ts > maxTS {
		ts = maxTS
	}
	if ts < 0 {
		ts = 0
	}
	return ts
}
