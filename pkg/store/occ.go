package store

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cuemby/loam/pkg/config"
	"github.com/cuemby/loam/pkg/metrics"
	"github.com/cuemby/loam/pkg/types"
)

// OCCRetryConfig bounds the top-level commit retry loop.
type OCCRetryConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
}

// DefaultOCCRetryConfig matches the engine defaults.
func DefaultOCCRetryConfig() OCCRetryConfig {
	return OCCRetryConfig{MaxAttempts: 4, InitialBackoff: 10 * time.Millisecond}
}

// OCCRetryConfigFrom maps the store section of the engine config.
func OCCRetryConfigFrom(cfg config.StoreConfig) OCCRetryConfig {
	return OCCRetryConfig{
		MaxAttempts:    cfg.MaxOCCRetries,
		InitialBackoff: cfg.OCCInitialBackoff.Std(),
	}
}

// ExecuteWithOCCRetries runs f in a fresh transaction, retrying with
// exponential backoff when the commit loses an optimistic race. Only OCC
// conflicts and load shedding retry; every other failure surfaces
// immediately. f must be safe to run more than once.
func ExecuteWithOCCRetries(ctx context.Context, db *Database, identity Identity, cfg OCCRetryConfig, f func(ctx context.Context, tx *Transaction) error) (types.Timestamp, error) {
	if cfg.MaxAttempts <= 0 {
		cfg = DefaultOCCRetryConfig()
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = cfg.InitialBackoff
	policy.RandomizationFactor = 0.5

	var ts types.Timestamp
	attempt := 0
	operation := func() error {
		attempt++
		tx := db.Begin(identity)
		if err := f(ctx, tx); err != nil {
			tx.Rollback()
			return backoff.Permanent(err)
		}
		committed, err := tx.Commit(ctx)
		if err != nil {
			var occ *types.OCCError
			if (errors.As(err, &occ) || types.IsRetriable(err)) && attempt < cfg.MaxAttempts {
				metrics.OCCRetries.Inc()
				return err
			}
			return backoff.Permanent(err)
		}
		ts = committed
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		return 0, err
	}
	return ts, nil
}
