package retention

import (
	"context"
	"sync"

	"github.com/cuemby/loam/pkg/types"
)

// Watermarks is a fixed pair of retention floors. The zero value permits
// every read.
type Watermarks struct {
	MinIndexTS    types.Timestamp
	MinDocumentTS types.Timestamp
}

// ValidateSnapshot implements persistence.RetentionValidator.
func (w Watermarks) ValidateSnapshot(_ context.Context, ts types.Timestamp) error {
	if ts < w.MinIndexTS {
		return &types.SnapshotTooOldError{Requested: ts, MinIndex: w.MinIndexTS}
	}
	return nil
}

// ValidateDocumentSnapshot implements persistence.RetentionValidator.
func (w Watermarks) ValidateDocumentSnapshot(_ context.Context, ts types.Timestamp) error {
	if ts < w.MinDocumentTS {
		return &types.DocumentSnapshotTooOldError{Requested: ts, MinDocument: w.MinDocumentTS}
	}
	return nil
}

// Unchecked permits every read. Imports and repair tooling use it.
type Unchecked struct{}

func (Unchecked) ValidateSnapshot(context.Context, types.Timestamp) error         { return nil }
func (Unchecked) ValidateDocumentSnapshot(context.Context, types.Timestamp) error { return nil }

// Follower is a live retention handle fed by the Manager. Readers hold one
// for the duration of a scan; page-boundary re-validation observes watermark
// advances made while the scan was running.
type Follower struct {
	mu sync.RWMutex
	w  Watermarks
}

// Current returns the watermark pair the follower last observed.
func (f *Follower) Current() Watermarks {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.w
}

func (f *Follower) advance(w Watermarks) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if w.MinIndexTS > f.w.MinIndexTS {
		f.w.MinIndexTS = w.MinIndexTS
	}
	if w.MinDocumentTS > f.w.MinDocumentTS {
		f.w.MinDocumentTS = w.MinDocumentTS
	}
}

// ValidateSnapshot implements persistence.RetentionValidator.
func (f *Follower) ValidateSnapshot(ctx context.Context, ts types.Timestamp) error {
	return f.Current().ValidateSnapshot(ctx, ts)
}

// ValidateDocumentSnapshot implements persistence.RetentionValidator.
func (f *Follower) ValidateDocumentSnapshot(ctx context.Context, ts types.Timestamp) error {
	return f.Current().ValidateDocumentSnapshot(ctx, ts)
}
