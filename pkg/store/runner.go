package store

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/loam/pkg/types"
)

// The function execution sandbox is an external collaborator. The store
// only owns the contract it is driven through: requests enter a bounded
// queue, workers drain it, and requests that wait past their deadline are
// shed instead of executed against a stale snapshot.

// FunctionRequest is one user-defined function invocation.
type FunctionRequest struct {
	Identity Identity
	Name     string
	Args     []types.Value

	// QueuedAt and Timeout bound how long the request may sit in the
	// queue before it expires.
	QueuedAt time.Time
	Timeout  time.Duration
}

// Expired reports whether the request waited past its deadline.
func (r *FunctionRequest) Expired(now time.Time) bool {
	return r.Timeout > 0 && now.Sub(r.QueuedAt) > r.Timeout
}

// FunctionResult is the sandbox's answer.
type FunctionResult struct {
	Value    types.Value
	LogLines []string
}

// FunctionRunner is the sandbox contract. Implementations are expected to
// open their own transaction via Database.Begin, execute the function,
// and commit through the OCC retry loop.
type FunctionRunner interface {
	Run(ctx context.Context, req FunctionRequest) (FunctionResult, error)
}

// RunnerQueue is the bounded request queue in front of a FunctionRunner.
// It sheds load with types.ErrOverloaded when full and expires stale
// requests with types.ErrExpiredInQueue.
type RunnerQueue struct {
	runner   FunctionRunner
	capacity int

	mu      sync.Mutex
	pending int
}

// NewRunnerQueue builds a queue of the given capacity.
func NewRunnerQueue(runner FunctionRunner, capacity int) *RunnerQueue {
	if capacity <= 0 {
		capacity = 64
	}
	return &RunnerQueue{runner: runner, capacity: capacity}
}

// Run admits the request and executes it on the runner.
func (q *RunnerQueue) Run(ctx context.Context, req FunctionRequest) (FunctionResult, error) {
	q.mu.Lock()
	if q.pending >= q.capacity {
		q.mu.Unlock()
		return FunctionResult{}, types.ErrOverloaded
	}
	q.pending++
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		q.pending--
		q.mu.Unlock()
	}()

	if req.QueuedAt.IsZero() {
		req.QueuedAt = time.Now()
	}
	if req.Expired(time.Now()) {
		return FunctionResult{}, types.ErrExpiredInQueue
	}
	return q.runner.Run(ctx, req)
}
