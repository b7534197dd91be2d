package vector

import (
	"context"
	"runtime"
	"sort"
	"time"

	"github.com/cuemby/loam/pkg/metrics"
	"github.com/cuemby/loam/pkg/types"
	"golang.org/x/time/rate"
)

// BuildReason classifies why an index was scheduled for a build. The
// reason decides both scheduling priority and how fast the build may read
// the document log.
type BuildReason int

const (
	// ReasonBackfilling: the index is mid-backfill and must finish.
	ReasonBackfilling BuildReason = iota
	// ReasonVersionMismatch: a segment predates the current format.
	ReasonVersionMismatch
	// ReasonTooLarge: the index outgrew the soft byte cap. Outranks
	// TooOld.
	ReasonTooLarge
	// ReasonTooOld: the snapshot of a non-empty index lags now by more
	// than the age ceiling.
	ReasonTooOld
	// ReasonCatchUp: a routine flush of document-log activity since the
	// last snapshot. Lowest priority and budget.
	ReasonCatchUp
)

func (r BuildReason) String() string {
	switch r {
	case ReasonBackfilling:
		return "backfilling"
	case ReasonVersionMismatch:
		return "version_mismatch"
	case ReasonTooLarge:
		return "too_large"
	case ReasonTooOld:
		return "too_old"
	case ReasonCatchUp:
		return "catch_up"
	}
	return "unknown"
}

// PageBudget returns the document-log read throughput granted to builds
// with this reason, in pages per second.
func (r BuildReason) PageBudget() rate.Limit {
	switch r {
	case ReasonBackfilling:
		return 64
	case ReasonVersionMismatch:
		return 32
	case ReasonTooLarge:
		return 16
	default:
		return 8
	}
}

// Limiter returns a token bucket enforcing the reason's page budget.
func (r BuildReason) Limiter() *rate.Limiter {
	budget := r.PageBudget()
	return rate.NewLimiter(budget, int(budget))
}

// IndexBuild is one scheduled unit of work.
type IndexBuild struct {
	Meta   IndexMetadata
	Reason BuildReason
}

// ClassifyConfig holds the thresholds the build classifier applies.
type ClassifyConfig struct {
	MaxIndexBytes uint64
	MaxSegmentAge time.Duration
}

// ClassifyBuilds enumerates candidate indexes and returns the builds to
// run, highest priority first.
func ClassifyBuilds(metas []IndexMetadata, cfg ClassifyConfig, now types.Timestamp) []IndexBuild {
	var builds []IndexBuild
	for _, meta := range metas {
		switch {
		case meta.State.Kind == StateBackfilling:
			builds = append(builds, IndexBuild{Meta: meta, Reason: ReasonBackfilling})
		case meta.State.Kind == StateBackfilled:
			// Catching up the log from the backfill snapshot finishes
			// the backfill; it keeps the backfill's budget.
			builds = append(builds, IndexBuild{Meta: meta, Reason: ReasonBackfilling})
		case meta.State.HasVersionMismatch():
			builds = append(builds, IndexBuild{Meta: meta, Reason: ReasonVersionMismatch})
		case cfg.MaxIndexBytes > 0 && meta.State.SizeBytes() > cfg.MaxIndexBytes:
			builds = append(builds, IndexBuild{Meta: meta, Reason: ReasonTooLarge})
		case len(meta.State.Segments) > 0 && cfg.MaxSegmentAge > 0 &&
			now.Time().Sub(meta.State.SnapshotTS.Time()) > cfg.MaxSegmentAge:
			builds = append(builds, IndexBuild{Meta: meta, Reason: ReasonTooOld})
		case now > meta.State.SnapshotTS:
			builds = append(builds, IndexBuild{Meta: meta, Reason: ReasonCatchUp})
		}
	}
	sort.SliceStable(builds, func(i, j int) bool {
		return builds[i].Reason < builds[j].Reason
	})
	return builds
}

// Pool is the fixed-size worker pool for CPU-bound segment construction.
// Admission is fair-share: one client may hold at most a configured
// percentage of the workers.
type Pool struct {
	workers      int
	maxPerClient int

	sem      chan struct{}
	clients  chan poolOp
	shutdown chan struct{}
}

type poolOp struct {
	client string
	delta  int
	reply  chan bool
}

// NewPool builds a pool. Zero workers defaults to GOMAXPROCS-1, minimum 1.
func NewPool(workers, maxSharePercent int) *Pool {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0) - 1
		if workers < 1 {
			workers = 1
		}
	}
	maxPerClient := workers * maxSharePercent / 100
	if maxPerClient < 1 {
		maxPerClient = 1
	}
	p := &Pool{
		workers:      workers,
		maxPerClient: maxPerClient,
		sem:          make(chan struct{}, workers),
		clients:      make(chan poolOp),
		shutdown:     make(chan struct{}),
	}
	go p.accounting()
	return p
}

// accounting serializes the per-client counters without a mutex shared
// with the hot path.
func (p *Pool) accounting() {
	inflight := make(map[string]int)
	for {
		select {
		case <-p.shutdown:
			return
		case op := <-p.clients:
			if op.delta > 0 {
				if inflight[op.client] >= p.maxPerClient {
					op.reply <- false
					continue
				}
				inflight[op.client]++
				op.reply <- true
			} else {
				if n := inflight[op.client] - 1; n > 0 {
					inflight[op.client] = n
				} else {
					delete(inflight, op.client)
				}
				op.reply <- true
			}
		}
	}
}

func (p *Pool) adjust(client string, delta int) bool {
	reply := make(chan bool, 1)
	select {
	case p.clients <- poolOp{client: client, delta: delta, reply: reply}:
		return <-reply
	case <-p.shutdown:
		return false
	}
}

// Close stops the pool's bookkeeping. In-flight jobs finish.
func (p *Pool) Close() {
	close(p.shutdown)
}

// Workers returns the pool size.
func (p *Pool) Workers() int {
	return p.workers
}

// Do runs job on a pool worker and waits for its result. It fails with
// types.ErrWorkerOverloaded when the client is at its fair share and
// types.ErrExpiredInQueue when ctx ends before a worker frees up.
func (p *Pool) Do(ctx context.Context, client string, job func() error) error {
	if !p.adjust(client, 1) {
		metrics.VectorWorkerRejections.WithLabelValues("fair_share").Inc()
		return types.ErrWorkerOverloaded
	}
	defer p.adjust(client, -1)

	metrics.VectorWorkerQueueDepth.Inc()
	select {
	case p.sem <- struct{}{}:
		metrics.VectorWorkerQueueDepth.Dec()
	case <-ctx.Done():
		metrics.VectorWorkerQueueDepth.Dec()
		metrics.VectorWorkerRejections.WithLabelValues("expired").Inc()
		return types.ErrExpiredInQueue
	}

	// One-shot result channel; the job itself runs on its own OS-thread-
	// scheduled goroutine so the caller's dispatcher never blocks on CPU
	// work.
	result := make(chan error, 1)
	go func() {
		defer func() { <-p.sem }()
		result <- job()
	}()

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		// The job keeps the worker until it notices the stop flag; the
		// caller stops waiting now.
		return ctx.Err()
	}
}
