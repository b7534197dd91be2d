package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Persistence metrics
	DocumentsWritten = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "loam_documents_written_total",
			Help: "Total number of document revisions appended to the log",
		},
	)

	IndexEntriesWritten = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "loam_index_entries_written_total",
			Help: "Total number of index entries appended to the log",
		},
	)

	WriteDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "loam_persistence_write_duration_seconds",
			Help:    "Time taken to commit one write batch in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	WriteBatchRows = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "loam_persistence_write_batch_rows",
			Help:    "Rows per write batch, documents and index entries combined",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		},
	)

	IndexScanRows = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "loam_index_scan_rows_total",
			Help: "Total number of index rows yielded by snapshot scans",
		},
	)

	IndexScanRowsSkippedDeleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "loam_index_scan_rows_skipped_deleted_total",
			Help: "Index rows skipped during scans because the key was tombstoned at the snapshot",
		},
	)

	IndexScanRowsBufferedLongKey = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "loam_index_scan_rows_buffered_long_key_total",
			Help: "Index rows buffered for full-key reordering because the key prefix was at maximum length",
		},
	)

	LeaseAcquisitions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "loam_lease_acquisitions_total",
			Help: "Total number of successful lease acquisitions",
		},
	)

	LeaseLost = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "loam_lease_lost_total",
			Help: "Total number of writes aborted because the lease was preempted",
		},
	)

	// Retention metrics
	RetentionMinSnapshotTS = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "loam_retention_min_snapshot_timestamp",
			Help: "Current minimum readable index snapshot timestamp",
		},
	)

	RetentionEntriesDeleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loam_retention_entries_deleted_total",
			Help: "Rows removed by the retention sweeper by kind",
		},
		[]string{"kind"},
	)

	// Transaction metrics
	CommitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loam_commits_total",
			Help: "Total number of transaction commits by outcome",
		},
		[]string{"outcome"},
	)

	CommitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "loam_commit_duration_seconds",
			Help:    "Transaction commit duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	OCCConflicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loam_occ_conflicts_total",
			Help: "Optimistic concurrency conflicts by table",
		},
		[]string{"table"},
	)

	OCCRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "loam_occ_retries_total",
			Help: "Commit attempts re-run by the top-level OCC retry loop",
		},
	)

	SchemaValidationFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loam_schema_validation_failures_total",
			Help: "Schema validation failures on commit by table",
		},
		[]string{"table"},
	)

	// Vector index metrics
	VectorSegmentsBuilt = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loam_vector_segments_built_total",
			Help: "Vector segments produced by build kind (flush, compaction, backfill)",
		},
		[]string{"kind"},
	)

	VectorSegmentBuildDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "loam_vector_segment_build_duration_seconds",
			Help:    "Vector segment build duration in seconds by build kind",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"kind"},
	)

	VectorsIndexed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "loam_vectors_indexed_total",
			Help: "Total number of vectors written into immutable segments",
		},
	)

	VectorsDeleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "loam_vectors_deleted_total",
			Help: "Total number of vectors marked deleted in segment bitsets",
		},
	)

	VectorCompactions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "loam_vector_compactions_total",
			Help: "Total number of completed segment compactions",
		},
	)

	VectorWorkerQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "loam_vector_worker_queue_depth",
			Help: "Jobs waiting for a vector build worker",
		},
	)

	VectorWorkerRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loam_vector_worker_rejections_total",
			Help: "Jobs rejected by the vector worker pool by reason",
		},
		[]string{"reason"},
	)

	VectorSearchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "loam_vector_search_duration_seconds",
			Help:    "Vector search duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(DocumentsWritten)
	prometheus.MustRegister(IndexEntriesWritten)
	prometheus.MustRegister(WriteDuration)
	prometheus.MustRegister(WriteBatchRows)
	prometheus.MustRegister(IndexScanRows)
	prometheus.MustRegister(IndexScanRowsSkippedDeleted)
	prometheus.MustRegister(IndexScanRowsBufferedLongKey)
	prometheus.MustRegister(LeaseAcquisitions)
	prometheus.MustRegister(LeaseLost)
	prometheus.MustRegister(RetentionMinSnapshotTS)
	prometheus.MustRegister(RetentionEntriesDeleted)
	prometheus.MustRegister(CommitsTotal)
	prometheus.MustRegister(CommitDuration)
	prometheus.MustRegister(OCCConflicts)
	prometheus.MustRegister(OCCRetries)
	prometheus.MustRegister(SchemaValidationFailures)
	prometheus.MustRegister(VectorSegmentsBuilt)
	prometheus.MustRegister(VectorSegmentBuildDuration)
	prometheus.MustRegister(VectorsIndexed)
	prometheus.MustRegister(VectorsDeleted)
	prometheus.MustRegister(VectorCompactions)
	prometheus.MustRegister(VectorWorkerQueueDepth)
	prometheus.MustRegister(VectorWorkerRejections)
	prometheus.MustRegister(VectorSearchDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
