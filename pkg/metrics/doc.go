/*
Package metrics exposes Prometheus instrumentation and the probe-based
health model for the Loam engine.

All collectors are package-level vars registered at init, grouped by the
component they observe. Health and readiness are computed live from
probes each subsystem registers, so /ready reflects the engine's actual
lifecycle (lease held, indexes done backfilling) rather than a static
component list.

# Architecture

	┌──────────────────── OBSERVABILITY ───────────────────────┐
	│                                                           │
	│  ┌────────────────── Collectors ──────────────────────┐  │
	│  │ persistence: writes, batch rows, scan rows,        │  │
	│  │              skipped-deleted, long-key buffered,   │  │
	│  │              lease acquisitions / losses           │  │
	│  │ retention:   min snapshot ts, rows reclaimed       │  │
	│  │ store:       commits by outcome, OCC conflicts     │  │
	│  │              and retries, schema failures          │  │
	│  │ vector:      segments built by kind, build time,   │  │
	│  │              vectors indexed/deleted, compactions, │  │
	│  │              worker queue depth and rejections     │  │
	│  └──────────────────────┬─────────────────────────────┘  │
	│                         ▼                                 │
	│                 GET /metrics (promhttp)                   │
	│                                                           │
	│  ┌──────────────────── Probes ────────────────────────┐  │
	│  │ "persistence"    backend.Ping            critical  │  │
	│  │ "lease"          shutdown signal fired?  critical  │  │
	│  │ "vector-indexes" IndexState census:      critical  │  │
	│  │                  backfilling / catching            │  │
	│  │                  up / serving                      │  │
	│  └──────────────────────┬─────────────────────────────┘  │
	│                         ▼                                 │
	│                    Snapshot(ctx)                          │
	│          ┌──────────────┼───────────────┐                 │
	│          ▼              ▼               ▼                 │
	│     GET /health    GET /ready      GET /live              │
	│     503 only on    503 until all   always 200             │
	│     critical       critical probes while process          │
	│     failure        report ready    serves HTTP            │
	└──────────────────────────────────────────────────────────┘

# Core Components

Collectors:
  - Counters, gauges, and histograms for every engine subsystem
  - Registered once in init; Handler() mounts promhttp at /metrics
  - Timer helps time an operation into any histogram

Probes:
  - A Probe is a cheap closure polled on every /health and /ready
    request, returning a State (starting, ready, degraded, failed)
    plus a human-readable detail
  - RegisterProbe(name, critical, probe) wires a subsystem in;
    critical probes gate readiness

Lifecycle Semantics:
  - starting: the component exists but cannot serve yet — the lease
    is not held, or a vector index is mid-backfill. /ready answers
    503, /health answers 200 so orchestrators do not kill a process
    that is legitimately catching up.
  - ready: serving.
  - degraded: serving, but something needs attention; surfaces in
    /health output without failing either endpoint.
  - failed: a failed critical component turns /health to 503.

# Usage

	metrics.SetVersion(Version)
	metrics.RegisterProbe("persistence", true,
		func(ctx context.Context) metrics.Check {
			if err := backend.Ping(ctx); err != nil {
				return metrics.Check{State: metrics.StateFailed, Detail: err.Error()}
			}
			return metrics.Check{State: metrics.StateReady}
		})

	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", metrics.HealthHandler())
	mux.HandleFunc("/ready", metrics.ReadyHandler())
	mux.HandleFunc("/live", metrics.LivenessHandler())

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.CommitDuration)
*/
package metrics
