/*
Package log provides structured logging for Loam using zerolog.

The log package wraps the zerolog library to provide JSON-structured
logging with per-component level overrides and domain-shaped child
loggers for the commit path, vector index builds, and segment lifecycle
events. All logs include timestamps and support filtering by severity
level for production debugging.

# Architecture

Loam's logging runs one shared root logger with component children
derived per subsystem:

	┌──────────────────── LOGGING SYSTEM ──────────────────────┐
	│                                                           │
	│  ┌────────────────────────────────────────────┐          │
	│  │            Root Logger                      │          │
	│  │  - Zerolog instance                         │          │
	│  │  - Initialized via log.Init()               │          │
	│  │  - Base level from Config.Level             │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                     │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │        Per-Component Overrides              │          │
	│  │  - Config.Components["vector-flusher"]      │          │
	│  │  - One subsystem at debug, rest at info     │          │
	│  │  - Applied inside WithComponent()           │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                     │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │         Domain Child Loggers                │          │
	│  │  - WithComponent("persistence")             │          │
	│  │  - ForBuild("products_embedding",           │          │
	│  │             "backfilling")                  │          │
	│  │  - ForSegment(index, segmentID)             │          │
	│  │  - ForCommit(identity, beginTS)             │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                     │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │            Log Output                       │          │
	│  │                                             │          │
	│  │  JSON Format:                               │          │
	│  │  {                                          │          │
	│  │    "level": "info",                         │          │
	│  │    "component": "vector-flusher",           │          │
	│  │    "index": "products_embedding",           │          │
	│  │    "reason": "backfilling",                 │          │
	│  │    "time": "2026-07-30T10:30:00Z",          │          │
	│  │    "message": "flushed vector segment"      │          │
	│  │  }                                          │          │
	│  │                                             │          │
	│  │  Console Format:                            │          │
	│  │  10:30AM INF flushed vector segment         │          │
	│  │    component=vector-flusher index=...       │          │
	│  └────────────────────────────────────────────┘          │
	└──────────────────────────────────────────────────────────┘

# Core Components

Root Logger:
  - Package-level zerolog.Logger initialized once via log.Init()
  - JSON output for production shipping, console for interactive use
  - Thread-safe concurrent writes

Per-Component Level Overrides:
  - Config.Components maps component name to level
  - WithComponent applies the override when deriving the child
  - Lets operators debug one build loop without a debug firehose
    from the commit path

Domain Child Loggers:
  - ForBuild(index, reason): every line of one vector index build
    carries the index name and the reason the build was scheduled,
    so a backfill and a compaction on the same index separate cleanly
  - ForSegment(index, segment): segment lifecycle lines (write,
    restore, bitset rewrite, drop)
  - ForCommit(identity, beginTS): commit-path lines tagged with the
    transaction identity and begin snapshot, the two facts an OCC
    conflict investigation needs first

# Usage

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Components: map[string]log.Level{
			"vector-flusher": log.DebugLevel,
		},
	})

	logger := log.WithComponent("retention")
	logger.Info().Int64("min_index_ts", floor).Msg("advanced watermarks")

	buildLog := log.ForBuild("products_embedding", "backfilling")
	buildLog.Debug().Uint32("vectors", n).Msg("cut backfill part")
*/
package log
