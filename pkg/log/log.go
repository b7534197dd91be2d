package log

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Level represents log level
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration. Components maps component names to
// level overrides so one subsystem can run at debug while the rest of the
// engine stays at info — turning up "vector-flusher" during a slow
// backfill without drowning in persistence lines is the usual case.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
	Components map[string]Level
}

var (
	mu        sync.RWMutex
	root      zerolog.Logger
	overrides map[string]zerolog.Level
)

func parseLevel(l Level) zerolog.Level {
	switch l {
	case DebugLevel:
		return zerolog.DebugLevel
	case WarnLevel:
		return zerolog.WarnLevel
	case ErrorLevel:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Init initializes the global logger
func Init(cfg Config) {
	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}
	if !cfg.JSONOutput {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}
	}

	mu.Lock()
	defer mu.Unlock()
	root = zerolog.New(output).Level(parseLevel(cfg.Level)).With().Timestamp().Logger()
	overrides = make(map[string]zerolog.Level, len(cfg.Components))
	for component, level := range cfg.Components {
		overrides[strings.ToLower(component)] = parseLevel(level)
	}
}

// WithComponent creates a child logger for one engine component, honoring
// any per-component level override from Init.
func WithComponent(component string) zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	logger := root.With().Str("component", component).Logger()
	if level, ok := overrides[strings.ToLower(component)]; ok {
		logger = logger.Level(level)
	}
	return logger
}

// ForBuild tags one vector index build: every line carries the index and
// the reason the build was scheduled, so a slow backfill and a compaction
// on the same index separate cleanly in the stream.
func ForBuild(index, reason string) zerolog.Logger {
	return WithComponent("vector-flusher").With().
		Str("index", index).
		Str("reason", reason).
		Logger()
}

// ForSegment tags segment lifecycle lines (write, restore, drop, bitset
// rewrite) with the owning index and the segment id.
func ForSegment(index, segment string) zerolog.Logger {
	return WithComponent("vector-committer").With().
		Str("index", index).
		Str("segment", segment).
		Logger()
}

// ForCommit tags commit-path lines with the transaction's identity and
// the snapshot it began at, which is what an OCC conflict investigation
// needs first.
func ForCommit(identity string, beginTS int64) zerolog.Logger {
	return WithComponent("store").With().
		Str("identity", identity).
		Int64("begin_ts", beginTS).
		Logger()
}
