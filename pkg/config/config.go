package config

import (
	"fmt"
	"os"
	"time"

	"github.com/c2h5oh/datasize"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML configs can say "5m" or "24h".
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Bytes wraps datasize.ByteSize so YAML configs can say "64MB".
type Bytes datasize.ByteSize

// Count returns the size in bytes.
func (b Bytes) Count() uint64 {
	return uint64(b)
}

func (b Bytes) String() string {
	return datasize.ByteSize(b).HumanReadable()
}

// MarshalYAML implements yaml.Marshaler.
func (b Bytes) MarshalYAML() (any, error) {
	return datasize.ByteSize(b).String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *Bytes) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	var parsed datasize.ByteSize
	if err := parsed.UnmarshalText([]byte(raw)); err != nil {
		return fmt.Errorf("invalid size %q: %w", raw, err)
	}
	*b = Bytes(parsed)
	return nil
}

// Config holds the full engine configuration. Zero values are filled from
// Default; a YAML file overrides defaults and flags override the file.
type Config struct {
	DataDir string `yaml:"data_dir"`

	// HTTPAddr serves /metrics, /health, /ready, and /live.
	HTTPAddr string `yaml:"http_addr"`

	Log         LogConfig         `yaml:"log"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Retention   RetentionConfig   `yaml:"retention"`
	Vector      VectorConfig      `yaml:"vector"`
	Store       StoreConfig       `yaml:"store"`
}

// LogConfig configures the global logger.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// PersistenceConfig configures the SQLite backend.
type PersistenceConfig struct {
	// Path of the database file. Defaults to <data_dir>/loam.db.
	Path string `yaml:"path"`

	// AllowReadOnly lets the process open a store marked read-only,
	// for inspection tooling.
	AllowReadOnly bool `yaml:"allow_read_only"`
}

// RetentionConfig bounds readable history. Document retention must be at
// least index retention; the engine reads document bodies slightly past
// index retention when repairing indexes.
type RetentionConfig struct {
	IndexRetention    Duration `yaml:"index_retention"`
	DocumentRetention Duration `yaml:"document_retention"`
	SweepInterval     Duration `yaml:"sweep_interval"`
	SweepBatchSize    int      `yaml:"sweep_batch_size"`
}

// VectorConfig tunes the vector index engine.
type VectorConfig struct {
	// SegmentDir holds segment archives and bitsets. Defaults to
	// <data_dir>/segments.
	SegmentDir string `yaml:"segment_dir"`

	// Workers is the size of the CPU-bound build pool. Defaults to
	// GOMAXPROCS-1, minimum 1.
	Workers int `yaml:"workers"`

	// MaxWorkerSharePercent caps how much of the pool one client may hold.
	MaxWorkerSharePercent int `yaml:"max_worker_share_percent"`

	// HNSWThreshold is the vector count at which a segment gets a graph
	// index instead of staying a full-scan list.
	HNSWThreshold int `yaml:"hnsw_threshold"`

	// IncrementalBuildBytes caps the vector bytes accumulated per backfill
	// part before a segment is cut.
	IncrementalBuildBytes Bytes `yaml:"incremental_build_bytes"`

	// MaxIndexBytes is the soft size cap above which the flusher schedules
	// an index with the TooLarge build reason. Compaction does not use it.
	MaxIndexBytes Bytes `yaml:"max_index_bytes"`

	// MinCompactionSegments is how many small segments must accumulate
	// before a compaction is worthwhile.
	MinCompactionSegments int `yaml:"min_compaction_segments"`

	// MaxSegmentAge schedules a flush with the TooOld reason once a
	// non-empty index's snapshot lags the latest timestamp by more than this.
	MaxSegmentAge Duration `yaml:"max_segment_age"`
}

// StoreConfig tunes the transactional layer.
type StoreConfig struct {
	// MaxOCCRetries caps the top-level commit retry loop.
	MaxOCCRetries int `yaml:"max_occ_retries"`

	// OCCInitialBackoff seeds the exponential backoff between retries.
	OCCInitialBackoff Duration `yaml:"occ_initial_backoff"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		DataDir:  "/var/lib/loam",
		HTTPAddr: "127.0.0.1:9620",
		Log: LogConfig{
			Level: "info",
		},
		Retention: RetentionConfig{
			IndexRetention:    Duration(10 * time.Minute),
			DocumentRetention: Duration(30 * time.Minute),
			SweepInterval:     Duration(time.Minute),
			SweepBatchSize:    512,
		},
		Vector: VectorConfig{
			MaxWorkerSharePercent: 50,
			HNSWThreshold:         1024,
			IncrementalBuildBytes: Bytes(64 * datasize.MB),
			MaxIndexBytes:         Bytes(2 * datasize.GB),
			MinCompactionSegments: 3,
			MaxSegmentAge:         Duration(24 * time.Hour),
		},
		Store: StoreConfig{
			MaxOCCRetries:     4,
			OCCInitialBackoff: Duration(10 * time.Millisecond),
		},
	}
}

// Load reads a YAML config file over the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot honor.
func (c *Config) Validate() error {
	if c.Retention.DocumentRetention < c.Retention.IndexRetention {
		return fmt.Errorf("document_retention (%s) must be at least index_retention (%s)",
			c.Retention.DocumentRetention, c.Retention.IndexRetention)
	}
	if c.Vector.MaxWorkerSharePercent <= 0 || c.Vector.MaxWorkerSharePercent > 100 {
		return fmt.Errorf("max_worker_share_percent must be in (0, 100], got %d",
			c.Vector.MaxWorkerSharePercent)
	}
	if c.Vector.MinCompactionSegments < 2 {
		return fmt.Errorf("min_compaction_segments must be at least 2, got %d",
			c.Vector.MinCompactionSegments)
	}
	return nil
}

// PersistencePath resolves the database file path.
func (c *Config) PersistencePath() string {
	if c.Persistence.Path != "" {
		return c.Persistence.Path
	}
	return c.DataDir + "/loam.db"
}

// SegmentDir resolves the vector segment directory.
func (c *Config) SegmentDir() string {
	if c.Vector.SegmentDir != "" {
		return c.Vector.SegmentDir
	}
	return c.DataDir + "/segments"
}
