package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Default()
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, "/var/lib/loam/loam.db", cfg.PersistencePath())
	assert.Equal(t, "/var/lib/loam/segments", cfg.SegmentDir())
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loam.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
data_dir: /tmp/loam-test
retention:
  index_retention: 5m
  document_retention: 20m
vector:
  hnsw_threshold: 2048
  incremental_build_bytes: 128MB
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/loam-test", cfg.DataDir)
	assert.Equal(t, Duration(5*time.Minute), cfg.Retention.IndexRetention)
	assert.Equal(t, Duration(20*time.Minute), cfg.Retention.DocumentRetention)
	assert.Equal(t, 2048, cfg.Vector.HNSWThreshold)
	assert.Equal(t, Bytes(128*datasize.MB), cfg.Vector.IncrementalBuildBytes)

	// Untouched sections keep their defaults.
	assert.Equal(t, Default().Store.MaxOCCRetries, cfg.Store.MaxOCCRetries)
}

func TestValidateRejectsBadRetention(t *testing.T) {
	cfg := Default()
	cfg.Retention.IndexRetention = Duration(time.Hour)
	cfg.Retention.DocumentRetention = Duration(time.Minute)
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsBadWorkerShare(t *testing.T) {
	cfg := Default()
	cfg.Vector.MaxWorkerSharePercent = 0
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Vector.MaxWorkerSharePercent = 150
	assert.Error(t, cfg.Validate())
}
