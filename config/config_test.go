package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	s := Default()
	assert.Equal(t, 8080, s.Port)
	assert.Equal(t, "data", s.Path)
	assert.True(t, s.Ingest.Blocking)
	assert.Equal(t, time.Second, s.Ingest.BatchDelay())
	assert.Equal(t, 5*time.Second, s.Query.GlobalTimeout())
	assert.Zero(t, s.AutoCommit())
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"node_name": "node-1",
		"port": 9090,
		"auto_commit_duration": 5,
		"cluster": {"enabled": true, "bind_port": 7947},
		"ingest": {"max_batch_ops": 50, "max_batch_delay_ms": 1000, "max_in_flight": 8, "max_in_flight_per_index": 2}
	}`), 0o644))
	t.Setenv("SEARCHD_PORT", "9191")
	t.Setenv("SEARCHD_CLUSTER_JOIN", "10.0.0.5:7946")

	s, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "node-1", s.NodeName)
	assert.Equal(t, 9191, s.Port, "environment beats the file")
	assert.Equal(t, 5*time.Second, s.AutoCommit())
	assert.True(t, s.Cluster.Enabled)
	assert.Equal(t, 7947, s.Cluster.BindPort)
	assert.Equal(t, "10.0.0.5:7946", s.Cluster.Join)
	assert.Equal(t, 50, s.Ingest.MaxBatchOps)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	assert.Error(t, err)
}
