package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/replicache/internal/topology"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	assert.NoError(t, cfg.Node.Validate())
	assert.NoError(t, cfg.Registry.Validate())

	tc, err := cfg.Node.Topology()
	require.NoError(t, err)
	assert.Equal(t, topology.Replicated, tc.Kind)
	assert.True(t, tc.Identity.HasStorage)
	assert.Nil(t, tc.Affinity)
}

func TestParse(t *testing.T) {
	raw := []byte(`
node:
  kind: por
  sub_group: g1
  address: http://10.0.0.4:9000
  affinity: [orders, users]
  affinity_strict: true
  strict_groups: [orders]
  operation_timeout: 3s
  chunk_threshold: 4096
registry:
  health_interval: 500ms
`)
	cfg, err := Parse(raw)
	require.NoError(t, err)
	require.NoError(t, cfg.Node.Validate())

	assert.Equal(t, ":8081", cfg.Node.Listen, "defaults survive a partial file")
	assert.Equal(t, 3*time.Second, cfg.Node.OperationTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.Registry.HealthInterval)
	assert.Equal(t, 3, cfg.Registry.MaxFailures)

	tc, err := cfg.Node.Topology()
	require.NoError(t, err)
	assert.Equal(t, topology.PartitionOfReplicas, tc.Kind)
	assert.Equal(t, "g1", tc.Identity.SubGroupName)
	assert.Equal(t, int64(4096), tc.ChunkThreshold)
	require.NotNil(t, tc.Affinity)
	assert.True(t, tc.Affinity.Strict)
	assert.Equal(t, []string{"orders", "users"}, tc.Affinity.Groups())
	assert.Equal(t, []string{"orders"}, tc.StrictGroups)

	_, err = Parse([]byte("node: [not, a, map]"))
	assert.Error(t, err)
}

func TestLoadAppliesEnvironmentLast(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.yaml")
	require.NoError(t, os.WriteFile(path, []byte("node:\n  kind: partitioned\n  buckets: 64\n"), 0o600))

	t.Setenv("CACHE_BUCKETS", "32")
	t.Setenv("CACHE_STRICT_GROUPS", "a, b,,c")
	t.Setenv("CACHE_TRACK_CHANGES", "true")
	t.Setenv("CACHE_OPERATION_TIMEOUT", "750ms")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "partitioned", cfg.Node.Kind)
	assert.Equal(t, 32, cfg.Node.Buckets)
	assert.Equal(t, []string{"a", "b", "c"}, cfg.Node.StrictGroups)
	assert.True(t, cfg.Node.TrackChanges)
	assert.Equal(t, 750*time.Millisecond, cfg.Node.OperationTimeout)

	t.Run("config path from the environment", func(t *testing.T) {
		t.Setenv("CACHE_CONFIG", path)
		cfg, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, "partitioned", cfg.Node.Kind)
	})

	t.Run("bad values are reported", func(t *testing.T) {
		t.Setenv("CACHE_WORKERS", "many")
		t.Setenv("REGISTRY_HEALTH_INTERVAL", "often")
		_, err := Load(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "CACHE_WORKERS")
		assert.Contains(t, err.Error(), "REGISTRY_HEALTH_INTERVAL")
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		assert.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(n *Node)
	}{
		{"unknown kind", func(n *Node) { n.Kind = "mirrored" }},
		{"por without group", func(n *Node) { n.Kind = "partition-of-replicas" }},
		{"address without scheme", func(n *Node) { n.Address = "10.0.0.1:8081" }},
		{"no registry", func(n *Node) { n.Registry = "" }},
		{"no buckets", func(n *Node) { n.Buckets = 0 }},
		{"strict without groups", func(n *Node) { n.AffinityStrict = true }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := Default().Node
			tt.mutate(&n)
			assert.Error(t, n.Validate())
		})
	}

	r := Default().Registry
	r.MaxFailures = 0
	assert.Error(t, r.Validate())
}
