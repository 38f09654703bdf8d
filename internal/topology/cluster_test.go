package topology

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/dreamware/replicache/internal/cluster"
	"github.com/dreamware/replicache/internal/function"
	"github.com/dreamware/replicache/internal/storage"
	"github.com/dreamware/replicache/internal/synchronizer"
	"github.com/dreamware/replicache/internal/transport"
)

// faultyStore fails writes on demand.
type faultyStore struct {
	*storage.MemoryStore
	failWrites atomic.Bool
}

func (s *faultyStore) Add(key string, entry *storage.Entry, opCtx *function.OperationContext) (storage.Result, error) {
	if s.failWrites.Load() {
		return storage.ResultFailure, nil
	}
	return s.MemoryStore.Add(key, entry, opCtx)
}

func (s *faultyStore) Insert(key string, entry *storage.Entry, opCtx *function.OperationContext) (storage.Result, error) {
	if s.failWrites.Load() {
		return storage.ResultFailure, nil
	}
	return s.MemoryStore.Insert(key, entry, opCtx)
}

type testNode struct {
	addr  cluster.Address
	store *faultyStore
	cache *Cache
	tr    *transport.MemoryTransport
}

func (n *testNode) member() cluster.Member {
	return cluster.Member{Address: n.addr, Identity: n.cache.cfg.Identity}
}

func startNode(t *testing.T, net *transport.Network, addr string, cfg Config) *testNode {
	t.Helper()
	if cfg.OperationTimeout == 0 {
		cfg.OperationTimeout = 2 * time.Second
	}
	tr := net.Join(cluster.Address(addr))
	store := &faultyStore{MemoryStore: storage.NewMemoryStore()}
	c, err := New(cfg, store, tr)
	require.NoError(t, err)
	tr.Bind(synchronizer.New(c, tr))
	c.Start(context.Background())
	t.Cleanup(c.Stop)
	return &testNode{addr: cluster.Address(addr), store: store, cache: c, tr: tr}
}

func viewOf(version uint64, nodes ...*testNode) cluster.View {
	v := cluster.View{Version: version}
	for _, n := range nodes {
		v.Members = append(v.Members, n.member())
	}
	return v
}

// join installs the view of all nodes everywhere, runs each node's state
// transfer in view order and exchanges statuses.
func join(t *testing.T, version uint64, nodes ...*testNode) {
	t.Helper()
	ctx := context.Background()
	v := viewOf(version, nodes...)
	for _, n := range nodes {
		n.cache.InstallView(v)
	}
	for _, n := range nodes {
		require.NoError(t, n.cache.StateTransfer(ctx))
	}
	for _, n := range nodes {
		require.NoError(t, n.cache.RefreshStatus(ctx))
	}
}

// newCluster starts size nodes named n1..nN. tweak, when set, adjusts each
// node's config before it starts.
func newCluster(t *testing.T, kind Kind, size int, tweak func(i int, cfg *Config)) (*transport.Network, []*testNode) {
	t.Helper()
	net := transport.NewNetwork()
	nodes := make([]*testNode, size)
	for i := range nodes {
		cfg := Config{Kind: kind, Identity: cluster.NewNodeIdentity("", 0, "")}
		if tweak != nil {
			tweak(i, &cfg)
		}
		nodes[i] = startNode(t, net, fmt.Sprintf("n%d", i+1), cfg)
	}
	join(t, 1, nodes...)
	return net, nodes
}

func entry(v string) *storage.Entry {
	return &storage.Entry{Value: []byte(v)}
}

func groupEntry(v, group string) *storage.Entry {
	return &storage.Entry{Value: []byte(v), Group: group}
}
