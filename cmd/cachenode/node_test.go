package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/replicache/internal/cluster"
	"github.com/dreamware/replicache/internal/config"
	"github.com/dreamware/replicache/internal/membership"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// startRegistry serves /register and /deregister backed by a real registry
// that pushes views over HTTP.
func startRegistry(t *testing.T) (*membership.Registry, string) {
	t.Helper()
	reg := membership.NewRegistry(nil, 2*time.Second)
	mux := http.NewServeMux()
	mux.HandleFunc("/register", func(w http.ResponseWriter, r *http.Request) {
		var req cluster.RegisterRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		v, err := reg.Register(r.Context(), cluster.Member{Address: req.Address, Identity: req.Identity})
		assert.NoError(t, err)
		_ = json.NewEncoder(w).Encode(v)
	})
	mux.HandleFunc("/deregister", func(w http.ResponseWriter, r *http.Request) {
		var req cluster.RegisterRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		_, err := reg.Remove(r.Context(), req.Address)
		assert.NoError(t, err)
		w.WriteHeader(http.StatusNoContent)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return reg, srv.URL
}

// startNode serves a node on a fresh port. The listener is opened first so
// the node knows its own URL.
func startNode(t *testing.T, registry string, tweak func(*config.Node)) *Node {
	t.Helper()
	srv := httptest.NewUnstartedServer(nil)
	cfg := config.Default().Node
	cfg.Address = "http://" + srv.Listener.Addr().String()
	cfg.Registry = registry
	cfg.OperationTimeout = 2 * time.Second
	cfg.AnnounceInterval = 0
	if tweak != nil {
		tweak(&cfg)
	}
	require.NoError(t, cfg.Validate())

	node, err := NewNode(cfg)
	require.NoError(t, err)
	srv.Config.Handler = node.Routes()
	srv.Start()
	node.Start(context.Background())
	t.Cleanup(func() {
		srv.Close()
		node.Stop()
	})
	return node
}

func joinCluster(t *testing.T, n *Node) {
	t.Helper()
	require.NoError(t, n.Register(context.Background(), 3, 50*time.Millisecond))
	select {
	case <-n.Booted():
	case <-time.After(5 * time.Second):
		t.Fatal("node did not finish its state transfer")
	}
	require.True(t, n.cache.IsRunning())
}

func debugDo(t *testing.T, n *Node, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	n.debugRouter().ServeHTTP(rec, httptest.NewRequest(method, path, strings.NewReader(body)))
	return rec
}

func TestReplicatedNodesOverHTTP(t *testing.T) {
	reg, registry := startRegistry(t)
	n1 := startNode(t, registry, nil)
	joinCluster(t, n1)

	rec := debugDo(t, n1, http.MethodPut, "/global/early", "before n2")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	n2 := startNode(t, registry, nil)
	joinCluster(t, n2)
	assert.Equal(t, uint64(2), reg.View().Version)
	assert.True(t, n2.store.Contains("early", nil), "state transfer copied existing data")

	t.Run("writes reach every replica", func(t *testing.T) {
		rec := debugDo(t, n1, http.MethodPut, "/global/k", "hello")
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Contains(t, rec.Body.String(), "success")

		rec = debugDo(t, n2, http.MethodGet, "/local/k", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "hello")
	})

	t.Run("clustered miss", func(t *testing.T) {
		rec := debugDo(t, n2, http.MethodGet, "/global/absent", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("remove", func(t *testing.T) {
		rec := debugDo(t, n2, http.MethodDelete, "/global/k", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"removed":true`)
		assert.False(t, n1.store.Contains("k", nil))
	})

	t.Run("stats and members", func(t *testing.T) {
		rec := debugDo(t, n1, http.MethodGet, "/stats", "")
		require.Equal(t, http.StatusOK, rec.Code)
		var st map[string]any
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&st))
		assert.Equal(t, "replicated", st["kind"])
		assert.Equal(t, float64(2), st["servers"])
		assert.Contains(t, st["status"], "coordinator")

		rec = debugDo(t, n2, http.MethodGet, "/members", "")
		require.Equal(t, http.StatusOK, rec.Code)
		var members []map[string]any
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&members))
		assert.Len(t, members, 2)
	})

	t.Run("leaving node shrinks the view", func(t *testing.T) {
		require.NoError(t, n2.Deregister(context.Background()))
		assert.Eventually(t, func() bool {
			return len(n1.cache.Membership().Servers()) == 1
		}, 2*time.Second, 10*time.Millisecond)
	})
}

func TestPartitionedGroupsOverHTTP(t *testing.T) {
	_, registry := startRegistry(t)
	strict := func(cfg *config.Node) {
		cfg.Kind = "partitioned"
		cfg.StrictGroups = []string{"orders"}
	}
	n1 := startNode(t, registry, strict)
	joinCluster(t, n1)
	n2 := startNode(t, registry, func(cfg *config.Node) {
		strict(cfg)
		cfg.Affinity = []string{"orders"}
		cfg.AffinityStrict = true
	})
	joinCluster(t, n2)
	require.NoError(t, n1.cache.RefreshStatus(context.Background()))

	rec := debugDo(t, n1, http.MethodPut, "/global/o1?group=orders", "order")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, n2.store.Contains("o1", nil))
	assert.False(t, n1.store.Contains("o1", nil))

	rec = debugDo(t, n1, http.MethodGet, "/global/o1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "order")

	rec = debugDo(t, n2, http.MethodPut, "/global/o1?group=users", "x")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "group")
}

func TestViewEndpoint(t *testing.T) {
	n := startNode(t, "http://127.0.0.1:1", nil)
	h := n.Routes()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, membership.ViewPath, bytes.NewBufferString("{")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, membership.ViewPath, nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	t.Run("registration gives up", func(t *testing.T) {
		err := n.Register(context.Background(), 2, time.Millisecond)
		assert.Error(t, err)
	})
}
