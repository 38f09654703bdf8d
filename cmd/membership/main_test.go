package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/replicache/internal/cluster"
	"github.com/dreamware/replicache/internal/config"
)

type pushLog struct {
	mu    sync.Mutex
	views map[cluster.Address]uint64
}

func (p *pushLog) publish(_ context.Context, addr cluster.Address, v cluster.View) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.views[addr] = v.Version
	return nil
}

func (p *pushLog) version(addr cluster.Address) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.views[addr]
}

func newTestServer(t *testing.T) (*server, *pushLog) {
	t.Helper()
	pushes := &pushLog{views: map[cluster.Address]uint64{}}
	cfg := config.Default().Registry
	cfg.HealthInterval = 20 * time.Millisecond
	cfg.MaxFailures = 1
	return newServer(cfg, pushes.publish), pushes
}

func post(t *testing.T, h http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw)))
	return rec
}

func TestRegisterAndView(t *testing.T) {
	srv, pushes := newTestServer(t)
	h := srv.routes()

	rec := post(t, h, "/register", cluster.RegisterRequest{Address: "http://n1", Identity: cluster.NewNodeIdentity("", 0, "")})
	require.Equal(t, http.StatusOK, rec.Code)
	var v cluster.View
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))
	assert.Equal(t, uint64(1), v.Version)

	rec = post(t, h, "/register", cluster.RegisterRequest{Address: "http://n2", Identity: cluster.NewNodeIdentity("", 0, "g1")})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, uint64(2), pushes.version("http://n1"))
	assert.Equal(t, uint64(2), pushes.version("http://n2"))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/view", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))
	require.Len(t, v.Members, 2)
	assert.Equal(t, "g1", v.Members[1].Identity.SubGroupName)
	assert.True(t, v.Members[1].Identity.HasStorage)

	t.Run("bad requests", func(t *testing.T) {
		rec := post(t, h, "/register", cluster.RegisterRequest{})
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		rec = httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/register", bytes.NewBufferString("{")))
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		rec = httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/register", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})

	t.Run("deregister", func(t *testing.T) {
		rec := post(t, h, "/deregister", cluster.RegisterRequest{Address: "http://n1"})
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, uint64(3), pushes.version("http://n2"))

		rec = post(t, h, "/deregister", cluster.RegisterRequest{Address: "http://n1"})
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestUnhealthyMemberIsRemoved(t *testing.T) {
	srv, pushes := newTestServer(t)
	h := srv.routes()
	srv.monitor.SetCheckFunction(func(addr cluster.Address) error {
		if addr == "http://dead" {
			return assert.AnError
		}
		return nil
	})

	post(t, h, "/register", cluster.RegisterRequest{Address: "http://alive", Identity: cluster.NewNodeIdentity("", 0, "")})
	post(t, h, "/register", cluster.RegisterRequest{Address: "http://dead", Identity: cluster.NewNodeIdentity("", 0, "")})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.monitor.Start(ctx, srv.registry.Addresses)
	defer srv.monitor.Stop()

	assert.Eventually(t, func() bool {
		return len(srv.registry.View().Members) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, uint64(3), pushes.version("http://alive"))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/members", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "http://alive")
	assert.NotContains(t, rec.Body.String(), "http://dead")
}
