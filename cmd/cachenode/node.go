package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"golang.org/x/exp/slices"

	"github.com/dreamware/replicache/internal/cluster"
	"github.com/dreamware/replicache/internal/codec"
	"github.com/dreamware/replicache/internal/config"
	"github.com/dreamware/replicache/internal/membership"
	"github.com/dreamware/replicache/internal/storage"
	"github.com/dreamware/replicache/internal/synchronizer"
	"github.com/dreamware/replicache/internal/topology"
	"github.com/dreamware/replicache/internal/transport"
)

// Node is one cache process: a local store, the HTTP transport, the
// synchronizer in front of the clustered cache and the cache itself.
type Node struct {
	cfg       config.Node
	store     *storage.MemoryStore
	transport *transport.HTTPTransport
	sync      *synchronizer.Synchronizer
	cache     *topology.Cache
	logger    *log.Logger

	bootOnce sync.Once
	booted   chan struct{}
}

// NewNode builds and wires a node from cfg. Nothing runs until Start.
func NewNode(cfg config.Node) (*Node, error) {
	tc, err := cfg.Topology()
	if err != nil {
		return nil, err
	}

	var store *storage.MemoryStore
	if cfg.Capacity > 0 {
		store = storage.NewMemoryStoreWithCapacity(cfg.Capacity)
	} else {
		store = storage.NewMemoryStore()
	}

	c := codec.New()
	topology.RegisterOpcodes(c)
	tr := transport.NewHTTPTransport(cluster.Address(cfg.Address), c)

	cache, err := topology.New(tc, store, tr)
	if err != nil {
		return nil, fmt.Errorf("build cache: %w", err)
	}
	s := synchronizer.New(cache, tr)
	tr.Bind(s)

	return &Node{
		cfg:       cfg,
		store:     store,
		transport: tr,
		sync:      s,
		cache:     cache,
		logger:    log.New(os.Stderr, "[node] ", log.LstdFlags),
		booted:    make(chan struct{}),
	}, nil
}

// Start launches the cache's background workers.
func (n *Node) Start(ctx context.Context) {
	n.cache.Start(ctx)
}

// Stop ends request processing and the background workers.
func (n *Node) Stop() {
	n.sync.Dispose()
	n.cache.Stop()
}

// Routes is the cluster-facing HTTP API.
func (n *Node) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(transport.FunctionPath, n.transport)
	mux.HandleFunc(membership.ViewPath, n.handleView)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

// handleView installs a view pushed by the registry. The first view that
// contains this node starts its state transfer in the background.
func (n *Node) handleView(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var v cluster.View
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	joined, _ := n.cache.InstallView(v)
	if slices.Contains(joined, n.cache.LocalAddress()) {
		n.bootOnce.Do(func() { go n.bootstrap(context.Background()) })
	}
	w.WriteHeader(http.StatusNoContent)
}

// bootstrap pulls state from the cluster and exchanges status records.
func (n *Node) bootstrap(ctx context.Context) {
	defer close(n.booted)
	if err := n.cache.StateTransfer(ctx); err != nil {
		n.logger.Printf("state transfer failed: %v", err)
		return
	}
	if err := n.cache.RefreshStatus(ctx); err != nil {
		n.logger.Printf("status refresh: %v", err)
	}
	n.cache.Announce(ctx)
}

// Booted is closed once the first state transfer has finished or failed.
func (n *Node) Booted() <-chan struct{} { return n.booted }

// Register announces the node to the membership registry, retrying while
// the registry starts up.
func (n *Node) Register(ctx context.Context, attempts int, delay time.Duration) error {
	body := cluster.RegisterRequest{Address: n.cache.LocalAddress(), Identity: n.cfg.Identity()}
	var lastErr error
	for i := 0; i < attempts; i++ {
		lastErr = cluster.PostJSON(ctx, n.cfg.Registry+"/register", body, nil)
		if lastErr == nil {
			n.logger.Printf("registered with %s", n.cfg.Registry)
			return nil
		}
		n.logger.Printf("register retry %d: %v", i+1, lastErr)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("register with %s: %w", n.cfg.Registry, lastErr)
}

// Deregister tells the registry this node is leaving. A registry that no
// longer knows the node is not an error.
func (n *Node) Deregister(ctx context.Context) error {
	body := cluster.RegisterRequest{Address: n.cache.LocalAddress()}
	err := cluster.PostJSON(ctx, n.cfg.Registry+"/deregister", body, nil)
	var se *cluster.StatusError
	if errors.As(err, &se) && se.Code == http.StatusNotFound {
		return nil
	}
	return err
}
