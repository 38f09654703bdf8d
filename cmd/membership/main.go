// Command membership runs the membership registry that cache nodes join.
//
// HTTP API:
//
//	POST /register    - join or update identity ({"address", "identity"})
//	POST /deregister  - leave ({"address"})
//	GET  /view        - current view
//	GET  /members     - view plus health records
//	GET  /health      - liveness
//
// Configuration is read by internal/config; REGISTRY_LISTEN,
// REGISTRY_HEALTH_INTERVAL and REGISTRY_MAX_FAILURES override the file.
//
//	REGISTRY_LISTEN=:8080 ./membership
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dreamware/replicache/internal/cluster"
	"github.com/dreamware/replicache/internal/config"
	"github.com/dreamware/replicache/internal/membership"
)

// logFatal is a variable so tests can intercept fatal errors.
var logFatal = log.Fatalf

func main() {
	path := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*path)
	if err != nil {
		logFatal("config: %v", err)
	}
	if err := cfg.Registry.Validate(); err != nil {
		logFatal("config: %v", err)
	}

	srv := newServer(cfg.Registry, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.monitor.Start(ctx, srv.registry.Addresses)

	httpSrv := &http.Server{
		Addr:              cfg.Registry.Listen,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Printf("membership registry listening on %s", cfg.Registry.Listen)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logFatal("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	srv.monitor.Stop()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
	log.Println("membership registry stopped")
}

type server struct {
	registry *membership.Registry
	monitor  *membership.HealthMonitor
}

// newServer wires the registry to its health monitor. publish overrides how
// views reach members; nil posts them over HTTP.
func newServer(cfg config.Registry, publish membership.Publisher) *server {
	s := &server{
		registry: membership.NewRegistry(publish, cfg.PushTimeout),
		monitor:  membership.NewHealthMonitor(cfg.HealthInterval, cfg.MaxFailures),
	}
	s.monitor.SetOnUnhealthy(func(addr cluster.Address) {
		if _, err := s.registry.Remove(context.Background(), addr); err != nil {
			log.Printf("removing %s: %v", addr, err)
		}
	})
	return s
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/register", s.handleRegister)
	mux.HandleFunc("/deregister", s.handleDeregister)
	mux.HandleFunc("/view", s.handleView)
	mux.HandleFunc("/members", s.handleMembers)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func (s *server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req cluster.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	v, err := s.registry.Register(r.Context(), cluster.Member{Address: req.Address, Identity: req.Identity})
	if errors.Is(err, membership.ErrInvalidMember) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		// The view is recorded; unreachable members are the monitor's job.
		log.Printf("register %s: %v", req.Address, err)
	}
	writeJSON(w, v)
}

func (s *server) handleDeregister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req cluster.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Address == "" {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	ok, err := s.registry.Remove(r.Context(), req.Address)
	if err != nil {
		log.Printf("deregister %s: %v", req.Address, err)
	}
	if !ok {
		http.Error(w, "not a member", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleView(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, s.registry.View())
}

func (s *server) handleMembers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	v := s.registry.View()
	health := s.monitor.All()
	type entry struct {
		cluster.Member
		Health *membership.MemberHealth `json:"health,omitempty"`
	}
	out := struct {
		Version uint64  `json:"version"`
		Members []entry `json:"members"`
	}{Version: v.Version, Members: make([]entry, 0, len(v.Members))}
	for _, m := range v.Members {
		out.Members = append(out.Members, entry{Member: m, Health: health[m.Address]})
	}
	writeJSON(w, out)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("write response: %v", err)
	}
}
