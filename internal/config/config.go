// Package config loads the settings of the cache node and the membership
// registry.
//
// Settings come from three layers, later ones winning:
//
//  1. Default()
//  2. an optional YAML file (CACHE_CONFIG or the path passed to Load)
//  3. environment variables, e.g. CACHE_KIND=partitioned
//
// Unset or empty environment variables leave the lower layers alone.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dreamware/replicache/internal/cluster"
	"github.com/dreamware/replicache/internal/topology"
)

// Node configures one cache node process.
type Node struct {
	// Listen is the local address of the cluster HTTP server.
	Listen string `yaml:"listen"`
	// Address is the base URL other members use to reach this node. It is
	// the node's cluster address.
	Address string `yaml:"address"`
	// DebugListen is the address of the debug API. Empty disables it.
	DebugListen string `yaml:"debug_listen"`
	// Registry is the base URL of the membership registry.
	Registry string `yaml:"registry"`

	Kind     string `yaml:"kind"`
	SubGroup string `yaml:"sub_group"`

	RendererAddress string `yaml:"renderer_address"`
	RendererPort    int    `yaml:"renderer_port"`

	Affinity       []string `yaml:"affinity"`
	AffinityStrict bool     `yaml:"affinity_strict"`
	StrictGroups   []string `yaml:"strict_groups"`

	Buckets          int           `yaml:"buckets"`
	Capacity         int64         `yaml:"capacity"`
	OperationTimeout time.Duration `yaml:"operation_timeout"`
	ChunkThreshold   int           `yaml:"chunk_threshold"`
	TrackChanges     bool          `yaml:"track_changes"`
	AnnounceInterval time.Duration `yaml:"announce_interval"`
	Workers          int           `yaml:"workers"`
	Backlog          int           `yaml:"backlog"`
}

// Registry configures the membership registry process.
type Registry struct {
	Listen         string        `yaml:"listen"`
	HealthInterval time.Duration `yaml:"health_interval"`
	MaxFailures    int           `yaml:"max_failures"`
	PushTimeout    time.Duration `yaml:"push_timeout"`
}

// File is the layout of a YAML config file. Either section may be absent.
type File struct {
	Node     Node     `yaml:"node"`
	Registry Registry `yaml:"registry"`
}

// Default returns the built-in settings.
func Default() File {
	return File{
		Node: Node{
			Listen:           ":8081",
			Address:          "http://127.0.0.1:8081",
			Registry:         "http://127.0.0.1:8080",
			Kind:             topology.Replicated.String(),
			Buckets:          271,
			OperationTimeout: topology.DefaultOperationTimeout,
			ChunkThreshold:   20 * 1024,
			AnnounceInterval: 5 * time.Second,
			Workers:          4,
			Backlog:          1024,
		},
		Registry: Registry{
			Listen:         ":8080",
			HealthInterval: 2 * time.Second,
			MaxFailures:    3,
			PushTimeout:    4 * time.Second,
		},
	}
}

// Load reads path over the defaults, then applies the environment. An empty
// path falls back to $CACHE_CONFIG; when that is empty too no file is read.
func Load(path string) (File, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv("CACHE_CONFIG")
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults without touching the environment.
func Parse(raw []byte) (File, error) {
	cfg := Default()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (f *File) applyEnv() error {
	n := &f.Node
	n.Listen = getenv("NODE_LISTEN", n.Listen)
	n.Address = getenv("NODE_ADDR", n.Address)
	n.DebugListen = getenv("NODE_DEBUG_LISTEN", n.DebugListen)
	n.Registry = getenv("REGISTRY_ADDR", n.Registry)
	n.Kind = getenv("CACHE_KIND", n.Kind)
	n.SubGroup = getenv("CACHE_SUBGROUP", n.SubGroup)
	n.Affinity = getenvList("CACHE_AFFINITY", n.Affinity)
	n.StrictGroups = getenvList("CACHE_STRICT_GROUPS", n.StrictGroups)

	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	collect(getenvBool("CACHE_AFFINITY_STRICT", &n.AffinityStrict))
	collect(getenvBool("CACHE_TRACK_CHANGES", &n.TrackChanges))
	collect(getenvInt("CACHE_BUCKETS", &n.Buckets))
	collect(getenvInt("CACHE_CHUNK_THRESHOLD", &n.ChunkThreshold))
	collect(getenvInt("CACHE_WORKERS", &n.Workers))
	collect(getenvInt64("CACHE_CAPACITY", &n.Capacity))
	collect(getenvDuration("CACHE_OPERATION_TIMEOUT", &n.OperationTimeout))
	collect(getenvDuration("CACHE_ANNOUNCE_INTERVAL", &n.AnnounceInterval))

	r := &f.Registry
	r.Listen = getenv("REGISTRY_LISTEN", r.Listen)
	collect(getenvDuration("REGISTRY_HEALTH_INTERVAL", &r.HealthInterval))
	collect(getenvInt("REGISTRY_MAX_FAILURES", &r.MaxFailures))
	return errors.Join(errs...)
}

// Validate reports settings a node cannot start with.
func (n Node) Validate() error {
	var errs []error
	kind, err := topology.ParseKind(n.Kind)
	if err != nil {
		errs = append(errs, err)
	}
	if kind == topology.PartitionOfReplicas && n.SubGroup == "" {
		errs = append(errs, errors.New("partition-of-replicas needs sub_group"))
	}
	if n.Listen == "" {
		errs = append(errs, errors.New("listen is required"))
	}
	if !strings.HasPrefix(n.Address, "http://") && !strings.HasPrefix(n.Address, "https://") {
		errs = append(errs, fmt.Errorf("address %q is not an http URL", n.Address))
	}
	if n.Registry == "" {
		errs = append(errs, errors.New("registry is required"))
	}
	if n.Buckets <= 0 {
		errs = append(errs, fmt.Errorf("buckets must be positive, got %d", n.Buckets))
	}
	if n.AffinityStrict && len(n.Affinity) == 0 {
		errs = append(errs, errors.New("affinity_strict without affinity groups"))
	}
	return errors.Join(errs...)
}

// Topology converts the node settings into a topology config.
func (n Node) Topology() (topology.Config, error) {
	kind, err := topology.ParseKind(n.Kind)
	if err != nil {
		return topology.Config{}, err
	}
	cfg := topology.Config{
		Kind:             kind,
		Identity:         n.Identity(),
		StrictGroups:     n.StrictGroups,
		Buckets:          n.Buckets,
		OperationTimeout: n.OperationTimeout,
		ChunkThreshold:   int64(n.ChunkThreshold),
		TrackChanges:     n.TrackChanges,
		AnnounceInterval: n.AnnounceInterval,
		Workers:          n.Workers,
		Backlog:          n.Backlog,
	}
	if len(n.Affinity) > 0 {
		cfg.Affinity = cluster.NewDataAffinity(n.AffinityStrict, n.Affinity...)
	}
	return cfg, nil
}

// Identity is the descriptor the node presents to the cluster.
func (n Node) Identity() cluster.NodeIdentity {
	return cluster.NewNodeIdentity(n.RendererAddress, n.RendererPort, n.SubGroup)
}

// Validate reports settings the registry cannot start with.
func (r Registry) Validate() error {
	var errs []error
	if r.Listen == "" {
		errs = append(errs, errors.New("registry listen is required"))
	}
	if r.HealthInterval <= 0 {
		errs = append(errs, errors.New("health_interval must be positive"))
	}
	if r.MaxFailures <= 0 {
		errs = append(errs, errors.New("max_failures must be positive"))
	}
	return errors.Join(errs...)
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getenvList(k string, def []string) []string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getenvBool(k string, dst *bool) error {
	v := os.Getenv(k)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s: %w", k, err)
	}
	*dst = b
	return nil
}

func getenvInt(k string, dst *int) error {
	v := os.Getenv(k)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", k, err)
	}
	*dst = n
	return nil
}

func getenvInt64(k string, dst *int64) error {
	v := os.Getenv(k)
	if v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", k, err)
	}
	*dst = n
	return nil
}

func getenvDuration(k string, dst *time.Duration) error {
	v := os.Getenv(k)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", k, err)
	}
	*dst = d
	return nil
}
