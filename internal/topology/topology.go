// Package topology implements the clustered cache operations for the three
// supported layouts.
//
// # Layouts
//
//   - Replicated: every server holds every key. Writes go to all servers
//     and must succeed everywhere.
//   - Partitioned: every key has one owner, found through the bucket map
//     or, for grouped entries, through the load balancer. Writes go to the
//     owner alone.
//   - PartitionOfReplicas: buckets are owned by sub-clusters; a write goes
//     to every server of the owning sub-cluster.
//
// A Cache is the same struct for all three. The layout only decides the
// router (who is addressed) and the aggregation policy (how answers are
// combined); the operation protocol itself is shared.
//
// # Request flow
//
// A client operation runs on the node it was called on. It addresses the
// targets through the cluster transport; on each target the synchronizer
// serializes requests by key and calls Execute, which dispatches through
// the opcode table built in New. Any multi-target write that does not
// succeed everywhere is undone with a compensating remove before the
// outcome is returned.
//
// # Errors
//
// cluster.ErrTimeout and cluster.SuspectedError reach the caller unchanged.
// Handler failures come back as cluster.GeneralFailureError. Application
// outcomes such as key-exists or needs-eviction are storage.Result values,
// not errors.
package topology

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/atomic"
	"golang.org/x/sync/singleflight"

	"github.com/dreamware/replicache/internal/balancer"
	"github.com/dreamware/replicache/internal/cluster"
	"github.com/dreamware/replicache/internal/distribution"
	"github.com/dreamware/replicache/internal/statetransfer"
	"github.com/dreamware/replicache/internal/storage"
	"github.com/dreamware/replicache/internal/tasks"
)

// Kind selects a cluster layout.
type Kind int

const (
	Replicated Kind = iota + 1
	Partitioned
	PartitionOfReplicas
)

// String returns the layout name used in configuration.
func (k Kind) String() string {
	switch k {
	case Replicated:
		return "replicated"
	case Partitioned:
		return "partitioned"
	case PartitionOfReplicas:
		return "partition-of-replicas"
	default:
		return "unknown"
	}
}

// ParseKind is the inverse of String.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "replicated":
		return Replicated, nil
	case "partitioned":
		return Partitioned, nil
	case "partition-of-replicas", "por":
		return PartitionOfReplicas, nil
	}
	return 0, fmt.Errorf("unknown topology %q", s)
}

var (
	// ErrIncompatibleGroup is returned by Insert when the key is already
	// stored under a different data group.
	ErrIncompatibleGroup = errors.New("data group is incompatible with the existing entry")

	// ErrCancelled is returned for requests whose Function was cancelled
	// before it was executed.
	ErrCancelled = errors.New("operation cancelled")

	// ErrUnknownOpcode is returned by Execute for opcodes without a handler.
	ErrUnknownOpcode = errors.New("unknown opcode")

	// ErrUnauthenticated rejects members whose identity does not fit the
	// layout.
	ErrUnauthenticated = errors.New("member identity rejected")

	// ErrUnexpectedResponse means a member answered with a value of the
	// wrong type.
	ErrUnexpectedResponse = errors.New("unexpected response")
)

// DefaultOperationTimeout bounds every cluster round trip unless Config
// says otherwise.
const DefaultOperationTimeout = 10 * time.Second

// Config holds the settings of one cache node.
type Config struct {
	Kind Kind

	// Identity is what this node presented when it registered.
	Identity cluster.NodeIdentity

	// Affinity lists the data groups this node serves. Nil serves any
	// non-strict group.
	Affinity *cluster.DataAffinity

	// StrictGroups may only be placed on members that list them.
	StrictGroups []string

	Buckets          int
	OperationTimeout time.Duration

	// ChunkThreshold and TrackChanges configure the state transfer this
	// node serves to joining members.
	ChunkThreshold int64
	TrackChanges   bool

	// AnnounceInterval is the presence broadcast period; zero disables it.
	AnnounceInterval time.Duration

	Workers int
	Backlog int

	// Balancer overrides the layout's default balancer.
	Balancer balancer.ActivityDistributor
}

type aggregation int

const (
	// firstResponse sends one request and takes its answer.
	firstResponse aggregation = iota + 1
	// allMustSucceed broadcasts and combines every answer.
	allMustSucceed
)

// Stats summarises a node's view of the cache.
type Stats struct {
	Kind     Kind
	Local    cluster.Address
	Status   cluster.NodeStatus
	Count    int64
	Hits     uint64
	Misses   uint64
	Members  int
	Servers  int
	View     uint64
	Sessions int
}

// Cache is one node's clustered cache.
type Cache struct {
	cfg        Config
	local      cluster.Address
	store      storage.InternalCache
	transport  cluster.Transport
	membership *cluster.Membership
	stats      *cluster.ClusterStats
	registry   *distribution.Registry
	balancer   balancer.ActivityDistributor
	router     router
	policy     aggregation
	sessions   *statetransfer.Sessions
	handlers   map[int]handler
	reads      singleflight.Group
	processor  *tasks.Processor
	announcer  *tasks.Periodic
	logger     *log.Logger

	listenerMu sync.RWMutex
	listener   EventListener

	running atomic.Bool
	started atomic.Bool
	hits    atomic.Uint64
	misses  atomic.Uint64
}

// New builds the cache for one node. It registers itself as the membership
// listener; the caller binds a synchronizer around it to the transport.
func New(cfg Config, store storage.InternalCache, transport cluster.Transport) (*Cache, error) {
	if store == nil {
		return nil, errors.New("topology: nil store")
	}
	if transport == nil {
		return nil, errors.New("topology: nil transport")
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = DefaultOperationTimeout
	}

	c := &Cache{
		cfg:       cfg,
		local:     transport.LocalAddress(),
		store:     store,
		transport: transport,
		registry:  distribution.NewRegistry(cfg.Buckets),
		logger:    log.New(os.Stderr, "[topology] ", log.LstdFlags),
	}
	c.membership = cluster.NewMembership(transport)
	c.membership.SetListener(c)
	c.stats = cluster.NewClusterStats(c.local)
	for _, g := range cfg.StrictGroups {
		c.stats.DeclareStrictGroup(g)
	}

	var opts []statetransfer.Option
	if cfg.ChunkThreshold > 0 {
		opts = append(opts, statetransfer.WithThreshold(cfg.ChunkThreshold))
	}
	if cfg.TrackChanges {
		opts = append(opts, statetransfer.WithChangeTracking())
	}
	c.sessions = statetransfer.NewSessions(store, opts...)

	routes := &routing{
		local:      c.local,
		localGroup: cfg.Identity.SubGroupName,
		membership: c.membership,
		registry:   c.registry,
		stats:      c.stats,
	}
	switch cfg.Kind {
	case Replicated:
		c.balancer = balancer.NewRoundRobin()
		c.router = &replicatedRouter{routes}
		c.policy = allMustSucceed
	case Partitioned:
		c.balancer = balancer.NewObjectCount()
		c.router = &partitionedRouter{routes}
		c.policy = firstResponse
	case PartitionOfReplicas:
		c.balancer = balancer.NewObjectCount()
		c.router = &groupRouter{routes}
		c.policy = allMustSucceed
	default:
		return nil, fmt.Errorf("topology: unsupported kind %d", cfg.Kind)
	}
	if cfg.Balancer != nil {
		c.balancer = cfg.Balancer
	}
	routes.balancer = c.balancer

	c.processor = tasks.NewProcessor(cfg.Workers, cfg.Backlog)
	if cfg.AnnounceInterval > 0 {
		c.announcer = tasks.NewPeriodic("presence", cfg.AnnounceInterval, c.announce)
	}
	c.handlers = c.handlerTable()
	return c, nil
}

// Start launches the background workers and the presence announcer.
func (c *Cache) Start(ctx context.Context) {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	c.processor.Start()
	if c.announcer != nil {
		go c.announcer.Start(ctx)
	}
	c.logger.Printf("%s cache started at %s", c.cfg.Kind, c.local)
}

// Stop ends background work and drops every state transfer session.
func (c *Cache) Stop() {
	if c.announcer != nil && c.started.Load() {
		c.announcer.Stop()
	}
	c.processor.Stop()
	c.sessions.DisposeAll()
	c.logger.Printf("%s cache at %s stopped", c.cfg.Kind, c.local)
}

// Kind returns the layout.
func (c *Cache) Kind() Kind { return c.cfg.Kind }

// LocalAddress returns this node's address.
func (c *Cache) LocalAddress() cluster.Address { return c.local }

// Membership returns the installed view.
func (c *Cache) Membership() *cluster.Membership { return c.membership }

// ClusterStats returns the per-member records the balancers read.
func (c *Cache) ClusterStats() *cluster.ClusterStats { return c.stats }

// Registry returns the bucket map. It is empty for Replicated caches.
func (c *Cache) Registry() *distribution.Registry { return c.registry }

// Store returns the local store.
func (c *Cache) Store() storage.InternalCache { return c.store }

// IsRunning reports whether the node finished its state transfer.
func (c *Cache) IsRunning() bool { return c.running.Load() }

// Stats returns a snapshot of counters and membership.
func (c *Cache) Stats() Stats {
	return Stats{
		Kind:     c.cfg.Kind,
		Local:    c.local,
		Status:   c.status(),
		Count:    c.store.Count(),
		Hits:     c.hits.Load(),
		Misses:   c.misses.Load(),
		Members:  len(c.membership.Members()),
		Servers:  len(c.membership.Servers()),
		View:     c.membership.Version(),
		Sessions: c.sessions.Active(),
	}
}

// SetEventListener installs the callback target for cache events.
func (c *Cache) SetEventListener(l EventListener) {
	c.listenerMu.Lock()
	defer c.listenerMu.Unlock()
	c.listener = l
}

func (c *Cache) eventListener() EventListener {
	c.listenerMu.RLock()
	defer c.listenerMu.RUnlock()
	return c.listener
}
