package cluster

import (
	"context"
	"sync"
	"time"

	"golang.org/x/exp/slices"

	"github.com/dreamware/replicache/internal/function"
)

// SubCluster is a named partition group. Its coordinator is the first server
// in join order.
type SubCluster struct {
	name      string
	transport Transport

	mu      sync.RWMutex
	members []Address
	servers []Address
}

// NewSubCluster returns an empty group that broadcasts through transport.
func NewSubCluster(name string, transport Transport) *SubCluster {
	return &SubCluster{name: name, transport: transport}
}

// Name returns the group name.
func (s *SubCluster) Name() string { return s.name }

// OnMemberJoined adds addr to the group. Members without storage are tracked
// but never become servers.
func (s *SubCluster) OnMemberJoined(addr Address, identity NodeIdentity) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if slices.Contains(s.members, addr) {
		return false
	}
	s.members = append(s.members, addr)
	if identity.HasStorage {
		s.servers = append(s.servers, addr)
	}
	return true
}

// OnMemberLeft drops addr from the group.
func (s *SubCluster) OnMemberLeft(addr Address) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := slices.Index(s.members, addr)
	if idx < 0 {
		return false
	}
	s.members = slices.Delete(s.members, idx, idx+1)
	if i := slices.Index(s.servers, addr); i >= 0 {
		s.servers = slices.Delete(s.servers, i, i+1)
	}
	return true
}

// Members returns every member in join order.
func (s *SubCluster) Members() []Address {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.members)
}

// Servers returns the members with storage in join order.
func (s *SubCluster) Servers() []Address {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.servers)
}

// Coordinator returns the first server, or "" for a group without servers.
func (s *SubCluster) Coordinator() Address {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.servers) == 0 {
		return ""
	}
	return s.servers[0]
}

// IsEmpty reports whether the group has no members left.
func (s *SubCluster) IsEmpty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.members) == 0
}

// Contains reports whether addr belongs to the group.
func (s *SubCluster) Contains(addr Address) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Contains(s.members, addr)
}

// Broadcast sends fn to the group's servers, leaving out the local member
// when fn.ExcludeSelf is set.
func (s *SubCluster) Broadcast(ctx context.Context, fn *function.Function, mode function.ResponseMode, timeout time.Duration) (*ResponseList, error) {
	dests := s.Servers()
	if fn.ExcludeSelf {
		local := s.transport.LocalAddress()
		dests = slices.DeleteFunc(dests, func(a Address) bool { return a == local })
	}
	return s.transport.Broadcast(ctx, dests, fn, mode, timeout)
}
