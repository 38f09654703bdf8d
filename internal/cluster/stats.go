package cluster

import (
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"golang.org/x/exp/slices"
)

// ClusterStats holds one NodeInfo per known member. It is the only place the
// balancers read membership from.
// Thread-safe: all methods are safe for concurrent access and accessors
// return copies.
type ClusterStats struct {
	mu           sync.Mutex
	nodes        []*NodeInfo
	local        Address
	strictGroups mapset.Set[string]
}

// NewClusterStats returns empty statistics for the member at local.
func NewClusterStats(local Address) *ClusterStats {
	return &ClusterStats{
		local:        local,
		strictGroups: mapset.NewSet[string](),
	}
}

// LocalAddress returns the address of the owning member.
func (s *ClusterStats) LocalAddress() Address {
	return s.local
}

// Add records a member. An existing record for the address is replaced.
func (s *ClusterStats) Add(info *NodeInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := slices.IndexFunc(s.nodes, func(n *NodeInfo) bool { return n.Address == info.Address })
	if idx >= 0 {
		s.nodes[idx] = info.Clone()
		return
	}
	s.nodes = append(s.nodes, info.Clone())
}

// Update applies fn to the record for addr. It returns false when the member
// is unknown.
func (s *ClusterStats) Update(addr Address, fn func(*NodeInfo)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := slices.IndexFunc(s.nodes, func(n *NodeInfo) bool { return n.Address == addr })
	if idx < 0 {
		return false
	}
	fn(s.nodes[idx])
	return true
}

// Remove forgets a member.
func (s *ClusterStats) Remove(addr Address) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := slices.IndexFunc(s.nodes, func(n *NodeInfo) bool { return n.Address == addr })
	if idx < 0 {
		return false
	}
	s.nodes = slices.Delete(s.nodes, idx, idx+1)
	return true
}

// Get returns a copy of the record for addr, or nil.
func (s *ClusterStats) Get(addr Address) *NodeInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, n := range s.nodes {
		if n.Address == addr {
			return n.Clone()
		}
	}
	return nil
}

// LocalNode returns a copy of the owning member's record, or nil.
func (s *ClusterStats) LocalNode() *NodeInfo {
	return s.Get(s.local)
}

// Nodes returns copies of every record in join order.
func (s *ClusterStats) Nodes() []*NodeInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*NodeInfo, len(s.nodes))
	for i, n := range s.nodes {
		out[i] = n.Clone()
	}
	return out
}

// Len returns the number of known members.
func (s *ClusterStats) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.nodes)
}

// Scan runs fn over the live member list with the lock held. fn must not
// retain the slice or block; it exists so balancers can walk the list
// without copying it on every selection.
func (s *ClusterStats) Scan(fn func(nodes []*NodeInfo)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.nodes)
}

// DeclareStrictGroup marks group as requiring an explicit affinity match.
func (s *ClusterStats) DeclareStrictGroup(group string) {
	s.strictGroups.Add(group)
}

// IsStrictGroup reports whether data of group may only land on nodes that
// explicitly serve it.
func (s *ClusterStats) IsStrictGroup(group string) bool {
	return s.strictGroups.Contains(group)
}
