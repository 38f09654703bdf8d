package topology

import (
	"golang.org/x/exp/slices"

	"github.com/dreamware/replicache/internal/balancer"
	"github.com/dreamware/replicache/internal/cluster"
	"github.com/dreamware/replicache/internal/distribution"
	"github.com/dreamware/replicache/internal/storage"
)

// router decides which members an operation addresses. It never touches
// the network; the Cache does the sending.
type router interface {
	// writeTargets returns the members a write of key goes to. holder is
	// a member already storing key, or "".
	writeTargets(key string, entry *storage.Entry, holder cluster.Address) ([]cluster.Address, error)

	// readStages lists the members to ask after a local miss, stage by
	// stage; a later stage is only tried when the earlier ones miss.
	readStages(key string) [][]cluster.Address

	// isHolder reports whether the local node is a legitimate home for
	// key, and so may keep a read-through copy.
	isHolder(key string, entry *storage.Entry) bool

	// countTargets returns the members whose counts add up to the cluster
	// count. Nil means the local count already is the cluster count.
	countTargets() []cluster.Address

	// enumerationTargets returns the remote members whose keys complete
	// the local ones during enumeration.
	enumerationTargets() []cluster.Address

	// transferSource returns the member to pull state from on join, or ""
	// when the node starts empty.
	transferSource() cluster.Address

	rebalance()
	coordinatorStatus() cluster.NodeStatus
	authenticate(identity cluster.NodeIdentity) error
}

// routing is the state every router reads.
type routing struct {
	local      cluster.Address
	localGroup string
	membership *cluster.Membership
	registry   *distribution.Registry
	stats      *cluster.ClusterStats
	balancer   balancer.ActivityDistributor
}

func without(list []cluster.Address, drop ...cluster.Address) []cluster.Address {
	return slices.DeleteFunc(slices.Clone(list), func(a cluster.Address) bool {
		return slices.Contains(drop, a)
	})
}

func stages(list ...[]cluster.Address) [][]cluster.Address {
	out := make([][]cluster.Address, 0, len(list))
	for _, s := range list {
		if len(s) > 0 {
			out = append(out, s)
		}
	}
	return out
}

func (r *routing) servers() []cluster.Address {
	return r.membership.Servers()
}

func (r *routing) place(group string) (*cluster.NodeInfo, error) {
	n := r.balancer.SelectNode(r.stats, group)
	if n == nil {
		return nil, cluster.ErrNoEligibleNode
	}
	return n, nil
}

func (r *routing) requireStorage(identity cluster.NodeIdentity) error {
	if !identity.HasStorage {
		return ErrUnauthenticated
	}
	return nil
}

func rebalanceOver(registry *distribution.Registry, owners []string) {
	if len(owners) == 0 {
		registry.Clear()
		return
	}
	_ = registry.Rebalance(owners)
}

type replicatedRouter struct{ *routing }

func (r *replicatedRouter) writeTargets(string, *storage.Entry, cluster.Address) ([]cluster.Address, error) {
	servers := r.servers()
	if len(servers) == 0 {
		return nil, cluster.ErrNoEligibleNode
	}
	return servers, nil
}

// readStages asks the balancer's pick first, then everyone else.
func (r *replicatedRouter) readStages(string) [][]cluster.Address {
	others := without(r.servers(), r.local)
	picked := r.balancer.SelectNode(r.stats, "")
	if picked == nil || !slices.Contains(others, picked.Address) {
		return stages(others)
	}
	return stages([]cluster.Address{picked.Address}, without(others, picked.Address))
}

func (r *replicatedRouter) isHolder(string, *storage.Entry) bool { return true }

func (r *replicatedRouter) countTargets() []cluster.Address { return nil }

func (r *replicatedRouter) enumerationTargets() []cluster.Address { return nil }

func (r *replicatedRouter) transferSource() cluster.Address {
	if coord := r.membership.Coordinator(); coord != r.local {
		return coord
	}
	return ""
}

func (r *replicatedRouter) rebalance() {}

func (r *replicatedRouter) coordinatorStatus() cluster.NodeStatus {
	if r.membership.IsCoordinator() {
		return cluster.StatusCoordinator
	}
	return 0
}

func (r *replicatedRouter) authenticate(identity cluster.NodeIdentity) error {
	return r.requireStorage(identity)
}

type partitionedRouter struct{ *routing }

// owner resolves key through the bucket map, falling back to the balancer
// for unassigned buckets.
func (r *partitionedRouter) owner(key string) cluster.Address {
	if owner, err := r.registry.OwnerForKey(key); err == nil {
		return cluster.Address(owner)
	}
	if n := r.balancer.SelectNode(r.stats, ""); n != nil {
		return n.Address
	}
	return ""
}

func (r *partitionedRouter) writeTargets(key string, entry *storage.Entry, holder cluster.Address) ([]cluster.Address, error) {
	if holder != "" {
		return []cluster.Address{holder}, nil
	}
	if entry != nil && entry.Group != "" {
		n, err := r.place(entry.Group)
		if err != nil {
			return nil, err
		}
		return []cluster.Address{n.Address}, nil
	}
	owner := r.owner(key)
	if owner == "" {
		return nil, cluster.ErrNoEligibleNode
	}
	return []cluster.Address{owner}, nil
}

// readStages asks the owner, then every other server for copies placed by
// affinity or left behind by a rebalance.
func (r *partitionedRouter) readStages(key string) [][]cluster.Address {
	owner := r.owner(key)
	var first []cluster.Address
	if owner != "" && owner != r.local {
		first = []cluster.Address{owner}
	}
	return stages(first, without(r.servers(), r.local, owner))
}

func (r *partitionedRouter) isHolder(key string, entry *storage.Entry) bool {
	return groupOf(entry).Group == "" && r.owner(key) == r.local
}

func (r *partitionedRouter) countTargets() []cluster.Address { return r.servers() }

func (r *partitionedRouter) enumerationTargets() []cluster.Address {
	return without(r.servers(), r.local)
}

func (r *partitionedRouter) transferSource() cluster.Address { return "" }

func (r *partitionedRouter) rebalance() {
	servers := r.servers()
	owners := make([]string, len(servers))
	for i, s := range servers {
		owners[i] = string(s)
	}
	rebalanceOver(r.registry, owners)
}

func (r *partitionedRouter) coordinatorStatus() cluster.NodeStatus {
	return cluster.StatusCoordinator
}

func (r *partitionedRouter) authenticate(identity cluster.NodeIdentity) error {
	return r.requireStorage(identity)
}

// groupRouter serves PartitionOfReplicas: buckets belong to sub-clusters.
type groupRouter struct{ *routing }

func (r *groupRouter) owningGroup(key string) string {
	owner, err := r.registry.OwnerForKey(key)
	if err != nil {
		return ""
	}
	return owner
}

func (r *groupRouter) groupServers(name string) []cluster.Address {
	if sc := r.membership.SubCluster(name); sc != nil {
		return sc.Servers()
	}
	return nil
}

func (r *groupRouter) writeTargets(key string, entry *storage.Entry, holder cluster.Address) ([]cluster.Address, error) {
	var group string
	switch {
	case holder != "":
		if sc := r.membership.SubClusterOf(holder); sc != nil {
			group = sc.Name()
		}
	case entry != nil && entry.Group != "":
		n, err := r.place(entry.Group)
		if err != nil {
			return nil, err
		}
		group = n.SubgroupName
	default:
		group = r.owningGroup(key)
	}
	targets := r.groupServers(group)
	if len(targets) == 0 {
		return nil, cluster.ErrNoEligibleNode
	}
	return targets, nil
}

func (r *groupRouter) readStages(key string) [][]cluster.Address {
	first := without(r.groupServers(r.owningGroup(key)), r.local)
	return stages(first, without(r.servers(), append(first, r.local)...))
}

func (r *groupRouter) isHolder(key string, entry *storage.Entry) bool {
	return groupOf(entry).Group == "" && r.owningGroup(key) == r.localGroup
}

// coordinators returns the coordinator of every sub-cluster except skip.
func (r *groupRouter) coordinators(skip string) []cluster.Address {
	var out []cluster.Address
	for _, name := range r.membership.SubClusterNames() {
		if name == skip {
			continue
		}
		if sc := r.membership.SubCluster(name); sc != nil {
			if coord := sc.Coordinator(); coord != "" {
				out = append(out, coord)
			}
		}
	}
	return out
}

func (r *groupRouter) countTargets() []cluster.Address { return r.coordinators("") }

func (r *groupRouter) enumerationTargets() []cluster.Address {
	return r.coordinators(r.localGroup)
}

func (r *groupRouter) transferSource() cluster.Address {
	sc := r.membership.SubCluster(r.localGroup)
	if sc == nil {
		return ""
	}
	if coord := sc.Coordinator(); coord != r.local {
		return coord
	}
	return ""
}

func (r *groupRouter) rebalance() {
	var owners []string
	for _, name := range r.membership.SubClusterNames() {
		if len(r.groupServers(name)) > 0 {
			owners = append(owners, name)
		}
	}
	rebalanceOver(r.registry, owners)
}

func (r *groupRouter) coordinatorStatus() cluster.NodeStatus {
	var s cluster.NodeStatus
	if sc := r.membership.SubCluster(r.localGroup); sc != nil && sc.Coordinator() == r.local {
		s = s.Set(cluster.StatusSubCoordinator)
	}
	if r.membership.IsCoordinator() {
		s = s.Set(cluster.StatusCoordinator)
	}
	return s
}

func (r *groupRouter) authenticate(identity cluster.NodeIdentity) error {
	if err := r.requireStorage(identity); err != nil {
		return err
	}
	if identity.SubGroupName == "" {
		return ErrUnauthenticated
	}
	return nil
}
