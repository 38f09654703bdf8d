package cluster

import (
	"log"
	"os"
	"sync"

	"golang.org/x/exp/slices"
)

// Member is one entry of a view.
type Member struct {
	Address  Address      `json:"address"`
	Identity NodeIdentity `json:"identity"`
}

// View is an ordered membership list. Order is join order, so the first
// server is the coordinator.
type View struct {
	Version uint64   `json:"version"`
	Members []Member `json:"members"`
}

// MembershipListener is told about joins and leaves in view order. Returning
// false from OnMemberJoined rejects the node: it stays out of every list
// until a later view presents it again.
type MembershipListener interface {
	OnMemberJoined(addr Address, identity NodeIdentity) bool
	OnMemberLeft(addr Address, identity NodeIdentity)
}

// Membership holds the current view as seen by one member: who is valid,
// which of them are servers, and which sub-cluster each belongs to.
type Membership struct {
	local     Address
	transport Transport
	logger    *log.Logger

	installMu sync.Mutex // serializes InstallView

	mu          sync.RWMutex
	version     uint64
	members     []Address
	servers     []Address
	identities  map[Address]NodeIdentity
	subClusters map[string]*SubCluster
	listener    MembershipListener
}

// NewMembership returns an empty view for the member at transport's local
// address.
func NewMembership(transport Transport) *Membership {
	return &Membership{
		local:       transport.LocalAddress(),
		transport:   transport,
		logger:      log.New(os.Stderr, "[membership] ", log.LstdFlags),
		identities:  make(map[Address]NodeIdentity),
		subClusters: make(map[string]*SubCluster),
	}
}

// SetListener installs the callback target. It must be called before the
// first InstallView.
func (m *Membership) SetListener(l MembershipListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listener = l
}

// LocalAddress returns our own address.
func (m *Membership) LocalAddress() Address { return m.local }

// Transport returns the transport the view broadcasts through.
func (m *Membership) Transport() Transport { return m.transport }

// Version returns the version of the installed view.
func (m *Membership) Version() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.version
}

// InstallView applies v. Views not newer than the installed one are ignored.
// Leaves are processed before joins; joins in view order. A member whose
// identity changed is reported as a leave and a join. It returns the
// accepted joins and the leaves.
func (m *Membership) InstallView(v View) (joined, left []Address) {
	m.installMu.Lock()
	defer m.installMu.Unlock()

	m.mu.RLock()
	stale := v.Version <= m.version && m.version != 0
	current := slices.Clone(m.members)
	listener := m.listener
	m.mu.RUnlock()
	if stale {
		return nil, nil
	}

	incoming := make(map[Address]NodeIdentity, len(v.Members))
	for _, mem := range v.Members {
		incoming[mem.Address] = mem.Identity
	}

	// A member that comes back with another identity leaves and rejoins.
	rejoining := make(map[Address]bool)
	for _, addr := range current {
		if id, ok := incoming[addr]; ok {
			if old, _ := m.Identity(addr); old == id {
				continue
			}
			rejoining[addr] = true
		}
		identity := m.removeMember(addr)
		if listener != nil {
			listener.OnMemberLeft(addr, identity)
		}
		left = append(left, addr)
	}

	for _, mem := range v.Members {
		if slices.Contains(current, mem.Address) && !rejoining[mem.Address] {
			continue
		}
		if listener != nil && !listener.OnMemberJoined(mem.Address, mem.Identity) {
			m.logger.Printf("rejected member %s", mem.Address)
			continue
		}
		m.addMember(mem.Address, mem.Identity)
		joined = append(joined, mem.Address)
	}

	m.mu.Lock()
	m.version = v.Version
	m.mu.Unlock()

	if len(joined) > 0 || len(left) > 0 {
		m.logger.Printf("installed view %d: %d members, joined=%v left=%v", v.Version, len(v.Members), joined, left)
	}
	return joined, left
}

func (m *Membership) addMember(addr Address, identity NodeIdentity) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.members = append(m.members, addr)
	if identity.HasStorage {
		m.servers = append(m.servers, addr)
	}
	m.identities[addr] = identity

	if identity.SubGroupName == "" {
		return
	}
	sc, ok := m.subClusters[identity.SubGroupName]
	if !ok {
		sc = NewSubCluster(identity.SubGroupName, m.transport)
		m.subClusters[identity.SubGroupName] = sc
	}
	sc.OnMemberJoined(addr, identity)
}

func (m *Membership) removeMember(addr Address) NodeIdentity {
	m.mu.Lock()
	defer m.mu.Unlock()

	identity := m.identities[addr]
	delete(m.identities, addr)
	m.members = slices.DeleteFunc(m.members, func(a Address) bool { return a == addr })
	m.servers = slices.DeleteFunc(m.servers, func(a Address) bool { return a == addr })

	if sc, ok := m.subClusters[identity.SubGroupName]; ok {
		sc.OnMemberLeft(addr)
		if sc.IsEmpty() {
			delete(m.subClusters, identity.SubGroupName)
		}
	}
	return identity
}

// Members returns every accepted member in view order.
func (m *Membership) Members() []Address {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.members)
}

// Servers returns the accepted members with storage in view order.
func (m *Membership) Servers() []Address {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.servers)
}

// IsMember reports whether addr was accepted into the view.
func (m *Membership) IsMember(addr Address) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.identities[addr]
	return ok
}

// Identity returns the identity addr joined with.
func (m *Membership) Identity(addr Address) (NodeIdentity, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.identities[addr]
	return id, ok
}

// Coordinator returns the first server, or "" for an empty view.
func (m *Membership) Coordinator() Address {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.servers) == 0 {
		return ""
	}
	return m.servers[0]
}

// IsCoordinator reports whether we are the coordinator.
func (m *Membership) IsCoordinator() bool {
	return m.Coordinator() == m.local
}

// SubCluster returns the named group, or nil when it has no members.
func (m *Membership) SubCluster(name string) *SubCluster {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.subClusters[name]
}

// SubClusterOf returns the group addr belongs to, or nil.
func (m *Membership) SubClusterOf(addr Address) *SubCluster {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.identities[addr]
	if !ok {
		return nil
	}
	return m.subClusters[id.SubGroupName]
}

// SubClusterNames returns the names of all live groups, sorted.
func (m *Membership) SubClusterNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.subClusters))
	for name := range m.subClusters {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
