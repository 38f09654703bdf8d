package cluster

// CacheStatistics is the object-count summary a node announces.
type CacheStatistics struct {
	Count    int64 `cbor:"1,keyasint"`
	DataSize int64 `cbor:"2,keyasint,omitempty"`
	MaxCount int64 `cbor:"3,keyasint,omitempty"`
}

// NodeInfo is the runtime view of one member, refreshed by presence
// announcements.
type NodeInfo struct {
	Address           Address         `cbor:"1,keyasint"`
	RendererAddress   string          `cbor:"2,keyasint,omitempty"`
	SubgroupName      string          `cbor:"3,keyasint,omitempty"`
	Status            NodeStatus      `cbor:"4,keyasint"`
	Statistics        CacheStatistics `cbor:"5,keyasint"`
	ConnectedClients  []string        `cbor:"6,keyasint,omitempty"`
	DataAffinity      *DataAffinity   `cbor:"7,keyasint,omitempty"`
	IsStartedAsMirror bool            `cbor:"8,keyasint,omitempty"`
}

// NewNodeInfo builds the runtime record for a member that presented identity.
func NewNodeInfo(addr Address, identity NodeIdentity) *NodeInfo {
	return &NodeInfo{
		Address:           addr,
		RendererAddress:   identity.RendererAddress,
		SubgroupName:      identity.SubGroupName,
		IsStartedAsMirror: identity.IsStartedAsMirror,
		Status:            StatusInitializing,
	}
}

// Clone returns a deep copy.
func (n *NodeInfo) Clone() *NodeInfo {
	if n == nil {
		return nil
	}
	c := *n
	c.ConnectedClients = append([]string(nil), n.ConnectedClients...)
	c.DataAffinity = n.DataAffinity.Clone()
	return &c
}

// IsRunning reports whether the member accepts operations.
func (n *NodeInfo) IsRunning() bool {
	return n.Status.Has(StatusRunning)
}

// IsCoordinatorClass reports whether the member coordinates a group.
func (n *NodeInfo) IsCoordinatorClass() bool {
	return n.Status.Has(StatusCoordinator | StatusSubCoordinator)
}
