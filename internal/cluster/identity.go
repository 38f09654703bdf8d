package cluster

import (
	"sort"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/fxamacker/cbor/v2"
)

// Address identifies a cluster member. For the HTTP transport it is the
// member's base URL; for the in-process bus any unique name works.
type Address string

// String implements fmt.Stringer.
func (a Address) String() string { return string(a) }

// NodeIdentity is the descriptor a node presents when it joins. It is set once
// at construction and passed by value afterwards.
type NodeIdentity struct {
	// HasStorage is always true for cache servers; client-only members
	// present false and are never counted as servers.
	HasStorage bool `json:"has_storage" cbor:"1,keyasint"`

	// RendererPort and RendererAddress are the client-facing endpoint, not
	// the cluster transport endpoint.
	RendererPort    int    `json:"renderer_port,omitempty" cbor:"2,keyasint,omitempty"`
	RendererAddress string `json:"renderer_address,omitempty" cbor:"3,keyasint,omitempty"`

	// SubGroupName names the partition group this node belongs to.
	SubGroupName string `json:"sub_group,omitempty" cbor:"4,keyasint,omitempty"`

	IsStartedAsMirror bool `json:"mirror,omitempty" cbor:"5,keyasint,omitempty"`
}

// NewNodeIdentity returns the identity of a storage node.
func NewNodeIdentity(rendererAddress string, rendererPort int, subGroup string) NodeIdentity {
	return NodeIdentity{
		HasStorage:      true,
		RendererPort:    rendererPort,
		RendererAddress: rendererAddress,
		SubGroupName:    subGroup,
	}
}

// NodeStatus is a bitset of runtime states.
type NodeStatus uint32

const (
	StatusInitializing NodeStatus = 1 << iota
	StatusRunning
	StatusCoordinator
	StatusSubCoordinator
)

// Has reports whether any bit of s is set.
func (n NodeStatus) Has(s NodeStatus) bool { return n&s != 0 }

// Set returns n with the bits of s set.
func (n NodeStatus) Set(s NodeStatus) NodeStatus { return n | s }

// Clear returns n with the bits of s cleared.
func (n NodeStatus) Clear(s NodeStatus) NodeStatus { return n &^ s }

var statusNames = []struct {
	bit  NodeStatus
	name string
}{
	{StatusInitializing, "initializing"},
	{StatusRunning, "running"},
	{StatusCoordinator, "coordinator"},
	{StatusSubCoordinator, "sub-coordinator"},
}

// String lists the set bits, e.g. "running|coordinator".
func (n NodeStatus) String() string {
	var parts []string
	for _, s := range statusNames {
		if n.Has(s.bit) {
			parts = append(parts, s.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// DataAffinity lists the data groups a node prefers. A strict affinity means
// the node accepts nothing outside those groups.
type DataAffinity struct {
	groups mapset.Set[string]
	Strict bool
}

// NewDataAffinity returns an affinity for groups.
func NewDataAffinity(strict bool, groups ...string) *DataAffinity {
	return &DataAffinity{groups: mapset.NewSet(groups...), Strict: strict}
}

// Contains reports whether group is explicitly served.
func (d *DataAffinity) Contains(group string) bool {
	if d == nil || d.groups == nil {
		return false
	}
	return d.groups.Contains(group)
}

// Groups returns the served groups in sorted order.
func (d *DataAffinity) Groups() []string {
	if d == nil || d.groups == nil {
		return nil
	}
	out := d.groups.ToSlice()
	sort.Strings(out)
	return out
}

// Clone returns a deep copy.
func (d *DataAffinity) Clone() *DataAffinity {
	if d == nil {
		return nil
	}
	c := &DataAffinity{Strict: d.Strict}
	if d.groups != nil {
		c.groups = d.groups.Clone()
	}
	return c
}

type dataAffinityWire struct {
	Groups []string `cbor:"1,keyasint,omitempty"`
	Strict bool     `cbor:"2,keyasint,omitempty"`
}

// MarshalCBOR implements cbor.Marshaler.
func (d *DataAffinity) MarshalCBOR() ([]byte, error) {
	return cbor.Marshal(dataAffinityWire{Groups: d.Groups(), Strict: d.Strict})
}

// UnmarshalCBOR implements cbor.Unmarshaler.
func (d *DataAffinity) UnmarshalCBOR(b []byte) error {
	var w dataAffinityWire
	if err := cbor.Unmarshal(b, &w); err != nil {
		return err
	}
	d.groups = mapset.NewSet(w.Groups...)
	d.Strict = w.Strict
	return nil
}
