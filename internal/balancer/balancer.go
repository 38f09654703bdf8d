// Package balancer picks the member that should receive new data when no
// distribution map says otherwise.
//
// Both balancers read membership only through cluster.ClusterStats and walk
// the live member list under its lock, so a selection always sees a
// consistent list. Neither ever blocks on the network.
package balancer

import (
	"github.com/dreamware/replicache/internal/cluster"
)

// ActivityDistributor selects a member for a write. group is the data group
// of the entry being placed, or "" for ungrouped data. A nil result means no
// member is eligible; callers report cluster.ErrNoEligibleNode rather than
// retrying.
type ActivityDistributor interface {
	SelectNode(stats *cluster.ClusterStats, group string) *cluster.NodeInfo
}

// less orders candidates by object count, then address.
func less(a, b *cluster.NodeInfo) bool {
	if b == nil {
		return true
	}
	if a.Statistics.Count != b.Statistics.Count {
		return a.Statistics.Count < b.Statistics.Count
	}
	return a.Address < b.Address
}
