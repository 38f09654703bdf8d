package balancer

import (
	"github.com/dreamware/replicache/internal/cluster"
)

// ObjectCount sends data to the least loaded coordinator-class member while
// honouring data affinity.
//
// Selection over coordinator and sub-coordinator members:
//   - no group: the member with the fewest objects
//   - group: the least loaded member whose affinity lists the group
//   - otherwise nil if the cluster declared the group strict
//   - otherwise the least loaded member without a strict affinity
//
// Ties go to the lowest address.
type ObjectCount struct{}

// NewObjectCount returns the affinity-aware balancer.
func NewObjectCount() *ObjectCount {
	return &ObjectCount{}
}

// SelectNode implements ActivityDistributor.
func (ObjectCount) SelectNode(stats *cluster.ClusterStats, group string) *cluster.NodeInfo {
	var chosen *cluster.NodeInfo
	stats.Scan(func(nodes []*cluster.NodeInfo) {
		var min, gMin, sMin *cluster.NodeInfo
		for _, n := range nodes {
			if !n.IsCoordinatorClass() {
				continue
			}
			if less(n, min) {
				min = n
			}
			if group == "" {
				continue
			}
			switch {
			case n.DataAffinity.Contains(group):
				if less(n, gMin) {
					gMin = n
				}
			case n.DataAffinity == nil || !n.DataAffinity.Strict:
				if less(n, sMin) {
					sMin = n
				}
			}
		}

		switch {
		case group == "":
			chosen = min.Clone()
		case gMin != nil:
			chosen = gMin.Clone()
		case stats.IsStrictGroup(group):
			chosen = nil
		default:
			chosen = sMin.Clone()
		}
	})
	return chosen
}
