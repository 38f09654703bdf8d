package balancer

import (
	"go.uber.org/atomic"

	"github.com/dreamware/replicache/internal/cluster"
)

// RoundRobin hands out running members in a fixed rotation. Members that are
// not running are skipped without losing their place, so they are picked
// again as soon as they report Running.
type RoundRobin struct {
	next atomic.Int64
}

// NewRoundRobin returns a balancer starting at the first member.
func NewRoundRobin() *RoundRobin {
	return &RoundRobin{}
}

// SelectNode returns a copy of the next running member, or nil when a full
// rotation finds none. The group is ignored.
func (r *RoundRobin) SelectNode(stats *cluster.ClusterStats, _ string) *cluster.NodeInfo {
	var chosen *cluster.NodeInfo
	stats.Scan(func(nodes []*cluster.NodeInfo) {
		n := len(nodes)
		if n == 0 {
			return
		}
		start := int(r.next.Load() % int64(n))
		for i := 0; i < n; i++ {
			idx := (start + i) % n
			if nodes[idx].IsRunning() {
				chosen = nodes[idx].Clone()
				r.next.Store(int64((idx + 1) % n))
				return
			}
		}
	})
	return chosen
}
