package topology

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/dreamware/replicache/internal/cluster"
	"github.com/dreamware/replicache/internal/function"
	"github.com/dreamware/replicache/internal/tasks"
)

// OnMemberJoined implements cluster.MembershipListener. Members whose
// identity does not fit the layout are refused.
func (c *Cache) OnMemberJoined(addr cluster.Address, identity cluster.NodeIdentity) bool {
	if err := c.router.authenticate(identity); err != nil {
		c.logger.Printf("refusing %s: %v", addr, err)
		return false
	}
	info := cluster.NewNodeInfo(addr, identity)
	if addr == c.local {
		info.Status = c.status()
		info.DataAffinity = c.cfg.Affinity.Clone()
	}
	c.stats.Add(info)
	return true
}

// OnMemberLeft implements cluster.MembershipListener.
func (c *Cache) OnMemberLeft(addr cluster.Address, _ cluster.NodeIdentity) {
	c.stats.Remove(addr)
	if c.sessions.Dispose(string(addr)) {
		c.logger.Printf("disposed state transfer session of %s", addr)
	}
}

// InstallView applies a membership view, then recomputes bucket ownership
// and this node's status. Members that joined are asked for their status
// in the background.
func (c *Cache) InstallView(v cluster.View) (joined, left []cluster.Address) {
	joined, left = c.membership.InstallView(v)
	if len(joined) == 0 && len(left) == 0 {
		return joined, left
	}
	c.router.rebalance()
	c.refreshLocal()

	if remote := without(joined, c.local); len(remote) > 0 && c.started.Load() {
		err := c.processor.Submit(tasks.Task{
			Name: "req-status",
			Run: func(ctx context.Context) error {
				return c.requestStatus(ctx, remote)
			},
		})
		if err != nil {
			c.logger.Printf("could not schedule status request: %v", err)
		}
	}
	return joined, left
}

// status returns this node's status bits.
func (c *Cache) status() cluster.NodeStatus {
	s := cluster.StatusInitializing
	if c.running.Load() {
		s = cluster.StatusRunning
	}
	return s.Set(c.router.coordinatorStatus())
}

// LocalInfo returns this node's current runtime record.
func (c *Cache) LocalInfo() *cluster.NodeInfo {
	info := c.stats.LocalNode()
	if info == nil {
		info = cluster.NewNodeInfo(c.local, c.cfg.Identity)
	}
	st := c.store.Stats()
	info.Status = c.status()
	info.Statistics = cluster.CacheStatistics{Count: st.Keys, DataSize: st.Bytes, MaxCount: st.Capacity}
	info.DataAffinity = c.cfg.Affinity.Clone()
	return info
}

// refreshLocal copies LocalInfo into the cluster stats.
func (c *Cache) refreshLocal() {
	info := c.LocalInfo()
	c.stats.Update(c.local, func(n *cluster.NodeInfo) {
		n.Status = info.Status
		n.Statistics = info.Statistics
		n.DataAffinity = info.DataAffinity
	})
}

// RefreshStatus asks every other member for its runtime record and stores
// the answers in the cluster stats.
func (c *Cache) RefreshStatus(ctx context.Context) error {
	return c.requestStatus(ctx, without(c.membership.Members(), c.local))
}

func (c *Cache) requestStatus(ctx context.Context, addrs []cluster.Address) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, addr := range addrs {
		addr := addr
		g.Go(func() error {
			v, err := c.transport.SendMessage(ctx, addr, function.New(OpReqStatus, nil, false, ""), function.GetFirst, c.cfg.OperationTimeout)
			if err != nil {
				return fmt.Errorf("status of %s: %w", addr, err)
			}
			info, ok := v.(*cluster.NodeInfo)
			if !ok || info == nil {
				return fmt.Errorf("status of %s: %w: %T", addr, ErrUnexpectedResponse, v)
			}
			if c.membership.IsMember(addr) {
				c.stats.Add(info.Clone())
			}
			return nil
		})
	}
	return g.Wait()
}
