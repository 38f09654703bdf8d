package membership

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/replicache/internal/cluster"
)

// ViewPath is where cache nodes accept view pushes.
const ViewPath = "/cluster/view"

// ErrInvalidMember is returned for registrations without an address.
var ErrInvalidMember = errors.New("membership: member needs an address")

// Publisher delivers a view to one member.
type Publisher func(ctx context.Context, addr cluster.Address, v cluster.View) error

// PostView is the default Publisher: it posts v as JSON to the member's
// ViewPath.
func PostView(ctx context.Context, addr cluster.Address, v cluster.View) error {
	return cluster.PostJSON(ctx, string(addr)+ViewPath, v, nil)
}

// Registry is the authoritative member list. Members keep their join order,
// so the oldest server is the first in every view. Each change bumps the
// view version and pushes the new view to every member.
type Registry struct {
	mu      sync.RWMutex
	members []cluster.Member
	version uint64

	publish     Publisher
	pushTimeout time.Duration
	logger      *log.Logger
}

// NewRegistry returns an empty registry that pushes views with publish. A
// nil publish uses PostView.
func NewRegistry(publish Publisher, pushTimeout time.Duration) *Registry {
	if publish == nil {
		publish = PostView
	}
	if pushTimeout <= 0 {
		pushTimeout = 4 * time.Second
	}
	return &Registry{
		publish:     publish,
		pushTimeout: pushTimeout,
		logger:      log.New(os.Stderr, "[membership] ", log.LstdFlags),
	}
}

// Register adds m, or updates its identity when it is already known. A new
// member bumps the view; an identity change does too. Re-registering with
// the same identity only re-pushes the view to that member.
func (r *Registry) Register(ctx context.Context, m cluster.Member) (cluster.View, error) {
	if m.Address == "" {
		return cluster.View{}, ErrInvalidMember
	}

	r.mu.Lock()
	idx := slices.IndexFunc(r.members, func(x cluster.Member) bool { return x.Address == m.Address })
	changed := true
	switch {
	case idx < 0:
		r.members = append(r.members, m)
		r.logger.Printf("registered %s", m.Address)
	case r.members[idx].Identity == m.Identity:
		changed = false
	default:
		r.members[idx] = m
		r.logger.Printf("updated identity of %s", m.Address)
	}
	if changed {
		r.version++
	}
	v := r.viewLocked()
	r.mu.Unlock()

	if !changed {
		return v, r.publish(ctx, m.Address, v)
	}
	return v, r.Push(ctx, v)
}

// Remove drops addr and pushes the new view. It reports whether addr was a
// member.
func (r *Registry) Remove(ctx context.Context, addr cluster.Address) (bool, error) {
	r.mu.Lock()
	idx := slices.IndexFunc(r.members, func(x cluster.Member) bool { return x.Address == addr })
	if idx < 0 {
		r.mu.Unlock()
		return false, nil
	}
	r.members = slices.Delete(r.members, idx, idx+1)
	r.version++
	v := r.viewLocked()
	r.mu.Unlock()

	r.logger.Printf("removed %s, view %d", addr, v.Version)
	return true, r.Push(ctx, v)
}

// View returns the current view.
func (r *Registry) View() cluster.View {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.viewLocked()
}

func (r *Registry) viewLocked() cluster.View {
	return cluster.View{Version: r.version, Members: slices.Clone(r.members)}
}

// Addresses lists the member addresses in join order.
func (r *Registry) Addresses() []cluster.Address {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]cluster.Address, len(r.members))
	for i, m := range r.members {
		out[i] = m.Address
	}
	return out
}

// Push sends v to every member in it concurrently. Failures are joined; a
// member that cannot be reached will be removed by the health monitor.
func (r *Registry) Push(ctx context.Context, v cluster.View) error {
	ctx, cancel := context.WithTimeout(ctx, r.pushTimeout)
	defer cancel()

	var (
		mu   sync.Mutex
		errs []error
		g    errgroup.Group
	)
	for _, m := range v.Members {
		m := m
		g.Go(func() error {
			if err := r.publish(ctx, m.Address, v); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("push view %d to %s: %w", v.Version, m.Address, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	if len(errs) > 0 {
		err := errors.Join(errs...)
		r.logger.Printf("%v", err)
		return err
	}
	return nil
}
