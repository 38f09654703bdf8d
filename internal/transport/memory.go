package transport

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/dreamware/replicache/internal/cluster"
	"github.com/dreamware/replicache/internal/function"
)

// Network is an in-process message bus. Members join with an address and
// exchange Functions without serialization. Suspect and Restore simulate a
// member becoming unreachable.
type Network struct {
	mu        sync.RWMutex
	nodes     map[cluster.Address]*MemoryTransport
	suspected map[cluster.Address]bool
}

// NewNetwork returns an empty bus.
func NewNetwork() *Network {
	return &Network{
		nodes:     make(map[cluster.Address]*MemoryTransport),
		suspected: make(map[cluster.Address]bool),
	}
}

// Join attaches a member at addr and returns its transport.
func (n *Network) Join(addr cluster.Address) *MemoryTransport {
	t := &MemoryTransport{
		addr:    addr,
		net:     n,
		pending: make(map[int64]*call),
		logger:  log.New(os.Stderr, fmt.Sprintf("[transport %s] ", addr), log.LstdFlags),
	}
	n.mu.Lock()
	n.nodes[addr] = t
	delete(n.suspected, addr)
	n.mu.Unlock()
	return t
}

// Leave detaches addr. Calls waiting on it fail as suspected.
func (n *Network) Leave(addr cluster.Address) {
	n.mu.Lock()
	delete(n.nodes, addr)
	n.mu.Unlock()
	n.failCallsTo(addr)
}

// Suspect makes addr unreachable: new sends to it and calls waiting on it
// fail with a SuspectedError.
func (n *Network) Suspect(addr cluster.Address) {
	n.mu.Lock()
	n.suspected[addr] = true
	n.mu.Unlock()
	n.failCallsTo(addr)
}

// Restore makes a suspected member reachable again.
func (n *Network) Restore(addr cluster.Address) {
	n.mu.Lock()
	delete(n.suspected, addr)
	n.mu.Unlock()
}

func (n *Network) lookup(addr cluster.Address) (*MemoryTransport, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.suspected[addr] {
		return nil, &cluster.SuspectedError{Member: addr}
	}
	t, ok := n.nodes[addr]
	if !ok {
		return nil, &cluster.SuspectedError{Member: addr}
	}
	return t, nil
}

func (n *Network) failCallsTo(addr cluster.Address) {
	n.mu.RLock()
	nodes := make([]*MemoryTransport, 0, len(n.nodes))
	for _, t := range n.nodes {
		nodes = append(nodes, t)
	}
	n.mu.RUnlock()

	for _, t := range nodes {
		t.failCallsTo(addr)
	}
}

type call struct {
	dest cluster.Address
	ch   chan reply
}

// MemoryTransport is one member's endpoint on a Network.
type MemoryTransport struct {
	addr    cluster.Address
	net     *Network
	nextID  atomic.Int64
	handler atomic.Value
	logger  *log.Logger

	mu      sync.Mutex
	pending map[int64]*call
}

// Bind sets the handler inbound requests are delivered to.
func (t *MemoryTransport) Bind(h Handler) {
	t.handler.Store(h)
}

// LocalAddress implements cluster.Transport.
func (t *MemoryTransport) LocalAddress() cluster.Address { return t.addr }

// SendMessage implements cluster.Transport.
func (t *MemoryTransport) SendMessage(ctx context.Context, dest cluster.Address, fn *function.Function, mode function.ResponseMode, timeout time.Duration) (any, error) {
	target, err := t.net.lookup(dest)
	if err != nil {
		return nil, err
	}

	out := fn.Clone()
	out.Source = string(t.addr)

	if mode == function.GetNone {
		out.RequestID = -1
		go target.deliver(out)
		return nil, nil
	}

	id := t.nextID.Inc()
	out.RequestID = id
	c := &call{dest: dest, ch: make(chan reply, 1)}
	t.mu.Lock()
	t.pending[id] = c
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
	}()

	go target.deliver(out)

	timer := time.NewTimer(waitTimeout(fn, timeout))
	defer timer.Stop()
	select {
	case r := <-c.ch:
		return r.value, r.err
	case <-timer.C:
		return nil, fmt.Errorf("request %d to %s: %w", id, dest, cluster.ErrTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Broadcast implements cluster.Transport.
func (t *MemoryTransport) Broadcast(ctx context.Context, dests []cluster.Address, fn *function.Function, mode function.ResponseMode, timeout time.Duration) (*cluster.ResponseList, error) {
	return broadcast(ctx, dests, fn, mode, timeout, t.SendMessage)
}

// Respond implements synchronizer.Responder: it routes the result back to
// the member that sent fn.
func (t *MemoryTransport) Respond(fn *function.Function, value any, err error) {
	if fn.RequestID < 0 {
		return
	}
	sender, lookupErr := t.net.lookup(cluster.Address(fn.Source))
	if lookupErr != nil {
		t.logger.Printf("dropping reply %d: %v", fn.RequestID, lookupErr)
		return
	}
	sender.complete(fn.RequestID, reply{value: value, err: err})
}

func (t *MemoryTransport) deliver(fn *function.Function) {
	h, _ := t.handler.Load().(Handler)
	if h == nil {
		t.Respond(fn, nil, ErrNoHandler)
		return
	}
	fn.InitializeCancellation()
	h.HandleRequest(context.Background(), fn)
}

func (t *MemoryTransport) complete(id int64, r reply) {
	t.mu.Lock()
	c, ok := t.pending[id]
	t.mu.Unlock()
	if !ok {
		return
	}
	select {
	case c.ch <- r:
	default:
	}
}

func (t *MemoryTransport) failCallsTo(dest cluster.Address) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range t.pending {
		if c.dest != dest {
			continue
		}
		select {
		case c.ch <- reply{err: &cluster.SuspectedError{Member: dest}}:
		default:
		}
	}
}
