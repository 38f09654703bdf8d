package function

import (
	"sync"
	"time"

	"go.uber.org/atomic"
)

// OperationContext carries per-operation options from the client through the
// cluster to the local store.
type OperationContext struct {
	// OperationTimeout raises the owning Function's client timeout when it
	// is larger than DefaultClientTimeout.
	OperationTimeout time.Duration `cbor:"1,keyasint,omitempty"`

	// IsUserOperation is false for internal traffic such as state transfer
	// and rollbacks.
	IsUserOperation bool `cbor:"2,keyasint"`

	mu        sync.RWMutex
	values    map[string]any
	cancelled *atomic.Bool
}

// NewOperationContext returns a user operation context.
func NewOperationContext() *OperationContext {
	return &OperationContext{IsUserOperation: true}
}

// InternalContext returns a context for cluster-internal operations.
func InternalContext() *OperationContext {
	return &OperationContext{}
}

// Set stores an arbitrary named value.
func (c *OperationContext) Set(name string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.values == nil {
		c.values = make(map[string]any)
	}
	c.values[name] = value
}

// Value returns a value stored with Set.
func (c *OperationContext) Value(name string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[name]
	return v, ok
}

// IsCancelled reports whether the Function this context is bound to has been
// cancelled. An unbound context is never cancelled.
func (c *OperationContext) IsCancelled() bool {
	if c == nil {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cancelled != nil && c.cancelled.Load()
}

func (c *OperationContext) bind(signal *atomic.Bool) {
	c.mu.Lock()
	c.cancelled = signal
	c.mu.Unlock()
}

// ContextCarrier is implemented by operands that embed an operation context.
type ContextCarrier interface {
	OperationContext() *OperationContext
}

// contextsOf finds the operation contexts reachable from an operand.
func contextsOf(operand any) []*OperationContext {
	switch v := operand.(type) {
	case nil:
		return nil
	case *OperationContext:
		if v == nil {
			return nil
		}
		return []*OperationContext{v}
	case ContextCarrier:
		if ctx := v.OperationContext(); ctx != nil {
			return []*OperationContext{ctx}
		}
		return nil
	case []any:
		var out []*OperationContext
		for _, item := range v {
			out = append(out, contextsOf(item)...)
		}
		return out
	default:
		return nil
	}
}
