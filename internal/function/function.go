// Package function defines the request envelope used for every call between
// cache nodes, together with its cancellation and timing bookkeeping.
package function

import (
	"sync"
	"time"

	"go.uber.org/atomic"
)

// DefaultClientTimeout is the client-visible timeout applied to every Function
// unless an operation context asks for more.
const DefaultClientTimeout = 90 * time.Second

// ResponseMode tells the transport how many responses to wait for.
type ResponseMode int

const (
	// GetFirst returns as soon as one member answers.
	GetFirst ResponseMode = iota + 1
	// GetAll waits for every destination (or its suspicion).
	GetAll
	// GetNone is fire-and-forget; no response is collected.
	GetNone
)

// String returns the mode name used in logs.
func (m ResponseMode) String() string {
	switch m {
	case GetFirst:
		return "get-first"
	case GetAll:
		return "get-all"
	case GetNone:
		return "get-none"
	default:
		return "unknown"
	}
}

// Function is a self-describing remote operation request.
//
// The exported fields travel on the wire. Cancellation and timing state are
// local to the process holding the value and are never encoded.
type Function struct {
	Opcode           int           `cbor:"1,keyasint"`
	Operand          any           `cbor:"-"`
	ExcludeSelf      bool          `cbor:"2,keyasint"`
	SyncKey          string        `cbor:"3,keyasint,omitempty"`
	ResponseExpected bool          `cbor:"4,keyasint"`
	Cancellable      bool          `cbor:"5,keyasint"`
	ClientTimeout    time.Duration `cbor:"6,keyasint"`
	UserPayload      [][]byte      `cbor:"7,keyasint,omitempty"`
	RequestID        int64         `cbor:"8,keyasint"`
	Source           string        `cbor:"9,keyasint,omitempty"`

	cancelled *atomic.Bool
	armed     atomic.Bool

	mu      sync.Mutex
	started time.Time
	stopped time.Time
}

// New builds a Function for opcode carrying operand. An empty syncKey means
// the request is not serialized against any other request.
func New(opcode int, operand any, excludeSelf bool, syncKey string) *Function {
	return &Function{
		Opcode:           opcode,
		Operand:          operand,
		ExcludeSelf:      excludeSelf,
		SyncKey:          syncKey,
		ResponseExpected: true,
		Cancellable:      true,
		ClientTimeout:    DefaultClientTimeout,
		RequestID:        -1,
		cancelled:        atomic.NewBool(false),
	}
}

// HasSyncKey reports whether the request must be serialized by key.
func (f *Function) HasSyncKey() bool {
	return f.SyncKey != ""
}

// InitializeCancellation arms the cancellation signal and binds it into any
// operation context carried by the operand. The client timeout is raised to
// the context's operation timeout when that is larger.
func (f *Function) InitializeCancellation() {
	if f.cancelled == nil {
		f.cancelled = atomic.NewBool(false)
	}
	if f.ClientTimeout <= 0 {
		f.ClientTimeout = DefaultClientTimeout
	}

	for _, ctx := range contextsOf(f.Operand) {
		ctx.bind(f.cancelled)
		if ctx.OperationTimeout > f.ClientTimeout {
			f.ClientTimeout = ctx.OperationTimeout
		}
	}
	f.armed.Store(true)
}

// Cancel flips the cancellation signal. It returns false when the signal was
// never armed or has already been raised.
func (f *Function) Cancel() bool {
	if !f.armed.Load() || f.cancelled == nil {
		return false
	}
	return f.cancelled.CompareAndSwap(false, true)
}

// IsCancelled reports whether Cancel has taken effect.
func (f *Function) IsCancelled() bool {
	return f.cancelled != nil && f.cancelled.Load()
}

// StartExecution marks the beginning of local handling.
func (f *Function) StartExecution() {
	f.mu.Lock()
	f.started = time.Now()
	f.stopped = time.Time{}
	f.mu.Unlock()
}

// StopExecution marks the end of local handling.
func (f *Function) StopExecution() {
	f.mu.Lock()
	if !f.started.IsZero() {
		f.stopped = time.Now()
	}
	f.mu.Unlock()
}

// Elapsed returns the time spent in local handling so far. It is zero until
// StartExecution is called.
func (f *Function) Elapsed() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.started.IsZero() {
		return 0
	}
	if !f.stopped.IsZero() {
		return f.stopped.Sub(f.started)
	}
	return time.Since(f.started)
}

// HasTimedout reports whether the elapsed execution time exceeds the client
// timeout. It never cancels anything; handlers check it and act.
func (f *Function) HasTimedout() bool {
	return f.Elapsed() > f.ClientTimeout
}

// Clone returns a copy of the envelope with fresh local state. The operand
// and payload are shared.
func (f *Function) Clone() *Function {
	c := &Function{
		Opcode:           f.Opcode,
		Operand:          f.Operand,
		ExcludeSelf:      f.ExcludeSelf,
		SyncKey:          f.SyncKey,
		ResponseExpected: f.ResponseExpected,
		Cancellable:      f.Cancellable,
		ClientTimeout:    f.ClientTimeout,
		UserPayload:      f.UserPayload,
		RequestID:        f.RequestID,
		Source:           f.Source,
		cancelled:        atomic.NewBool(false),
	}
	return c
}

// Aggregate bundles several functions sent together as a single message.
type Aggregate struct {
	Functions []*Function
}

// NewAggregate returns an aggregate over fns, in order.
func NewAggregate(fns ...*Function) *Aggregate {
	return &Aggregate{Functions: fns}
}

// Len returns the number of bundled functions.
func (a *Aggregate) Len() int {
	return len(a.Functions)
}
