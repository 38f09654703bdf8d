package cluster

import (
	"context"
	"time"

	"github.com/dreamware/replicache/internal/function"
)

// Transport moves Functions between members. Implementations assign request
// ids, deliver the Function to the destination's synchronizer and wait for
// its answer according to the response mode.
type Transport interface {
	// LocalAddress returns the address other members use to reach us.
	LocalAddress() Address

	// SendMessage delivers fn to dest. With GetNone it returns as soon as
	// the message is handed off and the value is nil.
	SendMessage(ctx context.Context, dest Address, fn *function.Function, mode function.ResponseMode, timeout time.Duration) (any, error)

	// Broadcast delivers fn to every destination concurrently. Per-member
	// failures are reported in the list, not as the returned error.
	Broadcast(ctx context.Context, dests []Address, fn *function.Function, mode function.ResponseMode, timeout time.Duration) (*ResponseList, error)
}

// Response is one member's answer to a broadcast.
type Response struct {
	Sender    Address
	Value     any
	Err       error
	Suspected bool
	Received  bool
}

// ResponseList collects the answers to one broadcast in destination order.
type ResponseList struct {
	Responses []*Response
}

// Len returns the number of members that were addressed.
func (l *ResponseList) Len() int {
	if l == nil {
		return 0
	}
	return len(l.Responses)
}

// Results returns the responses that arrived from members that were not
// suspected.
func (l *ResponseList) Results() []*Response {
	if l == nil {
		return nil
	}
	out := make([]*Response, 0, len(l.Responses))
	for _, r := range l.Responses {
		if r.Received && !r.Suspected {
			out = append(out, r)
		}
	}
	return out
}

// SuspectedMembers lists the destinations that were suspected.
func (l *ResponseList) SuspectedMembers() []Address {
	if l == nil {
		return nil
	}
	var out []Address
	for _, r := range l.Responses {
		if r.Suspected {
			out = append(out, r.Sender)
		}
	}
	return out
}

// AllSuspected reports whether the list is non-empty and every member in it
// was suspected.
func (l *ResponseList) AllSuspected() bool {
	n := l.Len()
	return n > 0 && len(l.SuspectedMembers()) == n
}

// First returns the first received, unsuspected response without an error.
func (l *ResponseList) First() *Response {
	for _, r := range l.Results() {
		if r.Err == nil {
			return r
		}
	}
	return nil
}
