// Package transport carries Functions between cluster members.
//
// Two implementations share one request/response model. The sender assigns
// a request id, delivers the Function to the destination's Handler (the
// operation synchronizer) and waits for the matching reply. The destination
// answers through Respond, which the synchronizer calls once the request has
// run. Network is an in-process bus used by tests and embedded clusters;
// HTTPTransport speaks CBOR over HTTP between processes.
package transport

import (
	"context"
	"errors"
	"time"

	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/replicache/internal/cluster"
	"github.com/dreamware/replicache/internal/function"
)

// ErrNoHandler is returned when a request reaches a member that has not
// been bound to a synchronizer yet.
var ErrNoHandler = errors.New("transport: no handler bound")

// Handler receives inbound requests. *synchronizer.Synchronizer satisfies it.
type Handler interface {
	HandleRequest(ctx context.Context, fn *function.Function)
}

type reply struct {
	value any
	err   error
}

type sendFunc func(ctx context.Context, dest cluster.Address, fn *function.Function, mode function.ResponseMode, timeout time.Duration) (any, error)

// broadcast fans send out to dests and collects one Response per member in
// destination order. With GetFirst the remaining calls are abandoned once one
// member answers without error.
func broadcast(ctx context.Context, dests []cluster.Address, fn *function.Function, mode function.ResponseMode, timeout time.Duration, send sendFunc) (*cluster.ResponseList, error) {
	list := &cluster.ResponseList{Responses: make([]*cluster.Response, len(dests))}
	if len(dests) == 0 {
		return list, nil
	}

	fanCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var answered atomic.Bool

	g, gctx := errgroup.WithContext(fanCtx)
	for i, dest := range dests {
		i, dest := i, dest
		g.Go(func() error {
			resp := &cluster.Response{Sender: dest}
			list.Responses[i] = resp

			value, err := send(gctx, dest, fn, mode, timeout)
			switch {
			case errors.Is(err, cluster.ErrSuspected):
				resp.Suspected = true
				resp.Err = err
			case errors.Is(err, context.Canceled) && answered.Load():
				// abandoned after another member answered first
			case err != nil && isTransportError(err):
				resp.Err = err
			default:
				resp.Value, resp.Err = value, err
				resp.Received = mode != function.GetNone
				if err == nil && mode == function.GetFirst && answered.CompareAndSwap(false, true) {
					cancel()
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return list, err
	}
	if err := ctx.Err(); err != nil {
		return list, err
	}
	return list, nil
}

func isTransportError(err error) bool {
	return errors.Is(err, cluster.ErrTimeout) || errors.Is(err, cluster.ErrNotMember) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func waitTimeout(fn *function.Function, timeout time.Duration) time.Duration {
	if timeout > 0 {
		return timeout
	}
	if fn.ClientTimeout > 0 {
		return fn.ClientTimeout
	}
	return function.DefaultClientTimeout
}
