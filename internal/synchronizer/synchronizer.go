// Package synchronizer serializes operations that share a synchronization
// key on the receiving node.
//
// A key is locked while one request holding it executes. Requests arriving
// for a locked key wait in a FIFO queue and are run, in arrival order, by
// whichever goroutine finishes the current holder. Requests without a key, or
// with different keys, run fully concurrently.
package synchronizer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/emirpasic/gods/queues/linkedlistqueue"

	"github.com/dreamware/replicache/internal/function"
)

// ErrDisposed is the response to requests that reach a disposed synchronizer
// or were still queued when it was disposed.
var ErrDisposed = errors.New("synchronizer: disposed")

// Executor runs one request locally.
type Executor interface {
	Execute(ctx context.Context, fn *function.Function) (any, error)
}

// Responder sends a result back to the member that issued fn.
type Responder interface {
	Respond(fn *function.Function, value any, err error)
}

type request struct {
	ctx context.Context
	fn  *function.Function
}

// Synchronizer is the per-node pending-request table.
type Synchronizer struct {
	exec      Executor
	responder Responder
	logger    *log.Logger

	mu       sync.Mutex
	locks    map[string]int64
	pending  map[string]*linkedlistqueue.Queue
	disposed bool
}

// New returns a synchronizer that runs requests on exec and answers through
// responder. responder may be nil when no request ever expects an answer.
func New(exec Executor, responder Responder) *Synchronizer {
	return &Synchronizer{
		exec:      exec,
		responder: responder,
		logger:    log.New(os.Stderr, "[synchronizer] ", log.LstdFlags),
		locks:     make(map[string]int64),
		pending:   make(map[string]*linkedlistqueue.Queue),
	}
}

// HandleRequest executes fn now, or queues it behind the current holder of
// its key. It returns once fn and every request queued behind it during its
// execution have been answered, or immediately when fn was queued.
func (s *Synchronizer) HandleRequest(ctx context.Context, fn *function.Function) {
	if !fn.HasSyncKey() {
		s.mu.Lock()
		disposed := s.disposed
		s.mu.Unlock()
		if disposed {
			s.respond(fn, nil, ErrDisposed)
			return
		}
		s.run(ctx, fn)
		return
	}

	key := fn.SyncKey
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		s.respond(fn, nil, ErrDisposed)
		return
	}
	if _, locked := s.locks[key]; locked {
		q, ok := s.pending[key]
		if !ok {
			q = linkedlistqueue.New()
			s.pending[key] = q
		}
		q.Enqueue(request{ctx: ctx, fn: fn})
		s.mu.Unlock()
		return
	}
	s.locks[key] = fn.RequestID
	s.mu.Unlock()

	next := request{ctx: ctx, fn: fn}
	for {
		s.run(next.ctx, next.fn)

		s.mu.Lock()
		if s.disposed {
			s.mu.Unlock()
			return
		}
		q, ok := s.pending[key]
		if !ok || q.Empty() {
			delete(s.pending, key)
			delete(s.locks, key)
			s.mu.Unlock()
			return
		}
		v, _ := q.Dequeue()
		next = v.(request)
		s.locks[key] = next.fn.RequestID
		s.mu.Unlock()
	}
}

func (s *Synchronizer) run(ctx context.Context, fn *function.Function) {
	value, err := s.execute(ctx, fn)
	s.respond(fn, value, err)
}

func (s *Synchronizer) execute(ctx context.Context, fn *function.Function) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Printf("panic executing opcode %d: %v", fn.Opcode, r)
			value, err = nil, fmt.Errorf("synchronizer: opcode %d panicked: %v", fn.Opcode, r)
		}
	}()
	return s.exec.Execute(ctx, fn)
}

func (s *Synchronizer) respond(fn *function.Function, value any, err error) {
	if fn.RequestID < 0 || s.responder == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Printf("panic responding to request %d: %v", fn.RequestID, r)
		}
	}()
	s.responder.Respond(fn, value, err)
}

// IsLocked reports whether a request holding key is executing.
func (s *Synchronizer) IsLocked(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.locks[key]
	return ok
}

// Holder returns the request id of the current holder of key.
func (s *Synchronizer) Holder(key string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.locks[key]
	return id, ok
}

// Pending returns the number of requests queued behind the holder of key.
func (s *Synchronizer) Pending(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q, ok := s.pending[key]; ok {
		return q.Size()
	}
	return 0
}

// Dispose clears both tables without running what was queued. Queued
// requests are answered with ErrDisposed; an executing request finishes and
// is answered normally, but nothing runs after it.
func (s *Synchronizer) Dispose() {
	s.mu.Lock()
	var dropped []*function.Function
	for _, q := range s.pending {
		for !q.Empty() {
			v, _ := q.Dequeue()
			dropped = append(dropped, v.(request).fn)
		}
	}
	s.pending = make(map[string]*linkedlistqueue.Queue)
	s.locks = make(map[string]int64)
	s.disposed = true
	s.mu.Unlock()

	for _, fn := range dropped {
		s.respond(fn, nil, ErrDisposed)
	}
	if len(dropped) > 0 {
		s.logger.Printf("disposed with %d queued requests", len(dropped))
	}
}
