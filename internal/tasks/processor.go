// Package tasks runs background work for a cache node: notifications,
// presence announcements and other jobs that must never block or fail the
// request that triggered them.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"

	"go.uber.org/atomic"
)

// ErrQueueFull is returned by Submit when the backlog is at capacity.
var ErrQueueFull = errors.New("tasks: queue full")

// ErrStopped is returned by Submit after Stop.
var ErrStopped = errors.New("tasks: processor stopped")

// Task is one unit of background work. Its error is logged and discarded.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// Processor executes tasks on a fixed pool of workers.
type Processor struct {
	queue   chan Task
	workers int
	logger  *log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	started bool
	stopped bool

	completed atomic.Uint64
	failed    atomic.Uint64
}

// NewProcessor returns a processor with the given worker count and backlog.
func NewProcessor(workers, backlog int) *Processor {
	if workers <= 0 {
		workers = 1
	}
	if backlog < 0 {
		backlog = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Processor{
		queue:   make(chan Task, backlog),
		workers: workers,
		logger:  log.New(os.Stderr, "[tasks] ", log.LstdFlags),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start launches the workers. Calling it twice is a no-op.
func (p *Processor) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.stopped {
		return
	}
	p.started = true
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.work()
	}
}

// Submit queues t without blocking.
func (p *Processor) Submit(t Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrStopped
	}
	select {
	case p.queue <- t:
		return nil
	default:
		p.logger.Printf("dropping task %s: %v", t.Name, ErrQueueFull)
		return ErrQueueFull
	}
}

// Stop refuses new tasks, lets the workers finish the backlog and waits
// for them. Tasks still running see their context cancelled.
func (p *Processor) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	started := p.started
	close(p.queue)
	p.mu.Unlock()

	if started {
		p.wg.Wait()
	}
	p.cancel()
}

// Completed returns how many tasks finished without error.
func (p *Processor) Completed() uint64 { return p.completed.Load() }

// Failed returns how many tasks returned an error or panicked.
func (p *Processor) Failed() uint64 { return p.failed.Load() }

func (p *Processor) work() {
	defer p.wg.Done()
	for t := range p.queue {
		if err := p.run(t); err != nil {
			p.failed.Inc()
			p.logger.Printf("task %s failed: %v", t.Name, err)
			continue
		}
		p.completed.Inc()
	}
}

func (p *Processor) run(t Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return t.Run(p.ctx)
}
