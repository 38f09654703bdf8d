package tasks

import (
	"context"
	"log"
	"os"
	"sync"
	"time"
)

// Periodic runs a function on a fixed interval, starting immediately.
type Periodic struct {
	name     string
	interval time.Duration
	fn       func(ctx context.Context)
	logger   *log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPeriodic returns a stopped loop calling fn every interval.
func NewPeriodic(name string, interval time.Duration, fn func(ctx context.Context)) *Periodic {
	ctx, cancel := context.WithCancel(context.Background())
	return &Periodic{
		name:     name,
		interval: interval,
		fn:       fn,
		logger:   log.New(os.Stderr, "[tasks] ", log.LstdFlags),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start runs the loop until ctx or Stop ends it. It blocks; run it in its
// own goroutine.
func (p *Periodic) Start(ctx context.Context) {
	p.wg.Add(1)
	defer p.wg.Done()

	if ctx == nil {
		ctx = p.ctx
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.Printf("%s started with interval %v", p.name, p.interval)
	p.tick(ctx)

	for {
		select {
		case <-ticker.C:
			p.tick(ctx)
		case <-ctx.Done():
			p.logger.Printf("%s stopping due to context cancellation", p.name)
			return
		case <-p.ctx.Done():
			p.logger.Printf("%s stopping", p.name)
			return
		}
	}
}

// Stop ends the loop and waits for the current run to finish.
func (p *Periodic) Stop() {
	p.cancel()
	p.wg.Wait()
}

func (p *Periodic) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Printf("%s panicked: %v", p.name, r)
		}
	}()
	p.fn(ctx)
}
