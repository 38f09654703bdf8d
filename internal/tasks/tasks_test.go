package tasks

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestProcessorRunsTasks verifies that submitted tasks run and that failures
// and panics are counted without stopping the workers.
func TestProcessorRunsTasks(t *testing.T) {
	p := NewProcessor(2, 16)
	p.Start()

	var mu sync.Mutex
	var ran []string
	record := func(name string) func(context.Context) error {
		return func(context.Context) error {
			mu.Lock()
			ran = append(ran, name)
			mu.Unlock()
			return nil
		}
	}

	require.NoError(t, p.Submit(Task{Name: "a", Run: record("a")}))
	require.NoError(t, p.Submit(Task{Name: "fail", Run: func(context.Context) error { return errors.New("boom") }}))
	require.NoError(t, p.Submit(Task{Name: "panic", Run: func(context.Context) error { panic("kaboom") }}))
	require.NoError(t, p.Submit(Task{Name: "b", Run: record("b")}))

	p.Stop()

	assert.ElementsMatch(t, []string{"a", "b"}, ran)
	assert.Equal(t, uint64(2), p.Completed())
	assert.Equal(t, uint64(2), p.Failed())
}

// TestProcessorBackpressure verifies that Submit never blocks the caller.
func TestProcessorBackpressure(t *testing.T) {
	p := NewProcessor(1, 1)
	release := make(chan struct{})
	started := make(chan struct{})
	p.Start()

	require.NoError(t, p.Submit(Task{Name: "blocker", Run: func(context.Context) error {
		close(started)
		<-release
		return nil
	}}))
	<-started
	require.NoError(t, p.Submit(Task{Name: "queued", Run: func(context.Context) error { return nil }}))
	assert.ErrorIs(t, p.Submit(Task{Name: "overflow", Run: func(context.Context) error { return nil }}), ErrQueueFull)

	close(release)
	p.Stop()
	assert.Equal(t, uint64(2), p.Completed())
}

// TestProcessorStop verifies that a stopped processor refuses work and that
// Stop is idempotent.
func TestProcessorStop(t *testing.T) {
	p := NewProcessor(1, 4)
	p.Start()
	p.Stop()
	p.Stop()

	assert.ErrorIs(t, p.Submit(Task{Name: "late", Run: func(context.Context) error { return nil }}), ErrStopped)
}

// TestPeriodic verifies the loop runs immediately, keeps ticking and stops.
func TestPeriodic(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	loop := NewPeriodic("counter", 50*time.Millisecond, func(context.Context) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	go loop.Start(context.Background())

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls >= 3
	}, 2*time.Second, 10*time.Millisecond)

	loop.Stop()
	mu.Lock()
	after := calls
	mu.Unlock()

	time.Sleep(120 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, after, calls, "loop kept running after Stop")
}

// TestPeriodicSurvivesPanics verifies that a panicking run does not end
// the loop.
func TestPeriodicSurvivesPanics(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	loop := NewPeriodic("flaky", 20*time.Millisecond, func(context.Context) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			panic("first run fails")
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Start(ctx)
	defer loop.Stop()

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls >= 2
	}, 2*time.Second, 10*time.Millisecond)
}
