package synchronizer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/replicache/internal/function"
)

// gatedExecutor blocks operands listed in gates until the channel is closed
// and records the order in which operands finished.
type gatedExecutor struct {
	mu      sync.Mutex
	order   []any
	gates   map[any]chan struct{}
	started chan any
}

func newGatedExecutor() *gatedExecutor {
	return &gatedExecutor{gates: make(map[any]chan struct{}), started: make(chan any, 64)}
}

func (g *gatedExecutor) gate(operand any) chan struct{} {
	ch := make(chan struct{})
	g.gates[operand] = ch
	return ch
}

func (g *gatedExecutor) Execute(ctx context.Context, fn *function.Function) (any, error) {
	g.started <- fn.Operand
	if ch, ok := g.gates[fn.Operand]; ok {
		<-ch
	}
	switch fn.Operand {
	case "panic":
		panic("handler exploded")
	case "fail":
		return nil, errors.New("failed")
	}
	g.mu.Lock()
	g.order = append(g.order, fn.Operand)
	g.mu.Unlock()
	return fn.Operand, nil
}

func (g *gatedExecutor) finished() []any {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]any(nil), g.order...)
}

type reply struct {
	id    int64
	value any
	err   error
}

type recordingResponder struct {
	mu      sync.Mutex
	replies []reply
}

func (r *recordingResponder) Respond(fn *function.Function, value any, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replies = append(r.replies, reply{id: fn.RequestID, value: value, err: err})
}

func (r *recordingResponder) all() []reply {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]reply(nil), r.replies...)
}

func newRequest(operand any, key string, id int64) *function.Function {
	fn := function.New(1, operand, false, key)
	fn.RequestID = id
	return fn
}

func TestHandleRequestWithoutKey(t *testing.T) {
	exec := newGatedExecutor()
	resp := &recordingResponder{}
	s := New(exec, resp)

	s.HandleRequest(context.Background(), newRequest("a", "", 1))
	s.HandleRequest(context.Background(), newRequest("b", "", -1))

	assert.Equal(t, []any{"a", "b"}, exec.finished())
	replies := resp.all()
	require.Len(t, replies, 1, "only requests with an id are answered")
	assert.Equal(t, int64(1), replies[0].id)
	assert.Equal(t, "a", replies[0].value)
}

func TestSameKeyRunsInArrivalOrder(t *testing.T) {
	exec := newGatedExecutor()
	resp := &recordingResponder{}
	s := New(exec, resp)
	release := exec.gate("first")

	done := make(chan struct{})
	go func() {
		s.HandleRequest(context.Background(), newRequest("first", "k", 1))
		close(done)
	}()
	<-exec.started
	require.True(t, s.IsLocked("k"))

	for i, op := range []string{"second", "third", "fourth"} {
		s.HandleRequest(context.Background(), newRequest(op, "k", int64(i+2)))
	}
	assert.Equal(t, 3, s.Pending("k"))
	holder, ok := s.Holder("k")
	assert.True(t, ok)
	assert.Equal(t, int64(1), holder)

	close(release)
	<-done

	assert.Equal(t, []any{"first", "second", "third", "fourth"}, exec.finished())
	assert.False(t, s.IsLocked("k"))
	assert.Equal(t, 0, s.Pending("k"))

	var ids []int64
	for _, r := range resp.all() {
		ids = append(ids, r.id)
	}
	assert.Equal(t, []int64{1, 2, 3, 4}, ids)
}

func TestDifferentKeysDoNotWait(t *testing.T) {
	exec := newGatedExecutor()
	s := New(exec, nil)
	release := exec.gate("slow")
	defer close(release)

	go s.HandleRequest(context.Background(), newRequest("slow", "k1", -1))
	<-exec.started

	finished := make(chan struct{})
	go func() {
		s.HandleRequest(context.Background(), newRequest("fast", "k2", -1))
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("request on k2 waited for k1")
	}
	assert.True(t, s.IsLocked("k1"))
	assert.False(t, s.IsLocked("k2"))
}

func TestFailuresAreCapturedAsResults(t *testing.T) {
	exec := newGatedExecutor()
	resp := &recordingResponder{}
	s := New(exec, resp)

	assert.NotPanics(t, func() {
		s.HandleRequest(context.Background(), newRequest("panic", "k", 1))
	})
	s.HandleRequest(context.Background(), newRequest("fail", "k", 2))
	s.HandleRequest(context.Background(), newRequest("ok", "k", 3))

	replies := resp.all()
	require.Len(t, replies, 3)
	assert.ErrorContains(t, replies[0].err, "panicked")
	assert.EqualError(t, replies[1].err, "failed")
	assert.NoError(t, replies[2].err)
	assert.False(t, s.IsLocked("k"), "a panicking holder must still release the key")
}

func TestDispose(t *testing.T) {
	exec := newGatedExecutor()
	resp := &recordingResponder{}
	s := New(exec, resp)
	release := exec.gate("holder")

	done := make(chan struct{})
	go func() {
		s.HandleRequest(context.Background(), newRequest("holder", "k", 1))
		close(done)
	}()
	<-exec.started
	s.HandleRequest(context.Background(), newRequest("queued", "k", 2))
	require.Equal(t, 1, s.Pending("k"))

	s.Dispose()
	assert.False(t, s.IsLocked("k"))
	assert.Equal(t, 0, s.Pending("k"))

	close(release)
	<-done
	assert.Equal(t, []any{"holder"}, exec.finished(), "queued requests never run")

	s.HandleRequest(context.Background(), newRequest("late", "", 3))
	s.HandleRequest(context.Background(), newRequest("late-keyed", "k", 4))

	byID := map[int64]reply{}
	for _, r := range resp.all() {
		byID[r.id] = r
	}
	assert.NoError(t, byID[1].err)
	assert.ErrorIs(t, byID[2].err, ErrDisposed)
	assert.ErrorIs(t, byID[3].err, ErrDisposed)
	assert.ErrorIs(t, byID[4].err, ErrDisposed)
	assert.Equal(t, []any{"holder"}, exec.finished())
}

func TestConcurrentSameKeyNeverOverlaps(t *testing.T) {
	var (
		mu       sync.Mutex
		inFlight int
		maxSeen  int
	)
	exec := executorFunc(func(ctx context.Context, fn *function.Function) (any, error) {
		mu.Lock()
		inFlight++
		if inFlight > maxSeen {
			maxSeen = inFlight
		}
		mu.Unlock()
		time.Sleep(time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
		return nil, nil
	})
	resp := &recordingResponder{}
	s := New(exec, resp)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.HandleRequest(context.Background(), newRequest(i, "shared", int64(i)))
		}(i)
	}
	wg.Wait()

	assert.Eventually(t, func() bool { return len(resp.all()) == 50 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, maxSeen)
	assert.False(t, s.IsLocked("shared"))
}

type executorFunc func(ctx context.Context, fn *function.Function) (any, error)

func (f executorFunc) Execute(ctx context.Context, fn *function.Function) (any, error) {
	return f(ctx, fn)
}
