package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/dreamware/replicache/internal/cluster"
	"github.com/dreamware/replicache/internal/codec"
	"github.com/dreamware/replicache/internal/function"
)

// FunctionPath is where HTTPTransport receives requests.
const FunctionPath = "/cluster/function"

const contentType = "application/cbor"

type inboundKey struct {
	source string
	id     int64
}

// HTTPTransport sends Functions as CBOR over HTTP. The local address is the
// member's base URL, e.g. http://10.0.0.4:8081.
type HTTPTransport struct {
	local   cluster.Address
	codec   *codec.Codec
	client  *http.Client
	nextID  atomic.Int64
	handler atomic.Value
	logger  *log.Logger

	mu      sync.Mutex
	inbound map[inboundKey]chan reply
}

// NewHTTPTransport returns a transport for the member at local.
func NewHTTPTransport(local cluster.Address, c *codec.Codec) *HTTPTransport {
	return &HTTPTransport{
		local:   cluster.Address(strings.TrimRight(string(local), "/")),
		codec:   c,
		client:  &http.Client{},
		logger:  log.New(os.Stderr, "[transport] ", log.LstdFlags),
		inbound: make(map[inboundKey]chan reply),
	}
}

// Bind sets the handler inbound requests are delivered to.
func (t *HTTPTransport) Bind(h Handler) {
	t.handler.Store(h)
}

// LocalAddress implements cluster.Transport.
func (t *HTTPTransport) LocalAddress() cluster.Address { return t.local }

// SendMessage implements cluster.Transport. Connection failures are reported
// as a SuspectedError for dest.
func (t *HTTPTransport) SendMessage(ctx context.Context, dest cluster.Address, fn *function.Function, mode function.ResponseMode, timeout time.Duration) (any, error) {
	out := fn.Clone()
	out.Source = string(t.local)
	out.RequestID = -1
	if mode != function.GetNone {
		out.RequestID = t.nextID.Inc()
	}

	body, err := t.codec.EncodeRequest(out, mode)
	if err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, waitTimeout(fn, timeout))
	defer cancel()

	url := strings.TrimRight(string(dest), "/") + FunctionPath
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := t.client.Do(req)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case errors.Is(err, context.DeadlineExceeded):
			return nil, fmt.Errorf("request %d to %s: %w", out.RequestID, dest, cluster.ErrTimeout)
		}
		var opErr *net.OpError
		if errors.As(err, &opErr) {
			return nil, &cluster.SuspectedError{Member: dest}
		}
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusAccepted {
		return nil, nil
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("http %s: %d: %s", url, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	r, err := t.codec.DecodeReply(data)
	if err != nil {
		return nil, err
	}
	return r.Value, r.Err
}

// Broadcast implements cluster.Transport.
func (t *HTTPTransport) Broadcast(ctx context.Context, dests []cluster.Address, fn *function.Function, mode function.ResponseMode, timeout time.Duration) (*cluster.ResponseList, error) {
	return broadcast(ctx, dests, fn, mode, timeout, t.SendMessage)
}

// Respond implements synchronizer.Responder by completing the HTTP exchange
// that is waiting for fn.
func (t *HTTPTransport) Respond(fn *function.Function, value any, err error) {
	if fn.RequestID < 0 {
		return
	}
	key := inboundKey{source: fn.Source, id: fn.RequestID}
	t.mu.Lock()
	ch, ok := t.inbound[key]
	t.mu.Unlock()
	if !ok {
		t.logger.Printf("dropping reply %d for %s: caller gone", fn.RequestID, fn.Source)
		return
	}
	select {
	case ch <- reply{value: value, err: err}:
	default:
	}
}

// ServeHTTP receives one request. Fire-and-forget requests are accepted with
// 202 immediately; others are held open until the synchronizer answers or
// the client timeout passes.
func (t *HTTPTransport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	fn, mode, err := t.codec.DecodeRequest(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	h, _ := t.handler.Load().(Handler)
	if h == nil {
		t.writeReply(w, &codec.Reply{RequestID: fn.RequestID, Opcode: fn.Opcode, Err: ErrNoHandler})
		return
	}
	fn.InitializeCancellation()

	if mode == function.GetNone || fn.RequestID < 0 {
		fn.RequestID = -1
		go h.HandleRequest(context.Background(), fn)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	key := inboundKey{source: fn.Source, id: fn.RequestID}
	ch := make(chan reply, 1)
	t.mu.Lock()
	t.inbound[key] = ch
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.inbound, key)
		t.mu.Unlock()
	}()

	go h.HandleRequest(context.Background(), fn)

	timer := time.NewTimer(waitTimeout(fn, 0))
	defer timer.Stop()
	select {
	case rep := <-ch:
		t.writeReply(w, &codec.Reply{RequestID: fn.RequestID, Opcode: fn.Opcode, Value: rep.value, Err: rep.err})
	case <-timer.C:
		fn.Cancel()
		t.writeReply(w, &codec.Reply{RequestID: fn.RequestID, Opcode: fn.Opcode, Err: cluster.ErrTimeout})
	case <-r.Context().Done():
		fn.Cancel()
	}
}

func (t *HTTPTransport) writeReply(w http.ResponseWriter, rep *codec.Reply) {
	data, err := t.codec.EncodeReply(rep)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Write(data)
}
