// Package codec encodes Functions and their replies for transports that
// cross a process boundary.
//
// The envelope is CBOR. A Function's operand and a handler's result are
// opaque to the envelope and are decoded into the Go types registered for
// the opcode, so both ends must register the same opcode table. Errors
// cross the wire as a kind plus message; registered sentinel errors keep
// matching errors.Is on the receiving side.
package codec

import (
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"github.com/dreamware/replicache/internal/cluster"
	"github.com/dreamware/replicache/internal/function"
)

// ErrUnknownOpcode is returned when decoding an operand or result for an
// opcode that was never registered.
var ErrUnknownOpcode = errors.New("codec: unknown opcode")

const (
	kindSuspected = "suspected"
	kindGeneral   = "general"
)

type types struct {
	operand reflect.Type
	result  reflect.Type
}

type sentinel struct {
	kind string
	err  error
}

// Codec holds the opcode type table and the error kinds.
type Codec struct {
	mu        sync.RWMutex
	opcodes   map[int]types
	sentinels []sentinel
	enc       cbor.EncMode
}

// New returns a codec that already knows the cluster's transport errors.
func New() *Codec {
	enc, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	c := &Codec{opcodes: make(map[int]types), enc: enc}
	c.RegisterError("timeout", cluster.ErrTimeout)
	c.RegisterError("all-unreachable", cluster.ErrAllReplicasUnreachable)
	c.RegisterError("no-eligible-node", cluster.ErrNoEligibleNode)
	c.RegisterError("not-member", cluster.ErrNotMember)
	return c
}

// Register declares the Go types of opcode's operand and result. Pass a
// zero value of each type, for example (*InsertOperand)(nil) and
// storage.Result(0). A nil prototype means the opcode carries nothing in
// that direction.
func (c *Codec) Register(opcode int, operand, result any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opcodes[opcode] = types{operand: typeOf(operand), result: typeOf(result)}
}

// RegisterError gives err a wire kind. Registration order is match order.
func (c *Codec) RegisterError(kind string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sentinels = append(c.sentinels, sentinel{kind: kind, err: err})
}

func typeOf(v any) reflect.Type {
	if v == nil {
		return nil
	}
	return reflect.TypeOf(v)
}

func (c *Codec) lookup(opcode int) (types, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.opcodes[opcode]
	return t, ok
}

type envelope struct {
	Function *function.Function   `cbor:"1,keyasint"`
	Operand  cbor.RawMessage      `cbor:"2,keyasint,omitempty"`
	Mode     function.ResponseMode `cbor:"3,keyasint"`
	Nested   [][]byte             `cbor:"4,keyasint,omitempty"`
}

// AggregateOpcode is reserved for Functions whose operand is a
// *function.Aggregate. Each bundled Function is encoded on its own.
const AggregateOpcode = -1

// EncodeRequest encodes fn and its operand.
func (c *Codec) EncodeRequest(fn *function.Function, mode function.ResponseMode) ([]byte, error) {
	env := envelope{Function: fn, Mode: mode}

	if agg, ok := fn.Operand.(*function.Aggregate); ok && fn.Opcode == AggregateOpcode {
		for _, inner := range agg.Functions {
			b, err := c.EncodeRequest(inner, mode)
			if err != nil {
				return nil, err
			}
			env.Nested = append(env.Nested, b)
		}
		return c.enc.Marshal(env)
	}

	if fn.Operand != nil {
		raw, err := c.enc.Marshal(fn.Operand)
		if err != nil {
			return nil, fmt.Errorf("codec: encode operand of opcode %d: %w", fn.Opcode, err)
		}
		env.Operand = raw
	}
	return c.enc.Marshal(env)
}

// DecodeRequest reverses EncodeRequest. The returned Function has fresh
// local state; callers arm cancellation themselves.
func (c *Codec) DecodeRequest(b []byte) (*function.Function, function.ResponseMode, error) {
	var env envelope
	if err := cbor.Unmarshal(b, &env); err != nil {
		return nil, 0, fmt.Errorf("codec: decode envelope: %w", err)
	}
	if env.Function == nil {
		return nil, 0, errors.New("codec: envelope without function")
	}
	fn := env.Function.Clone()

	if fn.Opcode == AggregateOpcode {
		agg := &function.Aggregate{}
		for _, nb := range env.Nested {
			inner, _, err := c.DecodeRequest(nb)
			if err != nil {
				return nil, 0, err
			}
			agg.Functions = append(agg.Functions, inner)
		}
		fn.Operand = agg
		return fn, env.Mode, nil
	}

	if len(env.Operand) == 0 {
		return fn, env.Mode, nil
	}
	t, ok := c.lookup(fn.Opcode)
	if !ok || t.operand == nil {
		return nil, 0, fmt.Errorf("%w: %d", ErrUnknownOpcode, fn.Opcode)
	}
	v, err := decodeAs(env.Operand, t.operand)
	if err != nil {
		return nil, 0, fmt.Errorf("codec: decode operand of opcode %d: %w", fn.Opcode, err)
	}
	fn.Operand = v
	return fn, env.Mode, nil
}

// Reply is one answer to a request.
type Reply struct {
	RequestID int64
	Opcode    int
	Value     any
	Err       error
}

type wireError struct {
	Kind    string `cbor:"1,keyasint,omitempty"`
	Message string `cbor:"2,keyasint,omitempty"`
	Op      string `cbor:"3,keyasint,omitempty"`
	Member  string `cbor:"4,keyasint,omitempty"`
}

type replyWire struct {
	RequestID int64           `cbor:"1,keyasint"`
	Opcode    int             `cbor:"2,keyasint"`
	Result    cbor.RawMessage `cbor:"3,keyasint,omitempty"`
	Err       *wireError      `cbor:"4,keyasint,omitempty"`
}

// EncodeReply encodes r. A result that cannot be encoded becomes an error
// reply rather than a failed send, so the caller is never left waiting.
func (c *Codec) EncodeReply(r *Reply) ([]byte, error) {
	w := replyWire{RequestID: r.RequestID, Opcode: r.Opcode}
	if r.Err != nil {
		w.Err = c.encodeError(r.Err)
	} else if r.Value != nil {
		raw, err := c.enc.Marshal(r.Value)
		if err != nil {
			w.Err = c.encodeError(fmt.Errorf("codec: encode result of opcode %d: %w", r.Opcode, err))
		} else {
			w.Result = raw
		}
	}
	return c.enc.Marshal(w)
}

// DecodeReply reverses EncodeReply.
func (c *Codec) DecodeReply(b []byte) (*Reply, error) {
	var w replyWire
	if err := cbor.Unmarshal(b, &w); err != nil {
		return nil, fmt.Errorf("codec: decode reply: %w", err)
	}
	r := &Reply{RequestID: w.RequestID, Opcode: w.Opcode}
	if w.Err != nil {
		r.Err = c.decodeError(w.Err)
		return r, nil
	}
	if isNull(w.Result) {
		return r, nil
	}
	t, ok := c.lookup(w.Opcode)
	if !ok || t.result == nil {
		return nil, fmt.Errorf("%w: %d", ErrUnknownOpcode, w.Opcode)
	}
	v, err := decodeAs(w.Result, t.result)
	if err != nil {
		return nil, fmt.Errorf("codec: decode result of opcode %d: %w", w.Opcode, err)
	}
	r.Value = v
	return r, nil
}

func isNull(raw cbor.RawMessage) bool {
	return len(raw) == 0 || (len(raw) == 1 && (raw[0] == 0xf6 || raw[0] == 0xf7))
}

func decodeAs(raw cbor.RawMessage, t reflect.Type) (any, error) {
	if isNull(raw) {
		return nil, nil
	}
	ptr := reflect.New(t)
	if err := cbor.Unmarshal(raw, ptr.Interface()); err != nil {
		return nil, err
	}
	return ptr.Elem().Interface(), nil
}

func (c *Codec) encodeError(err error) *wireError {
	w := &wireError{Message: err.Error()}

	var suspected *cluster.SuspectedError
	if errors.As(err, &suspected) {
		w.Kind = kindSuspected
		w.Member = string(suspected.Member)
		return w
	}

	var gf *cluster.GeneralFailureError
	if errors.As(err, &gf) {
		w.Op = gf.Op
		w.Message = gf.Err.Error()
		err = gf.Err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.sentinels {
		if errors.Is(err, s.err) {
			w.Kind = s.kind
			return w
		}
	}
	if w.Op != "" {
		w.Kind = kindGeneral
	}
	return w
}

func (c *Codec) decodeError(w *wireError) error {
	if w.Kind == kindSuspected {
		return &cluster.SuspectedError{Member: cluster.Address(w.Member)}
	}

	var err error = errors.New(w.Message)
	c.mu.RLock()
	for _, s := range c.sentinels {
		if s.kind == w.Kind {
			err = &remoteError{msg: w.Message, sentinel: s.err}
			break
		}
	}
	c.mu.RUnlock()

	if w.Op != "" {
		return &cluster.GeneralFailureError{Op: w.Op, Err: err}
	}
	return err
}

// remoteError carries a remote message while still matching the local
// sentinel it was raised from.
type remoteError struct {
	msg      string
	sentinel error
}

func (e *remoteError) Error() string { return e.msg }
func (e *remoteError) Unwrap() error { return e.sentinel }
