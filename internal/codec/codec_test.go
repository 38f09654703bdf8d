package codec

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/replicache/internal/cluster"
	"github.com/dreamware/replicache/internal/function"
)

type putOperand struct {
	Key   string `cbor:"1,keyasint"`
	Value []byte `cbor:"2,keyasint"`
}

type outcome int

const (
	opPut = 1
	opGet = 2
)

var errFull = errors.New("store full")

func newCodec() *Codec {
	c := New()
	c.Register(opPut, (*putOperand)(nil), outcome(0))
	c.Register(opGet, "", (*putOperand)(nil))
	c.RegisterError("full", errFull)
	return c
}

func TestRequestRoundTrip(t *testing.T) {
	c := newCodec()

	fn := function.New(opPut, &putOperand{Key: "k", Value: []byte("v")}, true, "k")
	fn.RequestID = 7
	fn.Source = "n1"
	fn.ClientTimeout = 3 * time.Second
	fn.UserPayload = [][]byte{[]byte("big")}

	b, err := c.EncodeRequest(fn, function.GetAll)
	require.NoError(t, err)

	got, mode, err := c.DecodeRequest(b)
	require.NoError(t, err)
	assert.Equal(t, function.GetAll, mode)
	assert.Equal(t, opPut, got.Opcode)
	assert.True(t, got.ExcludeSelf)
	assert.Equal(t, "k", got.SyncKey)
	assert.Equal(t, int64(7), got.RequestID)
	assert.Equal(t, "n1", got.Source)
	assert.Equal(t, 3*time.Second, got.ClientTimeout)
	assert.Equal(t, [][]byte{[]byte("big")}, got.UserPayload)

	op, ok := got.Operand.(*putOperand)
	require.True(t, ok, "operand decoded as %T", got.Operand)
	assert.Equal(t, "k", op.Key)
	assert.Equal(t, []byte("v"), op.Value)

	// decoded functions start with fresh cancellation state
	assert.False(t, got.Cancel())
	got.InitializeCancellation()
	assert.True(t, got.Cancel())
}

func TestRequestWithoutOperand(t *testing.T) {
	c := newCodec()
	b, err := c.EncodeRequest(function.New(opPut, nil, false, ""), function.GetFirst)
	require.NoError(t, err)

	got, _, err := c.DecodeRequest(b)
	require.NoError(t, err)
	assert.Nil(t, got.Operand)
}

func TestUnknownOpcode(t *testing.T) {
	c := newCodec()
	b, err := c.EncodeRequest(function.New(99, &putOperand{Key: "x"}, false, ""), function.GetFirst)
	require.NoError(t, err)

	_, _, err = c.DecodeRequest(b)
	assert.ErrorIs(t, err, ErrUnknownOpcode)
}

func TestAggregateRoundTrip(t *testing.T) {
	c := newCodec()
	agg := function.NewAggregate(
		function.New(opPut, &putOperand{Key: "a"}, false, ""),
		function.New(opGet, "b", false, ""),
	)
	b, err := c.EncodeRequest(function.New(AggregateOpcode, agg, false, ""), function.GetNone)
	require.NoError(t, err)

	got, mode, err := c.DecodeRequest(b)
	require.NoError(t, err)
	assert.Equal(t, function.GetNone, mode)
	decoded, ok := got.Operand.(*function.Aggregate)
	require.True(t, ok)
	require.Equal(t, 2, decoded.Len())
	assert.Equal(t, "a", decoded.Functions[0].Operand.(*putOperand).Key)
	assert.Equal(t, "b", decoded.Functions[1].Operand)
}

func TestReplyRoundTrip(t *testing.T) {
	c := newCodec()

	t.Run("value", func(t *testing.T) {
		b, err := c.EncodeReply(&Reply{RequestID: 3, Opcode: opPut, Value: outcome(2)})
		require.NoError(t, err)
		r, err := c.DecodeReply(b)
		require.NoError(t, err)
		assert.Equal(t, int64(3), r.RequestID)
		assert.Equal(t, outcome(2), r.Value)
		assert.NoError(t, r.Err)
	})

	t.Run("nil pointer result stays nil", func(t *testing.T) {
		b, err := c.EncodeReply(&Reply{RequestID: 4, Opcode: opGet, Value: (*putOperand)(nil)})
		require.NoError(t, err)
		r, err := c.DecodeReply(b)
		require.NoError(t, err)
		assert.Nil(t, r.Value)
	})

	t.Run("pointer result", func(t *testing.T) {
		b, err := c.EncodeReply(&Reply{Opcode: opGet, Value: &putOperand{Key: "z"}})
		require.NoError(t, err)
		r, err := c.DecodeReply(b)
		require.NoError(t, err)
		assert.Equal(t, "z", r.Value.(*putOperand).Key)
	})
}

func TestErrorMapping(t *testing.T) {
	c := newCodec()
	roundTrip := func(t *testing.T, err error) error {
		t.Helper()
		b, encErr := c.EncodeReply(&Reply{RequestID: 1, Opcode: opPut, Err: err})
		require.NoError(t, encErr)
		r, decErr := c.DecodeReply(b)
		require.NoError(t, decErr)
		require.Error(t, r.Err)
		return r.Err
	}

	t.Run("transport sentinels survive", func(t *testing.T) {
		assert.ErrorIs(t, roundTrip(t, cluster.ErrTimeout), cluster.ErrTimeout)
		assert.ErrorIs(t, roundTrip(t, cluster.ErrAllReplicasUnreachable), cluster.ErrAllReplicasUnreachable)
	})

	t.Run("suspected member is preserved", func(t *testing.T) {
		err := roundTrip(t, &cluster.SuspectedError{Member: "n3"})
		var s *cluster.SuspectedError
		require.True(t, errors.As(err, &s))
		assert.Equal(t, cluster.Address("n3"), s.Member)
	})

	t.Run("general failure keeps op and inner kind", func(t *testing.T) {
		err := roundTrip(t, &cluster.GeneralFailureError{Op: "insert", Err: errFull})
		var gf *cluster.GeneralFailureError
		require.True(t, errors.As(err, &gf))
		assert.Equal(t, "insert", gf.Op)
		assert.ErrorIs(t, err, errFull)
	})

	t.Run("unregistered errors keep their message", func(t *testing.T) {
		err := roundTrip(t, errors.New("something odd"))
		assert.EqualError(t, err, "something odd")
	})
}
