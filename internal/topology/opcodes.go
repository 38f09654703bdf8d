package topology

import (
	"github.com/dreamware/replicache/internal/cluster"
	"github.com/dreamware/replicache/internal/codec"
	"github.com/dreamware/replicache/internal/function"
	"github.com/dreamware/replicache/internal/statetransfer"
	"github.com/dreamware/replicache/internal/storage"
	"github.com/dreamware/replicache/internal/synchronizer"
)

// Opcodes understood by every topology.
const (
	OpAdd = iota + 1
	OpInsert
	OpRemove
	OpGet
	OpContains
	OpClear
	OpCount
	OpKeyList
	OpGetGroupInfo
	OpInsertBulk
	OpRemoveBulk
	OpGetBulk
	OpUpdateStats
	OpReqStatus
	OpTransferState
	OpNotifyEvent
)

var opNames = map[int]string{
	OpAdd:           "add",
	OpInsert:        "insert",
	OpRemove:        "remove",
	OpGet:           "get",
	OpContains:      "contains",
	OpClear:         "clear",
	OpCount:         "count",
	OpKeyList:       "key-list",
	OpGetGroupInfo:  "get-group-info",
	OpInsertBulk:    "insert-bulk",
	OpRemoveBulk:    "remove-bulk",
	OpGetBulk:       "get-bulk",
	OpUpdateStats:   "update-stats",
	OpReqStatus:     "req-status",
	OpTransferState: "transfer-state",
	OpNotifyEvent:   "notify-event",

	codec.AggregateOpcode: "aggregate",
}

// OpName returns the name of opcode used in logs and failures.
func OpName(opcode int) string {
	if name, ok := opNames[opcode]; ok {
		return name
	}
	return "unknown"
}

// KeyOperand addresses a single key.
type KeyOperand struct {
	Key string                     `cbor:"1,keyasint"`
	Ctx *function.OperationContext `cbor:"2,keyasint,omitempty"`
}

// OperationContext implements function.ContextCarrier.
func (o *KeyOperand) OperationContext() *function.OperationContext { return o.Ctx }

// WriteOperand carries an entry to store under Key.
type WriteOperand struct {
	Key   string                     `cbor:"1,keyasint"`
	Entry *storage.Entry             `cbor:"2,keyasint"`
	Ctx   *function.OperationContext `cbor:"3,keyasint,omitempty"`
}

// OperationContext implements function.ContextCarrier.
func (o *WriteOperand) OperationContext() *function.OperationContext { return o.Ctx }

// BulkOperand addresses several keys at once. Entries is parallel to Keys
// for InsertBulk and empty otherwise.
type BulkOperand struct {
	Keys    []string                   `cbor:"1,keyasint"`
	Entries []*storage.Entry           `cbor:"2,keyasint,omitempty"`
	Ctx     *function.OperationContext `cbor:"3,keyasint,omitempty"`
}

// OperationContext implements function.ContextCarrier.
func (o *BulkOperand) OperationContext() *function.OperationContext { return o.Ctx }

// GroupInfo is the data-affinity group a stored key belongs to.
type GroupInfo struct {
	Group    string `cbor:"1,keyasint,omitempty"`
	SubGroup string `cbor:"2,keyasint,omitempty"`
}

func groupOf(e *storage.Entry) GroupInfo {
	if e == nil {
		return GroupInfo{}
	}
	return GroupInfo{Group: e.Group, SubGroup: e.SubGroup}
}

// RegisterOpcodes teaches c the operand and result types of every opcode,
// together with the errors handlers raise. Both ends of an HTTP transport
// must use a codec prepared this way.
func RegisterOpcodes(c *codec.Codec) {
	c.Register(OpAdd, (*WriteOperand)(nil), storage.Result(0))
	c.Register(OpInsert, (*WriteOperand)(nil), storage.Result(0))
	c.Register(OpRemove, (*KeyOperand)(nil), (*storage.Entry)(nil))
	c.Register(OpGet, (*KeyOperand)(nil), (*storage.Entry)(nil))
	c.Register(OpContains, (*KeyOperand)(nil), false)
	c.Register(OpClear, (*function.OperationContext)(nil), nil)
	c.Register(OpCount, nil, int64(0))
	c.Register(OpKeyList, nil, []string(nil))
	c.Register(OpGetGroupInfo, (*KeyOperand)(nil), (*GroupInfo)(nil))
	c.Register(OpInsertBulk, (*BulkOperand)(nil), map[string]storage.Result(nil))
	c.Register(OpRemoveBulk, (*BulkOperand)(nil), map[string]*storage.Entry(nil))
	c.Register(OpGetBulk, (*BulkOperand)(nil), map[string]*storage.Entry(nil))
	c.Register(OpUpdateStats, (*cluster.NodeInfo)(nil), nil)
	c.Register(OpReqStatus, nil, (*cluster.NodeInfo)(nil))
	c.Register(OpTransferState, nil, (*statetransfer.Chunk)(nil))
	c.Register(OpNotifyEvent, (*Event)(nil), nil)

	c.RegisterError("incompatible-group", ErrIncompatibleGroup)
	c.RegisterError("cancelled", ErrCancelled)
	c.RegisterError("unknown-opcode", ErrUnknownOpcode)
	c.RegisterError("key-not-found", storage.ErrKeyNotFound)
	c.RegisterError("disposed", synchronizer.ErrDisposed)
	c.RegisterError("transfer-completed", statetransfer.ErrTransferCompleted)
	c.RegisterError("transfer-disposed", statetransfer.ErrDisposed)
}
