package topology

import (
	"context"
	"errors"
	"fmt"

	"github.com/dreamware/replicache/internal/cluster"
	"github.com/dreamware/replicache/internal/codec"
	"github.com/dreamware/replicache/internal/function"
	"github.com/dreamware/replicache/internal/storage"
)

// ErrBadOperand is returned when a request carries an operand of the wrong
// type for its opcode.
var ErrBadOperand = errors.New("malformed operand")

type handler func(ctx context.Context, fn *function.Function) (any, error)

func (c *Cache) handlerTable() map[int]handler {
	return map[int]handler{
		OpAdd:           c.handleAdd,
		OpInsert:        c.handleInsert,
		OpRemove:        c.handleRemove,
		OpGet:           c.handleGet,
		OpContains:      c.handleContains,
		OpClear:         c.handleClear,
		OpCount:         c.handleCount,
		OpKeyList:       c.handleKeyList,
		OpGetGroupInfo:  c.handleGetGroupInfo,
		OpInsertBulk:    c.handleInsertBulk,
		OpRemoveBulk:    c.handleRemoveBulk,
		OpGetBulk:       c.handleGetBulk,
		OpUpdateStats:   c.handleUpdateStats,
		OpReqStatus:     c.handleReqStatus,
		OpTransferState: c.handleTransferState,
		OpNotifyEvent:   c.handleNotifyEvent,
	}
}

// Execute runs one inbound request against the local node. It is called by
// the synchronizer, which has already serialized the request by key.
func (c *Cache) Execute(ctx context.Context, fn *function.Function) (any, error) {
	if fn.IsCancelled() {
		return nil, ErrCancelled
	}
	if fn.Opcode == codec.AggregateOpcode {
		return c.executeAggregate(ctx, fn)
	}
	h, ok := c.handlers[fn.Opcode]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownOpcode, fn.Opcode)
	}

	fn.StartExecution()
	defer fn.StopExecution()

	v, err := h(ctx, fn)
	if err != nil {
		return nil, cluster.WrapFailure(OpName(fn.Opcode), err)
	}
	return v, nil
}

// executeAggregate runs bundled functions in order. Every one runs; the
// first error is returned.
func (c *Cache) executeAggregate(ctx context.Context, fn *function.Function) (any, error) {
	agg, ok := fn.Operand.(*function.Aggregate)
	if !ok {
		return nil, badOperand(fn)
	}
	var firstErr error
	for _, inner := range agg.Functions {
		in := inner.Clone()
		in.Source = fn.Source
		in.InitializeCancellation()
		if _, err := c.Execute(ctx, in); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return nil, firstErr
}

func badOperand(fn *function.Function) error {
	return fmt.Errorf("%w: %s got %T", ErrBadOperand, OpName(fn.Opcode), fn.Operand)
}

func (c *Cache) handleAdd(_ context.Context, fn *function.Function) (any, error) {
	op, ok := fn.Operand.(*WriteOperand)
	if !ok || op == nil {
		return nil, badOperand(fn)
	}
	res, err := c.store.Add(op.Key, op.Entry, op.Ctx)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (c *Cache) handleInsert(_ context.Context, fn *function.Function) (any, error) {
	op, ok := fn.Operand.(*WriteOperand)
	if !ok || op == nil {
		return nil, badOperand(fn)
	}
	res, err := c.store.Insert(op.Key, op.Entry, op.Ctx)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (c *Cache) handleRemove(_ context.Context, fn *function.Function) (any, error) {
	op, ok := fn.Operand.(*KeyOperand)
	if !ok || op == nil {
		return nil, badOperand(fn)
	}
	e, err := c.store.Remove(op.Key, op.Ctx)
	if err != nil || e == nil {
		return nil, err
	}
	return e, nil
}

func (c *Cache) handleGet(_ context.Context, fn *function.Function) (any, error) {
	op, ok := fn.Operand.(*KeyOperand)
	if !ok || op == nil {
		return nil, badOperand(fn)
	}
	e, err := c.store.Get(op.Key, op.Ctx)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (c *Cache) handleContains(_ context.Context, fn *function.Function) (any, error) {
	op, ok := fn.Operand.(*KeyOperand)
	if !ok || op == nil {
		return nil, badOperand(fn)
	}
	return c.store.Contains(op.Key, op.Ctx), nil
}

func (c *Cache) handleClear(_ context.Context, fn *function.Function) (any, error) {
	opCtx, _ := fn.Operand.(*function.OperationContext)
	return nil, c.store.Clear(opCtx)
}

func (c *Cache) handleCount(context.Context, *function.Function) (any, error) {
	return c.store.Count(), nil
}

func (c *Cache) handleKeyList(context.Context, *function.Function) (any, error) {
	return append(c.store.Keys(), c.store.CollectionKeys()...), nil
}

func (c *Cache) handleGetGroupInfo(_ context.Context, fn *function.Function) (any, error) {
	op, ok := fn.Operand.(*KeyOperand)
	if !ok || op == nil {
		return nil, badOperand(fn)
	}
	e, err := c.store.Get(op.Key, op.Ctx)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	g := groupOf(e)
	return &g, nil
}

// handleInsertBulk stops writing once the request is cancelled or has run
// past its timeout; the remaining keys report failure.
func (c *Cache) handleInsertBulk(_ context.Context, fn *function.Function) (any, error) {
	op, ok := fn.Operand.(*BulkOperand)
	if !ok || op == nil || len(op.Keys) != len(op.Entries) {
		return nil, badOperand(fn)
	}
	results := make(map[string]storage.Result, len(op.Keys))
	for i, key := range op.Keys {
		if fn.IsCancelled() || fn.HasTimedout() {
			results[key] = storage.ResultFailure
			continue
		}
		res, err := c.store.Insert(key, op.Entries[i], op.Ctx)
		if err != nil {
			res = storage.ResultFailure
		}
		results[key] = res
	}
	return results, nil
}

func (c *Cache) handleRemoveBulk(_ context.Context, fn *function.Function) (any, error) {
	op, ok := fn.Operand.(*BulkOperand)
	if !ok || op == nil {
		return nil, badOperand(fn)
	}
	removed := c.store.RemoveBulk(op.Keys, op.Ctx)
	for k, e := range removed {
		if e == nil {
			delete(removed, k)
		}
	}
	return removed, nil
}

func (c *Cache) handleGetBulk(_ context.Context, fn *function.Function) (any, error) {
	op, ok := fn.Operand.(*BulkOperand)
	if !ok || op == nil {
		return nil, badOperand(fn)
	}
	return c.store.GetBulk(op.Keys, op.Ctx), nil
}

// handleUpdateStats records a presence announcement. Announcements from
// members outside the view are dropped.
func (c *Cache) handleUpdateStats(_ context.Context, fn *function.Function) (any, error) {
	info, ok := fn.Operand.(*cluster.NodeInfo)
	if !ok || info == nil {
		return nil, badOperand(fn)
	}
	if info.Address == c.local || !c.membership.IsMember(info.Address) {
		return nil, nil
	}
	c.stats.Add(info.Clone())
	return nil, nil
}

func (c *Cache) handleReqStatus(context.Context, *function.Function) (any, error) {
	return c.LocalInfo(), nil
}

func (c *Cache) handleTransferState(_ context.Context, fn *function.Function) (any, error) {
	if fn.Source == "" {
		return nil, errors.New("state transfer request without a source")
	}
	return c.sessions.GetData(fn.Source)
}

func (c *Cache) handleNotifyEvent(_ context.Context, fn *function.Function) (any, error) {
	ev, ok := fn.Operand.(*Event)
	if !ok || ev == nil {
		return nil, badOperand(fn)
	}
	if l := c.eventListener(); l != nil {
		l.OnEvent(*ev)
	}
	return nil, nil
}
