package topology

import (
	"context"
	"fmt"

	"github.com/dreamware/replicache/internal/cluster"
	"github.com/dreamware/replicache/internal/function"
	"github.com/dreamware/replicache/internal/storage"
)

// outcome is the combined answer of a write.
type outcome struct {
	result   storage.Result
	err      error
	rollback bool
}

// combineWrites folds per-member write answers into one outcome.
//
// Suspected members are leaving the view and are ignored unless every
// member was suspected. Any failure, needs-eviction, error or malformed
// answer fails the whole write and asks for a rollback. Overwrite dominates
// plain success. Key-exists is reported as is, without a rollback.
func combineWrites(op string, list *cluster.ResponseList) outcome {
	if list.Len() == 0 {
		return outcome{result: storage.ResultFailure, err: cluster.ErrNoEligibleNode}
	}
	if list.AllSuspected() {
		return outcome{result: storage.ResultFailure, err: cluster.ErrAllReplicasUnreachable}
	}

	var (
		failed    *outcome
		overwrite bool
		exists    bool
	)
	fail := func(r storage.Result, err error) {
		if failed == nil {
			failed = &outcome{result: r, err: err, rollback: true}
		}
	}

	for _, r := range list.Responses {
		if r.Suspected {
			continue
		}
		if r.Err != nil {
			fail(storage.ResultFailure, surface(op, r.Err))
			continue
		}
		if !r.Received {
			continue
		}
		res, ok := r.Value.(storage.Result)
		if !ok {
			fail(storage.ResultFailure, cluster.WrapFailure(op, fmt.Errorf("%w from %s: %T", ErrUnexpectedResponse, r.Sender, r.Value)))
			continue
		}
		switch res {
		case storage.ResultSuccess:
		case storage.ResultSuccessOverwrite:
			overwrite = true
		case storage.ResultKeyExists:
			exists = true
		default:
			fail(res, nil)
		}
	}

	switch {
	case failed != nil:
		return *failed
	case exists:
		return outcome{result: storage.ResultKeyExists}
	case overwrite:
		return outcome{result: storage.ResultSuccessOverwrite}
	default:
		return outcome{result: storage.ResultSuccess}
	}
}

// surface keeps transient errors as they are and wraps the rest.
func surface(op string, err error) error {
	if err == nil || cluster.IsTransient(err) {
		return err
	}
	return cluster.WrapFailure(op, err)
}

// singleWrite turns the answer of a single-owner write into an outcome.
func singleWrite(op string, target cluster.Address, value any, err error) outcome {
	if err != nil {
		return outcome{result: storage.ResultFailure, err: surface(op, err), rollback: true}
	}
	res, ok := value.(storage.Result)
	if !ok {
		return outcome{
			result:   storage.ResultFailure,
			err:      cluster.WrapFailure(op, fmt.Errorf("%w from %s: %T", ErrUnexpectedResponse, target, value)),
			rollback: true,
		}
	}
	if res.IsSuccess() || res == storage.ResultKeyExists {
		return outcome{result: res}
	}
	return outcome{result: res, rollback: true}
}

// rollback removes key from targets after a failed write. Failures are
// logged; the original outcome is what the caller sees.
func (c *Cache) rollback(ctx context.Context, key string, targets []cluster.Address) {
	fn := function.New(OpRemove, &KeyOperand{Key: key, Ctx: function.InternalContext()}, false, key)
	list, err := c.transport.Broadcast(ctx, targets, fn, function.GetAll, c.cfg.OperationTimeout)
	if err != nil {
		c.logger.Printf("rollback of %q failed: %v", key, err)
		return
	}
	for _, r := range list.Responses {
		if r.Err != nil && !r.Suspected {
			c.logger.Printf("rollback of %q on %s failed: %v", key, r.Sender, r.Err)
		}
	}
}

// rollbackBulk is rollback for several keys sent to the same targets.
func (c *Cache) rollbackBulk(ctx context.Context, keys []string, targets []cluster.Address) {
	if len(keys) == 0 {
		return
	}
	fn := function.New(OpRemoveBulk, &BulkOperand{Keys: keys, Ctx: function.InternalContext()}, false, "")
	list, err := c.transport.Broadcast(ctx, targets, fn, function.GetAll, c.cfg.OperationTimeout)
	if err != nil {
		c.logger.Printf("rollback of %d keys failed: %v", len(keys), err)
		return
	}
	for _, r := range list.Responses {
		if r.Err != nil && !r.Suspected {
			c.logger.Printf("rollback of %d keys on %s failed: %v", len(keys), r.Sender, r.Err)
		}
	}
}
