package topology

import (
	"context"
	"fmt"

	"github.com/dreamware/replicache/internal/cluster"
	"github.com/dreamware/replicache/internal/function"
	"github.com/dreamware/replicache/internal/statetransfer"
	"github.com/dreamware/replicache/internal/storage"
)

// StateTransfer pulls the data set from the layout's transfer source until
// the source reports completion, then marks the node running. A node with
// no source (the first server, or any Partitioned server) is running at
// once.
func (c *Cache) StateTransfer(ctx context.Context) error {
	src := c.router.transferSource()
	if src == "" {
		c.markRunning()
		return nil
	}

	c.logger.Printf("starting state transfer from %s", src)
	var items int
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		fn := function.New(OpTransferState, nil, false, "transfer:"+string(c.local))
		v, err := c.transport.SendMessage(ctx, src, fn, function.GetFirst, c.cfg.OperationTimeout)
		if err != nil {
			return fmt.Errorf("state transfer from %s: %w", src, err)
		}
		chunk, ok := v.(*statetransfer.Chunk)
		if !ok || chunk == nil {
			return fmt.Errorf("state transfer from %s: %w: %T", src, ErrUnexpectedResponse, v)
		}
		if chunk.Completed {
			break
		}
		items += c.applyChunk(chunk)
	}

	c.logger.Printf("state transfer from %s completed: %d items", src, items)
	c.markRunning()
	return nil
}

func (c *Cache) markRunning() {
	if c.running.CompareAndSwap(false, true) {
		c.refreshLocal()
		c.logger.Printf("%s is running", c.local)
	}
}

// applyChunk stores a chunk's items. Snapshot entries never replace a value
// written while the transfer was running; logged operations replay the
// source's later changes in order.
func (c *Cache) applyChunk(chunk *statetransfer.Chunk) int {
	opCtx := function.InternalContext()
	applied := 0
	for _, it := range chunk.Items {
		var err error
		switch chunk.Category {
		case statetransfer.CategoryCacheItems, statetransfer.CategoryCollectionItems:
			var entry storage.Entry
			if err = entry.UnmarshalBinary(it.Data); err == nil {
				_, err = c.store.Add(it.Key, &entry, opCtx)
			}
		case statetransfer.CategoryMessages:
			// a retried transfer replaces the copy it sent before
			c.store.RemoveMessage(it.Topic, it.Key)
			err = c.store.StoreMessage(it.Topic, &storage.Message{ID: it.Key, Payload: it.Data})
		case statetransfer.CategoryLoggedOperations:
			err = c.replay(it, opCtx)
		default:
			continue
		}
		if err != nil {
			c.logger.Printf("skipping transferred %s item %q: %v", chunk.Category, it.Key, err)
			continue
		}
		applied++
	}
	return applied
}

func (c *Cache) replay(it statetransfer.Item, opCtx *function.OperationContext) error {
	switch it.Op {
	case storage.LogRemove:
		_, err := c.store.Remove(it.Key, opCtx)
		return err
	case storage.LogInsert:
		var entry storage.Entry
		if err := entry.UnmarshalBinary(it.Data); err != nil {
			return err
		}
		_, err := c.store.Insert(it.Key, &entry, opCtx)
		return err
	}
	return fmt.Errorf("unknown logged operation %d", it.Op)
}

// announce broadcasts this node's runtime record to every other member
// without waiting for answers.
func (c *Cache) announce(ctx context.Context) {
	c.refreshLocal()
	others := without(c.membership.Members(), c.local)
	if len(others) == 0 {
		return
	}
	fn := function.New(OpUpdateStats, c.LocalInfo(), true, "")
	if _, err := c.transport.Broadcast(ctx, others, fn, function.GetNone, c.cfg.OperationTimeout); err != nil {
		c.logger.Printf("presence announcement failed: %v", err)
	}
}

// Announce sends one presence announcement now.
func (c *Cache) Announce(ctx context.Context) { c.announce(ctx) }

var _ cluster.MembershipListener = (*Cache)(nil)
