package topology

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/dreamware/replicache/internal/cluster"
	"github.com/dreamware/replicache/internal/function"
	"github.com/dreamware/replicache/internal/storage"
)

func userContext(opCtx *function.OperationContext) *function.OperationContext {
	if opCtx == nil {
		return function.NewOperationContext()
	}
	return opCtx
}

// timeout is the configured round-trip bound, raised to the operation's
// own timeout when that is longer.
func (c *Cache) timeout(opCtx *function.OperationContext) time.Duration {
	if opCtx != nil && opCtx.OperationTimeout > c.cfg.OperationTimeout {
		return opCtx.OperationTimeout
	}
	return c.cfg.OperationTimeout
}

// Add stores entry under key unless the key already exists.
func (c *Cache) Add(ctx context.Context, key string, entry *storage.Entry, opCtx *function.OperationContext) (storage.Result, error) {
	return c.write(ctx, OpAdd, key, entry, opCtx, "")
}

// Insert stores entry under key, replacing any existing entry. A key stored
// under a different data group is refused with ErrIncompatibleGroup.
func (c *Cache) Insert(ctx context.Context, key string, entry *storage.Entry, opCtx *function.OperationContext) (storage.Result, error) {
	if entry == nil {
		return storage.ResultFailure, storage.ErrNilEntry
	}
	holder, err := c.checkGroup(ctx, key, entry)
	if err != nil {
		return storage.ResultFailure, err
	}
	return c.write(ctx, OpInsert, key, entry, opCtx, holder)
}

func (c *Cache) write(ctx context.Context, opcode int, key string, entry *storage.Entry, opCtx *function.OperationContext, holder cluster.Address) (storage.Result, error) {
	if entry == nil {
		return storage.ResultFailure, storage.ErrNilEntry
	}
	opCtx = userContext(opCtx)
	op := OpName(opcode)

	targets, err := c.router.writeTargets(key, entry, holder)
	if err != nil {
		return storage.ResultFailure, err
	}

	fn := function.New(opcode, &WriteOperand{Key: key, Entry: entry, Ctx: opCtx}, false, key)
	var out outcome
	if c.policy == firstResponse && len(targets) == 1 {
		v, err := c.transport.SendMessage(ctx, targets[0], fn, function.GetFirst, c.timeout(opCtx))
		out = singleWrite(op, targets[0], v, err)
	} else {
		list, err := c.transport.Broadcast(ctx, targets, fn, function.GetAll, c.timeout(opCtx))
		if err != nil {
			out = outcome{result: storage.ResultFailure, err: surface(op, err), rollback: true}
		} else {
			out = combineWrites(op, list)
		}
	}

	if out.rollback {
		c.logger.Printf("%s of %q ended with %s (%v), rolling back on %v", op, key, out.result, out.err, targets)
		c.rollback(context.WithoutCancel(ctx), key, targets)
	}
	switch out.result {
	case storage.ResultSuccess:
		c.notify(Event{Kind: EventItemAdded, Key: key})
	case storage.ResultSuccessOverwrite:
		c.notify(Event{Kind: EventItemUpdated, Key: key})
	}
	return out.result, out.err
}

// checkGroup finds where key is already stored and refuses entry when its
// group differs from the stored one. It returns a member holding key, or ""
// for a new key.
func (c *Cache) checkGroup(ctx context.Context, key string, entry *storage.Entry) (cluster.Address, error) {
	var (
		info   *GroupInfo
		holder cluster.Address
	)
	if existing, err := c.store.Get(key, nil); err == nil {
		g := groupOf(existing)
		info, holder = &g, c.local
	} else if c.cfg.Kind != Replicated {
		v, from, err := c.lookup(ctx, OpGetGroupInfo, key, &KeyOperand{Key: key, Ctx: function.InternalContext()}, hasValue)
		if err != nil {
			return "", err
		}
		if gi, ok := v.(*GroupInfo); ok && gi != nil {
			info, holder = gi, from
		}
	}

	if info == nil {
		return "", nil
	}
	if *info != groupOf(entry) {
		return "", fmt.Errorf("%w: %q is in group %q", ErrIncompatibleGroup, key, info.Group)
	}
	return holder, nil
}

type foundFunc func(v any) bool

func hasValue(v any) bool {
	switch t := v.(type) {
	case *storage.Entry:
		return t != nil
	case *GroupInfo:
		return t != nil
	default:
		return v != nil
	}
}

func isTrue(v any) bool {
	b, _ := v.(bool)
	return b
}

// lookup asks the router's read stages for key until one member answers
// with something found accepts. A miss everywhere is (nil, "", nil).
func (c *Cache) lookup(ctx context.Context, opcode int, key string, operand any, found foundFunc) (any, cluster.Address, error) {
	op := OpName(opcode)
	var (
		firstErr         error
		asked, suspected int
		clean            int
	)
	for _, dests := range c.router.readStages(key) {
		fn := function.New(opcode, operand, false, "")
		list, err := c.transport.Broadcast(ctx, dests, fn, function.GetAll, c.cfg.OperationTimeout)
		if err != nil {
			return nil, "", surface(op, err)
		}
		asked += list.Len()
		suspected += len(list.SuspectedMembers())
		for _, r := range list.Responses {
			if r.Suspected {
				continue
			}
			if r.Err != nil {
				if firstErr == nil {
					firstErr = r.Err
				}
				continue
			}
			clean++
			if found(r.Value) {
				return r.Value, r.Sender, nil
			}
		}
	}
	if asked > 0 && suspected == asked {
		return nil, "", cluster.ErrAllReplicasUnreachable
	}
	if clean == 0 && firstErr != nil {
		return nil, "", surface(op, firstErr)
	}
	return nil, "", nil
}

// Get returns the entry stored under key, or storage.ErrKeyNotFound. The
// local store is always asked first; concurrent misses for one key share a
// single clustered lookup.
func (c *Cache) Get(ctx context.Context, key string, opCtx *function.OperationContext) (*storage.Entry, error) {
	entry, err := c.store.Get(key, opCtx)
	if err == nil {
		c.hits.Inc()
		return entry, nil
	}
	if !errors.Is(err, storage.ErrKeyNotFound) {
		return nil, cluster.WrapFailure("get", err)
	}

	// The shared lookup outlives any one caller; every round trip in it
	// carries its own timeout.
	shared := context.WithoutCancel(ctx)
	ch := c.reads.DoChan(key, func() (any, error) {
		return c.clusteredGet(shared, key)
	})
	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if res.Err != nil {
		return nil, res.Err
	}
	found, _ := res.Val.(*storage.Entry)
	if found == nil {
		c.misses.Inc()
		return nil, storage.ErrKeyNotFound
	}
	c.hits.Inc()
	return found.Clone(), nil
}

func (c *Cache) clusteredGet(ctx context.Context, key string) (any, error) {
	watch := c.store.StartLogging(key)
	defer watch.Close()

	v, from, err := c.lookup(ctx, OpGet, key, &KeyOperand{Key: key, Ctx: function.InternalContext()}, hasValue)
	if err != nil || v == nil {
		return nil, err
	}
	entry, ok := v.(*storage.Entry)
	if !ok {
		return nil, cluster.WrapFailure("get", fmt.Errorf("%w from %s: %T", ErrUnexpectedResponse, from, v))
	}
	c.readThrough(key, entry, watch)
	return entry, nil
}

// readThrough keeps a copy of a remotely found entry when this node is one
// of its homes. Add never replaces a concurrent write, and a remove that
// reached this node during the lookup wins over the copy.
func (c *Cache) readThrough(key string, entry *storage.Entry, watch *storage.ChangeLog) {
	if !c.router.isHolder(key, entry) {
		return
	}
	if watch.Removed(key) {
		return
	}
	if _, err := c.store.Add(key, entry, function.InternalContext()); err != nil {
		c.logger.Printf("read-through of %q failed: %v", key, err)
	}
}

// Contains reports whether key is stored anywhere it may live.
func (c *Cache) Contains(ctx context.Context, key string, opCtx *function.OperationContext) (bool, error) {
	if c.store.Contains(key, opCtx) {
		return true, nil
	}
	v, _, err := c.lookup(ctx, OpContains, key, &KeyOperand{Key: key, Ctx: function.InternalContext()}, isTrue)
	if err != nil {
		return false, err
	}
	return isTrue(v), nil
}

// broadcastServers sends fn to every server and reports a failure when all
// of them were suspected.
func (c *Cache) broadcastServers(ctx context.Context, fn *function.Function, timeout time.Duration) (*cluster.ResponseList, error) {
	servers := c.membership.Servers()
	if len(servers) == 0 {
		return nil, cluster.ErrNoEligibleNode
	}
	list, err := c.transport.Broadcast(ctx, servers, fn, function.GetAll, timeout)
	if err != nil {
		return nil, surface(OpName(fn.Opcode), err)
	}
	if list.AllSuspected() {
		return nil, cluster.ErrAllReplicasUnreachable
	}
	return list, nil
}

// firstError returns the first error among unsuspected responses.
func firstError(list *cluster.ResponseList) error {
	for _, r := range list.Responses {
		if r.Err != nil && !r.Suspected {
			return r.Err
		}
	}
	return nil
}

// Remove deletes key from every server and returns one of the removed
// entries. Every server is asked so that copies left by a rebalance go too.
func (c *Cache) Remove(ctx context.Context, key string, opCtx *function.OperationContext) (*storage.Entry, error) {
	opCtx = userContext(opCtx)
	fn := function.New(OpRemove, &KeyOperand{Key: key, Ctx: opCtx}, false, key)
	list, err := c.broadcastServers(ctx, fn, c.timeout(opCtx))
	if err != nil {
		return nil, err
	}

	var removed *storage.Entry
	for _, r := range list.Results() {
		if e, ok := r.Value.(*storage.Entry); ok && e != nil && removed == nil {
			removed = e
		}
	}
	if removed != nil {
		c.notify(Event{Kind: EventItemRemoved, Key: key})
	}
	if err := firstError(list); err != nil {
		return removed, surface("remove", err)
	}
	return removed, nil
}

// Clear empties every server.
func (c *Cache) Clear(ctx context.Context, opCtx *function.OperationContext) error {
	opCtx = userContext(opCtx)
	fn := function.New(OpClear, opCtx, false, "")
	list, err := c.broadcastServers(ctx, fn, c.timeout(opCtx))
	if err != nil {
		return err
	}
	c.notify(Event{Kind: EventCacheCleared})
	return surface("clear", firstError(list))
}

// Count returns the number of entries in the cluster.
func (c *Cache) Count(ctx context.Context) (int64, error) {
	targets := c.router.countTargets()
	if targets == nil {
		return c.store.Count(), nil
	}
	list, err := c.transport.Broadcast(ctx, targets, function.New(OpCount, nil, false, ""), function.GetAll, c.cfg.OperationTimeout)
	if err != nil {
		return 0, surface("count", err)
	}
	if list.AllSuspected() {
		return 0, cluster.ErrAllReplicasUnreachable
	}
	var total int64
	for _, r := range list.Results() {
		if r.Err != nil {
			return 0, surface("count", r.Err)
		}
		n, ok := r.Value.(int64)
		if !ok {
			return 0, cluster.WrapFailure("count", fmt.Errorf("%w from %s: %T", ErrUnexpectedResponse, r.Sender, r.Value))
		}
		total += n
	}
	return total, nil
}

// GetBulk returns the entries found for keys. Keys missing locally are
// fetched from the other servers in a single round trip.
func (c *Cache) GetBulk(ctx context.Context, keys []string, opCtx *function.OperationContext) (map[string]*storage.Entry, error) {
	found := c.store.GetBulk(keys, opCtx)

	var missing []string
	for _, k := range keys {
		if _, ok := found[k]; !ok {
			missing = append(missing, k)
		}
	}
	others := without(c.membership.Servers(), c.local)
	if len(missing) > 0 && len(others) > 0 {
		watch := c.store.StartLogging(missing...)
		defer watch.Close()
		fn := function.New(OpGetBulk, &BulkOperand{Keys: missing, Ctx: function.InternalContext()}, false, "")
		list, err := c.transport.Broadcast(ctx, others, fn, function.GetAll, c.timeout(opCtx))
		if err != nil {
			return found, surface("get-bulk", err)
		}
		for _, r := range list.Results() {
			if r.Err != nil {
				continue
			}
			remote, _ := r.Value.(map[string]*storage.Entry)
			for k, e := range remote {
				if e == nil {
					continue
				}
				if _, ok := found[k]; !ok {
					found[k] = e
					c.readThrough(k, e, watch)
				}
			}
		}
	}

	c.hits.Add(uint64(len(found)))
	if miss := len(keys) - len(found); miss > 0 {
		c.misses.Add(uint64(miss))
	}
	return found, nil
}

type batch struct {
	targets []cluster.Address
	keys    []string
	entries []*storage.Entry
}

func batchID(targets []cluster.Address) string {
	parts := make([]string, len(targets))
	for i, t := range targets {
		parts[i] = string(t)
	}
	return strings.Join(parts, ",")
}

// perKey extracts one key's answers from a bulk write broadcast.
func perKey(list *cluster.ResponseList, key string) *cluster.ResponseList {
	out := &cluster.ResponseList{Responses: make([]*cluster.Response, 0, list.Len())}
	for _, r := range list.Responses {
		kr := *r
		if r.Err == nil && r.Received {
			kr.Value = nil
			if m, ok := r.Value.(map[string]storage.Result); ok {
				if res, ok := m[key]; ok {
					kr.Value = res
				}
			}
		}
		out.Responses = append(out.Responses, &kr)
	}
	return out
}

// InsertBulk inserts every key. Keys are grouped by target set and each
// group is written in one round trip; keys whose write failed are rolled
// back together. Per-key outcomes are in the returned map; the error is
// the first non-application failure seen.
func (c *Cache) InsertBulk(ctx context.Context, keys []string, entries []*storage.Entry, opCtx *function.OperationContext) (map[string]storage.Result, error) {
	if len(keys) != len(entries) {
		return nil, fmt.Errorf("insert-bulk: %d keys but %d entries", len(keys), len(entries))
	}
	opCtx = userContext(opCtx)

	var (
		mu       sync.Mutex
		firstErr error
	)
	results := make(map[string]storage.Result, len(keys))
	record := func(key string, res storage.Result, err error) {
		mu.Lock()
		defer mu.Unlock()
		results[key] = res
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	batches := make(map[string]*batch)
	var order []string
	for i, key := range keys {
		entry := entries[i]
		if entry == nil {
			record(key, storage.ResultFailure, nil)
			continue
		}
		var holder cluster.Address
		if existing, err := c.store.Get(key, nil); err == nil {
			if groupOf(existing) != groupOf(entry) {
				record(key, storage.ResultFailure, nil)
				continue
			}
			holder = c.local
		}
		targets, err := c.router.writeTargets(key, entry, holder)
		if err != nil {
			record(key, storage.ResultFailure, err)
			continue
		}
		id := batchID(targets)
		b, ok := batches[id]
		if !ok {
			b = &batch{targets: targets}
			batches[id] = b
			order = append(order, id)
		}
		b.keys = append(b.keys, key)
		b.entries = append(b.entries, entry)
	}

	var g errgroup.Group
	for _, id := range order {
		b := batches[id]
		g.Go(func() error {
			fn := function.New(OpInsertBulk, &BulkOperand{Keys: b.keys, Entries: b.entries, Ctx: opCtx}, false, "")
			list, err := c.transport.Broadcast(ctx, b.targets, fn, function.GetAll, c.timeout(opCtx))

			var (
				failed []string
				events []Event
			)
			for _, key := range b.keys {
				var out outcome
				if err != nil {
					out = outcome{result: storage.ResultFailure, err: surface("insert-bulk", err), rollback: true}
				} else {
					out = combineWrites("insert-bulk", perKey(list, key))
				}
				record(key, out.result, out.err)
				if out.rollback {
					failed = append(failed, key)
				}
				switch out.result {
				case storage.ResultSuccess:
					events = append(events, Event{Kind: EventItemAdded, Key: key})
				case storage.ResultSuccessOverwrite:
					events = append(events, Event{Kind: EventItemUpdated, Key: key})
				}
			}
			c.notify(events...)
			if len(failed) > 0 {
				c.logger.Printf("insert-bulk: %d of %d keys failed on %v, rolling back", len(failed), len(b.keys), b.targets)
				c.rollbackBulk(context.WithoutCancel(ctx), failed, b.targets)
			}
			return nil
		})
	}
	_ = g.Wait()
	return results, firstErr
}

// RemoveBulk deletes keys from every server and returns the removed entries.
func (c *Cache) RemoveBulk(ctx context.Context, keys []string, opCtx *function.OperationContext) (map[string]*storage.Entry, error) {
	opCtx = userContext(opCtx)
	fn := function.New(OpRemoveBulk, &BulkOperand{Keys: keys, Ctx: opCtx}, false, "")
	list, err := c.broadcastServers(ctx, fn, c.timeout(opCtx))
	if err != nil {
		return nil, err
	}

	removed := make(map[string]*storage.Entry)
	for _, r := range list.Results() {
		m, _ := r.Value.(map[string]*storage.Entry)
		for k, e := range m {
			if _, ok := removed[k]; !ok && e != nil {
				removed[k] = e
			}
		}
	}
	events := make([]Event, 0, len(removed))
	for _, k := range keys {
		if _, ok := removed[k]; ok {
			events = append(events, Event{Kind: EventItemRemoved, Key: k})
		}
	}
	c.notify(events...)
	return removed, surface("remove-bulk", firstError(list))
}
