package topology

import (
	"context"
	"errors"
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/dreamware/replicache/internal/cluster"
	"github.com/dreamware/replicache/internal/function"
	"github.com/dreamware/replicache/internal/storage"
)

// iterator walks one member's keys.
type iterator interface {
	next(ctx context.Context) (key string, entry *storage.Entry, ok bool, err error)
}

// localIterator walks a snapshot of the local keys.
type localIterator struct {
	store storage.InternalCache
	keys  []string
	pos   int
}

func newLocalIterator(store storage.InternalCache) *localIterator {
	return &localIterator{store: store, keys: append(store.Keys(), store.CollectionKeys()...)}
}

func (it *localIterator) next(context.Context) (string, *storage.Entry, bool, error) {
	for it.pos < len(it.keys) {
		key := it.keys[it.pos]
		it.pos++
		entry, err := it.store.Get(key, nil)
		if errors.Is(err, storage.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return "", nil, false, err
		}
		return key, entry, true, nil
	}
	return "", nil, false, nil
}

// remoteIterator fetches a member's key list on first use and then each
// value on demand.
type remoteIterator struct {
	c       *Cache
	member  cluster.Address
	keys    []string
	fetched bool
	pos     int
}

func (it *remoteIterator) next(ctx context.Context) (string, *storage.Entry, bool, error) {
	if !it.fetched {
		v, err := it.c.transport.SendMessage(ctx, it.member, function.New(OpKeyList, nil, false, ""), function.GetFirst, it.c.cfg.OperationTimeout)
		if err != nil {
			return "", nil, false, fmt.Errorf("key list of %s: %w", it.member, err)
		}
		it.keys, _ = v.([]string)
		it.fetched = true
	}
	for it.pos < len(it.keys) {
		key := it.keys[it.pos]
		it.pos++
		fn := function.New(OpGet, &KeyOperand{Key: key, Ctx: function.InternalContext()}, false, "")
		v, err := it.c.transport.SendMessage(ctx, it.member, fn, function.GetFirst, it.c.cfg.OperationTimeout)
		if err != nil {
			return "", nil, false, fmt.Errorf("get %q from %s: %w", key, it.member, err)
		}
		entry, _ := v.(*storage.Entry)
		if entry == nil {
			continue
		}
		return key, entry, true, nil
	}
	return "", nil, false, nil
}

// Enumerator walks every key of the cluster once: the local keys first,
// then each remote member's in turn. Values are fetched one at a time.
//
//	for it.Next() {
//		use(it.Key(), it.Entry())
//	}
//	if err := it.Err(); err != nil { ... }
type Enumerator struct {
	ctx   context.Context
	iters []iterator
	seen  mapset.Set[string]

	key   string
	entry *storage.Entry
	err   error
}

// Enumerate returns an iterator over the whole cluster.
func (c *Cache) Enumerate(ctx context.Context) *Enumerator {
	iters := []iterator{newLocalIterator(c.store)}
	for _, m := range c.router.enumerationTargets() {
		iters = append(iters, &remoteIterator{c: c, member: m})
	}
	return &Enumerator{ctx: ctx, iters: iters, seen: mapset.NewThreadUnsafeSet[string]()}
}

// Next advances to the next key. It returns false at the end or on error.
func (e *Enumerator) Next() bool {
	for len(e.iters) > 0 && e.err == nil {
		key, entry, ok, err := e.iters[0].next(e.ctx)
		if err != nil {
			e.err = err
			return false
		}
		if !ok {
			e.iters = e.iters[1:]
			continue
		}
		if !e.seen.Add(key) {
			continue
		}
		e.key, e.entry = key, entry
		return true
	}
	return false
}

// Key returns the current key.
func (e *Enumerator) Key() string { return e.key }

// Entry returns the current entry.
func (e *Enumerator) Entry() *storage.Entry { return e.entry }

// Err returns the error that stopped the walk, if any.
func (e *Enumerator) Err() error { return e.err }
