// Package statetransfer streams a node's data to a joining or catching-up
// replica in bounded chunks.
//
// The serving side keeps one Corresponder per requesting member. The first
// GetData call snapshots the key lists of every non-empty data category;
// each later call walks the snapshot and returns the next chunk. Chunks are
// cut once their size reaches the threshold. A call that crosses into the
// next category returns an empty chunk that is not completed, and the
// stream ends with a single completed chunk carrying no items.
package statetransfer

import (
	"errors"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/dreamware/replicache/internal/storage"
)

// DefaultThreshold is the chunk size, in bytes, at which a chunk is cut.
const DefaultThreshold = 20 * 1024

var (
	// ErrTransferCompleted is returned by GetData after the terminal chunk.
	ErrTransferCompleted = errors.New("statetransfer: transfer already completed")

	// ErrDisposed is returned by GetData after Dispose.
	ErrDisposed = errors.New("statetransfer: corresponder disposed")
)

// Option configures a Corresponder.
type Option func(*Corresponder)

// WithThreshold sets the chunk size threshold in bytes.
func WithThreshold(bytes int64) Option {
	return func(c *Corresponder) {
		if bytes > 0 {
			c.threshold = bytes
		}
	}
}

// WithChangeTracking makes the corresponder log writes made after the
// snapshot and send them as a final LoggedOperations category.
func WithChangeTracking() Option {
	return func(c *Corresponder) { c.trackChanges = true }
}

type cursor struct {
	category Category
	keys     []string
	topics   []string
	ops      []storage.LoggedOperation
	pos      int
}

func (c *cursor) len() int {
	if c.category == CategoryLoggedOperations {
		return len(c.ops)
	}
	return len(c.keys)
}

// Corresponder is one transfer session.
type Corresponder struct {
	store        storage.InternalCache
	requester    string
	threshold    int64
	trackChanges bool
	logger       *log.Logger

	mu        sync.Mutex
	changes   *storage.ChangeLog
	started   bool
	completed bool
	disposed  bool
	current   *cursor
	remaining []*cursor
}

// NewCorresponder returns a session serving requester from store.
func NewCorresponder(store storage.InternalCache, requester string, opts ...Option) *Corresponder {
	c := &Corresponder{
		store:     store,
		requester: requester,
		threshold: DefaultThreshold,
		logger:    log.New(os.Stderr, "[statetransfer] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Requester returns the member this session serves.
func (c *Corresponder) Requester() string { return c.requester }

// GetData returns the next chunk.
func (c *Corresponder) GetData() (*Chunk, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.disposed:
		return nil, ErrDisposed
	case c.completed:
		return nil, ErrTransferCompleted
	}

	if !c.started {
		c.snapshot()
		c.started = true
	} else if c.current != nil && c.current.pos >= c.current.len() {
		c.advance()
		if c.current != nil {
			return &Chunk{Category: c.current.category}, nil
		}
	}

	if c.current == nil {
		c.finish()
		return &Chunk{Completed: true}, nil
	}
	return c.fill(), nil
}

// snapshot freezes every category's key list. Empty categories are dropped,
// except the logged operations, whose content is only known at the end.
func (c *Corresponder) snapshot() {
	if c.trackChanges {
		c.changes = c.store.StartLogging()
	}
	var cats []Category
	for _, cat := range []Category{CategoryCacheItems, CategoryCollectionItems, CategoryMessages} {
		if cur := c.load(cat); cur.len() > 0 {
			c.remaining = append(c.remaining, cur)
			cats = append(cats, cat)
		}
	}
	if c.trackChanges {
		c.remaining = append(c.remaining, &cursor{category: CategoryLoggedOperations})
		cats = append(cats, CategoryLoggedOperations)
	}
	c.advance()
	c.logger.Printf("transfer to %s started with categories %v", c.requester, cats)
}

func (c *Corresponder) load(cat Category) *cursor {
	cur := &cursor{category: cat}
	switch cat {
	case CategoryCacheItems:
		cur.keys = c.store.Keys()
	case CategoryCollectionItems:
		cur.keys = c.store.CollectionKeys()
	case CategoryMessages:
		for _, tm := range c.store.MessageList() {
			for _, id := range tm.IDs {
				cur.keys = append(cur.keys, id)
				cur.topics = append(cur.topics, tm.Topic)
			}
		}
	case CategoryLoggedOperations:
		if c.changes != nil {
			cur.ops = c.changes.Drain()
		}
	}
	return cur
}

// advance moves to the next snapshotted category. The logged operations
// are drained only when their turn comes.
func (c *Corresponder) advance() {
	if len(c.remaining) == 0 {
		c.current = nil
		return
	}
	next := c.remaining[0]
	c.remaining = c.remaining[1:]
	if next.category == CategoryLoggedOperations {
		next = c.load(CategoryLoggedOperations)
	}
	c.current = next
}

func (c *Corresponder) fill() *Chunk {
	cur := c.current
	chunk := &Chunk{Category: cur.category}

	for cur.pos < cur.len() {
		if chunk.Size >= c.threshold {
			break
		}
		item, ok := c.item(cur, cur.pos)
		cur.pos++
		if !ok {
			continue
		}
		chunk.Items = append(chunk.Items, item)
		chunk.Size += int64(len(item.Key) + len(item.Topic) + len(item.Data))
	}
	return chunk
}

// item fetches the record at pos. Records whose value is gone are skipped.
func (c *Corresponder) item(cur *cursor, pos int) (Item, bool) {
	switch cur.category {
	case CategoryMessages:
		msg, ok := c.store.Message(cur.topics[pos], cur.keys[pos])
		if !ok || msg == nil {
			return Item{}, false
		}
		return Item{Key: msg.ID, Topic: cur.topics[pos], Data: append([]byte(nil), msg.Payload...)}, true

	case CategoryLoggedOperations:
		op := cur.ops[pos]
		if op.Op == storage.LogRemove {
			return Item{Key: op.Key, Op: storage.LogRemove}, true
		}
		data, ok := c.encodedEntry(op.Key)
		if !ok {
			return Item{Key: op.Key, Op: storage.LogRemove}, true
		}
		return Item{Key: op.Key, Data: data, Op: storage.LogInsert}, true

	default:
		data, ok := c.encodedEntry(cur.keys[pos])
		if !ok {
			return Item{}, false
		}
		return Item{Key: cur.keys[pos], Data: data}, true
	}
}

func (c *Corresponder) encodedEntry(key string) ([]byte, bool) {
	entry, err := c.store.Get(key, nil)
	if err != nil || entry == nil {
		return nil, false
	}
	data, err := entry.MarshalBinary()
	if err != nil {
		c.logger.Printf("skipping %s: %v", key, err)
		return nil, false
	}
	return data, true
}

func (c *Corresponder) finish() {
	c.completed = true
	c.closeChanges()
	c.logger.Printf("transfer to %s completed", c.requester)
}

func (c *Corresponder) closeChanges() {
	if c.changes != nil {
		c.changes.Close()
		c.changes = nil
	}
}

// IsCompleted reports whether the terminal chunk has been returned.
func (c *Corresponder) IsCompleted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.completed
}

// Dispose drops the session state. GetData fails with ErrDisposed from now on.
func (c *Corresponder) Dispose() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return
	}
	c.closeChanges()
	c.disposed = true
	c.current = nil
	c.remaining = nil
}

// String describes the session for logs.
func (c *Corresponder) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	cat := CategoryNone
	if c.current != nil {
		cat = c.current.category
	}
	return fmt.Sprintf("transfer(%s, %s, completed=%t)", c.requester, cat, c.completed)
}
