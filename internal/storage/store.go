package storage

import (
	"errors"
	"sort"
	"sync"

	"github.com/dreamware/replicache/internal/function"
)

// ErrKeyNotFound is returned when a key doesn't exist in the store
var ErrKeyNotFound = errors.New("key not found")

// ErrNilEntry is returned when a write carries no entry
var ErrNilEntry = errors.New("nil entry")

// InternalCache defines the node-local store consumed by the clustering layer.
// All implementations must be thread-safe for concurrent access.
type InternalCache interface {
	// Get retrieves an entry by key
	// Returns ErrKeyNotFound if the key doesn't exist
	Get(key string, opCtx *function.OperationContext) (*Entry, error)

	// Add stores an entry only if the key is absent
	Add(key string, entry *Entry, opCtx *function.OperationContext) (Result, error)

	// Insert stores an entry, replacing any existing one
	Insert(key string, entry *Entry, opCtx *function.OperationContext) (Result, error)

	// Remove deletes a key and returns the removed entry
	// Returns nil without error if the key doesn't exist
	Remove(key string, opCtx *function.OperationContext) (*Entry, error)

	// Contains reports whether the key is present
	Contains(key string, opCtx *function.OperationContext) bool

	// Clear removes every entry and message
	Clear(opCtx *function.OperationContext) error

	// Bulk variants report per-key outcomes keyed by cache key
	GetBulk(keys []string, opCtx *function.OperationContext) map[string]*Entry
	AddBulk(keys []string, entries []*Entry, opCtx *function.OperationContext) map[string]Result
	InsertBulk(keys []string, entries []*Entry, opCtx *function.OperationContext) map[string]Result
	RemoveBulk(keys []string, opCtx *function.OperationContext) map[string]*Entry

	// Count returns the number of entries
	Count() int64

	// Keys returns a snapshot of the plain (non-collection) keys
	Keys() []string

	// CollectionKeys returns a snapshot of keys holding collection entries
	CollectionKeys() []string

	// StoreMessage appends a message to a topic
	StoreMessage(topic string, msg *Message) error

	// MessageList returns a snapshot of message ids per topic
	MessageList() []TopicMessages

	// Message returns a stored message
	Message(topic, id string) (*Message, bool)

	// RemoveMessage deletes a message from a topic
	RemoveMessage(topic, id string) bool

	// StartLogging opens a change log recording later inserts and removes.
	// With keys given, only those keys are recorded. Every log is
	// independent and records until it is closed.
	StartLogging(keys ...string) *ChangeLog

	// Stats returns storage statistics
	Stats() StoreStats
}

// StoreStats contains statistics about the store
type StoreStats struct {
	Keys        int64 // Number of entries
	Bytes       int64 // Approximate size of all entries
	Collections int64 // Entries flagged as collections
	Messages    int64 // Stored messages across all topics
	Capacity    int64 // Maximum entries, 0 for unbounded
	Buckets     []BucketInfo
}

// MemoryStore implements InternalCache with in-memory storage
// Uses sync.RWMutex for thread-safe concurrent access
type MemoryStore struct {
	mu       sync.RWMutex      // Protects concurrent access
	data     map[string]*Entry // Key-entry storage
	capacity int64             // 0 means unbounded

	topics     map[string][]*Message
	topicOrder []string

	logs map[*ChangeLog]struct{}

	buckets []*Bucket
}

// DefaultBuckets is the number of statistics buckets a MemoryStore keeps.
const DefaultBuckets = 16

// NewMemoryStore creates a new unbounded in-memory store
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithCapacity(0)
}

// NewMemoryStoreWithCapacity creates a store that refuses new keys with
// ResultNeedsEviction once it holds capacity entries.
func NewMemoryStoreWithCapacity(capacity int64) *MemoryStore {
	buckets := make([]*Bucket, DefaultBuckets)
	for i := range buckets {
		buckets[i] = NewBucket(i)
	}
	return &MemoryStore{
		data:     make(map[string]*Entry),
		capacity: capacity,
		topics:   make(map[string][]*Message),
		logs:     make(map[*ChangeLog]struct{}),
		buckets:  buckets,
	}
}

func (m *MemoryStore) bucket(key string) *Bucket {
	return m.buckets[BucketOf(key, len(m.buckets))]
}

// Get retrieves an entry by key
// Returns a copy of the entry to prevent external modification
func (m *MemoryStore) Get(key string, _ *function.OperationContext) (*Entry, error) {
	m.bucket(key).recordGet()

	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, exists := m.data[key]
	if !exists {
		return nil, ErrKeyNotFound
	}
	return entry.Clone(), nil
}

// Add stores an entry only if the key is absent
func (m *MemoryStore) Add(key string, entry *Entry, _ *function.OperationContext) (Result, error) {
	if entry == nil {
		return ResultFailure, ErrNilEntry
	}
	m.bucket(key).recordPut()

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.data[key]; exists {
		return ResultKeyExists, nil
	}
	if m.full() {
		return ResultNeedsEviction, nil
	}
	m.data[key] = entry.Clone()
	m.log(LogInsert, key)
	return ResultSuccess, nil
}

// Insert stores an entry, replacing any existing one
// Makes a copy of the entry to prevent external modification
func (m *MemoryStore) Insert(key string, entry *Entry, _ *function.OperationContext) (Result, error) {
	if entry == nil {
		return ResultFailure, ErrNilEntry
	}
	m.bucket(key).recordPut()

	m.mu.Lock()
	defer m.mu.Unlock()

	result := ResultSuccess
	if _, exists := m.data[key]; exists {
		result = ResultSuccessOverwrite
	} else if m.full() {
		return ResultNeedsEviction, nil
	}
	m.data[key] = entry.Clone()
	m.log(LogInsert, key)
	return result, nil
}

// Remove deletes a key
// No error if key doesn't exist (idempotent). The remove is logged either
// way so a copy fetched elsewhere is not added back behind it.
func (m *MemoryStore) Remove(key string, _ *function.OperationContext) (*Entry, error) {
	m.bucket(key).recordDelete()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.log(LogRemove, key)
	entry, exists := m.data[key]
	if !exists {
		return nil, nil
	}
	delete(m.data, key)
	return entry, nil
}

// Contains reports whether the key is present
func (m *MemoryStore) Contains(key string, _ *function.OperationContext) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, exists := m.data[key]
	return exists
}

// Clear removes every entry and message
func (m *MemoryStore) Clear(_ *function.OperationContext) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key := range m.data {
		m.log(LogRemove, key)
	}
	m.data = make(map[string]*Entry)
	m.topics = make(map[string][]*Message)
	m.topicOrder = nil
	return nil
}

// GetBulk returns the entries found for keys; missing keys are absent from
// the result.
func (m *MemoryStore) GetBulk(keys []string, opCtx *function.OperationContext) map[string]*Entry {
	out := make(map[string]*Entry, len(keys))
	for _, key := range keys {
		if entry, err := m.Get(key, opCtx); err == nil {
			out[key] = entry
		}
	}
	return out
}

// AddBulk adds entries[i] under keys[i].
func (m *MemoryStore) AddBulk(keys []string, entries []*Entry, opCtx *function.OperationContext) map[string]Result {
	out := make(map[string]Result, len(keys))
	for i, key := range keys {
		var entry *Entry
		if i < len(entries) {
			entry = entries[i]
		}
		result, _ := m.Add(key, entry, opCtx)
		out[key] = result
	}
	return out
}

// InsertBulk inserts entries[i] under keys[i].
func (m *MemoryStore) InsertBulk(keys []string, entries []*Entry, opCtx *function.OperationContext) map[string]Result {
	out := make(map[string]Result, len(keys))
	for i, key := range keys {
		var entry *Entry
		if i < len(entries) {
			entry = entries[i]
		}
		result, _ := m.Insert(key, entry, opCtx)
		out[key] = result
	}
	return out
}

// RemoveBulk removes keys and returns the entries that existed.
func (m *MemoryStore) RemoveBulk(keys []string, opCtx *function.OperationContext) map[string]*Entry {
	out := make(map[string]*Entry, len(keys))
	for _, key := range keys {
		if entry, _ := m.Remove(key, opCtx); entry != nil {
			out[key] = entry
		}
	}
	return out
}

// Count returns the number of entries
func (m *MemoryStore) Count() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.data))
}

// Keys returns the plain keys, sorted for a stable transfer order
func (m *MemoryStore) Keys() []string {
	return m.keys(false)
}

// CollectionKeys returns the collection keys, sorted
func (m *MemoryStore) CollectionKeys() []string {
	return m.keys(true)
}

func (m *MemoryStore) keys(collections bool) []string {
	m.mu.RLock()
	keys := make([]string, 0, len(m.data))
	for key, entry := range m.data {
		if entry.Collection == collections {
			keys = append(keys, key)
		}
	}
	m.mu.RUnlock()

	sort.Strings(keys)
	return keys
}

// StoreMessage appends a message to a topic
func (m *MemoryStore) StoreMessage(topic string, msg *Message) error {
	if msg == nil {
		return errors.New("nil message")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.topics[topic]; !exists {
		m.topicOrder = append(m.topicOrder, topic)
	}
	stored := &Message{ID: msg.ID, Payload: append([]byte(nil), msg.Payload...)}
	m.topics[topic] = append(m.topics[topic], stored)
	return nil
}

// MessageList returns message ids per topic in arrival order
func (m *MemoryStore) MessageList() []TopicMessages {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]TopicMessages, 0, len(m.topicOrder))
	for _, topic := range m.topicOrder {
		msgs := m.topics[topic]
		if len(msgs) == 0 {
			continue
		}
		ids := make([]string, len(msgs))
		for i, msg := range msgs {
			ids[i] = msg.ID
		}
		out = append(out, TopicMessages{Topic: topic, IDs: ids})
	}
	return out
}

// Message returns a copy of a stored message
func (m *MemoryStore) Message(topic, id string) (*Message, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, msg := range m.topics[topic] {
		if msg.ID == id {
			return &Message{ID: msg.ID, Payload: append([]byte(nil), msg.Payload...)}, true
		}
	}
	return nil, false
}

// RemoveMessage deletes a message from a topic.
func (m *MemoryStore) RemoveMessage(topic, id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	msgs := m.topics[topic]
	for i, msg := range msgs {
		if msg.ID == id {
			m.topics[topic] = append(msgs[:i], msgs[i+1:]...)
			return true
		}
	}
	return false
}

// StartLogging opens a change log. The log records until Close.
func (m *MemoryStore) StartLogging(keys ...string) *ChangeLog {
	l := newChangeLog(keys)
	m.mu.Lock()
	defer m.mu.Unlock()
	l.close = func() {
		m.mu.Lock()
		delete(m.logs, l)
		m.mu.Unlock()
	}
	m.logs[l] = struct{}{}
	return l
}

// log must be called with mu held.
func (m *MemoryStore) log(op LogOp, key string) {
	for l := range m.logs {
		l.record(op, key)
	}
}

// full must be called with mu held.
func (m *MemoryStore) full() bool {
	return m.capacity > 0 && int64(len(m.data)) >= m.capacity
}

// Stats returns storage statistics
func (m *MemoryStore) Stats() StoreStats {
	m.mu.RLock()
	stats := StoreStats{
		Keys:     int64(len(m.data)),
		Capacity: m.capacity,
	}
	for _, entry := range m.data {
		stats.Bytes += entry.Size()
		if entry.Collection {
			stats.Collections++
		}
	}
	for _, msgs := range m.topics {
		stats.Messages += int64(len(msgs))
	}
	m.mu.RUnlock()

	stats.Buckets = make([]BucketInfo, len(m.buckets))
	for i, b := range m.buckets {
		stats.Buckets[i] = b.Info()
	}
	return stats
}
