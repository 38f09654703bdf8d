// Package storage defines the node-local store consumed by the clustering
// layer and provides the in-memory implementation used by cache nodes.
//
// # Overview
//
// Every cache node owns one InternalCache. The clustering layer never reaches
// into it directly from the network; requests arrive as Functions, pass the
// operation synchronizer, and are then applied to the store by an opcode
// handler. The store itself knows nothing about the cluster.
//
//	┌─────────────────────────────────────┐
//	│     topology (Add/Insert/Get...)    │
//	└─────────────────────────────────────┘
//	                 │
//	                 ▼
//	┌─────────────────────────────────────┐
//	│        InternalCache interface      │
//	└─────────────────────────────────────┘
//	                 │
//	                 ▼
//	┌─────────────────────────────────────┐
//	│  MemoryStore                        │
//	│   entries  map[key]*Entry           │
//	│   topics   map[topic][]*Message     │
//	│   buckets  []*Bucket (counters)     │
//	│   change log (state transfer)       │
//	└─────────────────────────────────────┘
//
// # Results
//
// Writes report a Result from a closed set: Success, SuccessOverwrite,
// Failure, KeyExists and NeedsEviction. Clustered writes aggregate these per
// node, so a store must never invent other outcomes. Application-level
// failures are results, not errors; errors are reserved for malformed input.
//
// # Data categories
//
// The store keeps three kinds of data that are streamed separately during
// state transfer:
//   - plain entries (Keys)
//   - collection entries (CollectionKeys)
//   - queued messages per topic (MessageList)
//
// Key lists are snapshots: later writes do not change a list already handed
// out. Changes made after a snapshot can be captured with StartLogging, which
// hands out an independent ChangeLog per caller, so concurrent transfers
// never see each other's drains.
//
// # Capacity
//
// MemoryStore has no eviction policy. With a capacity set, a write that would
// add a new key to a full store returns ResultNeedsEviction and leaves the
// store unchanged. Overwrites of existing keys always succeed.
//
// # Concurrency
//
//   - Read operations use RLock for parallel access
//   - Write operations use Lock for exclusive access
//   - Entries are copied on the way in and on the way out
//   - Bucket counters are atomic and never take the store lock
//
// # Encoding
//
// Entry implements encoding.BinaryMarshaler using protobuf wire format. The
// encoding is what state transfer places in a transfer item's opaque data.
package storage
