// Package distribution maps keys to their owners for partitioned topologies.
//
// Keys hash to a fixed number of buckets; each bucket is owned by one
// member (Partitioned) or one sub-cluster (PartitionOfReplicas). Every node
// rebuilds the map from the same ordered server list, so all nodes agree on
// ownership without exchanging the map itself.
package distribution

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/dreamware/replicache/internal/storage"
)

// DefaultBuckets is the bucket count used when none is configured.
const DefaultBuckets = 128

// ErrBucketUnassigned is returned when the bucket for a key has no owner.
var ErrBucketUnassigned = errors.New("bucket is not assigned")

// BucketAssignment records which owner holds a bucket.
//
// Owner is a member address for partitioned caches and a sub-cluster name
// for partitioned-replica caches. Assignments are returned as copies.
type BucketAssignment struct {
	// BucketID is in [0, numBuckets).
	BucketID int

	// Owner is the member or group holding the bucket.
	Owner string
}

// Registry manages bucket-to-owner assignments, serving as the routing table
// for single-owner writes and reads.
//
// Architecture:
//
//	┌─────────────────────────────────────┐
//	│            Registry                 │
//	├─────────────────────────────────────┤
//	│  assignments: map[bucketID]→owner   │
//	│  numBuckets: total bucket count     │
//	│  mu: RWMutex for thread safety      │
//	├─────────────────────────────────────┤
//	│  Key → xxhash → Bucket → Owner      │
//	│  "user:123" → 0x9c1f… → 5 → "n2"    │
//	└─────────────────────────────────────┘
//
// Concurrency Model:
//   - Read operations use RLock for parallel access
//   - Write operations use Lock for exclusive access
//   - All returned data is copied to prevent races
//   - No locks held during external calls
type Registry struct {
	assignments map[int]*BucketAssignment
	mu          sync.RWMutex
	numBuckets  int
}

// NewRegistry creates a registry with numBuckets buckets. A non-positive
// count falls back to DefaultBuckets.
//
// Example:
//
//	registry := NewRegistry(128)
//	registry.Rebalance([]string{"n1", "n2"})
func NewRegistry(numBuckets int) *Registry {
	if numBuckets <= 0 {
		numBuckets = DefaultBuckets
	}
	return &Registry{
		assignments: make(map[int]*BucketAssignment),
		numBuckets:  numBuckets,
	}
}

// AssignBucket gives bucketID to owner, overwriting any previous owner.
//
// Returns:
//   - nil on success
//   - Error if the bucket ID is out of range or owner is empty
func (r *Registry) AssignBucket(bucketID int, owner string) error {
	if bucketID < 0 || bucketID >= r.numBuckets {
		return fmt.Errorf("invalid bucket ID %d, must be in range [0, %d)", bucketID, r.numBuckets)
	}
	if owner == "" {
		return errors.New("owner cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.assignments[bucketID] = &BucketAssignment{BucketID: bucketID, Owner: owner}
	return nil
}

// RemoveBucket leaves bucketID unassigned. Removing an unassigned bucket is
// not an error.
func (r *Registry) RemoveBucket(bucketID int) error {
	if bucketID < 0 || bucketID >= r.numBuckets {
		return fmt.Errorf("invalid bucket ID %d, must be in range [0, %d)", bucketID, r.numBuckets)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.assignments, bucketID)
	return nil
}

// Assignment returns a copy of the assignment for bucketID, or nil.
func (r *Registry) Assignment(bucketID int) *BucketAssignment {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a := r.assignments[bucketID]
	if a == nil {
		return nil
	}
	return &BucketAssignment{BucketID: a.BucketID, Owner: a.Owner}
}

// Assignments returns copies of every assignment ordered by bucket ID.
func (r *Registry) Assignments() []*BucketAssignment {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*BucketAssignment, 0, len(r.assignments))
	for _, a := range r.assignments {
		out = append(out, &BucketAssignment{BucketID: a.BucketID, Owner: a.Owner})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BucketID < out[j].BucketID })
	return out
}

// BucketForKey returns the bucket a key hashes to. It is lock-free and
// deterministic across processes.
func (r *Registry) BucketForKey(key string) int {
	return storage.BucketOf(key, r.numBuckets)
}

// OwnerForKey returns the owner of the key's bucket.
//
// Error Cases:
//   - ErrBucketUnassigned when no owner holds the bucket; callers fall back
//     to the load balancer
func (r *Registry) OwnerForKey(key string) (string, error) {
	bucketID := r.BucketForKey(key)

	r.mu.RLock()
	a := r.assignments[bucketID]
	r.mu.RUnlock()

	if a == nil {
		return "", fmt.Errorf("bucket %d: %w", bucketID, ErrBucketUnassigned)
	}
	return a.Owner, nil
}

// OwnerBuckets returns the sorted bucket IDs held by owner.
func (r *Registry) OwnerBuckets(owner string) []int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var buckets []int
	for id, a := range r.assignments {
		if a.Owner == owner {
			buckets = append(buckets, id)
		}
	}
	sort.Ints(buckets)
	return buckets
}

// RemoveOwner unassigns every bucket held by owner and returns them.
func (r *Registry) RemoveOwner(owner string) []int {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []int
	for id, a := range r.assignments {
		if a.Owner == owner {
			delete(r.assignments, id)
			removed = append(removed, id)
		}
	}
	sort.Ints(removed)
	return removed
}

// NumBuckets returns the fixed bucket count.
func (r *Registry) NumBuckets() int {
	return r.numBuckets
}

// Rebalance spreads every bucket over owners round-robin: bucket i goes to
// owners[i % len(owners)]. Callers pass owners in view order so every node
// computes the same map.
//
// Returns:
//   - nil on success
//   - Error if owners is empty
func (r *Registry) Rebalance(owners []string) error {
	if len(owners) == 0 {
		return errors.New("cannot rebalance with no owners")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for bucketID := 0; bucketID < r.numBuckets; bucketID++ {
		r.assignments[bucketID] = &BucketAssignment{
			BucketID: bucketID,
			Owner:    owners[bucketID%len(owners)],
		}
	}
	return nil
}

// Clear drops every assignment.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.assignments = make(map[int]*BucketAssignment)
}
