package storage

import (
	"github.com/cespare/xxhash/v2"
	"go.uber.org/atomic"
)

// Bucket is a statistics partition of the local store. Every key maps to
// exactly one bucket, using the same hash the distribution registry uses, so
// per-bucket counters line up with cluster-wide bucket ownership.
type Bucket struct {
	ID    int            // Bucket identifier
	Stats *BucketCounter // Operation statistics
}

// BucketCounter tracks operation counts
type BucketCounter struct {
	Gets    atomic.Uint64 // Number of get operations
	Puts    atomic.Uint64 // Number of add/insert operations
	Deletes atomic.Uint64 // Number of remove operations
}

// BucketInfo is a point-in-time copy of a bucket's counters
type BucketInfo struct {
	ID      int
	Gets    uint64
	Puts    uint64
	Deletes uint64
}

// NewBucket creates a bucket with zeroed counters
func NewBucket(id int) *Bucket {
	return &Bucket{ID: id, Stats: &BucketCounter{}}
}

func (b *Bucket) recordGet()    { b.Stats.Gets.Inc() }
func (b *Bucket) recordPut()    { b.Stats.Puts.Inc() }
func (b *Bucket) recordDelete() { b.Stats.Deletes.Inc() }

// Info returns current bucket statistics
func (b *Bucket) Info() BucketInfo {
	return BucketInfo{
		ID:      b.ID,
		Gets:    b.Stats.Gets.Load(),
		Puts:    b.Stats.Puts.Load(),
		Deletes: b.Stats.Deletes.Load(),
	}
}

// OwnsKey determines if this bucket owns a given key
func (b *Bucket) OwnsKey(key string, numBuckets int) bool {
	if numBuckets <= 0 {
		return false
	}
	return BucketOf(key, numBuckets) == b.ID
}

// BucketOf maps a key onto one of numBuckets buckets.
func BucketOf(key string, numBuckets int) int {
	if numBuckets <= 0 {
		return 0
	}
	return int(xxhash.Sum64String(key) % uint64(numBuckets))
}
