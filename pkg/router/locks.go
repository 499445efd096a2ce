package router

import (
	"context"
	"hash/fnv"
)

// DefaultLockShards bounds the lock table's memory regardless of how many
// incidents exist.
const DefaultLockShards = 256

// LockTable hands out per-incident exclusive locks from a fixed pool of
// shards keyed by a hash of the incident_id. Two unrelated incidents can
// hash to the same shard and briefly contend; per-incident exclusivity
// still holds because a shard admits one holder at a time.
type LockTable struct {
	shards []chan struct{}
}

// NewLockTable creates a lock table with n shards (DefaultLockShards if
// n <= 0).
func NewLockTable(n int) *LockTable {
	if n <= 0 {
		n = DefaultLockShards
	}
	shards := make([]chan struct{}, n)
	for i := range shards {
		shards[i] = make(chan struct{}, 1)
	}
	return &LockTable{shards: shards}
}

// Acquire blocks until the incident's shard is free or ctx is done. On
// success it returns the release function; the caller must invoke it
// exactly once.
func (lt *LockTable) Acquire(ctx context.Context, incidentID string) (func(), error) {
	shard := lt.shard(incidentID)
	select {
	case shard <- struct{}{}:
		return func() { <-shard }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (lt *LockTable) shard(incidentID string) chan struct{} {
	h := fnv.New32a()
	_, _ = h.Write([]byte(incidentID))
	return lt.shards[h.Sum32()%uint32(len(lt.shards))]
}
