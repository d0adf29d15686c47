// Package syncutil holds locking primitives shared by the security core.
package syncutil

import (
	"context"
	"hash/fnv"
)

const shardCount = 256

// KeyedMutex serializes work per key (a user id, usually) using a fixed pool
// of channel-backed locks. Memory stays bounded no matter how many keys are
// seen; two keys may share a shard and then wait on each other.
//
// Waiting respects context cancellation, so callers on the authentication
// path can bound how long they queue behind another evaluation.
type KeyedMutex struct {
	shards [shardCount]chan struct{}
}

// NewKeyedMutex returns a KeyedMutex with every shard unlocked.
func NewKeyedMutex() *KeyedMutex {
	m := &KeyedMutex{}
	for i := range m.shards {
		m.shards[i] = make(chan struct{}, 1)
		m.shards[i] <- struct{}{}
	}
	return m
}

// Lock blocks until the lock for key is held and returns its release func.
func (m *KeyedMutex) Lock(key string) func() {
	ch := m.shards[shardIndex(key)]
	<-ch
	return func() { ch <- struct{}{} }
}

// LockContext acquires the lock for key unless ctx ends first. On success the
// caller must invoke the returned func exactly once.
func (m *KeyedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	ch := m.shards[shardIndex(key)]
	select {
	case <-ch:
		return func() { ch <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func shardIndex(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}
