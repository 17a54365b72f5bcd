// Package locks serializes work per key, in process or across instances.
package locks

import (
	"context"
	"errors"
	"hash/fnv"
)

var ErrNotAcquired = errors.New("lock not acquired")

// Locker blocks until key is held or ctx ends. The returned func releases it.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

const shardCount = 128

// Sharded hashes keys onto a fixed set of one-slot semaphores. Unrelated keys
// may share a shard; that only costs throughput.
type Sharded struct {
	shards [shardCount]chan struct{}
}

func NewSharded() *Sharded {
	s := &Sharded{}
	for i := range s.shards {
		s.shards[i] = make(chan struct{}, 1)
	}
	return s
}

func (s *Sharded) shard(key string) chan struct{} {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return s.shards[h.Sum32()%shardCount]
}

func (s *Sharded) Lock(ctx context.Context, key string) (func(), error) {
	slot := s.shard(key)
	select {
	case slot <- struct{}{}:
		return func() { <-slot }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
