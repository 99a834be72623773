package store

import (
	"hash/fnv"
	"sync"
)

const defaultShardCount = 32

// keyLocks 按 key 哈希分片加锁：不同序列大概率落在不同分片互不阻塞，同一序列总是串行。
type keyLocks struct {
	shards []sync.Mutex
}

func newKeyLocks(shards int) *keyLocks {
	if shards <= 0 {
		shards = defaultShardCount
	}
	return &keyLocks{shards: make([]sync.Mutex, shards)}
}

func (l *keyLocks) lock(key string) (unlock func()) {
	mu := &l.shards[hashKey(key)%uint32(len(l.shards))]
	mu.Lock()
	return mu.Unlock
}

func hashKey(s string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return h.Sum32()
}
