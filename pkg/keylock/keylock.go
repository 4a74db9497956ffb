// Copyright 2025 Takhin Data, Inc.

// Package keylock implements the L2 per-key lock table: a sharded mutex
// that serialises read-modify-write sequences on a single encoded key.
// The keyspace is partitioned into a fixed number of buckets by hash; each
// bucket owns a mutex, a condition variable, and the set of keys currently
// held. Lock blocks while the key is present in its bucket; Unlock
// removes it and wakes every waiter in that bucket, each of which re-checks
// its own key.
package keylock

import (
	"sync"

	"github.com/takhin-data/laser/pkg/cityhash"
)

const defaultBucketCount = 1024

// Table is the per-key lock table. The bucket count is configurable at
// construction; a fixed 1024 buckets is a policy default, not a contract.
type Table struct {
	buckets []*bucket
	mask    uint64
}

type bucket struct {
	mu    sync.Mutex
	cond  *sync.Cond
	held  map[string]struct{}
}

func newBucket() *bucket {
	b := &bucket{held: make(map[string]struct{})}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// New creates a lock table with the given number of buckets, rounded up to
// the next power of two. bucketCount <= 0 selects the default of 1024.
func New(bucketCount int) *Table {
	if bucketCount <= 0 {
		bucketCount = defaultBucketCount
	}
	n := 1
	for n < bucketCount {
		n <<= 1
	}
	t := &Table{
		buckets: make([]*bucket, n),
		mask:    uint64(n - 1),
	}
	for i := range t.buckets {
		t.buckets[i] = newBucket()
	}
	return t
}

func (t *Table) bucketFor(key []byte) *bucket {
	h := cityhash.Hash64(key)
	return t.buckets[h&t.mask]
}

// Lock blocks until key is not held by anyone else, then marks it held.
func (t *Table) Lock(key []byte) {
	b := t.bucketFor(key)
	k := string(key)

	b.mu.Lock()
	for {
		if _, busy := b.held[k]; !busy {
			break
		}
		b.cond.Wait()
	}
	b.held[k] = struct{}{}
	b.mu.Unlock()
}

// Unlock releases key and wakes every waiter in its bucket; waiters on other
// keys of the same bucket go back to waiting.
func (t *Table) Unlock(key []byte) {
	b := t.bucketFor(key)
	k := string(key)

	b.mu.Lock()
	delete(b.held, k)
	b.mu.Unlock()
	b.cond.Broadcast()
}

// Guard acquires the lock for key on construction and releases it exactly
// once via Release, safe to call from a deferred statement on any exit
// path including a panic unwind.
type Guard struct {
	table released
	key   []byte
	once  sync.Once
}

type released interface {
	Unlock(key []byte)
}

// Acquire locks key and returns a Guard whose Release must be deferred by
// the caller.
func (t *Table) Acquire(key []byte) *Guard {
	t.Lock(key)
	return &Guard{table: t, key: key}
}

// Release unlocks the guarded key. Safe to call multiple times; only the
// first call has an effect.
func (g *Guard) Release() {
	g.once.Do(func() {
		g.table.Unlock(g.key)
	})
}
