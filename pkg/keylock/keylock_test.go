// Copyright 2025 Takhin Data, Inc.

package keylock

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLockUnlockSingleKey(t *testing.T) {
	table := New(8)
	key := []byte("k1")

	table.Lock(key)
	table.Unlock(key)

	// Should not block a second time.
	done := make(chan struct{})
	go func() {
		table.Lock(key)
		table.Unlock(key)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock did not release")
	}
}

func TestLockSerialisesSameKey(t *testing.T) {
	table := New(4)
	key := []byte("contended")

	var mu sync.Mutex
	order := make([]int, 0, 2)

	table.Lock(key)

	go func() {
		table.Lock(key)
		mu.Lock()
		order = append(order, 2)
		mu.Unlock()
		table.Unlock(key)
	}()

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	order = append(order, 1)
	mu.Unlock()
	table.Unlock(key)

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2}, order)
}

func TestLockDistinctKeysDoNotBlock(t *testing.T) {
	table := New(4)
	table.Lock([]byte("a"))
	defer table.Unlock([]byte("a"))

	done := make(chan struct{})
	go func() {
		table.Lock([]byte("b"))
		table.Unlock([]byte("b"))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("distinct key blocked unexpectedly")
	}
}

func TestGuardReleaseIsIdempotent(t *testing.T) {
	table := New(4)
	g := table.Acquire([]byte("g"))
	g.Release()
	assert.NotPanics(t, func() { g.Release() })
}

func TestNewRoundsUpBucketCount(t *testing.T) {
	table := New(10)
	assert.Equal(t, 16, len(table.buckets))
}

func TestNewDefaultBucketCount(t *testing.T) {
	table := New(0)
	assert.Equal(t, defaultBucketCount, len(table.buckets))
}
