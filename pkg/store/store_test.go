// Copyright 2025 Takhin Data, Inc.

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/takhin-data/laser/pkg/compression"
)

func openTestStore(t *testing.T, opts Options) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "store.db")
	s, err := Open(path, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestGetMissingKey(t *testing.T) {
	s := openTestStore(t, Options{})
	v, err := s.Get([]byte("nope"))
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestWriteBatchAndGet(t *testing.T) {
	s := openTestStore(t, Options{})
	seq, err := s.WriteBatch([]Op{{Kind: OpPut, Key: []byte("a"), Value: []byte("1")}})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)

	v, err := s.Get([]byte("a"))
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), v)
}

func TestWriteBatchSequenceMonotonic(t *testing.T) {
	s := openTestStore(t, Options{})
	var last uint64
	for i := 0; i < 5; i++ {
		seq, err := s.WriteBatch([]Op{{Kind: OpPut, Key: []byte("k"), Value: []byte("v")}})
		require.NoError(t, err)
		assert.Greater(t, seq, last)
		last = seq
	}
	assert.Equal(t, uint64(5), s.LatestSequence())
}

func TestDeletePrefix(t *testing.T) {
	s := openTestStore(t, Options{})
	_, err := s.WriteBatch([]Op{
		{Kind: OpPut, Key: []byte("root"), Value: []byte("meta")},
		{Kind: OpPut, Key: []byte("root\x00a"), Value: []byte("1")},
		{Kind: OpPut, Key: []byte("root\x00b"), Value: []byte("2")},
		{Kind: OpPut, Key: []byte("unrelated"), Value: []byte("3")},
	})
	require.NoError(t, err)

	_, err = s.WriteBatch([]Op{{Kind: OpDeletePrefix, Key: []byte("root")}})
	require.NoError(t, err)

	v, _ := s.Get([]byte("root"))
	assert.Nil(t, v)
	v, _ = s.Get([]byte("root\x00a"))
	assert.Nil(t, v)
	v, err = s.Get([]byte("unrelated"))
	require.NoError(t, err)
	assert.Equal(t, []byte("3"), v)
}

func TestPrefixIterate(t *testing.T) {
	s := openTestStore(t, Options{})
	_, err := s.WriteBatch([]Op{
		{Kind: OpPut, Key: []byte("p\x00x"), Value: []byte("1")},
		{Kind: OpPut, Key: []byte("p\x00y"), Value: []byte("2")},
		{Kind: OpPut, Key: []byte("q\x00z"), Value: []byte("3")},
	})
	require.NoError(t, err)

	var got []string
	err = s.PrefixIterate([]byte("p\x00"), func(k, v []byte) bool {
		got = append(got, string(k))
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"p\x00x", "p\x00y"}, got)
}

func TestPrefixIterateEarlyStop(t *testing.T) {
	s := openTestStore(t, Options{})
	_, err := s.WriteBatch([]Op{
		{Kind: OpPut, Key: []byte("p1"), Value: []byte("1")},
		{Kind: OpPut, Key: []byte("p2"), Value: []byte("2")},
		{Kind: OpPut, Key: []byte("p3"), Value: []byte("3")},
	})
	require.NoError(t, err)

	count := 0
	err = s.PrefixIterate([]byte("p"), func(k, v []byte) bool {
		count++
		return count < 2
	})
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestIterateWALBudgets(t *testing.T) {
	s := openTestStore(t, Options{})
	for i := 0; i < 5; i++ {
		_, err := s.WriteBatch([]Op{{Kind: OpPut, Key: []byte("k"), Value: []byte("v")}})
		require.NoError(t, err)
	}

	entries, oldest, err := s.IterateWAL(1, 0, 3)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
	assert.Equal(t, uint64(1), oldest)
	assert.Equal(t, uint64(1), entries[0].Seq)
	assert.Equal(t, uint64(3), entries[2].Seq)
}

func TestIterateWALFromMiddle(t *testing.T) {
	s := openTestStore(t, Options{})
	for i := 0; i < 5; i++ {
		_, err := s.WriteBatch([]Op{{Kind: OpPut, Key: []byte("k"), Value: []byte("v")}})
		require.NoError(t, err)
	}

	entries, _, err := s.IterateWAL(4, 0, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, uint64(4), entries[0].Seq)
	assert.Equal(t, uint64(5), entries[1].Seq)
}

func TestApplyWALEntryReplays(t *testing.T) {
	leader := openTestStore(t, Options{})
	follower := openTestStore(t, Options{})

	_, err := leader.WriteBatch([]Op{{Kind: OpPut, Key: []byte("a"), Value: []byte("1")}})
	require.NoError(t, err)

	entries, _, err := leader.IterateWAL(1, 0, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	_, err = follower.ApplyWALEntry(entries[0])
	require.NoError(t, err)

	v, err := follower.Get([]byte("a"))
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), v)
}

func TestWaitForAdvanceUnblocksOnWrite(t *testing.T) {
	s := openTestStore(t, Options{})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	done := make(chan bool, 1)
	go func() {
		done <- s.WaitForAdvance(ctx, 0)
	}()

	time.Sleep(20 * time.Millisecond)
	_, err := s.WriteBatch([]Op{{Kind: OpPut, Key: []byte("a"), Value: []byte("1")}})
	require.NoError(t, err)

	select {
	case advanced := <-done:
		assert.True(t, advanced)
	case <-time.After(time.Second):
		t.Fatal("WaitForAdvance did not unblock")
	}
}

func TestWaitForAdvanceTimesOut(t *testing.T) {
	s := openTestStore(t, Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.False(t, s.WaitForAdvance(ctx, 0))
}

func TestCheckpointProducesReadableCopy(t *testing.T) {
	s := openTestStore(t, Options{})
	_, err := s.WriteBatch([]Op{{Kind: OpPut, Key: []byte("a"), Value: []byte("1")}})
	require.NoError(t, err)

	dest := filepath.Join(t.TempDir(), "checkpoint.db")
	require.NoError(t, s.Checkpoint(dest))

	copied, err := Open(dest, Options{})
	require.NoError(t, err)
	defer copied.Close()

	v, err := copied.Get([]byte("a"))
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), v)
}

func TestCompactionFilterSweepsExpiredRows(t *testing.T) {
	filter := func(key, value []byte) bool {
		return string(value) == "expired"
	}
	s := openTestStore(t, Options{CompactionFilter: filter, GCInterval: 20 * time.Millisecond})

	_, err := s.WriteBatch([]Op{
		{Kind: OpPut, Key: []byte("a"), Value: []byte("expired")},
		{Kind: OpPut, Key: []byte("b"), Value: []byte("alive")},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		v, _ := s.Get([]byte("a"))
		return v == nil
	}, time.Second, 10*time.Millisecond)

	v, err := s.Get([]byte("b"))
	require.NoError(t, err)
	assert.Equal(t, []byte("alive"), v)
}

func TestWALEntriesRoundTripUnderCompression(t *testing.T) {
	s := openTestStore(t, Options{Compression: compression.ZSTD})

	_, err := s.WriteBatch([]Op{{Kind: OpPut, Key: []byte("a"), Value: []byte("1")}})
	require.NoError(t, err)

	entries, _, err := s.IterateWAL(1, 0, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	ops, err := decodeOps(entries[0].RawBatch)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, []byte("a"), ops[0].Key)
}
