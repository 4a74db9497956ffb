// Copyright 2025 Takhin Data, Inc.

package partition

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/takhin-data/laser/pkg/replication"
	"github.com/takhin-data/laser/pkg/store"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	dir := t.TempDir()
	return Config{
		Ident:       Ident{Database: "db1", Table: "t1", Partition: 3},
		DataDir:     dir,
		StagingDir:  filepath.Join(dir, "staging"),
		DBHash:      99,
		NodeHash:    1,
		LockBuckets: 16,
	}
}

func TestHandlerLoadEmptyReachesReady(t *testing.T) {
	h := NewHandler(testConfig(t))
	assert.Equal(t, StateUnloaded, h.State())

	require.NoError(t, h.LoadEmpty(replication.RoleLeader))
	assert.Equal(t, StateReady, h.State())
	assert.NotNil(t, h.Engine())
	assert.NotNil(t, h.Replication())
}

func TestHandlerIdentString(t *testing.T) {
	h := NewHandler(testConfig(t))
	assert.Equal(t, "db1/t1/3", h.Ident().String())
}

func TestHandlerLoadBaseAdoptsSnapshot(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.MkdirAll(cfg.StagingDir, 0o755))

	srcPath := filepath.Join(cfg.StagingDir, "incoming.db")
	seed, err := store.Open(srcPath, store.Options{})
	require.NoError(t, err)
	_, err = seed.WriteBatch([]store.Op{{Kind: store.OpPut, Key: []byte("k"), Value: []byte("v")}})
	require.NoError(t, err)
	require.NoError(t, seed.Close())

	h := NewHandler(cfg)
	require.NoError(t, h.LoadBase(context.Background(), replication.RoleFollower, Snapshot{Version: "v1", Path: srcPath}))
	assert.Equal(t, StateReady, h.State())
}

func TestHandlerUnloadReturnsToUnloaded(t *testing.T) {
	h := NewHandler(testConfig(t))
	require.NoError(t, h.LoadEmpty(replication.RoleLeader))
	require.NoError(t, h.Unload())
	assert.Equal(t, StateUnloaded, h.State())
	assert.Nil(t, h.Engine())
}

func TestHandlerStageSnapshotDirIsUnique(t *testing.T) {
	h := NewHandler(testConfig(t))
	d1, err := h.StageSnapshotDir()
	require.NoError(t, err)
	d2, err := h.StageSnapshotDir()
	require.NoError(t, err)
	assert.NotEqual(t, d1, d2)
}

func TestHandlerObserveReportsState(t *testing.T) {
	h := NewHandler(testConfig(t))
	require.NoError(t, h.LoadEmpty(replication.RoleLeader))

	snap := h.Observe()
	assert.Equal(t, StateReady, snap.State)
}

func TestHandlerWaitReadyTimesOut(t *testing.T) {
	h := NewHandler(testConfig(t))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := h.waitReady(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHandlerWaitReadyReturnsOnceReady(t *testing.T) {
	h := NewHandler(testConfig(t))
	require.NoError(t, h.LoadEmpty(replication.RoleLeader))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, h.waitReady(ctx))
}
