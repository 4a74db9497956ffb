// Copyright 2025 Takhin Data, Inc.

package replication

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/takhin-data/laser/pkg/status"
	"github.com/takhin-data/laser/pkg/store"
)

var walRemovedErrForTest = status.New(status.RPSourceWALLogRemoved, "wal log removed for test")

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "db.bolt"), store.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestWriteBatchRejectedOnFollower(t *testing.T) {
	s := openTestStore(t)
	db := New(s, Options{Role: RoleFollower, BaseVersion: "v1", Client: noopClient{}})
	defer db.Close()

	_, err := db.WriteBatch([]store.Op{{Kind: store.OpPut, Key: []byte("a"), Value: []byte("1")}})
	require.Error(t, err)
}

func TestHandlePullRejectsOnFollowerRole(t *testing.T) {
	s := openTestStore(t)
	db := New(s, Options{Role: RoleFollower, BaseVersion: "v1", Client: noopClient{}})
	defer db.Close()

	_, err := db.HandlePull(context.Background(), PullRequest{BaseVersion: "v1"})
	require.Error(t, err)
}

func TestHandlePullReturnsBaseVersionMismatch(t *testing.T) {
	s := openTestStore(t)
	db := New(s, Options{Role: RoleLeader, BaseVersion: "v2"})
	defer db.Close()

	resp, err := db.HandlePull(context.Background(), PullRequest{BaseVersion: "v1", ExpectedSeq: 1})
	require.NoError(t, err)
	assert.Equal(t, "v2", resp.BaseVersion)
	assert.Empty(t, resp.Updates)
}

func TestHandlePullServesWALUpdates(t *testing.T) {
	s := openTestStore(t)
	_, err := s.WriteBatch([]store.Op{{Kind: store.OpPut, Key: []byte("a"), Value: []byte("1")}})
	require.NoError(t, err)

	db := New(s, Options{Role: RoleLeader, BaseVersion: "v1"})
	defer db.Close()

	resp, err := db.HandlePull(context.Background(), PullRequest{BaseVersion: "v1", ExpectedSeq: 1})
	require.NoError(t, err)
	require.Len(t, resp.Updates, 1)
	assert.Equal(t, uint64(1), resp.MaxSeq)
}

func TestHandlePullCaughtUpReturnsNoUpdatesWithoutError(t *testing.T) {
	s := openTestStore(t)
	_, err := s.WriteBatch([]store.Op{{Kind: store.OpPut, Key: []byte("a"), Value: []byte("1")}})
	require.NoError(t, err)

	db := New(s, Options{Role: RoleLeader, BaseVersion: "v1"})
	defer db.Close()

	resp, err := db.HandlePull(context.Background(), PullRequest{BaseVersion: "v1", ExpectedSeq: 2, MaxWaitMs: 50})
	require.NoError(t, err)
	assert.Empty(t, resp.Updates)
}

// fakeClient replays canned responses so the follower pull loop can be
// exercised without a real RPC transport.
type fakeClient struct {
	responses chan PullResponse
	errs      chan error
}

func (c fakeClient) Pull(ctx context.Context, req PullRequest) (PullResponse, error) {
	select {
	case err := <-c.errs:
		return PullResponse{}, err
	case resp := <-c.responses:
		return resp, nil
	}
}

type noopClient struct{}

func (noopClient) Pull(ctx context.Context, req PullRequest) (PullResponse, error) {
	return PullResponse{}, nil
}

func TestFollowerPullLoopAppliesUpdatesAndAppliesRate(t *testing.T) {
	leader := openTestStore(t)
	seq, err := leader.WriteBatch([]store.Op{{Kind: store.OpPut, Key: []byte("a"), Value: []byte("1")}})
	require.NoError(t, err)
	entries, _, err := leader.IterateWAL(seq, 0, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	client := fakeClient{responses: make(chan PullResponse, 2), errs: make(chan error, 2)}
	client.responses <- PullResponse{
		BaseVersion: "v1",
		Updates:     []Update{{RawBatch: entries[0].RawBatch, WriteMs: entries[0].WriteMs}},
		MaxSeq:      1,
	}

	var versionUpdates int
	follower := openTestStore(t)
	db := New(follower, Options{
		Role:          RoleFollower,
		BaseVersion:   "v1",
		Client:        client,
		UpdateVersion: func(dbHash int64, newVersion string) { versionUpdates++ },
	})
	defer db.Close()

	require.Eventually(t, func() bool {
		v, _ := follower.Get([]byte("a"))
		return string(v) == "1"
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		_, rate := db.Observe()
		return rate > 0
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, versionUpdates)
}

func TestFollowerPullLoopTriggersBaseReplicationOnVersionMismatch(t *testing.T) {
	client := fakeClient{responses: make(chan PullResponse, 2), errs: make(chan error, 2)}
	client.responses <- PullResponse{BaseVersion: "v2"}

	versioned := make(chan string, 1)
	follower := openTestStore(t)
	db := New(follower, Options{
		Role:          RoleFollower,
		BaseVersion:   "v1",
		Client:        client,
		UpdateVersion: func(dbHash int64, newVersion string) { versioned <- newVersion },
	})
	defer db.Close()

	select {
	case v := <-versioned:
		assert.Equal(t, "v2", v)
	case <-time.After(time.Second):
		t.Fatal("expected update-version callback on base mismatch")
	}
}

func TestFollowerPullLoopTriggersBaseReplicationOnWalRemoved(t *testing.T) {
	client := fakeClient{responses: make(chan PullResponse, 2), errs: make(chan error, 2)}
	client.errs <- newWalRemovedErr()

	versioned := make(chan string, 1)
	follower := openTestStore(t)
	db := New(follower, Options{
		Role:          RoleFollower,
		BaseVersion:   "v1",
		Client:        client,
		UpdateVersion: func(dbHash int64, newVersion string) { versioned <- newVersion },
	})
	defer db.Close()

	select {
	case v := <-versioned:
		assert.Equal(t, "v1", v)
	case <-time.After(time.Second):
		t.Fatal("expected update-version callback on wal-removed error")
	}
}

func TestForceBaseReplicationTriggersCallback(t *testing.T) {
	client := fakeClient{responses: make(chan PullResponse, 4), errs: make(chan error, 4)}
	for i := 0; i < 4; i++ {
		client.responses <- PullResponse{BaseVersion: "v1", MaxSeq: 0}
	}

	versioned := make(chan string, 1)
	follower := openTestStore(t)
	db := New(follower, Options{
		Role:          RoleFollower,
		BaseVersion:   "v1",
		Client:        client,
		UpdateVersion: func(dbHash int64, newVersion string) { versioned <- newVersion },
	})
	defer db.Close()

	db.ForceBaseReplication()
	db.requestPull(true)

	select {
	case v := <-versioned:
		assert.Equal(t, "v1", v)
	case <-time.After(time.Second):
		t.Fatal("expected forced base replication to invoke callback")
	}
}

func TestChangeRoleClearsLeaderClientMap(t *testing.T) {
	s := openTestStore(t)
	db := New(s, Options{Role: RoleLeader, BaseVersion: "v1"})
	defer db.Close()

	_, err := db.HandlePull(context.Background(), PullRequest{BaseVersion: "v1", ExpectedSeq: 1, NodeHash: 42, ClientAddress: "10.0.0.1:9"})
	require.NoError(t, err)
	assert.Contains(t, db.clients, int64(42))

	db.ChangeRole(RoleFollower)
	assert.Empty(t, db.clients)
	db.ChangeRole(RoleLeader)
}

func newWalRemovedErr() error {
	return walRemovedErrForTest
}
