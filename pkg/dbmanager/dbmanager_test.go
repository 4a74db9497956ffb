// Copyright 2025 Takhin Data, Inc.

package dbmanager

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/takhin-data/laser/pkg/discovery"
	"github.com/takhin-data/laser/pkg/partition"
	"github.com/takhin-data/laser/pkg/replication"
)

func testManager(t *testing.T, nodeHash int64) *Manager {
	t.Helper()
	cfg := Config{
		NodeHash:    nodeHash,
		Group:       "g1",
		NodeName:    "node1",
		DataRoot:    t.TempDir(),
		LockBuckets: 16,
	}
	return New(cfg, partition.ModPlacement{Members: []int64{nodeHash}})
}

func TestManagerReconcileMountsPartitions(t *testing.T) {
	m := testManager(t, 7)
	desired := []discovery.TableSchema{{Database: "db", Table: "t", PartitionCount: 2, ReplicationFact: 1}}

	require.NoError(t, m.Reconcile(context.Background(), desired, discovery.NodeShardList{}))
	assert.Len(t, m.Snapshots(), 2)
	assert.True(t, m.Ready())
}

func TestManagerHandlePullRoutesByDBHash(t *testing.T) {
	m := testManager(t, 7)
	desired := []discovery.TableSchema{{Database: "db", Table: "t", PartitionCount: 1, ReplicationFact: 1}}
	require.NoError(t, m.Reconcile(context.Background(), desired, discovery.NodeShardList{}))

	_, ok := m.partitions.Get(partition.Ident{Database: "db", Table: "t", Partition: 0})
	require.True(t, ok)

	dbHash := DBHash("db", "t", 0)
	resp, err := m.HandlePull(context.Background(), replication.PullRequest{DBHash: dbHash, ExpectedSeq: 0})
	require.NoError(t, err)
	assert.Empty(t, resp.Updates)
}

func TestManagerHandlePullUnknownPartition(t *testing.T) {
	m := testManager(t, 7)
	_, err := m.HandlePull(context.Background(), replication.PullRequest{DBHash: 12345})
	assert.Error(t, err)
}

func TestManagerPartitionCountsByState(t *testing.T) {
	m := testManager(t, 7)
	desired := []discovery.TableSchema{{Database: "db", Table: "t", PartitionCount: 3, ReplicationFact: 1}}
	require.NoError(t, m.Reconcile(context.Background(), desired, discovery.NodeShardList{}))

	counts := m.PartitionCounts()
	assert.Equal(t, 3, counts["ready"])
}

func TestManagerWaitReadyTimesOutWithoutReconcile(t *testing.T) {
	m := testManager(t, 7)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.Error(t, m.WaitReady(ctx))
}

func TestDBHashStableForSameIdent(t *testing.T) {
	a := DBHash("db", "t", 1)
	b := DBHash("db", "t", 1)
	c := DBHash("db", "t", 2)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}
