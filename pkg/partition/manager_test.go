// Copyright 2025 Takhin Data, Inc.

package partition

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/takhin-data/laser/pkg/replication"
)

type emptyLoader struct{}

func (emptyLoader) LoadBase(ctx context.Context, ident Ident) (replication.Role, Snapshot, bool, error) {
	return replication.RoleLeader, Snapshot{}, true, nil
}

func newTestManager(t *testing.T, nodeHash int64, placement PlacementStrategy) *Manager {
	t.Helper()
	root := t.TempDir()
	factory := func(ident Ident, dbHash int64) *Handler {
		return NewHandler(Config{
			Ident:       ident,
			DataDir:     filepath.Join(root, ident.String()),
			StagingDir:  filepath.Join(root, ident.String(), "staging"),
			DBHash:      dbHash,
			NodeHash:    nodeHash,
			LockBuckets: 16,
		})
	}
	return NewManager(nodeHash, placement, factory, emptyLoader{})
}

func TestModPlacementOwnsExpectedPartitions(t *testing.T) {
	placement := ModPlacement{Members: []int64{10, 20, 30}}
	d := Desired{Database: "db", Table: "t", NumPartitions: 6, ReplicationFact: 1}

	owners := map[int32]int64{}
	for p := int32(0); p < d.NumPartitions; p++ {
		for _, m := range placement.Members {
			if placement.Owns(m, d, p) {
				owners[p] = m
			}
		}
	}
	assert.Len(t, owners, 6)
}

func TestModPlacementReplicatesAcrossFactor(t *testing.T) {
	placement := ModPlacement{Members: []int64{1, 2, 3}}
	d := Desired{NumPartitions: 3, ReplicationFact: 2}

	count := 0
	for _, m := range placement.Members {
		if placement.Owns(m, d, 0) {
			count++
		}
	}
	assert.Equal(t, 2, count)
}

func TestPinnedPlacementOnlyOwnsListedPartitions(t *testing.T) {
	placement := PinnedPlacement{}
	d := Desired{NumPartitions: 10, PinnedPartitions: []int32{2, 5}}

	assert.True(t, placement.Owns(1, d, 2))
	assert.True(t, placement.Owns(1, d, 5))
	assert.False(t, placement.Owns(1, d, 0))
}

func TestManagerReconcileMountsAndUnmounts(t *testing.T) {
	m := newTestManager(t, 10, ModPlacement{Members: []int64{10}})

	desired := []Desired{{Database: "db", Table: "t", NumPartitions: 2, ReplicationFact: 1}}
	require.NoError(t, m.Reconcile(context.Background(), desired))
	assert.Len(t, m.All(), 2)
	assert.True(t, m.Ready())

	h, ok := m.Get(Ident{Database: "db", Table: "t", Partition: 0})
	require.True(t, ok)
	assert.Equal(t, StateReady, h.State())

	require.NoError(t, m.Reconcile(context.Background(), nil))
	assert.Len(t, m.All(), 0)
}

func TestManagerReconcileIsIdempotent(t *testing.T) {
	m := newTestManager(t, 10, ModPlacement{Members: []int64{10}})
	desired := []Desired{{Database: "db", Table: "t", NumPartitions: 1, ReplicationFact: 1}}

	require.NoError(t, m.Reconcile(context.Background(), desired))
	first, _ := m.Get(Ident{Database: "db", Table: "t", Partition: 0})

	require.NoError(t, m.Reconcile(context.Background(), desired))
	second, _ := m.Get(Ident{Database: "db", Table: "t", Partition: 0})

	assert.Same(t, first, second)
}

func TestManagerGetByDBHash(t *testing.T) {
	m := newTestManager(t, 10, ModPlacement{Members: []int64{10}})
	desired := []Desired{{Database: "db", Table: "t", NumPartitions: 1, ReplicationFact: 1}}
	require.NoError(t, m.Reconcile(context.Background(), desired))

	h, ok := m.Get(Ident{Database: "db", Table: "t", Partition: 0})
	require.True(t, ok)

	byHash, ok := m.GetByDBHash(h.cfg.DBHash)
	require.True(t, ok)
	assert.Equal(t, h, byHash)
}
