// Copyright 2025 Takhin Data, Inc.

package discovery

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleDoc = `
node:
  members: [1, 2, 3]
  is_edge_node: false
tables:
  - database: shop
    table: orders
    partition_count: 4
    ttl_default_ms: 0
    replication_factor: 2
`

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "shards.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestFeedLoadParsesTables(t *testing.T) {
	path := writeConfig(t, sampleDoc)
	f := NewFeed(path)

	desired, err := f.Load()
	require.NoError(t, err)
	require.Len(t, desired, 1)
	assert.Equal(t, "shop", desired[0].Database)
	assert.Equal(t, "orders", desired[0].Table)
	assert.EqualValues(t, 4, desired[0].NumPartitions)
	assert.Equal(t, 2, desired[0].ReplicationFact)
	assert.False(t, f.IsEdgeNode())
}

func TestFeedLoadEdgeNodePinsPartitions(t *testing.T) {
	path := writeConfig(t, `
node:
  members: [1]
  is_edge_node: true
  pinned_partitions: [2, 5]
tables:
  - database: shop
    table: orders
    partition_count: 8
`)
	f := NewFeed(path)
	desired, err := f.Load()
	require.NoError(t, err)
	require.Len(t, desired, 1)
	assert.Equal(t, []int32{2, 5}, desired[0].PinnedPartitions)
	assert.True(t, f.IsEdgeNode())
}

func TestFeedStartPublishesUpdateOnWrite(t *testing.T) {
	path := writeConfig(t, sampleDoc)
	f := NewFeed(path)
	_, err := f.Load()
	require.NoError(t, err)
	require.NoError(t, f.Start())
	defer f.Stop()

	updated := sampleDoc + `
  - database: shop
    table: carts
    partition_count: 2
`
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))

	select {
	case desired := <-f.Updates():
		assert.Len(t, desired, 2)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for config feed update")
	}
}
