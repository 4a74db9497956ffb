// Copyright 2025 Takhin Data, Inc.

package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

type fakeSource struct {
	snaps []PartitionSnapshot
}

func (f *fakeSource) Snapshots() []PartitionSnapshot { return f.snaps }

func TestCollectorCollectOnce(t *testing.T) {
	src := &fakeSource{snaps: []PartitionSnapshot{
		{Database: "db", Table: "tbl", Partition: 0, State: "ready", SizeBytes: 99, ReplicationLagSeq: 7, ApplyRatePerMinute: 12.5},
	}}
	c := NewCollector(src, time.Hour)

	c.collectOnce()

	assert.Equal(t, float64(99), testutil.ToFloat64(StoreSizeBytes.WithLabelValues("db", "tbl", "0")))
	assert.Equal(t, float64(7), testutil.ToFloat64(ReplicationLagSeq.WithLabelValues("db", "tbl", "0")))
	assert.Equal(t, float64(1), testutil.ToFloat64(PartitionState.WithLabelValues("db", "tbl", "0", "ready")))
}
