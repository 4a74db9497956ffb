// Copyright 2025 Takhin Data, Inc.

package metrics

import (
	"time"

	"github.com/takhin-data/laser/pkg/logger"
)

// PartitionSnapshot is the subset of a mounted partition handler's
// observability fields the collector needs. pkg/dbmanager's facade
// implements PartitionSource by walking its mounted handlers.
type PartitionSnapshot struct {
	Database           string  `json:"database"`
	Table              string  `json:"table"`
	Partition          int32   `json:"partition"`
	State              string  `json:"state"`
	SizeBytes          int64   `json:"sizeBytes"`
	ReplicationLagSeq  int64   `json:"replicationLagSeq"`
	ApplyRatePerMinute float64 `json:"applyRatePerMinute"`
}

// PartitionSource is satisfied by pkg/dbmanager.Manager; kept as a narrow
// interface here so pkg/metrics never imports pkg/dbmanager (which itself
// depends on pkg/metrics for instrumentation).
type PartitionSource interface {
	Snapshots() []PartitionSnapshot
}

var partitionStates = []string{"unloaded", "loading_base", "ready", "loading_delta"}

// Collector periodically pulls observability fields out of every mounted
// partition and republishes them as Prometheus gauges.
type Collector struct {
	source   PartitionSource
	logger   *logger.Logger
	stopChan chan struct{}
	interval time.Duration
}

func NewCollector(source PartitionSource, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 30 * time.Second
	}

	return &Collector{
		source:   source,
		logger:   logger.Default().WithComponent("metrics-collector"),
		stopChan: make(chan struct{}),
		interval: interval,
	}
}

func (c *Collector) Start() {
	go c.collectLoop()
}

func (c *Collector) Stop() {
	close(c.stopChan)
}

func (c *Collector) collectLoop() {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.collectOnce()
		case <-c.stopChan:
			return
		}
	}
}

func (c *Collector) collectOnce() {
	for _, snap := range c.source.Snapshots() {
		UpdatePartitionState(snap.Database, snap.Table, snap.Partition, partitionStates, snap.State)
		UpdateStoreSize(snap.Database, snap.Table, snap.Partition, snap.SizeBytes)
		UpdateReplicationLag(snap.Database, snap.Table, snap.Partition, snap.ReplicationLagSeq)
		UpdateReplicationApplyRate(snap.Database, snap.Table, snap.Partition, snap.ApplyRatePerMinute)
	}
}
