// Copyright 2025 Takhin Data, Inc.

package metrics

import (
	"strconv"
	"time"
)

// UpdatePartitionState zeroes every known state label for the partition and
// sets the current one, so summing PartitionState across state never
// double-counts a transition.
func UpdatePartitionState(database, table string, partition int32, states []string, current string) {
	p := strconv.Itoa(int(partition))
	for _, s := range states {
		v := 0.0
		if s == current {
			v = 1.0
		}
		PartitionState.WithLabelValues(database, table, p, s).Set(v)
	}
}

func UpdateReplicationLag(database, table string, partition int32, lagSeq int64) {
	ReplicationLagSeq.WithLabelValues(database, table, strconv.Itoa(int(partition))).Set(float64(lagSeq))
}

func UpdateReplicationApplyRate(database, table string, partition int32, perMinute float64) {
	ReplicationApplyRatePerMin.WithLabelValues(database, table, strconv.Itoa(int(partition))).Set(perMinute)
}

func RecordReplicationPull(database, table string, partition int32, result string, duration time.Duration) {
	p := strconv.Itoa(int(partition))
	ReplicationPullTotal.WithLabelValues(database, table, p, result).Inc()
	ReplicationPullLatencySeconds.WithLabelValues(database, table, p).Observe(duration.Seconds())
}

func RecordBaseReplication(database, table string, partition int32, role string) {
	BaseReplicationTotal.WithLabelValues(database, table, strconv.Itoa(int(partition)), role).Inc()
}

func RecordKeylockWait(duration time.Duration) {
	KeylockWaitSeconds.Observe(duration.Seconds())
}

func RecordStoreWriteBatch(database, table string, partition int32, duration time.Duration) {
	StoreWriteBatchSeconds.WithLabelValues(database, table, strconv.Itoa(int(partition))).Observe(duration.Seconds())
}

func UpdateStoreSize(database, table string, partition int32, bytes int64) {
	StoreSizeBytes.WithLabelValues(database, table, strconv.Itoa(int(partition))).Set(float64(bytes))
}

func RecordEngineCommand(command, result string) {
	EngineCommandsTotal.WithLabelValues(command, result).Inc()
}
