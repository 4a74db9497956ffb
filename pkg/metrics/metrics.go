// Copyright 2025 Takhin Data, Inc.

// Package metrics exposes the Prometheus gauges and counters that the
// partition manager, replication DB and L0 store publish, plus a small
// HTTP server that serves them.
package metrics

import (
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/takhin-data/laser/pkg/config"
	"github.com/takhin-data/laser/pkg/logger"
)

var (
	// PartitionState reports the current state (1) of a mounted partition,
	// keyed by state name so PromQL can sum across states per partition.
	PartitionState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "laser_partition_state",
			Help: "Current state of a partition handler (1=current state, 0=otherwise)",
		},
		[]string{"database", "table", "partition", "state"},
	)

	// ReplicationLagSeq is the leader's latest known sequence minus the
	// follower's locally applied sequence for a partition.
	ReplicationLagSeq = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "laser_replication_lag_seq",
			Help: "Sequence-number lag between a follower and its leader",
		},
		[]string{"database", "table", "partition"},
	)

	ReplicationApplyRatePerMin = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "laser_replication_apply_rate_per_min",
			Help: "Observed WAL entries applied per minute by the follower pull loop",
		},
		[]string{"database", "table", "partition"},
	)

	ReplicationPullTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "laser_replication_pull_total",
			Help: "Total handle_pull RPCs issued by the follower pull loop",
		},
		[]string{"database", "table", "partition", "result"},
	)

	ReplicationPullLatencySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "laser_replication_pull_latency_seconds",
			Help:    "Latency of handle_pull RPCs as observed by the follower",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"database", "table", "partition"},
	)

	BaseReplicationTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "laser_base_replication_total",
			Help: "Total base (full snapshot) replications performed, by role",
		},
		[]string{"database", "table", "partition", "role"},
	)

	KeylockWaitSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "laser_keylock_wait_seconds",
			Help:    "Time spent waiting to acquire a per-key lock",
			Buckets: prometheus.DefBuckets,
		},
	)

	StoreWriteBatchSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "laser_store_write_batch_seconds",
			Help:    "Latency of L0 store write batch commits",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"database", "table", "partition"},
	)

	StoreSizeBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "laser_store_size_bytes",
			Help: "On-disk size of a partition's L0 store",
		},
		[]string{"database", "table", "partition"},
	)

	EngineCommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "laser_engine_commands_total",
			Help: "Total typed-engine commands executed, by command and result",
		},
		[]string{"command", "result"},
	)

	// Go-runtime gauges, updated every 15 seconds by the metrics server.
	GoRoutines = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "laser_go_goroutines",
			Help: "Number of goroutines currently running",
		},
	)

	GoThreads = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "laser_go_threads",
			Help: "GOMAXPROCS value",
		},
	)

	GoMemAllocBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "laser_go_mem_alloc_bytes",
			Help: "Bytes of allocated heap objects",
		},
	)

	GoMemTotalAllocBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "laser_go_mem_total_alloc_bytes",
			Help: "Cumulative bytes allocated for heap objects",
		},
	)

	GoMemSysBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "laser_go_mem_sys_bytes",
			Help: "Total bytes of memory obtained from the OS",
		},
	)

	GoMemHeapAllocBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "laser_go_mem_heap_alloc_bytes",
			Help: "Bytes of allocated heap objects",
		},
	)

	GoMemHeapIdleBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "laser_go_mem_heap_idle_bytes",
			Help: "Bytes in idle (unused) heap spans",
		},
	)

	GoMemHeapInuseBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "laser_go_mem_heap_inuse_bytes",
			Help: "Bytes in in-use heap spans",
		},
	)

	GoGCPauseSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "laser_go_gc_pause_seconds",
			Help:    "GC stop-the-world pause durations",
			Buckets: prometheus.DefBuckets,
		},
	)

	GoGCTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "laser_go_gc_total",
			Help: "Total number of completed GC cycles",
		},
	)
)

// Server serves the Prometheus exposition format over HTTP and periodically
// refreshes the Go-runtime gauges.
type Server struct {
	config      *config.Config
	logger      *logger.Logger
	server      *http.Server
	stopChan    chan struct{}
	lastNumGC   uint32
}

func New(cfg *config.Config) *Server {
	return &Server{
		config:   cfg,
		logger:   logger.Default().WithComponent("metrics"),
		stopChan: make(chan struct{}),
	}
}

func (s *Server) Start() error {
	if !s.config.Metrics.Enabled {
		s.logger.Info("metrics server disabled")
		return nil
	}

	addr := fmt.Sprintf("%s:%d", s.config.Metrics.Host, s.config.Metrics.Port)

	mux := http.NewServeMux()
	mux.Handle(s.config.Metrics.Path, promhttp.Handler())

	s.server = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	s.logger.Info("starting metrics server",
		"address", addr,
		"path", s.config.Metrics.Path,
	)

	go s.collectRuntimeMetrics()

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("metrics server error", "error", err)
		}
	}()

	return nil
}

func (s *Server) collectRuntimeMetrics() {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			var m runtime.MemStats
			runtime.ReadMemStats(&m)

			GoRoutines.Set(float64(runtime.NumGoroutine()))
			GoThreads.Set(float64(runtime.GOMAXPROCS(0)))

			GoMemAllocBytes.Set(float64(m.Alloc))
			GoMemTotalAllocBytes.Add(float64(m.TotalAlloc))
			GoMemSysBytes.Set(float64(m.Sys))
			GoMemHeapAllocBytes.Set(float64(m.HeapAlloc))
			GoMemHeapIdleBytes.Set(float64(m.HeapIdle))
			GoMemHeapInuseBytes.Set(float64(m.HeapInuse))

			if m.NumGC > s.lastNumGC {
				for i := s.lastNumGC; i < m.NumGC; i++ {
					pause := m.PauseNs[i%256]
					GoGCPauseSeconds.Observe(float64(pause) / 1e9)
					GoGCTotal.Inc()
				}
				s.lastNumGC = m.NumGC
			}

		case <-s.stopChan:
			return
		}
	}
}

func (s *Server) Stop() error {
	close(s.stopChan)
	if s.server != nil {
		s.logger.Info("stopping metrics server")
		return s.server.Close()
	}
	return nil
}
