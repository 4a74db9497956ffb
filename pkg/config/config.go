// Copyright 2025 Takhin Data, Inc.

// Package config loads laserd's configuration from a YAML file with
// environment-variable overrides, layered as defaults, then file, then env.
package config

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix koanf strips from environment variables before
// mapping them onto config keys, e.g. LASER_SERVER__GRPC_PORT -> server.grpc.port.
const EnvPrefix = "LASER_"

// Config is the root of laserd's configuration tree.
type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Storage     StorageConfig     `koanf:"storage"`
	Replication ReplicationConfig `koanf:"replication"`
	Partition   PartitionConfig   `koanf:"partition"`
	Discovery   DiscoveryConfig   `koanf:"discovery"`
	Logging     LoggingConfig     `koanf:"logging"`
	Metrics     MetricsConfig     `koanf:"metrics"`
	Throttle    ThrottleConfig    `koanf:"throttle"`
	Wdt         WdtConfig         `koanf:"wdt"`
}

// ServerConfig holds the node's own identity and RPC listeners.
type ServerConfig struct {
	NodeHash      string `koanf:"node.hash"`
	Host          string `koanf:"host"`
	GRPCPort      int    `koanf:"grpc.port"`
	AdminHTTPPort int    `koanf:"admin.http.port"`
	HealthPort    int    `koanf:"health.port"`
	IsEdgeNode    bool   `koanf:"is.edge.node"`
}

// StorageConfig controls the L0 bbolt-backed store.
type StorageConfig struct {
	DataDir               string `koanf:"data.dir"`
	WALRetentionEntries   int    `koanf:"wal.retention.entries"`
	CompactionIntervalSec int    `koanf:"compaction.interval.sec"`
	CompressionType       string `koanf:"compression.type"` // none, snappy, lz4, zstd
}

// ReplicationConfig controls the follower pull loop and leader handle_pull
// defaults, using the same field names as the RPC request itself.
type ReplicationConfig struct {
	MaxWaitMs               int64 `koanf:"max.wait.ms"`
	MaxSize                 int64 `koanf:"max.size"`
	MaxCount                int64 `koanf:"max.count"`
	PullDelayOnErrorMs      int64 `koanf:"pull.delay.on.error.ms"`
	IterIdleMs              int64 `koanf:"iter.idle.ms"`
	ObservedApplyRateWindow int   `koanf:"observed.apply.rate.window.sec"`
	MaxSeqGap               int64 `koanf:"max.seq.gap"`
}

// PartitionConfig controls the L5/L6 handler and manager pools.
type PartitionConfig struct {
	LockBucketCount    int    `koanf:"lock.bucket.count"`
	LoaderPoolSize     int    `koanf:"loader.pool.size"`
	StagingDir         string `koanf:"staging.dir"`
	DelaySetAvailableS int    `koanf:"delay.set.available.seconds"`
}

// DiscoveryConfig controls the file-based config feed watched by pkg/discovery.
type DiscoveryConfig struct {
	ShardMapPath    string `koanf:"shard.map.path"`
	SchemaPath      string `koanf:"schema.path"`
	WatchDebounceMs int    `koanf:"watch.debounce.ms"`
}

// LoggingConfig mirrors pkg/logger.Config.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// MetricsConfig controls the Prometheus HTTP exporter.
type MetricsConfig struct {
	Enabled bool   `koanf:"enabled"`
	Host    string `koanf:"host"`
	Port    int    `koanf:"port"`
	Path    string `koanf:"path"`
}

// ThrottleConfig bounds the byte rate of base-replication transfers and the
// apply rate of the follower pull loop.
type ThrottleConfig struct {
	ApplyRatePerSecond     int64   `koanf:"apply.rate.per.second"`
	ApplyBurst             int     `koanf:"apply.burst"`
	TransferBytesPerSecond int64   `koanf:"transfer.bytes.per.second"`
	TransferBurst          int     `koanf:"transfer.burst"`
	DynamicEnabled         bool    `koanf:"dynamic.enabled"`
	DynamicCheckIntervalMs int     `koanf:"dynamic.check.interval.ms"`
	DynamicMinRate         int64   `koanf:"dynamic.min.rate"`
	DynamicMaxRate         int64   `koanf:"dynamic.max.rate"`
	DynamicTargetUtilPct   float64 `koanf:"dynamic.target.util.pct"`
	DynamicAdjustmentStep  float64 `koanf:"dynamic.adjustment.step"`
}

// WdtConfig controls which bulk-transfer transports laserd registers for
// base-snapshot fetch, on top of the always-registered local/file transport.
type WdtConfig struct {
	S3Enabled  bool   `koanf:"s3.enabled"`
	S3Region   string `koanf:"s3.region"`
	S3Endpoint string `koanf:"s3.endpoint"`
}

// Load reads configuration from configPath (if non-empty), then overlays
// environment variables prefixed with LASER_ (double underscore separates
// the section, single underscores become dots, e.g. LASER_SERVER__GRPC_PORT),
// on top of built-in defaults.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaultsMap(), "."), nil); err != nil {
		return nil, fmt.Errorf("config: load defaults: %w", err)
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("config: load file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		s = strings.TrimPrefix(s, EnvPrefix)
		s = strings.ReplaceAll(strings.ToLower(s), "__", ".")
		return strings.ReplaceAll(s, "_", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("config: load env: %w", err)
	}

	var cfg Config
	for path, dst := range map[string]interface{}{
		"server": &cfg.Server, "storage": &cfg.Storage, "replication": &cfg.Replication,
		"partition": &cfg.Partition, "discovery": &cfg.Discovery, "logging": &cfg.Logging,
		"metrics": &cfg.Metrics, "throttle": &cfg.Throttle, "wdt": &cfg.Wdt,
	} {
		if err := k.UnmarshalWithConf(path, dst, koanf.UnmarshalConf{Tag: "koanf", FlatPaths: true}); err != nil {
			return nil, fmt.Errorf("config: unmarshal %s: %w", path, err)
		}
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func defaultsMap() map[string]interface{} {
	d := Default()
	return map[string]interface{}{
		"server.node.hash":                            d.Server.NodeHash,
		"server.host":                                 d.Server.Host,
		"server.grpc.port":                             d.Server.GRPCPort,
		"server.admin.http.port":                       d.Server.AdminHTTPPort,
		"server.health.port":                           d.Server.HealthPort,
		"server.is.edge.node":                          d.Server.IsEdgeNode,
		"storage.data.dir":                             d.Storage.DataDir,
		"storage.wal.retention.entries":                d.Storage.WALRetentionEntries,
		"storage.compaction.interval.sec":              d.Storage.CompactionIntervalSec,
		"storage.compression.type":                     d.Storage.CompressionType,
		"replication.max.wait.ms":                      d.Replication.MaxWaitMs,
		"replication.max.size":                         d.Replication.MaxSize,
		"replication.max.count":                        d.Replication.MaxCount,
		"replication.pull.delay.on.error.ms":           d.Replication.PullDelayOnErrorMs,
		"replication.iter.idle.ms":                     d.Replication.IterIdleMs,
		"replication.observed.apply.rate.window.sec":   d.Replication.ObservedApplyRateWindow,
		"replication.max.seq.gap":                      d.Replication.MaxSeqGap,
		"partition.lock.bucket.count":                  d.Partition.LockBucketCount,
		"partition.loader.pool.size":                   d.Partition.LoaderPoolSize,
		"partition.staging.dir":                        d.Partition.StagingDir,
		"partition.delay.set.available.seconds":        d.Partition.DelaySetAvailableS,
		"discovery.watch.debounce.ms":                  d.Discovery.WatchDebounceMs,
		"logging.level":                                d.Logging.Level,
		"logging.format":                               d.Logging.Format,
		"metrics.enabled":                              d.Metrics.Enabled,
		"metrics.host":                                 d.Metrics.Host,
		"metrics.port":                                 d.Metrics.Port,
		"metrics.path":                                 d.Metrics.Path,
		"throttle.apply.rate.per.second":                d.Throttle.ApplyRatePerSecond,
		"throttle.apply.burst":                          d.Throttle.ApplyBurst,
		"throttle.transfer.bytes.per.second":            d.Throttle.TransferBytesPerSecond,
		"throttle.transfer.burst":                       d.Throttle.TransferBurst,
		"throttle.dynamic.enabled":                      d.Throttle.DynamicEnabled,
		"throttle.dynamic.check.interval.ms":            d.Throttle.DynamicCheckIntervalMs,
		"throttle.dynamic.min.rate":                     d.Throttle.DynamicMinRate,
		"throttle.dynamic.max.rate":                     d.Throttle.DynamicMaxRate,
		"throttle.dynamic.target.util.pct":              d.Throttle.DynamicTargetUtilPct,
		"throttle.dynamic.adjustment.step":              d.Throttle.DynamicAdjustmentStep,
		"wdt.s3.enabled":                                d.Wdt.S3Enabled,
		"wdt.s3.region":                                 d.Wdt.S3Region,
		"wdt.s3.endpoint":                                d.Wdt.S3Endpoint,
	}
}

// Default returns the built-in configuration used before any file or
// environment overlay is applied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:          "0.0.0.0",
			GRPCPort:      7070,
			AdminHTTPPort: 7071,
			HealthPort:    7072,
		},
		Storage: StorageConfig{
			DataDir:               "/var/lib/laser",
			WALRetentionEntries:   100000,
			CompactionIntervalSec: 300,
			CompressionType:       "snappy",
		},
		Replication: ReplicationConfig{
			MaxWaitMs:               1000,
			MaxSize:                 4 * 1024 * 1024,
			MaxCount:                10000,
			PullDelayOnErrorMs:      1000,
			IterIdleMs:              60000,
			ObservedApplyRateWindow: 60,
			MaxSeqGap:               1000000,
		},
		Partition: PartitionConfig{
			LockBucketCount:    1024,
			LoaderPoolSize:     4,
			StagingDir:         "/var/lib/laser/staging",
			DelaySetAvailableS: 5,
		},
		Discovery: DiscoveryConfig{
			WatchDebounceMs: 500,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    9090,
			Path:    "/metrics",
		},
		Throttle: ThrottleConfig{
			ApplyRatePerSecond:     50000,
			ApplyBurst:             100000,
			TransferBytesPerSecond: 50 * 1024 * 1024,
			TransferBurst:          100 * 1024 * 1024,
			DynamicCheckIntervalMs: 5000,
			DynamicMinRate:         1024 * 1024,
			DynamicMaxRate:         200 * 1024 * 1024,
			DynamicTargetUtilPct:   0.80,
			DynamicAdjustmentStep:  0.10,
		},
		Wdt: WdtConfig{
			S3Enabled: false,
		},
	}
}

func validate(cfg *Config) error {
	if cfg.Server.GRPCPort <= 0 || cfg.Server.GRPCPort > 65535 {
		return fmt.Errorf("config: server.grpc.port out of range: %d", cfg.Server.GRPCPort)
	}
	if cfg.Storage.DataDir == "" {
		return fmt.Errorf("config: storage.data.dir must not be empty")
	}
	if cfg.Replication.MaxWaitMs <= 0 {
		return fmt.Errorf("config: replication.max.wait.ms must be positive")
	}
	if cfg.Partition.LockBucketCount <= 0 {
		return fmt.Errorf("config: partition.lock.bucket.count must be positive")
	}
	switch strings.ToLower(cfg.Storage.CompressionType) {
	case "none", "snappy", "lz4", "zstd":
	default:
		return fmt.Errorf("config: storage.compression.type unsupported: %s", cfg.Storage.CompressionType)
	}
	return nil
}
