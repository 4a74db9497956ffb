// Copyright 2025 Takhin Data, Inc.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/takhin-data/laser/pkg/adminhttp"
	"github.com/takhin-data/laser/pkg/cityhash"
	"github.com/takhin-data/laser/pkg/compression"
	"github.com/takhin-data/laser/pkg/config"
	"github.com/takhin-data/laser/pkg/dbmanager"
	"github.com/takhin-data/laser/pkg/discovery"
	"github.com/takhin-data/laser/pkg/engine"
	"github.com/takhin-data/laser/pkg/grpcapi"
	"github.com/takhin-data/laser/pkg/health"
	"github.com/takhin-data/laser/pkg/logger"
	"github.com/takhin-data/laser/pkg/metrics"
	"github.com/takhin-data/laser/pkg/partition"
	"github.com/takhin-data/laser/pkg/replication"
	"github.com/takhin-data/laser/pkg/replicationrpc"
	"github.com/takhin-data/laser/pkg/store"
	"github.com/takhin-data/laser/pkg/throttle"
	"github.com/takhin-data/laser/pkg/wdt"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/laserd.yaml", "path to configuration file")
	showVersion := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("laserd version %s (commit: %s, built: %s)\n", version, commit, buildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	logger.SetDefault(log)

	log.Info("starting laserd", "version", version, "commit", commit, "build_time", buildTime)
	log.Info("loaded configuration",
		"node_hash", cfg.Server.NodeHash,
		"data_dir", cfg.Storage.DataDir,
		"is_edge_node", cfg.Server.IsEdgeNode,
	)

	compressionType, err := compression.ParseType(cfg.Storage.CompressionType)
	if err != nil {
		log.Fatal("invalid storage.compression.type", "error", err)
	}

	metricsServer := metrics.New(cfg)
	if err := metricsServer.Start(); err != nil {
		log.Fatal("failed to start metrics server", "error", err)
	}

	applyThrottle := throttle.New(&throttle.Config{
		ApplyRatePerSecond:     cfg.Throttle.ApplyRatePerSecond,
		ApplyBurst:             cfg.Throttle.ApplyBurst,
		TransferBytesPerSecond: cfg.Throttle.TransferBytesPerSecond,
		TransferBurst:          cfg.Throttle.TransferBurst,
		DynamicEnabled:         cfg.Throttle.DynamicEnabled,
		DynamicCheckInterval:   cfg.Throttle.DynamicCheckIntervalMs,
		DynamicMinRate:         cfg.Throttle.DynamicMinRate,
		DynamicMaxRate:         cfg.Throttle.DynamicMaxRate,
		DynamicTargetUtilPct:   cfg.Throttle.DynamicTargetUtilPct,
		DynamicAdjustmentStep:  cfg.Throttle.DynamicAdjustmentStep,
	})
	log.Info("initialized throttle")

	grpcAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.GRPCPort)
	grpcHost, err := grpcapi.NewGRPCServer(grpcAddr)
	if err != nil {
		log.Fatal("failed to bind grpc listener", "error", err)
	}

	replClient := replicationrpc.NewClient()

	transport := wdt.NewDispatcher()
	transport.Register("file", wdt.LocalTransport{Throttle: applyThrottle})

	if cfg.Wdt.S3Enabled {
		s3Transport, err := wdt.NewS3Transport(context.Background(), wdt.S3Config{
			Region:   cfg.Wdt.S3Region,
			Endpoint: cfg.Wdt.S3Endpoint,
		})
		if err != nil {
			log.Fatal("failed to initialize s3 wdt transport", "error", err)
		}
		s3Transport.Throttle = applyThrottle
		transport.Register("s3", s3Transport)
		log.Info("registered s3 wdt transport", "region", cfg.Wdt.S3Region)
	}

	nodeHash := int64(cityhash.Hash64([]byte(cfg.Server.NodeHash)))

	var placement partition.PlacementStrategy
	if cfg.Server.IsEdgeNode {
		placement = partition.PinnedPlacement{}
	} else {
		placement = partition.ModPlacement{Members: []int64{nodeHash}}
	}

	dbm := dbmanager.New(dbmanager.Config{
		NodeHash:      nodeHash,
		Group:         "default",
		NodeName:      cfg.Server.NodeHash,
		DataRoot:      cfg.Storage.DataDir,
		ClientAddress: grpcAddr,
		IsEdgeNode:    cfg.Server.IsEdgeNode,
		StoreOptions: store.Options{Compression: compressionType, Logger: log},
		EngineOpts:   engine.Options{Logger: log},
		ReplConfig: replication.Config{
			MaxWaitMs:                  cfg.Replication.MaxWaitMs,
			MaxSize:                    int(cfg.Replication.MaxSize),
			MaxCount:                   int(cfg.Replication.MaxCount),
			PullDelayOnErrorMs:         cfg.Replication.PullDelayOnErrorMs,
			IterIdleMs:                 cfg.Replication.IterIdleMs,
			ObservedApplyRateWindowSec: int64(cfg.Replication.ObservedApplyRateWindow),
		},
		LockBuckets: cfg.Partition.LockBucketCount,
		ReplClient:  replClient,
		Transport:   transport,
		Throttle:    applyThrottle,
		Logger:      log,
	}, placement)

	replServer := replicationrpc.NewServer(dbm, dbm)
	replServer.Register(grpcHost)

	go func() {
		if err := grpcHost.Start(); err != nil {
			log.Fatal("failed to start grpc server", "error", err)
		}
	}()
	log.Info("started replication rpc server", "addr", grpcAddr)

	collector := metrics.NewCollector(dbm, 15*time.Second)
	collector.Start()

	var healthServer *health.Server
	healthChecker := health.NewChecker(version, dbm)
	healthAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.HealthPort)
	healthServer = health.NewServer(healthAddr, healthChecker)
	if err := healthServer.Start(); err != nil {
		log.Fatal("failed to start health check server", "error", err)
	}
	log.Info("started health check server", "addr", healthAddr)

	adminAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.AdminHTTPPort)
	adminServer := adminhttp.NewServer(adminAddr, dbm)
	if err := adminServer.Start(); err != nil {
		log.Fatal("failed to start admin http server", "error", err)
	}
	log.Info("started admin http server", "addr", adminAddr)

	var feed *discovery.Feed
	if cfg.Discovery.ShardMapPath != "" {
		feed = discovery.NewFeed(cfg.Discovery.ShardMapPath)
		desired, err := feed.Load()
		if err != nil {
			log.Fatal("failed to load initial shard map", "error", err)
		}
		if err := dbm.ReconcileDesired(context.Background(), desired); err != nil {
			log.Error("initial reconcile failed", "error", err)
		}
		if err := feed.Start(); err != nil {
			log.Fatal("failed to start config feed watcher", "error", err)
		}
		go func() {
			for desired := range feed.Updates() {
				if err := dbm.ReconcileDesired(context.Background(), desired); err != nil {
					log.Error("reconcile failed", "error", err)
				}
			}
		}()
		log.Info("watching config feed", "path", cfg.Discovery.ShardMapPath)
	} else {
		log.Warn("discovery.shard.map.path not set, node will mount nothing")
	}

	startupCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Partition.DelaySetAvailableS)*time.Second+5*time.Second)
	if err := dbm.WaitReady(startupCtx); err != nil {
		log.Warn("partition manager did not reach ready before deadline", "error", err)
	}
	cancel()

	log.Info("laserd started successfully", "grpc_port", cfg.Server.GRPCPort, "admin_port", cfg.Server.AdminHTTPPort)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down laserd")

	grpcHost.Stop()
	if feed != nil {
		if err := feed.Stop(); err != nil {
			log.Error("failed to stop config feed", "error", err)
		}
	}
	if err := adminServer.Stop(); err != nil {
		log.Error("failed to stop admin http server", "error", err)
	}
	if err := healthServer.Stop(); err != nil {
		log.Error("failed to stop health check server", "error", err)
	}
	collector.Stop()
	if err := applyThrottle.Close(); err != nil {
		log.Error("failed to stop throttle", "error", err)
	}
	if err := replClient.Close(); err != nil {
		log.Error("failed to close replication client", "error", err)
	}
	if err := metricsServer.Stop(); err != nil {
		log.Error("failed to stop metrics server", "error", err)
	}

	log.Info("laserd stopped")
}
