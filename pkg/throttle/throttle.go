// Copyright 2025 Takhin Data, Inc.

// Package throttle bounds two independent rates in the replication path:
// how fast a follower's pull loop is allowed to apply WAL entries, and how
// much bandwidth a base-replication (full snapshot) transfer may consume.
package throttle

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/takhin-data/laser/pkg/logger"
)

// Type identifies which of the two rate limiters a call is exercising.
type Type string

const (
	TypeApply    Type = "apply"
	TypeTransfer Type = "transfer"
)

// Throttler rate-limits the follower apply path and the base-replication
// transfer path independently, with optional dynamic adjustment of both
// based on observed utilization.
type Throttler struct {
	applyLimiter    *rate.Limiter
	transferLimiter *rate.Limiter

	applyRate    atomic.Int64
	transferRate atomic.Int64

	applyThrottled    atomic.Int64
	applyAllowed      atomic.Int64
	transferThrottled atomic.Int64
	transferAllowed   atomic.Int64

	config *Config
	logger *logger.Logger

	adjustmentEnabled bool
	adjustmentMu      sync.RWMutex
	stopChan          chan struct{}
	wg                sync.WaitGroup
}

// Config holds throttle configuration.
type Config struct {
	ApplyRatePerSecond     int64 `koanf:"apply.rate.per.second"`
	ApplyBurst             int   `koanf:"apply.burst"`
	TransferBytesPerSecond int64 `koanf:"transfer.bytes.per.second"`
	TransferBurst          int   `koanf:"transfer.burst"`

	DynamicEnabled        bool    `koanf:"dynamic.enabled"`
	DynamicCheckInterval  int     `koanf:"dynamic.check.interval.ms"`
	DynamicMinRate        int64   `koanf:"dynamic.min.rate"`
	DynamicMaxRate        int64   `koanf:"dynamic.max.rate"`
	DynamicTargetUtilPct  float64 `koanf:"dynamic.target.util.pct"`
	DynamicAdjustmentStep float64 `koanf:"dynamic.adjustment.step"`
}

// New creates a new Throttler with the given configuration.
func New(cfg *Config) *Throttler {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	setConfigDefaults(cfg)

	t := &Throttler{
		config:            cfg,
		logger:            logger.Default().WithComponent("throttle"),
		adjustmentEnabled: cfg.DynamicEnabled,
		stopChan:          make(chan struct{}),
	}

	t.applyLimiter = rate.NewLimiter(rate.Limit(cfg.ApplyRatePerSecond), cfg.ApplyBurst)
	t.transferLimiter = rate.NewLimiter(rate.Limit(cfg.TransferBytesPerSecond), cfg.TransferBurst)

	t.applyRate.Store(cfg.ApplyRatePerSecond)
	t.transferRate.Store(cfg.TransferBytesPerSecond)

	if cfg.DynamicEnabled {
		t.wg.Add(1)
		go t.dynamicAdjustmentLoop()
	}

	t.logger.Info("throttler initialized",
		"apply_rate", cfg.ApplyRatePerSecond,
		"transfer_rate", cfg.TransferBytesPerSecond,
		"dynamic_enabled", cfg.DynamicEnabled,
	)

	return t
}

// DefaultConfig returns default throttle configuration.
func DefaultConfig() *Config {
	return &Config{
		ApplyRatePerSecond:     50000,
		ApplyBurst:             100000,
		TransferBytesPerSecond: 50 * 1024 * 1024,
		TransferBurst:          100 * 1024 * 1024,
		DynamicEnabled:         false,
		DynamicCheckInterval:   5000,
		DynamicMinRate:         1024 * 1024,
		DynamicMaxRate:         200 * 1024 * 1024,
		DynamicTargetUtilPct:   0.80,
		DynamicAdjustmentStep:  0.10,
	}
}

func setConfigDefaults(cfg *Config) {
	if cfg.ApplyRatePerSecond == 0 {
		cfg.ApplyRatePerSecond = 50000
	}
	if cfg.ApplyBurst == 0 {
		cfg.ApplyBurst = int(cfg.ApplyRatePerSecond * 2)
	}
	if cfg.TransferBytesPerSecond == 0 {
		cfg.TransferBytesPerSecond = 50 * 1024 * 1024
	}
	if cfg.TransferBurst == 0 {
		cfg.TransferBurst = int(cfg.TransferBytesPerSecond * 2)
	}
	if cfg.DynamicCheckInterval == 0 {
		cfg.DynamicCheckInterval = 5000
	}
	if cfg.DynamicMinRate == 0 {
		cfg.DynamicMinRate = 1024 * 1024
	}
	if cfg.DynamicMaxRate == 0 {
		cfg.DynamicMaxRate = 200 * 1024 * 1024
	}
	if cfg.DynamicTargetUtilPct == 0 {
		cfg.DynamicTargetUtilPct = 0.80
	}
	if cfg.DynamicAdjustmentStep == 0 {
		cfg.DynamicAdjustmentStep = 0.10
	}
}

// AllowApply blocks until n WAL entries may be applied without exceeding
// the configured apply rate.
func (t *Throttler) AllowApply(ctx context.Context, n int) error {
	if t.config.ApplyRatePerSecond <= 0 {
		t.applyAllowed.Add(int64(n))
		return nil
	}

	if err := t.applyLimiter.WaitN(ctx, n); err != nil {
		t.applyThrottled.Add(int64(n))
		return err
	}

	t.applyAllowed.Add(int64(n))
	return nil
}

// AllowTransfer blocks until bytes may be sent during a base-replication
// transfer without exceeding the configured transfer bandwidth.
func (t *Throttler) AllowTransfer(ctx context.Context, bytes int) error {
	if t.config.TransferBytesPerSecond <= 0 {
		t.transferAllowed.Add(int64(bytes))
		return nil
	}

	if err := t.transferLimiter.WaitN(ctx, bytes); err != nil {
		t.transferThrottled.Add(int64(bytes))
		return err
	}

	t.transferAllowed.Add(int64(bytes))
	return nil
}

// UpdateApplyRate dynamically updates the apply rate limit.
func (t *Throttler) UpdateApplyRate(perSecond int64, burst int) {
	if perSecond < t.config.DynamicMinRate {
		perSecond = t.config.DynamicMinRate
	}
	if perSecond > t.config.DynamicMaxRate {
		perSecond = t.config.DynamicMaxRate
	}

	t.adjustmentMu.Lock()
	defer t.adjustmentMu.Unlock()

	t.applyLimiter.SetLimit(rate.Limit(perSecond))
	if burst > 0 {
		t.applyLimiter.SetBurst(burst)
	}
	t.applyRate.Store(perSecond)

	t.logger.Info("updated apply rate", "rate_per_second", perSecond, "burst", burst)
}

// UpdateTransferRate dynamically updates the transfer bandwidth limit.
func (t *Throttler) UpdateTransferRate(bytesPerSecond int64, burst int) {
	if bytesPerSecond < t.config.DynamicMinRate {
		bytesPerSecond = t.config.DynamicMinRate
	}
	if bytesPerSecond > t.config.DynamicMaxRate {
		bytesPerSecond = t.config.DynamicMaxRate
	}

	t.adjustmentMu.Lock()
	defer t.adjustmentMu.Unlock()

	t.transferLimiter.SetLimit(rate.Limit(bytesPerSecond))
	if burst > 0 {
		t.transferLimiter.SetBurst(burst)
	}
	t.transferRate.Store(bytesPerSecond)

	t.logger.Info("updated transfer rate", "bytes_per_second", bytesPerSecond, "burst", burst)
}

// Stats holds throttle statistics.
type Stats struct {
	ApplyRate         int64
	ApplyThrottled    int64
	ApplyAllowed      int64
	TransferRate      int64
	TransferThrottled int64
	TransferAllowed   int64
}

func (t *Throttler) GetStats() Stats {
	return Stats{
		ApplyRate:         t.applyRate.Load(),
		ApplyThrottled:    t.applyThrottled.Load(),
		ApplyAllowed:      t.applyAllowed.Load(),
		TransferRate:      t.transferRate.Load(),
		TransferThrottled: t.transferThrottled.Load(),
		TransferAllowed:   t.transferAllowed.Load(),
	}
}

func (t *Throttler) dynamicAdjustmentLoop() {
	defer t.wg.Done()

	ticker := time.NewTicker(time.Duration(t.config.DynamicCheckInterval) * time.Millisecond)
	defer ticker.Stop()

	var lastApplyAllowed, lastTransferAllowed int64

	for {
		select {
		case <-ticker.C:
			t.adjustRates(&lastApplyAllowed, &lastTransferAllowed)
		case <-t.stopChan:
			return
		}
	}
}

func (t *Throttler) adjustRates(lastApplyAllowed, lastTransferAllowed *int64) {
	currentApplyAllowed := t.applyAllowed.Load()
	currentTransferAllowed := t.transferAllowed.Load()

	applyDelta := currentApplyAllowed - *lastApplyAllowed
	transferDelta := currentTransferAllowed - *lastTransferAllowed

	*lastApplyAllowed = currentApplyAllowed
	*lastTransferAllowed = currentTransferAllowed

	intervalSec := float64(t.config.DynamicCheckInterval) / 1000.0
	applyActualRate := float64(applyDelta) / intervalSec
	transferActualRate := float64(transferDelta) / intervalSec

	t.adjustOne(t.applyRate.Load(), applyActualRate, t.UpdateApplyRate)
	t.adjustOne(t.transferRate.Load(), transferActualRate, t.UpdateTransferRate)
}

func (t *Throttler) adjustOne(currentRate int64, actualRate float64, update func(int64, int)) {
	if currentRate <= 0 {
		return
	}
	utilization := actualRate / float64(currentRate)

	if utilization > t.config.DynamicTargetUtilPct {
		update(int64(float64(currentRate)*(1.0+t.config.DynamicAdjustmentStep)), 0)
	} else if utilization < t.config.DynamicTargetUtilPct*0.5 {
		update(int64(float64(currentRate)*(1.0-t.config.DynamicAdjustmentStep)), 0)
	}
}

// Close stops the throttler and cleans up resources.
func (t *Throttler) Close() error {
	close(t.stopChan)
	t.wg.Wait()
	t.logger.Info("throttler closed")
	return nil
}
