// Copyright 2025 Takhin Data, Inc.

// Package partition implements L5 (the per-partition handler state
// machine) and L6 (the manager that reconciles desired vs mounted
// partitions). A Handler owns exactly one partition's L0 store, L2 lock
// table, L3 engine, and L4 replication DB, and walks it through the four
// lifecycle states: UNLOADED, LOADING_BASE, READY, LOADING_DELTA.
package partition

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/takhin-data/laser/pkg/engine"
	"github.com/takhin-data/laser/pkg/keylock"
	"github.com/takhin-data/laser/pkg/logger"
	"github.com/takhin-data/laser/pkg/replication"
	"github.com/takhin-data/laser/pkg/status"
	"github.com/takhin-data/laser/pkg/store"
)

// State is one of the four states a partition handler walks through.
type State int32

const (
	StateUnloaded State = iota
	StateLoadingBase
	StateReady
	StateLoadingDelta
)

func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoadingBase:
		return "loading_base"
	case StateReady:
		return "ready"
	case StateLoadingDelta:
		return "loading_delta"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Snapshot is what a transport (WDT or local filesystem) hands the
// handler during load_base: a directory containing a fully-formed store
// file ready to be adopted in place, plus the version string it represents.
type Snapshot struct {
	Version string
	Path    string
}

// Ident identifies a partition handler uniquely across the cluster.
type Ident struct {
	Database  string
	Table     string
	Partition int32
}

func (id Ident) String() string {
	return fmt.Sprintf("%s/%s/%d", id.Database, id.Table, id.Partition)
}

// Config configures a Handler at construction.
type Config struct {
	Ident Ident

	DataDir    string
	StagingDir string

	DBHash        int64
	NodeHash      int64
	ClientAddress string

	StoreOptions store.Options
	EngineOpts   engine.Options
	ReplConfig   replication.Config
	LockBuckets  int

	ReplClient    replication.Client
	UpdateVersion replication.UpdateVersionFunc
	Throttle      replication.ApplyThrottler

	Logger *logger.Logger
}

// Handler is one partition's full vertical slice: store, lock table,
// engine, and replication DB, gated by a state machine.
type Handler struct {
	cfg    Config
	log    *logger.Logger
	state  atomic.Int32

	mu    sync.RWMutex
	store *store.Store
	locks *keylock.Table
	eng   *engine.Engine
	repl  *replication.DB

	role replication.Role
}

// NewHandler constructs a Handler in the UNLOADED state. Call LoadBase (or
// LoadEmpty, for a brand-new leader partition with no prior data) to bring
// it up.
func NewHandler(cfg Config) *Handler {
	if cfg.LockBuckets <= 0 {
		cfg.LockBuckets = 1024
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Default()
	}
	log = log.WithPartition(cfg.Ident.Database, cfg.Ident.Table, cfg.Ident.Partition)

	h := &Handler{cfg: cfg, log: log}
	h.state.Store(int32(StateUnloaded))
	return h
}

func (h *Handler) State() State {
	return State(h.state.Load())
}

func (h *Handler) Ident() Ident {
	return h.cfg.Ident
}

func (h *Handler) storePath() string {
	return filepath.Join(h.cfg.DataDir, "laser.db")
}

// LoadEmpty mounts a fresh, empty partition as the initial leader state:
// no base snapshot exists yet because nothing has ever been written.
func (h *Handler) LoadEmpty(role replication.Role) error {
	return h.mount(role, "", nil)
}

// LoadBase adopts snap as this partition's on-disk state (replacing
// whatever was there before) and transitions UNLOADED -> LOADING_BASE ->
// READY. It is used both for a follower's initial bootstrap and for
// recovering from RP_SOURCE_WAL_LOG_REMOVED.
func (h *Handler) LoadBase(ctx context.Context, role replication.Role, snap Snapshot) error {
	if !h.transition(StateUnloaded, StateLoadingBase) && !h.transition(StateReady, StateLoadingBase) {
		return status.New(status.RSBusy, "partition %s not in a loadable state (current=%s)", h.cfg.Ident, h.State())
	}

	if err := os.MkdirAll(h.cfg.DataDir, 0o755); err != nil {
		h.state.Store(int32(StateUnloaded))
		return status.New(status.RSIOError, "mkdir %s: %v", h.cfg.DataDir, err)
	}

	dest := h.storePath()
	if err := os.Rename(snap.Path, dest); err != nil {
		h.state.Store(int32(StateUnloaded))
		return status.New(status.RSIOError, "adopt snapshot %s -> %s: %v", snap.Path, dest, err)
	}

	return h.mount(role, snap.Version, nil)
}

func (h *Handler) mount(role replication.Role, baseVersion string, _ any) error {
	opts := h.cfg.StoreOptions
	opts.Logger = h.log
	s, err := store.Open(h.storePath(), opts)
	if err != nil {
		h.state.Store(int32(StateUnloaded))
		return err
	}

	locks := keylock.New(h.cfg.LockBuckets)
	engOpts := h.cfg.EngineOpts
	engOpts.Locks = locks
	if engOpts.Logger == nil {
		engOpts.Logger = h.log
	}
	eng := engine.New(s, engOpts)

	repl := replication.New(s, replication.Options{
		DBHash:        h.cfg.DBHash,
		NodeHash:      h.cfg.NodeHash,
		ClientAddress: h.cfg.ClientAddress,
		Role:          role,
		BaseVersion:   baseVersion,
		Config:        h.cfg.ReplConfig,
		Client:        h.cfg.ReplClient,
		UpdateVersion: h.wrapUpdateVersion(),
		Throttle:      h.cfg.Throttle,
		Logger:        h.log,
	})

	h.mu.Lock()
	h.store = s
	h.locks = locks
	h.eng = eng
	h.repl = repl
	h.role = role
	h.mu.Unlock()

	h.state.Store(int32(StateReady))
	h.log.Info("partition mounted", "role", role, "base_version", baseVersion)
	return nil
}

// wrapUpdateVersion intercepts a stale-version signal from the replication
// DB (RP_SOURCE_WAL_LOG_REMOVED) and drives this handler back through
// LOADING_DELTA before forwarding to the caller-supplied callback, which is
// owned by the partition manager and triggers an actual base fetch.
func (h *Handler) wrapUpdateVersion() replication.UpdateVersionFunc {
	return func(dbHash int64, newVersion string) {
		h.state.Store(int32(StateLoadingDelta))
		if h.cfg.UpdateVersion != nil {
			h.cfg.UpdateVersion(dbHash, newVersion)
		}
	}
}

func (h *Handler) transition(from, to State) bool {
	return h.state.CompareAndSwap(int32(from), int32(to))
}

// Engine returns the typed-command engine for this partition. It is nil
// before the first load and after Unload; it stays set while a mounted
// partition is in LOADING_DELTA or reloading its base.
func (h *Handler) Engine() *engine.Engine {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.eng
}

// Replication returns the L4 replication DB for this partition.
func (h *Handler) Replication() *replication.DB {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.repl
}

// StageSnapshotDir returns a fresh, uniquely-named directory under the
// configured staging dir, for a transport to write an incoming base
// snapshot into before LoadBase adopts it.
func (h *Handler) StageSnapshotDir() (string, error) {
	dir := filepath.Join(h.cfg.StagingDir, uuid.NewString())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", status.New(status.RSIOError, "mkstaging %s: %v", dir, err)
	}
	return dir, nil
}

// Unload closes the store and replication DB and returns the handler to
// UNLOADED so the manager may remount or discard it.
func (h *Handler) Unload() error {
	h.mu.Lock()
	repl, s := h.repl, h.store
	h.repl, h.store, h.eng, h.locks = nil, nil, nil, nil
	h.mu.Unlock()

	if repl != nil {
		repl.Close()
	}
	var err error
	if s != nil {
		err = s.Close()
	}
	h.state.Store(int32(StateUnloaded))
	h.log.Info("partition unloaded")
	return err
}

// ObservabilitySnapshot reports the fields pkg/metrics.Collector republishes
// as Prometheus gauges.
type ObservabilitySnapshot struct {
	State              State
	SizeBytes          int64
	ReplicationLagSeq  int64
	ApplyRatePerMinute float64
}

func (h *Handler) Observe() ObservabilitySnapshot {
	h.mu.RLock()
	s, repl := h.store, h.repl
	h.mu.RUnlock()

	snap := ObservabilitySnapshot{State: h.State()}
	if s != nil {
		if info, err := os.Stat(h.storePath()); err == nil {
			snap.SizeBytes = info.Size()
		}
	}
	if repl != nil {
		snap.ReplicationLagSeq, snap.ApplyRatePerMinute = repl.Observe()
	}
	return snap
}

// waitReady blocks until the handler reaches READY or the context expires;
// used by the manager when synchronously mounting a newly-desired partition.
func (h *Handler) waitReady(ctx context.Context) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		if h.State() == StateReady {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
