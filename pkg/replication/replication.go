// Copyright 2025 Takhin Data, Inc.

// Package replication implements the L4 replication DB: leader/follower
// replication state over one partition's L0 store. The DB does not own the
// typed engine; pkg/partition.Handler holds the engine beside it on the
// same store. A leader serves WAL-tail pull
// requests from followers; a follower runs an owned pull loop that applies
// batches from its leader and falls back to base replication when the WAL
// has been garbage-collected past its cursor or the base version changes.
package replication

import (
	"context"
	"sync"
	"time"

	"github.com/takhin-data/laser/pkg/logger"
	"github.com/takhin-data/laser/pkg/status"
	"github.com/takhin-data/laser/pkg/store"
)

// Role is a partition DB's replication role.
type Role int

const (
	RoleLeader Role = iota
	RoleFollower
)

func (r Role) String() string {
	if r == RoleLeader {
		return "leader"
	}
	return "follower"
}

// walStore is the subset of *store.Store the replication layer drives
// directly; the engine above it still owns all typed reads/writes.
type walStore interface {
	WriteBatch(ops []store.Op) (uint64, error)
	LatestSequence() uint64
	WaitForAdvance(ctx context.Context, afterSeq uint64) bool
	IterateWAL(fromSeq uint64, maxSize, maxCount int) ([]store.WALEntry, uint64, error)
	ApplyWALEntry(entry store.WALEntry) (uint64, error)
	Checkpoint(destPath string) error
}

// Update is one WAL batch handed across the replication RPC boundary: the
// raw batch bytes (replayable via store.ApplyWALEntry) and the wall-clock
// timestamp it was originally written with, carried so the follower and any
// observer can measure replication freshness.
type Update struct {
	RawBatch []byte
	WriteMs  int64
}

// PullRequest is what a follower sends a leader to ask for WAL updates
// since its local cursor.
type PullRequest struct {
	DBHash        int64
	ExpectedSeq   uint64
	MaxWaitMs     int64
	MaxSize       int
	MaxCount      int
	ClientAddress string
	NodeHash      int64
	BaseVersion   string
}

// PullResponse is the leader's reply: either a batch of updates, or (when
// BaseVersion mismatches) an empty update set carrying the leader's actual
// base version so the follower knows to fall back to base replication.
type PullResponse struct {
	BaseVersion string
	Updates     []Update
	MaxSeq      uint64
}

// Client is the follower side of the replication RPC: it knows how to
// reach the current leader for this partition and issue a pull. Concrete
// implementations live in pkg/replicationrpc; tests supply a fake.
type Client interface {
	Pull(ctx context.Context, req PullRequest) (PullResponse, error)
}

// UpdateVersionFunc is invoked by a follower's pull loop whenever it
// determines its base version is stale and a new base snapshot must be
// fetched, or when ForceBaseReplication was set; a leader DB never calls it. It is owned by L5 (pkg/partition), which reacts by
// re-running load_base.
type UpdateVersionFunc func(dbHash int64, newVersion string)

// ApplyThrottler bounds how fast a follower's pull loop may apply replicated
// WAL batches. Implemented by *pkg/throttle.Throttler.
type ApplyThrottler interface {
	AllowApply(ctx context.Context, n int) error
}

// Config holds the tunables for the leader pull handler and the follower
// pull loop.
type Config struct {
	MaxWaitMs                  int64
	MaxSize                    int
	MaxCount                   int
	PullDelayOnErrorMs         int64
	IterIdleMs                 int64
	ObservedApplyRateWindowSec int64
}

func (c Config) withDefaults() Config {
	if c.MaxWaitMs <= 0 {
		c.MaxWaitMs = 2000
	}
	if c.MaxSize <= 0 {
		c.MaxSize = 4 << 20
	}
	if c.MaxCount <= 0 {
		c.MaxCount = 1000
	}
	if c.PullDelayOnErrorMs <= 0 {
		c.PullDelayOnErrorMs = 1000
	}
	if c.IterIdleMs <= 0 {
		c.IterIdleMs = 5000
	}
	if c.ObservedApplyRateWindowSec <= 0 {
		c.ObservedApplyRateWindowSec = 60
	}
	return c
}

type cachedIter struct {
	nextSeq  uint64
	nodeHash int64
	touched  time.Time
}

// DB is one partition's L4 replication DB.
type DB struct {
	store walStore
	cfg   Config
	log   *logger.Logger

	dbHash                 int64
	nodeHash               int64
	clientAddress          string
	replicatorServiceName  string

	mu                sync.Mutex
	role              Role
	baseVersion       string
	leaderMaxSeq      uint64
	cachedIter        *cachedIter
	clients           map[int64]string // node hash -> client address, leader-side only
	forceBaseReplication bool

	client            Client
	updateVersion     UpdateVersionFunc
	applyRate         *rateTracker
	throttle          ApplyThrottler

	pullCh chan pullMsg
	stopCh chan struct{}
	wg     sync.WaitGroup
}

type pullMsg struct {
	force bool
}

// Options configures a new DB.
type Options struct {
	DBHash                int64
	NodeHash              int64
	ClientAddress         string
	ReplicatorServiceName string
	Role                  Role
	BaseVersion           string
	Config                Config
	Client                Client
	UpdateVersion         UpdateVersionFunc
	Throttle              ApplyThrottler
	Logger                *logger.Logger
}

// New constructs a DB bound to store s. If opts.Role is RoleFollower, the
// follower pull loop is scheduled immediately as part of construction.
func New(s walStore, opts Options) *DB {
	log := opts.Logger
	if log == nil {
		log = logger.Default().WithComponent("replication")
	}
	db := &DB{
		store:                 s,
		cfg:                   opts.Config.withDefaults(),
		log:                   log,
		dbHash:                opts.DBHash,
		nodeHash:              opts.NodeHash,
		clientAddress:         opts.ClientAddress,
		replicatorServiceName: opts.ReplicatorServiceName,
		role:                  opts.Role,
		baseVersion:           opts.BaseVersion,
		clients:               map[int64]string{},
		client:                opts.Client,
		updateVersion:         opts.UpdateVersion,
		applyRate:             newRateTracker(time.Duration(opts.Config.withDefaults().ObservedApplyRateWindowSec) * time.Second),
		throttle:              opts.Throttle,
		pullCh:                make(chan pullMsg, 1),
	}
	if db.role == RoleFollower {
		db.startPullLoop()
	}
	return db
}

// Role reports the DB's current replication role.
func (db *DB) Role() Role {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.role
}

// ChangeRole switches the DB's role, clearing whichever side's stale state
// no longer applies: the cached pull iterator when becoming a follower, the
// tracked client address map when becoming a leader.
func (db *DB) ChangeRole(role Role) {
	db.mu.Lock()
	if db.role == role {
		db.mu.Unlock()
		return
	}
	db.log.Info("replication role changed", "db_hash", db.dbHash, "role", role.String())
	db.role = role
	if role == RoleFollower {
		db.cachedIter = nil
		db.mu.Unlock()
		db.startPullLoop()
		return
	}
	db.clients = map[int64]string{}
	db.mu.Unlock()
	db.stopPullLoop()
}

// Close stops the follower pull loop, if running.
func (db *DB) Close() {
	db.stopPullLoop()
}

// WriteBatch applies ops through L0, rejecting the write outright when this
// DB is currently a follower.
func (db *DB) WriteBatch(ops []store.Op) (uint64, error) {
	if db.Role() == RoleFollower {
		return 0, status.New(status.RSWriteInFollower, "db %d is a follower", db.dbHash)
	}
	return db.store.WriteBatch(ops)
}

// ForceBaseReplication sets the flag that causes the next pull-loop
// iteration to invoke UpdateVersionFunc unconditionally, regardless of
// whether the observed sequence gap would otherwise trigger it.
func (db *DB) ForceBaseReplication() {
	db.mu.Lock()
	db.forceBaseReplication = true
	db.mu.Unlock()
}

// Checkpoint takes a live snapshot of the underlying store for base
// snapshot transfer, driven by pkg/wdt.
func (db *DB) Checkpoint(destPath string) error {
	return db.store.Checkpoint(destPath)
}

// Observe reports the follower-side sequence lag against the leader's last
// known max sequence, and the observed apply rate, for pkg/metrics to
// republish as Prometheus gauges. Both are zero for a leader DB.
func (db *DB) Observe() (lagSeq int64, applyRatePerMinute float64) {
	db.mu.Lock()
	leaderMax := db.leaderMaxSeq
	db.mu.Unlock()

	if leaderMax > 0 {
		local := db.store.LatestSequence()
		if leaderMax > local {
			lagSeq = int64(leaderMax - local)
		}
	}
	if db.applyRate != nil {
		applyRatePerMinute = db.applyRate.perMinute()
	}
	return lagSeq, applyRatePerMinute
}

// BaseVersion returns the DB's currently recorded base version.
func (db *DB) BaseVersion() string {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.baseVersion
}

// SetBaseVersion records a new base version, e.g. after L5 completes a
// load_base.
func (db *DB) SetBaseVersion(version string) {
	db.mu.Lock()
	db.baseVersion = version
	db.mu.Unlock()
}

// HandlePull serves a follower's WAL-tail request, the leader side of the
// pull-based replication protocol.
func (db *DB) HandlePull(ctx context.Context, req PullRequest) (PullResponse, error) {
	db.mu.Lock()
	role := db.role
	baseVersion := db.baseVersion
	db.mu.Unlock()

	if role == RoleFollower {
		return PullResponse{}, status.New(status.RPRoleError, "db %d role is follower", db.dbHash)
	}
	if req.BaseVersion != baseVersion {
		return PullResponse{BaseVersion: baseVersion}, nil
	}

	db.mu.Lock()
	db.clients[req.NodeHash] = req.ClientAddress
	db.mu.Unlock()

	if db.store.LatestSequence() < req.ExpectedSeq {
		waitCtx := ctx
		if req.MaxWaitMs > 0 {
			var cancel context.CancelFunc
			waitCtx, cancel = context.WithTimeout(ctx, time.Duration(req.MaxWaitMs)*time.Millisecond)
			defer cancel()
		}
		db.store.WaitForAdvance(waitCtx, req.ExpectedSeq-1)
	}

	maxSize := req.MaxSize
	if maxSize <= 0 {
		maxSize = db.cfg.MaxSize
	}
	maxCount := req.MaxCount
	if maxCount <= 0 {
		maxCount = db.cfg.MaxCount
	}

	entries, oldestSeq, err := db.store.IterateWAL(req.ExpectedSeq, maxSize, maxCount)
	if err != nil {
		return PullResponse{}, status.New(status.RPSourceReadError, "pull from db %d: %v", db.dbHash, err)
	}

	if len(entries) == 0 && req.ExpectedSeq < oldestSeq && oldestSeq != 0 {
		return PullResponse{}, status.New(status.RPSourceWALLogRemoved, "db %d wal has been removed past seq %d", db.dbHash, req.ExpectedSeq)
	}

	updates := make([]Update, len(entries))
	var nextSeq uint64 = req.ExpectedSeq
	for i, e := range entries {
		updates[i] = Update{RawBatch: e.RawBatch, WriteMs: e.WriteMs}
		nextSeq = e.Seq + 1
	}

	db.mu.Lock()
	db.cachedIter = &cachedIter{nextSeq: nextSeq, nodeHash: req.NodeHash, touched: time.Now()}
	db.mu.Unlock()

	return PullResponse{
		BaseVersion: baseVersion,
		Updates:     updates,
		MaxSeq:      db.store.LatestSequence(),
	}, nil
}

// CleanIdleCachedIter drops the cached pull iterator once it has sat unused
// past IterIdleMs; callers wire this into a periodic timer.
func (db *DB) CleanIdleCachedIter() {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.cachedIter != nil && time.Since(db.cachedIter.touched) > time.Duration(db.cfg.IterIdleMs)*time.Millisecond {
		db.cachedIter = nil
	}
}

// --- follower pull loop -----------------------------------------------

// startPullLoop launches the owned goroutine that drives pull-apply
// cycles: a plain state machine driven by messages on a channel rather
// than self-rescheduling callbacks. A fresh stop channel is created on
// every start so a follower->leader->follower role flap spawns a loop that
// isn't immediately killed by a stop channel closed on a prior stint.
func (db *DB) startPullLoop() {
	db.mu.Lock()
	stopCh := make(chan struct{})
	db.stopCh = stopCh
	db.mu.Unlock()

	db.wg.Add(1)
	go db.pullLoop(stopCh)
	db.requestPull(false)
}

func (db *DB) stopPullLoop() {
	db.mu.Lock()
	stopCh := db.stopCh
	db.stopCh = nil
	db.mu.Unlock()

	if stopCh == nil {
		return
	}
	close(stopCh)
	db.wg.Wait()
}

func (db *DB) requestPull(force bool) {
	select {
	case db.pullCh <- pullMsg{force: force}:
	default:
		// a pull is already queued/in flight; the loop will pick up the
		// force flag via ForceBaseReplication's shared state instead.
	}
}

// pullLoop waits for a pull message, issues the Pull synchronously and
// applies the reply before waiting again; its phases follow from its
// position in the loop, with no explicit state value. It watches the stop channel captured at the moment it was started, not
// whatever db.stopCh currently holds, so a later restart's goroutine can't
// be torn down by this one's (or vice versa).
func (db *DB) pullLoop(stopCh chan struct{}) {
	defer db.wg.Done()
	for {
		select {
		case <-stopCh:
			return
		case <-db.pullCh:
		}

		if db.Role() != RoleFollower {
			continue
		}

		db.mu.Lock()
		forced := db.forceBaseReplication
		db.forceBaseReplication = false
		version := db.baseVersion
		db.mu.Unlock()

		if forced {
			if db.updateVersion != nil {
				db.updateVersion(db.dbHash, version)
			}
			db.log.Info("manual base replication triggered", "db_hash", db.dbHash)
			continue
		}

		req := db.buildPullRequest()
		resp, err := db.client.Pull(context.Background(), req)
		delay := db.applyResponse(resp, err)

		select {
		case <-stopCh:
			return
		case <-time.After(delay):
			db.requestPull(false)
		}
	}
}

func (db *DB) buildPullRequest() PullRequest {
	db.mu.Lock()
	defer db.mu.Unlock()
	return PullRequest{
		DBHash:        db.dbHash,
		ExpectedSeq:   db.store.LatestSequence() + 1,
		MaxWaitMs:     db.cfg.MaxWaitMs,
		MaxSize:       db.cfg.MaxSize,
		MaxCount:      db.cfg.MaxCount,
		ClientAddress: db.clientAddress,
		NodeHash:      db.nodeHash,
		BaseVersion:   db.baseVersion,
	}
}

// applyResponse is the "applying" state: it writes each update through the
// local store, tracks apply rate, and decides whether a version update
// (base replication fallback) is required. It returns how long the loop
// should wait before the next pull.
func (db *DB) applyResponse(resp PullResponse, err error) time.Duration {
	if err != nil {
		if status.Is(err, status.RPSourceWALLogRemoved) {
			if db.updateVersion != nil {
				db.updateVersion(db.dbHash, db.BaseVersion())
			}
			db.log.Info("wal log removed upstream, triggering base replication", "db_hash", db.dbHash)
			return 0
		}
		db.log.Warn("pull from upstream failed", "db_hash", db.dbHash, "error", err)
		return time.Duration(db.cfg.PullDelayOnErrorMs) * time.Millisecond
	}

	if resp.BaseVersion != db.BaseVersion() {
		if db.updateVersion != nil {
			db.updateVersion(db.dbHash, resp.BaseVersion)
		}
		db.log.Info("base version changed upstream", "db_hash", db.dbHash, "version", resp.BaseVersion)
		return 0
	}

	db.mu.Lock()
	db.leaderMaxSeq = resp.MaxSeq
	db.mu.Unlock()

	if len(resp.Updates) > 0 && db.throttle != nil {
		if err := db.throttle.AllowApply(context.Background(), len(resp.Updates)); err != nil {
			db.log.Warn("apply throttle wait failed", "db_hash", db.dbHash, "error", err)
			return time.Duration(db.cfg.PullDelayOnErrorMs) * time.Millisecond
		}
	}

	for _, u := range resp.Updates {
		entry := store.WALEntry{RawBatch: u.RawBatch, WriteMs: u.WriteMs}
		if _, err := db.store.ApplyWALEntry(entry); err != nil {
			db.log.Error("failed to apply replicated batch", "db_hash", db.dbHash, "error", err)
			return time.Duration(db.cfg.PullDelayOnErrorMs) * time.Millisecond
		}
		db.applyRate.mark(1)
	}

	if db.reachedMaxSeqGap() {
		if db.updateVersion != nil {
			db.updateVersion(db.dbHash, db.BaseVersion())
		}
		db.log.Info("seq gap exceeds observed apply rate, triggering base replication", "db_hash", db.dbHash)
		return 0
	}

	return 0
}

// reachedMaxSeqGap checks seq_gap = |leader_max_seq - local| against the
// observed apply rate over the configured window.
func (db *DB) reachedMaxSeqGap() bool {
	db.mu.Lock()
	leaderMax := db.leaderMaxSeq
	db.mu.Unlock()

	local := db.store.LatestSequence()
	gap := int64(leaderMax) - int64(local)
	if gap < 0 {
		gap = -gap
	}
	ratePerMin := db.applyRate.perMinute()
	if ratePerMin <= 0 {
		return false
	}
	windowMin := float64(db.cfg.ObservedApplyRateWindowSec) / 60.0
	return float64(gap) > ratePerMin*windowMin
}

// rateTracker is a minimal sliding-window counter used to estimate
// observed_apply_rate_per_min without pulling in a metrics dependency for
// internal decision-making.
type rateTracker struct {
	mu     sync.Mutex
	window time.Duration
	events []time.Time
}

func newRateTracker(window time.Duration) *rateTracker {
	if window <= 0 {
		window = time.Minute
	}
	return &rateTracker{window: window}
}

func (r *rateTracker) mark(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	for i := 0; i < n; i++ {
		r.events = append(r.events, now)
	}
	r.evictLocked(now)
}

func (r *rateTracker) perMinute() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	r.evictLocked(now)
	if r.window <= 0 {
		return 0
	}
	return float64(len(r.events)) / r.window.Minutes()
}

func (r *rateTracker) evictLocked(now time.Time) {
	cutoff := now.Add(-r.window)
	i := 0
	for i < len(r.events) && r.events[i].Before(cutoff) {
		i++
	}
	r.events = r.events[i:]
}
