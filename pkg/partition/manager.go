// Copyright 2025 Takhin Data, Inc.

package partition

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/takhin-data/laser/pkg/cityhash"
	"github.com/takhin-data/laser/pkg/logger"
	"github.com/takhin-data/laser/pkg/replication"
)

// Desired is one entry of the desired partition set the config feed
// publishes: a (database, table) with its total partition count and the
// node hashes that should host each partition's leader and followers.
type Desired struct {
	Database        string
	Table           string
	NumPartitions   int32
	ReplicationFact int
	// PinnedPartitions, when non-nil, overrides the mod-hash placement
	// strategy for edge nodes: only these partition IDs are ever mounted
	// locally, regardless of NumPartitions/ReplicationFact.
	PinnedPartitions []int32
}

// PlacementStrategy decides whether nodeHash should host a given
// partition of d. The default is mod-hash placement (every node computes
// the same assignment independently); edge nodes instead pin an explicit
// partition list.
type PlacementStrategy interface {
	Owns(nodeHash int64, d Desired, partition int32) bool
}

// ModPlacement assigns partition p of a table to node i among N replicas
// by p mod N over the sorted cluster member list, the scheme most of the
// corpus's sharded stores use for stateless reassignment-free placement.
type ModPlacement struct {
	// Members is the full sorted list of node hashes eligible to host any
	// partition of any table; membership changes move partitions, which
	// is expected to be rare relative to normal operation.
	Members []int64
}

func (m ModPlacement) Owns(nodeHash int64, d Desired, partition int32) bool {
	if len(m.Members) == 0 {
		return false
	}
	rf := d.ReplicationFact
	if rf <= 0 {
		rf = 1
	}
	if rf > len(m.Members) {
		rf = len(m.Members)
	}
	start := int(partition) % len(m.Members)
	for i := 0; i < rf; i++ {
		if m.Members[(start+i)%len(m.Members)] == nodeHash {
			return true
		}
	}
	return false
}

// PinnedPlacement is used by edge nodes: they host exactly the partitions
// named in Desired.PinnedPartitions, independent of cluster membership.
type PinnedPlacement struct{}

func (PinnedPlacement) Owns(nodeHash int64, d Desired, partition int32) bool {
	for _, p := range d.PinnedPartitions {
		if p == partition {
			return true
		}
	}
	return false
}

// HandlerFactory builds a new, UNLOADED Handler for ident. The manager
// calls it once per newly-desired partition.
type HandlerFactory func(ident Ident, dbHash int64) *Handler

// BaseLoader fetches (or constructs, for a fresh leader) the base snapshot
// a newly-mounted partition should adopt before it can serve traffic.
type BaseLoader interface {
	LoadBase(ctx context.Context, ident Ident) (role replication.Role, snap Snapshot, isEmpty bool, err error)
}

// Manager reconciles the desired partition set against what's actually
// mounted: mounting newly-desired partitions, unmounting ones no longer
// desired, and leaving everything else untouched.
type Manager struct {
	nodeHash  int64
	placement PlacementStrategy
	factory   HandlerFactory
	loader    BaseLoader
	log       *logger.Logger

	mu       sync.RWMutex
	mounted  map[Ident]*Handler
	firstRun bool
}

func NewManager(nodeHash int64, placement PlacementStrategy, factory HandlerFactory, loader BaseLoader) *Manager {
	return &Manager{
		nodeHash:  nodeHash,
		placement: placement,
		factory:   factory,
		loader:    loader,
		log:       logger.Default().WithComponent("partition-manager"),
		mounted:   make(map[Ident]*Handler),
	}
}

// Reconcile is the L6 diff loop's single step: given the latest desired
// state from the config feed, mount what's missing and unmount what's no
// longer desired. It is idempotent and safe to call repeatedly.
func (m *Manager) Reconcile(ctx context.Context, desired []Desired) error {
	wanted := make(map[Ident]Desired)
	for _, d := range desired {
		for p := int32(0); p < d.NumPartitions; p++ {
			if m.placement.Owns(m.nodeHash, d, p) {
				wanted[Ident{Database: d.Database, Table: d.Table, Partition: p}] = d
			}
		}
	}

	m.mu.Lock()
	toUnmount := make([]*Handler, 0)
	for ident, h := range m.mounted {
		if _, ok := wanted[ident]; !ok {
			toUnmount = append(toUnmount, h)
			delete(m.mounted, ident)
		}
	}
	toMount := make([]Ident, 0)
	for ident := range wanted {
		if _, ok := m.mounted[ident]; !ok {
			toMount = append(toMount, ident)
		}
	}
	m.mu.Unlock()

	for _, h := range toUnmount {
		m.log.Info("unmounting partition", "partition", h.Ident())
		if err := h.Unload(); err != nil {
			m.log.Warn("unmount failed", "partition", h.Ident(), "error", err)
		}
	}

	for _, ident := range toMount {
		if err := m.mountOne(ctx, ident); err != nil {
			m.log.Error("mount failed", "partition", ident, "error", err)
		}
	}

	m.mu.Lock()
	m.firstRun = true
	m.mu.Unlock()
	return nil
}

func (m *Manager) mountOne(ctx context.Context, ident Ident) error {
	dbHash := cityhash.Hash64([]byte(ident.String()))
	h := m.factory(ident, int64(dbHash))

	role, snap, isEmpty, err := m.loader.LoadBase(ctx, ident)
	if err != nil {
		return err
	}

	if isEmpty {
		err = h.LoadEmpty(role)
	} else {
		err = h.LoadBase(ctx, role, snap)
	}
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.mounted[ident] = h
	m.mu.Unlock()

	m.log.Info("mounted partition", "partition", ident, "role", role)
	return nil
}

// Get returns the mounted handler for ident, if any.
func (m *Manager) Get(ident Ident) (*Handler, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.mounted[ident]
	return h, ok
}

// GetByDBHash linearly scans mounted handlers for one with a matching
// dbHash; used by the RPC layer, which only knows a partition by its hash.
func (m *Manager) GetByDBHash(dbHash int64) (*Handler, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for ident, h := range m.mounted {
		if int64(cityhash.Hash64([]byte(ident.String()))) == dbHash {
			return h, true
		}
	}
	return nil, false
}

// All returns every currently mounted handler.
func (m *Manager) All() []*Handler {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Handler, 0, len(m.mounted))
	for _, h := range m.mounted {
		out = append(out, h)
	}
	return out
}

// Ready reports whether at least one Reconcile pass has completed, per the
// spec's delay_set_available_seconds gate.
func (m *Manager) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.firstRun
}

// StagingPath returns a scratch directory for base-snapshot staging,
// rooted under root, namespaced per-ident to avoid collisions across
// concurrent loads.
func StagingPath(root string, ident Ident) string {
	return filepath.Join(root, ident.String(), "staging")
}
