// Copyright 2025 Takhin Data, Inc.

// Package discovery implements the configuration-stream input: a
// push-model feed of (NodeShardList, TableSchema) pairs. Rather than a
// live cluster-management RPC, it watches a YAML file on disk with
// fsnotify and republishes its parsed contents as the full desired set
// whenever the file changes.
package discovery

import (
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/takhin-data/laser/pkg/logger"
	"github.com/takhin-data/laser/pkg/partition"
)

// TableSchema describes one table's partitioning and edge-placement facts.
type TableSchema struct {
	Database        string  `yaml:"database"`
	Table           string  `yaml:"table"`
	PartitionCount  int32   `yaml:"partition_count"`
	TTLDefaultMs    int64   `yaml:"ttl_default_ms"`
	ReplicationFact int     `yaml:"replication_factor"`
	EdgeNodes       []int64 `yaml:"edge_nodes,omitempty"`
}

// NodeShardList describes this node's placement inputs: the member node
// hashes, whether it's an edge node, and (for an edge node) its pinned
// partition IDs. It does not list shards by leader or follower role.
type NodeShardList struct {
	Members         []int64 `yaml:"members"`
	IsEdgeNode      bool    `yaml:"is_edge_node"`
	PinnedPartition []int32 `yaml:"pinned_partitions,omitempty"`
}

// document is the on-disk shape the watched YAML file takes.
type document struct {
	Node   NodeShardList `yaml:"node"`
	Tables []TableSchema `yaml:"tables"`
}

// Feed watches a YAML shard-map file and republishes its contents as
// partition.Desired entries whenever it changes, debounced so a burst of
// filesystem events collapses into one reconcile.
type Feed struct {
	path string
	log  *logger.Logger

	mu      sync.RWMutex
	current []partition.Desired
	isEdge  bool

	updates chan []partition.Desired
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewFeed constructs a Feed over the YAML file at path. Call Start to
// begin watching; Updates() delivers a new desired set each time the file
// changes and parses successfully.
func NewFeed(path string) *Feed {
	return &Feed{
		path:    path,
		log:     logger.Default().WithComponent("discovery"),
		updates: make(chan []partition.Desired, 1),
		done:    make(chan struct{}),
	}
}

// Load performs a single synchronous read-and-parse, useful for the
// initial load before Start begins watching for subsequent changes.
func (f *Feed) Load() ([]partition.Desired, error) {
	return f.reload()
}

func (f *Feed) reload() ([]partition.Desired, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, err
	}
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}

	desired := make([]partition.Desired, 0, len(doc.Tables))
	for _, t := range doc.Tables {
		d := partition.Desired{
			Database:        t.Database,
			Table:           t.Table,
			NumPartitions:   t.PartitionCount,
			ReplicationFact: t.ReplicationFact,
		}
		if doc.Node.IsEdgeNode {
			d.PinnedPartitions = doc.Node.PinnedPartition
		}
		desired = append(desired, d)
	}

	f.mu.Lock()
	f.current = desired
	f.isEdge = doc.Node.IsEdgeNode
	f.mu.Unlock()

	return desired, nil
}

// IsEdgeNode reports the most recently loaded node's edge status, used to
// pick between ModPlacement and PinnedPlacement at startup.
func (f *Feed) IsEdgeNode() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.isEdge
}

// Current returns the most recently parsed desired set.
func (f *Feed) Current() []partition.Desired {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]partition.Desired, len(f.current))
	copy(out, f.current)
	return out
}

// Updates returns the channel new desired sets are pushed onto after each
// detected file change.
func (f *Feed) Updates() <-chan []partition.Desired {
	return f.updates
}

// Start begins watching the config file for writes and pushes a freshly
// parsed desired set onto Updates() after each one.
func (f *Feed) Start() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	f.watcher = w

	if err := w.Add(f.path); err != nil {
		w.Close()
		return err
	}

	go f.watchLoop()
	return nil
}

func (f *Feed) watchLoop() {
	for {
		select {
		case <-f.done:
			return
		case event, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			desired, err := f.reload()
			if err != nil {
				f.log.Warn("config reload failed", "path", f.path, "error", err)
				continue
			}
			f.log.Info("config feed updated", "path", f.path, "tables", len(desired))
			select {
			case f.updates <- desired:
			default:
				// A reconcile is already pending; the next successful
				// reload will carry the latest state anyway.
				<-f.updates
				f.updates <- desired
			}
		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			f.log.Warn("config watcher error", "error", err)
		}
	}
}

// Stop tears down the filesystem watcher.
func (f *Feed) Stop() error {
	close(f.done)
	if f.watcher != nil {
		return f.watcher.Close()
	}
	return nil
}
