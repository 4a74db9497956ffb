// Copyright 2025 Takhin Data, Inc.

// Package store implements the L0 ordered KV store: a persistent, ordered
// byte-key store with point get, prefix iteration, atomic multi-key write
// batches, monotonic write-sequence numbers, WAL tailing, snapshot
// checkpoints, external-file ingest, and a compaction-time filter hook.
//
// The concrete engine is go.etcd.io/bbolt, an embedded ordered B+tree that
// matches this layer's contract almost exactly: Cursor-based prefix
// iteration, atomic Update transactions for multi-key batches, and
// tx.CopyFile for checkpointing.
package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/takhin-data/laser/pkg/compression"
	"github.com/takhin-data/laser/pkg/logger"
	"github.com/takhin-data/laser/pkg/status"
)

var (
	kvBucket   = []byte("kv")
	walBucket  = []byte("wal")
	metaBucket = []byte("meta")

	metaKeyNextSeq = []byte("next_seq")
)

// OpKind identifies a single mutation within a WriteBatch.
type OpKind int

const (
	OpPut OpKind = iota
	OpDelete
	// OpDeletePrefix deletes every key sharing Op.Key as a byte-prefix; used
	// for the engine's fan-out delete of a root's COMPOSITE children.
	OpDeletePrefix
)

// Op is a single mutation within an atomic write batch.
type Op struct {
	Kind  OpKind
	Key   []byte
	Value []byte
}

// CompactionFilter decides, during the background GC sweep, whether a
// stored row should be dropped. It is registered once at construction and
// is the store-side half of the codec's expiry check (L1 decodes the
// value's expire-ms; L0 only knows it has been told to drop the row).
type CompactionFilter func(key, value []byte) (drop bool)

// Store is one partition's L0 engine: a single bbolt database file holding
// the live keyspace, the WAL, and sequence bookkeeping.
type Store struct {
	path string
	db   *bbolt.DB
	log  *logger.Logger

	filter      CompactionFilter
	compression compression.Type

	mu         sync.Mutex
	cond       *sync.Cond
	latestSeq  uint64
	closed     bool
	gcStopCh   chan struct{}
	gcWG       sync.WaitGroup
}

// Options configures a Store at Open time.
type Options struct {
	// CompactionFilter, if set, is applied by gcLoop's background sweep.
	CompactionFilter CompactionFilter
	// GCInterval is how often the background sweep runs; zero disables it.
	GCInterval time.Duration
	// Compression is applied to each WAL entry before it's persisted;
	// the live kv bucket is always stored uncompressed since it's
	// accessed by point Get and prefix iteration, not bulk replay.
	Compression compression.Type
	Logger      *logger.Logger
}

// Open opens (creating if absent) a bbolt-backed store at path.
func Open(path string, opts Options) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, status.New(status.RSIOError, "open store %q: %v", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{kvBucket, walBucket, metaBucket} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, status.New(status.RSIOError, "initialise store buckets: %v", err)
	}

	s := &Store{
		path:        path,
		db:          db,
		filter:      opts.CompactionFilter,
		compression: opts.Compression,
		log:         opts.Logger,
	}
	if s.log == nil {
		s.log = logger.Default().WithComponent("store")
	}
	s.cond = sync.NewCond(&s.mu)

	if err := s.loadLatestSeq(); err != nil {
		db.Close()
		return nil, err
	}

	if opts.GCInterval > 0 && s.filter != nil {
		s.gcStopCh = make(chan struct{})
		s.gcWG.Add(1)
		go s.gcLoop(opts.GCInterval)
	}

	return s, nil
}

func (s *Store) loadLatestSeq() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(metaBucket).Get(metaKeyNextSeq)
		if v == nil {
			s.latestSeq = 0
			return nil
		}
		s.latestSeq = binary.BigEndian.Uint64(v)
		return nil
	})
}

// Close flushes and closes the underlying database file.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if s.gcStopCh != nil {
		close(s.gcStopCh)
		s.gcWG.Wait()
	}
	s.cond.Broadcast()
	return s.db.Close()
}

// Get performs a point lookup; a nil, nil result means not found.
func (s *Store) Get(key []byte) ([]byte, error) {
	var val []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(kvBucket).Get(key)
		if v != nil {
			val = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, status.New(status.RSIOError, "get: %v", err)
	}
	return val, nil
}

// PrefixIterate calls fn for every key sharing prefix, in ascending key
// order, until fn returns false or the prefix is exhausted.
func (s *Store) PrefixIterate(prefix []byte, fn func(key, value []byte) bool) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(kvBucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			if !fn(k, v) {
				break
			}
		}
		return nil
	})
}

// WriteBatch applies ops atomically, assigns them a single monotonically
// increasing sequence number, records the batch in the WAL for tailing,
// and returns the assigned sequence.
func (s *Store) WriteBatch(ops []Op) (uint64, error) {
	var seq uint64
	err := s.db.Update(func(tx *bbolt.Tx) error {
		kv := tx.Bucket(kvBucket)
		for _, op := range ops {
			switch op.Kind {
			case OpPut:
				if err := kv.Put(op.Key, op.Value); err != nil {
					return err
				}
			case OpDelete:
				if err := kv.Delete(op.Key); err != nil {
					return err
				}
			case OpDeletePrefix:
				c := kv.Cursor()
				var toDelete [][]byte
				for k, _ := c.Seek(op.Key); k != nil && bytes.HasPrefix(k, op.Key); k, _ = c.Next() {
					toDelete = append(toDelete, append([]byte(nil), k...))
				}
				for _, k := range toDelete {
					if err := kv.Delete(k); err != nil {
						return err
					}
				}
			default:
				return fmt.Errorf("unknown op kind %d", op.Kind)
			}
		}

		meta := tx.Bucket(metaBucket)
		seq = s.latestSeq + 1
		var seqBuf [8]byte
		binary.BigEndian.PutUint64(seqBuf[:], seq)
		if err := meta.Put(metaKeyNextSeq, seqBuf[:]); err != nil {
			return err
		}

		entry := encodeWALEntry(time.Now().UnixMilli(), ops)
		stored, err := compression.Compress(s.compression, entry)
		if err != nil {
			return fmt.Errorf("compress wal entry: %w", err)
		}
		return tx.Bucket(walBucket).Put(seqBuf[:], stored)
	})
	if err != nil {
		return 0, status.New(status.RSIOError, "write batch: %v", err)
	}

	s.mu.Lock()
	s.latestSeq = seq
	s.mu.Unlock()
	s.cond.Broadcast()

	return seq, nil
}

// LatestSequence returns the highest sequence number assigned so far.
func (s *Store) LatestSequence() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latestSeq
}

// WaitForAdvance blocks until LatestSequence() > afterSeq, ctx is
// cancelled, or the store is closed. It returns true if the sequence
// advanced and false otherwise (timeout/cancellation/close), matching
// the leader pull handler's bounded wait for the latest sequence.
func (s *Store) WaitForAdvance(ctx context.Context, afterSeq uint64) bool {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			s.cond.Broadcast()
			s.mu.Unlock()
		case <-done:
		}
	}()
	defer close(done)

	s.mu.Lock()
	defer s.mu.Unlock()
	for s.latestSeq <= afterSeq && !s.closed && ctx.Err() == nil {
		s.cond.Wait()
	}
	return s.latestSeq > afterSeq
}

// WALEntry is one WAL-tail record: the sequence number it was assigned,
// the wall-clock write timestamp annotation, and the raw batch bytes.
type WALEntry struct {
	Seq       uint64
	WriteMs   int64
	RawBatch  []byte
}

// IterateWAL collects WAL entries starting at fromSeq (inclusive) until
// either maxSize bytes or maxCount entries have been collected. It returns
// the collected entries and the oldest sequence number still retained in
// the WAL; the caller (the L4 leader pull handler) compares fromSeq
// against oldestSeq to distinguish "caught up" (fromSeq >= oldestSeq, zero
// entries) from "log already GC'd" (fromSeq < oldestSeq).
func (s *Store) IterateWAL(fromSeq uint64, maxSize, maxCount int) (entries []WALEntry, oldestSeq uint64, err error) {
	err = s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(walBucket).Cursor()

		firstKey, _ := c.First()
		if firstKey != nil {
			oldestSeq = binary.BigEndian.Uint64(firstKey)
		}

		var fromBuf [8]byte
		binary.BigEndian.PutUint64(fromBuf[:], fromSeq)

		size := 0
		for k, v := c.Seek(fromBuf[:]); k != nil; k, v = c.Next() {
			if maxCount > 0 && len(entries) >= maxCount {
				break
			}
			if maxSize > 0 && size >= maxSize {
				break
			}
			seq := binary.BigEndian.Uint64(k)
			entry, decErr := compression.Decompress(s.compression, v)
			if decErr != nil {
				return status.New(status.RSCorruption, "decompress wal entry %d: %v", seq, decErr)
			}
			ms, raw := decodeWALEntry(entry)
			entries = append(entries, WALEntry{Seq: seq, WriteMs: ms, RawBatch: raw})
			size += len(raw)
		}
		return nil
	})
	if err != nil {
		if _, ok := err.(*status.Error); ok {
			return nil, 0, err
		}
		return nil, 0, status.New(status.RSIOError, "iterate wal: %v", err)
	}
	return entries, oldestSeq, nil
}

// ApplyWALEntry re-applies a raw batch captured by IterateWAL, used by a
// follower applying batches pulled from the leader. It assigns its own
// local sequence number the same way WriteBatch does, so replaying an
// already-applied entry (sequence <= local latest) is a safe no-op from
// the caller's point of view once the caller checks LatestSequence first.
func (s *Store) ApplyWALEntry(entry WALEntry) (uint64, error) {
	ops, err := decodeOps(entry.RawBatch)
	if err != nil {
		return 0, err
	}
	return s.WriteBatch(ops)
}

// Checkpoint writes a consistent, point-in-time copy of the database file
// to destPath, suitable for handing off to the bulk file transport during
// base replication.
func (s *Store) Checkpoint(destPath string) error {
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.CopyFile(destPath, 0o600)
	})
	if err != nil {
		return status.New(status.RSIOError, "checkpoint: %v", err)
	}
	return nil
}

// IngestPairs writes pairs directly into the live keyspace through the
// normal WriteBatch path. bbolt has no external-SST ingest primitive, so
// "ingest" is adapted here into a batched write of the already-decoded
// key/value pairs; see DESIGN.md for the full rationale.
func (s *Store) IngestPairs(pairs []Op) (uint64, error) {
	return s.WriteBatch(pairs)
}

func (s *Store) gcLoop(interval time.Duration) {
	defer s.gcWG.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.gcStopCh:
			return
		}
	}
}

func (s *Store) sweep() {
	var toDrop [][]byte
	_ = s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(kvBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if s.filter(k, v) {
				toDrop = append(toDrop, append([]byte(nil), k...))
			}
		}
		return nil
	})
	if len(toDrop) == 0 {
		return
	}
	ops := make([]Op, len(toDrop))
	for i, k := range toDrop {
		ops[i] = Op{Kind: OpDelete, Key: k}
	}
	if _, err := s.WriteBatch(ops); err != nil {
		s.log.Error("compaction sweep failed", "error", err)
		return
	}
	s.log.Debug("compaction sweep dropped rows", "count", len(toDrop))
}

// --- WAL entry wire format: ms(8 LE) || n_ops(4 LE) || (kind(1) || keyLen(4 LE) || key || valLen(4 LE) || val)*n_ops

func encodeWALEntry(ms int64, ops []Op) []byte {
	buf := make([]byte, 0, 64)
	var msBuf [8]byte
	binary.LittleEndian.PutUint64(msBuf[:], uint64(ms))
	buf = append(buf, msBuf[:]...)

	var nBuf [4]byte
	binary.LittleEndian.PutUint32(nBuf[:], uint32(len(ops)))
	buf = append(buf, nBuf[:]...)

	for _, op := range ops {
		buf = append(buf, byte(op.Kind))
		buf = appendLenPrefixed(buf, op.Key)
		buf = appendLenPrefixed(buf, op.Value)
	}
	return buf
}

func decodeWALEntry(b []byte) (ms int64, raw []byte) {
	if len(b) < 8 {
		return 0, nil
	}
	ms = int64(binary.LittleEndian.Uint64(b[:8]))
	return ms, b
}

func decodeOps(raw []byte) ([]Op, error) {
	if len(raw) < 12 {
		return nil, status.New(status.RSCorruption, "truncated wal entry")
	}
	b := raw[8:]
	n := binary.LittleEndian.Uint32(b[:4])
	b = b[4:]

	ops := make([]Op, 0, n)
	for i := uint32(0); i < n; i++ {
		if len(b) < 1 {
			return nil, status.New(status.RSCorruption, "truncated wal op")
		}
		kind := OpKind(b[0])
		b = b[1:]

		key, rest, err := readLenPrefixed(b)
		if err != nil {
			return nil, err
		}
		b = rest

		val, rest, err := readLenPrefixed(b)
		if err != nil {
			return nil, err
		}
		b = rest

		ops = append(ops, Op{Kind: kind, Key: key, Value: val})
	}
	return ops, nil
}

func appendLenPrefixed(buf, s []byte) []byte {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(s)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, s...)
	return buf
}

func readLenPrefixed(b []byte) (value, rest []byte, err error) {
	if len(b) < 4 {
		return nil, nil, status.New(status.RSCorruption, "truncated length prefix")
	}
	n := binary.LittleEndian.Uint32(b[:4])
	b = b[4:]
	if uint64(len(b)) < uint64(n) {
		return nil, nil, status.New(status.RSCorruption, "truncated field")
	}
	return b[:n], b[n:], nil
}
