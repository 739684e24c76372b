// Package store wires the WAL, memtable manager, SSTable manager, and
// manifest into a single embeddable key-value engine.
package store

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stratakv/stratakv/internal/log"
	"github.com/stratakv/stratakv/pkg/compaction"
	"github.com/stratakv/stratakv/pkg/config"
	"github.com/stratakv/stratakv/pkg/manifest"
	"github.com/stratakv/stratakv/pkg/memtable"
	"github.com/stratakv/stratakv/pkg/record"
	"github.com/stratakv/stratakv/pkg/sstable"
	"github.com/stratakv/stratakv/pkg/stats"
	"github.com/stratakv/stratakv/pkg/wal"
)

// Store is the facade coordinating the write-ahead log, the memtable
// manager, the SSTable manager, and the manifest. writeMu serializes
// put/delete so that each mutation's WAL append and memtable insert are
// atomic relative to every other mutation; it is released before any
// synchronous flush callback runs, matching the lock order facade ->
// memtable manager -> SSTable manager -> manifest.
type Store struct {
	cfg       *config.Config
	log       log.Logger
	wal       *wal.WAL
	memtables *memtable.Manager
	sstables  *compaction.Manager
	manifest  *manifest.Manager
	collector *stats.Collector

	writeMu sync.Mutex
	lastTS  atomic.Uint64
	closed  atomic.Bool
}

// Open creates dataDir if needed, loads or initializes its
// configuration, sweeps orphan SSTables left by a prior crash, and
// replays the WAL into a fresh active memtable before accepting
// mutations.
func Open(dataDir string, logger log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.NoopLogger{}
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("store: creating data directory: %w", err)
	}

	cfg, err := config.LoadConfigFromManifest(dataDir)
	if err != nil {
		if !errors.Is(err, config.ErrManifestNotFound) {
			return nil, fmt.Errorf("store: loading configuration: %w", err)
		}
		cfg = config.NewDefaultConfig(dataDir)
		if err := cfg.SaveManifest(); err != nil {
			return nil, fmt.Errorf("store: saving initial configuration: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}

	if err := os.MkdirAll(cfg.SSTableDir, 0755); err != nil {
		return nil, fmt.Errorf("store: creating sstable directory: %w", err)
	}

	mf, err := manifest.Open(cfg.ManifestDir)
	if err != nil {
		return nil, fmt.Errorf("store: opening manifest: %w", err)
	}

	if removed, err := mf.SweepOrphans(cfg.SSTableDir); err != nil {
		return nil, fmt.Errorf("store: sweeping orphan sstables: %w", err)
	} else if len(removed) > 0 {
		logger.Info("store: swept %d orphan sstable(s) on open", len(removed))
	}

	sstables, err := compaction.Open(cfg, cfg.SSTableDir, mf, logger)
	if err != nil {
		return nil, fmt.Errorf("store: opening sstable manager: %w", err)
	}

	replay, err := wal.ReadAll(cfg.WALPath)
	if err != nil {
		sstables.Close()
		return nil, fmt.Errorf("store: replaying wal: %w", err)
	}

	walLog, err := wal.Open(cfg.WALPath)
	if err != nil {
		sstables.Close()
		return nil, fmt.Errorf("store: opening wal: %w", err)
	}

	s := &Store{
		cfg:       cfg,
		log:       logger,
		wal:       walLog,
		sstables:  sstables,
		manifest:  mf,
		collector: stats.NewCollector(),
	}
	s.memtables = memtable.NewManager(cfg.MemtableSize, cfg.MaxImmutableMemtables, cfg.FlushWorkers, s.flushFunc, logger)

	if err := s.replayWAL(replay); err != nil {
		s.wal.Close()
		s.sstables.Close()
		return nil, err
	}

	return s, nil
}

// replayWAL applies every record directly to the active memtable (no
// WAL append, no fsync) and seeds the monotonic timestamp counter past
// the highest timestamp seen, so newly assigned timestamps never
// collide with replayed ones.
func (s *Store) replayWAL(entries []record.Entry) error {
	recoveryStart := s.collector.StartRecovery()
	var maxTS uint64
	for _, e := range entries {
		var (
			pending *memtable.Handle
			err     error
		)
		if e.Deleted {
			pending, err = s.memtables.Delete(e)
		} else {
			pending, err = s.memtables.Put(e)
		}
		if err != nil {
			return fmt.Errorf("store: replaying wal entry: %w", err)
		}
		if pending != nil {
			if _, err := s.flushHandle(pending); err != nil {
				return fmt.Errorf("store: flushing backpressured memtable during replay: %w", err)
			}
			s.memtables.Complete(pending)
		}
		if e.Timestamp > maxTS {
			maxTS = e.Timestamp
		}
	}
	if len(entries) > 0 {
		s.log.Info("store: replayed %d wal record(s) on open", len(entries))
	}
	var filesRecovered uint64
	if len(entries) > 0 {
		filesRecovered = 1
	}
	s.collector.FinishRecovery(recoveryStart, filesRecovered, uint64(len(entries)), 0)
	s.lastTS.Store(maxTS)
	return nil
}

// nextTimestamp returns a value strictly greater than every timestamp
// previously returned by this store, including across restarts: it is
// seeded from the wall clock, which always advances past the highest
// timestamp recorded in a prior run, and falls back to a plain
// increment if two calls land in the same clock tick.
func (s *Store) nextTimestamp() uint64 {
	for {
		last := s.lastTS.Load()
		next := uint64(time.Now().UnixNano())
		if next <= last {
			next = last + 1
		}
		if s.lastTS.CompareAndSwap(last, next) {
			return next
		}
	}
}

func (s *Store) validate(key, value []byte) error {
	if len(key) == 0 {
		return ErrEmptyKey
	}
	if len(key) > s.cfg.MaxKeySize {
		return ErrKeyTooLarge
	}
	if len(value) > s.cfg.MaxValueSize {
		return ErrValueTooLarge
	}
	return nil
}

// Put writes key/value, assigning it a fresh monotonic timestamp.
func (s *Store) Put(key, value []byte) error {
	if err := s.validate(key, value); err != nil {
		return err
	}

	start := time.Now()
	s.writeMu.Lock()
	if s.closed.Load() {
		s.writeMu.Unlock()
		return ErrClosed
	}
	e := record.New(key, value, s.nextTimestamp())
	if err := s.wal.Append(e); err != nil {
		s.writeMu.Unlock()
		s.collector.TrackError("put_wal_error")
		return fmt.Errorf("store: appending to wal: %w", err)
	}
	pending, err := s.memtables.Put(e)
	s.writeMu.Unlock()
	if err != nil {
		s.collector.TrackError("put_memtable_error")
		return fmt.Errorf("store: inserting into memtable: %w", err)
	}

	if pending != nil {
		if _, err := s.flushHandle(pending); err != nil {
			s.collector.TrackError("put_backpressure_flush_error")
			return err
		}
		s.memtables.Complete(pending)
	}

	s.collector.TrackOperation(stats.OpPut, uint64(time.Since(start).Nanoseconds()))
	s.collector.TrackBytes(true, uint64(len(key)+len(value)))
	s.collector.TrackMemTableSize(uint64(s.memtables.Stats().ActiveMemtableSize))
	return nil
}

// Delete writes a tombstone for key.
func (s *Store) Delete(key []byte) error {
	if len(key) == 0 {
		return ErrEmptyKey
	}
	if len(key) > s.cfg.MaxKeySize {
		return ErrKeyTooLarge
	}

	start := time.Now()
	s.writeMu.Lock()
	if s.closed.Load() {
		s.writeMu.Unlock()
		return ErrClosed
	}
	e := record.NewTombstone(key, s.nextTimestamp())
	if err := s.wal.Append(e); err != nil {
		s.writeMu.Unlock()
		s.collector.TrackError("delete_wal_error")
		return fmt.Errorf("store: appending to wal: %w", err)
	}
	pending, err := s.memtables.Delete(e)
	s.writeMu.Unlock()
	if err != nil {
		s.collector.TrackError("delete_memtable_error")
		return fmt.Errorf("store: inserting tombstone into memtable: %w", err)
	}

	if pending != nil {
		if _, err := s.flushHandle(pending); err != nil {
			s.collector.TrackError("delete_backpressure_flush_error")
			return err
		}
		s.memtables.Complete(pending)
	}

	s.collector.TrackOperation(stats.OpDelete, uint64(time.Since(start).Nanoseconds()))
	s.collector.TrackBytes(true, uint64(len(key)))
	s.collector.TrackMemTableSize(uint64(s.memtables.Stats().ActiveMemtableSize))
	return nil
}

// Get returns the live value for key. found is false both when the key
// was never written and when its newest mutation is a tombstone.
func (s *Store) Get(key []byte) (value []byte, found bool, err error) {
	if s.closed.Load() {
		return nil, false, ErrClosed
	}
	start := time.Now()
	defer func() {
		s.collector.TrackOperation(stats.OpGet, uint64(time.Since(start).Nanoseconds()))
	}()

	if e, ok := s.memtables.Get(key); ok {
		if e.Deleted {
			return nil, false, nil
		}
		s.collector.TrackBytes(false, uint64(len(key)+len(e.Value)))
		return e.Value, true, nil
	}

	e, ok, err := s.sstables.Get(key)
	if err != nil {
		s.collector.TrackError("get_error")
		return nil, false, fmt.Errorf("store: reading sstables: %w", err)
	}
	if !ok || e.Deleted {
		return nil, false, nil
	}
	s.collector.TrackBytes(false, uint64(len(key)+len(e.Value)))
	return e.Value, true, nil
}

// Flush rotates the active memtable into the immutable queue and
// synchronously persists it as an SSTable, trimming the WAL in the
// same step. It is a well-defined synchronization point: once Flush
// returns, every mutation that was in the active memtable at the call
// is durable outside the WAL. Memtables already in the immutable queue
// are not flushed by this call.
func (s *Store) Flush() (*sstable.Metadata, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	h := s.memtables.FlushActiveSync()
	if h == nil {
		return nil, ErrEmptyMemtable
	}
	meta, err := s.flushHandle(h)
	if err != nil {
		s.collector.TrackError("flush_error")
		return nil, err
	}
	s.memtables.Complete(h)
	return meta, nil
}

// Compact runs a full compaction across every level, waiting for any
// in-flight background compaction first.
func (s *Store) Compact() (*sstable.Metadata, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	start := time.Now()
	meta, err := s.sstables.Compact()
	s.collector.TrackOperation(stats.OpCompact, uint64(time.Since(start).Nanoseconds()))
	if err != nil {
		if !errors.Is(err, compaction.ErrNothingToCompact) {
			s.collector.TrackError("compact_error")
		}
		return nil, err
	}
	s.collector.TrackCompaction()
	return meta, nil
}

// Stats returns the store's counters: the fixed fields named by the
// public stats surface, plus every ambient operation/error/byte
// counter tracked along the way.
func (s *Store) Stats() map[string]interface{} {
	mt := s.memtables.Stats()
	sst := s.sstables.Stats()

	out := s.collector.GetStats()
	out["active_memtable_size"] = mt.ActiveMemtableSize
	out["immutable_memtables"] = mt.ImmutableMemtables
	out["num_sstables"] = sst.NumSSTables
	out["per_level"] = sst.PerLevel
	out["rotations"] = mt.Rotations
	out["async_flushes"] = mt.AsyncFlushes
	out["closed"] = s.closed.Load()
	return out
}

// Close shuts the store down: new mutations are rejected immediately,
// the flush worker pool is drained so every already-queued memtable is
// flushed exactly once, any memtable that never made it onto the flush
// queue is then flushed synchronously, and only then is the WAL
// cleared.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}

	var firstErr error
	for _, h := range s.memtables.Shutdown() {
		if _, err := s.flushHandle(h); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			s.log.Error("store: flushing memtable %d during close: %v", h.Seq, err)
			continue
		}
		s.memtables.Complete(h)
	}

	if err := s.sstables.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("store: closing sstable manager: %w", err)
	}

	if firstErr == nil {
		if err := s.wal.Clear(); err != nil {
			firstErr = fmt.Errorf("store: clearing wal: %w", err)
		}
	}
	if err := s.wal.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("store: closing wal: %w", err)
	}

	return firstErr
}

// flushFunc adapts flushHandle to memtable.FlushFunc for the async
// worker pool, which has no use for the resulting metadata.
func (s *Store) flushFunc(h *memtable.Handle) error {
	_, err := s.flushHandle(h)
	return err
}

// flushHandle durably persists h's contents as a new L0 SSTable, then
// trims the WAL down to records the new table doesn't yet cover: a key
// is dropped once the WAL's copy is no newer than what was just
// persisted. Always called outside the memtable manager's lock and the
// facade's write mutex.
func (s *Store) flushHandle(h *memtable.Handle) (*sstable.Metadata, error) {
	entries := h.Table.Entries()

	meta, err := s.sstables.AddSSTable(entries)
	if err != nil {
		return nil, fmt.Errorf("store: flushing memtable %d: %w", h.Seq, err)
	}

	persisted := make(map[string]uint64, len(entries))
	for _, e := range entries {
		persisted[string(e.Key)] = e.Timestamp
	}
	if err := s.wal.ReplaceWithFiltered(func(e record.Entry) bool {
		maxTS, ok := persisted[string(e.Key)]
		return !ok || e.Timestamp > maxTS
	}); err != nil {
		return nil, fmt.Errorf("store: trimming wal after flush of memtable %d: %w", h.Seq, err)
	}

	s.collector.TrackFlush()
	return meta, nil
}
