// Package compaction implements the SSTable manager: the in-memory
// level map, the install path for freshly flushed tables, the
// snapshot-isolated read path, and the leveled compaction engine that
// keeps each level within its configured size and count limits.
package compaction

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/stratakv/stratakv/internal/log"
	"github.com/stratakv/stratakv/pkg/bloom"
	"github.com/stratakv/stratakv/pkg/config"
	"github.com/stratakv/stratakv/pkg/manifest"
	"github.com/stratakv/stratakv/pkg/record"
	"github.com/stratakv/stratakv/pkg/sstable"
)

// Stats is a snapshot of the compaction engine's level state.
type Stats struct {
	NumSSTables int
	PerLevel    map[int]int
}

// Manager owns the per-level SSTable lists, installs newly flushed
// tables at L0, and runs the leveled compaction algorithm: L0 may hold
// several overlapping tables (newest id first); every level at or below
// L1 holds at most one table covering the whole level's key range.
type Manager struct {
	cfg      *config.Config
	root     string
	manifest *manifest.Manager
	log      log.Logger

	mu     sync.Mutex
	levels map[int][]*sstable.Reader

	runMu    sync.Mutex
	inFlight atomic.Bool
	closed   bool
}

// Open loads every level tracked by mgr's manifest, opening a reader
// for each referenced SSTable.
func Open(cfg *config.Config, root string, mgr *manifest.Manager, logger log.Logger) (*Manager, error) {
	if logger == nil {
		logger = log.NoopLogger{}
	}
	m := &Manager{cfg: cfg, root: root, manifest: mgr, log: logger, levels: make(map[int][]*sstable.Reader)}

	for _, level := range mgr.Levels() {
		metas := mgr.GetLevel(level)
		readers := make([]*sstable.Reader, 0, len(metas))
		for _, meta := range metas {
			r, err := sstable.Open(root, meta.ID)
			if err != nil {
				return nil, fmt.Errorf("compaction: opening sstable %d at level %d: %w", meta.ID, level, err)
			}
			readers = append(readers, r)
		}
		if level == 0 {
			sortL0Descending(readers)
		}
		m.levels[level] = readers
	}
	return m, nil
}

func sortL0Descending(readers []*sstable.Reader) {
	sort.Slice(readers, func(i, j int) bool { return readers[i].ID() > readers[j].ID() })
}

// AddSSTable writes sorted entries as a new L0 table, installs it in
// the level map and manifest, then evaluates the auto-compaction
// trigger. Invoked by the memtable flush path.
func (m *Manager) AddSSTable(entries []record.Entry) (*sstable.Metadata, error) {
	id, err := m.manifest.NextID()
	if err != nil {
		return nil, fmt.Errorf("compaction: reserving sstable id: %w", err)
	}

	meta, err := sstable.Write(m.root, id, entries, sstable.WriteOptions{
		SparseIndexInterval: m.cfg.SparseIndexInterval,
		Compress:            true,
		FalsePositiveRate:   bloom.DefaultFalsePositiveRate,
	})
	if err != nil {
		return nil, fmt.Errorf("compaction: writing sstable %d: %w", id, err)
	}

	reader, err := sstable.Open(m.root, id)
	if err != nil {
		return nil, fmt.Errorf("compaction: opening freshly written sstable %d: %w", id, err)
	}

	m.mu.Lock()
	m.levels[0] = append([]*sstable.Reader{reader}, m.levels[0]...)
	m.mu.Unlock()

	if err := m.manifest.Add(0, meta); err != nil {
		return nil, fmt.Errorf("compaction: installing sstable %d in manifest: %w", id, err)
	}

	m.maybeCompact()
	return meta, nil
}

// Get probes L0 newest-first, then each deeper level's single table in
// order, returning the first hit (including a tombstone).
func (m *Manager) Get(key []byte) (record.Entry, bool, error) {
	m.mu.Lock()
	levels := make([]int, 0, len(m.levels))
	snapshot := make(map[int][]*sstable.Reader, len(m.levels))
	for level, readers := range m.levels {
		if len(readers) == 0 {
			continue
		}
		levels = append(levels, level)
		snapshot[level] = readers
	}
	m.mu.Unlock()

	sort.Ints(levels)
	for _, level := range levels {
		for _, r := range snapshot[level] {
			e, ok, err := r.Get(key)
			if err != nil {
				return record.Entry{}, false, err
			}
			if ok {
				return e, true, nil
			}
		}
	}
	return record.Entry{}, false, nil
}

// Stats returns a snapshot of per-level table counts.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Stats{PerLevel: make(map[int]int, len(m.levels))}
	for level, readers := range m.levels {
		if len(readers) == 0 {
			continue
		}
		s.PerLevel[level] = len(readers)
		s.NumSSTables += len(readers)
	}
	return s
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Close waits for any in-flight background compaction to finish, then
// releases every open SSTable reader.
func (m *Manager) Close() error {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	var firstErr error
	for _, readers := range m.levels {
		for _, r := range readers {
			if err := r.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func maxEntriesForLevel(cfg *config.Config, level int) int {
	return int(float64(cfg.BaseLevelEntries) * pow(cfg.LevelRatio, level))
}

func maxSizeForLevel(cfg *config.Config, level int) int64 {
	return int64(float64(cfg.BaseLevelSizeBytes()) * pow(cfg.LevelRatio, level))
}

func pow(base float64, exp int) float64 {
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}

func levelSizeBytes(readers []*sstable.Reader) int64 {
	var total int64
	for _, r := range readers {
		total += r.SizeBytes()
	}
	return total
}
