package compaction

import (
	"fmt"
	"sort"

	"github.com/stratakv/stratakv/pkg/bloom"
	"github.com/stratakv/stratakv/pkg/record"
	"github.com/stratakv/stratakv/pkg/sstable"
)

// ErrNothingToCompact is returned by Compact when fewer than two tables
// currently exist, so a full compaction would have nothing to merge.
var ErrNothingToCompact = fmt.Errorf("compaction: nothing to compact")

// Compact runs a full compaction, merging every level's tables into
// the deepest non-empty level, and returns the metadata of the
// resulting table. If a background compaction is already running,
// Compact waits for it to finish before running.
func (m *Manager) Compact() (*sstable.Metadata, error) {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	return m.compactFull()
}

// maybeCompact starts a background compaction goroutine if none is
// already in flight. The goroutine cascades: after each level-to-level
// merge it reevaluates the trigger policy and compacts again if still
// needed, stopping once no level is compactable.
func (m *Manager) maybeCompact() {
	if !m.inFlight.CompareAndSwap(false, true) {
		return
	}
	go func() {
		m.runMu.Lock()
		defer func() {
			m.runMu.Unlock()
			m.inFlight.Store(false)
		}()
		for {
			if m.isClosed() {
				return
			}
			level, ok := m.pickCompactableLevel()
			if !ok {
				return
			}
			if err := m.compactLevel(level); err != nil {
				m.log.Error("compaction: background merge of level %d failed: %v", level, err)
				return
			}
		}
	}()
}

// pickCompactableLevel returns the shallowest level whose soft trigger
// is exceeded, since compacting it may relieve the levels below it too.
func (m *Manager) pickCompactableLevel() (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if l0 := m.levels[0]; len(l0) >= softLimit(m.cfg.MaxL0SSTables, m.cfg.SoftLimitRatio) {
		return 0, true
	}

	levels := make([]int, 0, len(m.levels))
	for level := range m.levels {
		if level == 0 {
			continue
		}
		levels = append(levels, level)
	}
	sort.Ints(levels)

	for _, level := range levels {
		readers := m.levels[level]
		if len(readers) == 0 {
			continue
		}
		entries := 0
		for _, r := range readers {
			entries += int(r.NumEntries())
		}
		if entries >= softLimit(maxEntriesForLevel(m.cfg, level), m.cfg.SoftLimitRatio) {
			return level, true
		}
		if levelSizeBytes(readers) >= softLimitBytes(maxSizeForLevel(m.cfg, level), m.cfg.SoftLimitRatio) {
			return level, true
		}
	}
	return 0, false
}

func softLimit(hard int, ratio float64) int {
	return int(float64(hard) * ratio)
}

func softLimitBytes(hard int64, ratio float64) int64 {
	return int64(float64(hard) * ratio)
}

// compactLevel merges level k's tables with level k+1's single table
// (if present) into a new table installed at k+1, then clears level k.
func (m *Manager) compactLevel(k int) error {
	m.mu.Lock()
	sources := append([]*sstable.Reader{}, m.levels[k]...)
	sources = append(sources, m.levels[k+1]...)
	bottommost := m.bottommostLevelLocked(k, k+1)
	m.mu.Unlock()

	if len(sources) == 0 {
		return nil
	}

	filter := levelTombstoneFilter{dropTombstones: k+1 >= bottommost}
	merged, err := mergeTables(sources, filter)
	if err != nil {
		return fmt.Errorf("compaction: merging level %d into %d: %w", k, k+1, err)
	}

	_, err = m.installMerge(merged, k+1, []int{k, k + 1})
	return err
}

// compactFull merges every currently populated level into the deepest
// one, which is by construction the new bottommost level, and returns
// the metadata of the resulting table.
func (m *Manager) compactFull() (*sstable.Metadata, error) {
	m.mu.Lock()
	var sources []*sstable.Reader
	var participating []int
	target := 0
	for level, readers := range m.levels {
		if len(readers) == 0 {
			continue
		}
		participating = append(participating, level)
		sources = append(sources, readers...)
		if level > target {
			target = level
		}
	}
	m.mu.Unlock()

	if len(sources) <= 1 {
		return nil, ErrNothingToCompact
	}

	merged, err := mergeTables(sources, levelTombstoneFilter{dropTombstones: true})
	if err != nil {
		return nil, fmt.Errorf("compaction: full compaction: %w", err)
	}

	return m.installMerge(merged, target, participating)
}

// bottommostLevelLocked returns the deepest level index that currently
// holds a table, treating newLevel as already populated and ignoring
// excludeLevel (the source level about to be emptied). Must be called
// with m.mu held.
func (m *Manager) bottommostLevelLocked(excludeLevel, newLevel int) int {
	deepest := newLevel
	for level, readers := range m.levels {
		if level == excludeLevel || len(readers) == 0 {
			continue
		}
		if level > deepest {
			deepest = level
		}
	}
	return deepest
}

// mergeTables reads every source table fully, keeps the newest version
// of each key, and asks filter whether a surviving deletion marker
// should be kept. The result is sorted by key.
func mergeTables(sources []*sstable.Reader, filter tombstoneFilter) ([]record.Entry, error) {
	var all []record.Entry
	for _, r := range sources {
		entries, err := r.ReadAll()
		if err != nil {
			return nil, fmt.Errorf("reading sstable %d: %w", r.ID(), err)
		}
		all = append(all, entries...)
	}

	sort.Slice(all, func(i, j int) bool { return record.Compare(all[i], all[j]) < 0 })

	merged := make([]record.Entry, 0, len(all))
	var lastKey []byte
	for _, e := range all {
		if lastKey != nil && string(e.Key) == string(lastKey) {
			continue
		}
		lastKey = e.Key
		if !filter.keep(e) {
			continue
		}
		merged = append(merged, e)
	}
	return merged, nil
}

// installMerge writes merged as a new table at targetLevel, commits the
// manifest change (replacing targetLevel's contents, clearing every
// other participating level), swaps the in-memory level map, then
// closes and deletes the superseded tables. Returns the new table's
// metadata, or nil if every input entry was a dropped tombstone.
func (m *Manager) installMerge(merged []record.Entry, targetLevel int, participating []int) (*sstable.Metadata, error) {
	m.mu.Lock()
	var stale []*sstable.Reader
	for _, level := range participating {
		stale = append(stale, m.levels[level]...)
	}
	m.mu.Unlock()

	if len(merged) == 0 {
		return nil, m.commitEmptyMerge(targetLevel, participating, stale)
	}

	id, err := m.manifest.NextID()
	if err != nil {
		return nil, fmt.Errorf("reserving merged sstable id: %w", err)
	}
	meta, err := sstable.Write(m.root, id, merged, sstable.WriteOptions{
		SparseIndexInterval: m.cfg.SparseIndexInterval,
		Compress:            true,
		FalsePositiveRate:   bloom.DefaultFalsePositiveRate,
	})
	if err != nil {
		return nil, fmt.Errorf("writing merged sstable %d: %w", id, err)
	}
	newReader, err := sstable.Open(m.root, id)
	if err != nil {
		return nil, fmt.Errorf("opening merged sstable %d: %w", id, err)
	}

	if err := m.manifest.ReplaceLevel(targetLevel, []*sstable.Metadata{meta}); err != nil {
		newReader.Close()
		return nil, fmt.Errorf("committing merged sstable %d at level %d: %w", id, targetLevel, err)
	}
	for _, level := range participating {
		if level == targetLevel {
			continue
		}
		if err := m.manifest.ReplaceLevel(level, nil); err != nil {
			m.log.Error("compaction: clearing level %d manifest after merge: %v", level, err)
		}
	}

	m.mu.Lock()
	for _, level := range participating {
		if level == targetLevel {
			continue
		}
		delete(m.levels, level)
	}
	m.levels[targetLevel] = []*sstable.Reader{newReader}
	m.mu.Unlock()

	m.cleanupStale(stale)
	return meta, nil
}

// commitEmptyMerge handles the degenerate case where every input entry
// was a dropped tombstone: the target level becomes empty too.
func (m *Manager) commitEmptyMerge(targetLevel int, participating []int, stale []*sstable.Reader) error {
	for _, level := range participating {
		if err := m.manifest.ReplaceLevel(level, nil); err != nil {
			return fmt.Errorf("clearing level %d manifest: %w", level, err)
		}
	}

	m.mu.Lock()
	for _, level := range participating {
		delete(m.levels, level)
	}
	m.mu.Unlock()

	m.cleanupStale(stale)
	return nil
}

// cleanupStale closes and deletes superseded tables. A deletion failure
// leaves an orphan directory; the next open's orphan sweep reaps it.
func (m *Manager) cleanupStale(stale []*sstable.Reader) {
	for _, r := range stale {
		id := r.ID()
		if err := r.Close(); err != nil {
			m.log.Warn("compaction: closing superseded sstable %d: %v", id, err)
		}
		if err := sstable.Delete(m.root, id); err != nil {
			m.log.Warn("compaction: deleting superseded sstable %d, orphan sweep will retry: %v", id, err)
		}
	}
}
