// Package manifest is the single source of truth for which SSTables are
// live: a small global manifest (next id, active levels) plus one
// per-level manifest listing that level's SSTable metadata. Every
// mutation is committed via temp-file + rename, so a crash can only ever
// leave the previous durable state or the next one, never a torn mix.
package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/stratakv/stratakv/pkg/sstable"
)

const (
	globalFileName    = "global.json"
	levelFilePrefix   = "level_"
	levelFileSuffix   = ".json"
	globalFileVersion = 1
)

type globalState struct {
	Version      int   `json:"version"`
	NextID       uint64 `json:"next_id"`
	ActiveLevels []int  `json:"active_levels"`
}

type levelState struct {
	Version int                `json:"version"`
	Level   int                `json:"level"`
	Tables  []*sstable.Metadata `json:"tables"`
}

// Manager owns the global and per-level manifests for one data directory.
// A single mutex serializes every read and write; callers receive copies
// of any returned list so they can't mutate manager-owned state.
type Manager struct {
	mu  sync.Mutex
	dir string

	nextID       uint64
	activeLevels map[int]bool
	levels       map[int][]*sstable.Metadata
}

// Open loads the manifest directory, creating an empty global manifest if
// none exists yet.
func Open(dir string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("manifest: creating directory: %w", err)
	}

	m := &Manager{
		dir:          dir,
		activeLevels: make(map[int]bool),
		levels:       make(map[int][]*sstable.Metadata),
	}

	gs, err := loadGlobal(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		gs = &globalState{Version: globalFileVersion, NextID: 1}
		if err := saveGlobal(dir, gs); err != nil {
			return nil, err
		}
	}
	m.nextID = gs.NextID
	for _, lvl := range gs.ActiveLevels {
		m.activeLevels[lvl] = true
	}

	for lvl := range m.activeLevels {
		ls, err := loadLevel(dir, lvl)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		m.levels[lvl] = ls.Tables
	}

	return m, nil
}

// NextID reserves and durably persists the next SSTable id.
func (m *Manager) NextID() (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	if err := m.saveGlobalLocked(); err != nil {
		m.nextID--
		return 0, err
	}
	return id, nil
}

// GetLevel returns a copy of the metadata list for level.
func (m *Manager) GetLevel(level int) []*sstable.Metadata {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyTables(m.levels[level])
}

// Levels returns the sorted set of levels that currently hold at least
// one SSTable.
func (m *Manager) Levels() []int {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]int, 0, len(m.activeLevels))
	for lvl := range m.activeLevels {
		out = append(out, lvl)
	}
	sort.Ints(out)
	return out
}

// Add appends a single SSTable's metadata to level and durably persists
// that level's manifest.
func (m *Manager) Add(level int, meta *sstable.Metadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	updated := append(copyTables(m.levels[level]), meta)
	return m.commitLevelLocked(level, updated)
}

// Remove deletes the entries for the given ids from level and durably
// persists that level's manifest.
func (m *Manager) Remove(level int, ids []uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	remove := make(map[uint64]bool, len(ids))
	for _, id := range ids {
		remove[id] = true
	}

	var kept []*sstable.Metadata
	for _, t := range m.levels[level] {
		if !remove[t.ID] {
			kept = append(kept, t)
		}
	}
	return m.commitLevelLocked(level, kept)
}

// ReplaceLevel atomically swaps level's entire metadata list.
func (m *Manager) ReplaceLevel(level int, tables []*sstable.Metadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.commitLevelLocked(level, copyTables(tables))
}

func (m *Manager) commitLevelLocked(level int, tables []*sstable.Metadata) error {
	ls := &levelState{Version: globalFileVersion, Level: level, Tables: tables}
	if err := saveLevel(m.dir, level, ls); err != nil {
		return err
	}

	prevActive := m.activeLevels[level]
	if len(tables) == 0 {
		m.levels[level] = nil
		delete(m.activeLevels, level)
	} else {
		m.levels[level] = tables
		m.activeLevels[level] = true
	}

	if prevActive != m.activeLevels[level] {
		if err := m.saveGlobalLocked(); err != nil {
			// In-memory state is kept as updated; the level file is already
			// durable and correct, only the global active-set failed to persist.
			// A future mutation will retry saving the global manifest.
			return fmt.Errorf("manifest: updating active level set: %w", err)
		}
	}
	return nil
}

func (m *Manager) saveGlobalLocked() error {
	levels := make([]int, 0, len(m.activeLevels))
	for lvl := range m.activeLevels {
		levels = append(levels, lvl)
	}
	sort.Ints(levels)

	gs := &globalState{
		Version:      globalFileVersion,
		NextID:       m.nextID,
		ActiveLevels: levels,
	}
	return saveGlobal(m.dir, gs)
}

// LiveSSTableIDs returns the set of ids across all levels currently
// referenced by the manifest, used by the orphan sweep to decide what's
// safe to delete from disk.
func (m *Manager) LiveSSTableIDs() map[uint64]bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	live := make(map[uint64]bool)
	for _, tables := range m.levels {
		for _, t := range tables {
			live[t.ID] = true
		}
	}
	return live
}

func copyTables(in []*sstable.Metadata) []*sstable.Metadata {
	if in == nil {
		return nil
	}
	out := make([]*sstable.Metadata, len(in))
	copy(out, in)
	return out
}

func globalPath(dir string) string {
	return filepath.Join(dir, globalFileName)
}

func levelPath(dir string, level int) string {
	return filepath.Join(dir, fmt.Sprintf("%s%d%s", levelFilePrefix, level, levelFileSuffix))
}

func loadGlobal(dir string) (*globalState, error) {
	data, err := os.ReadFile(globalPath(dir))
	if err != nil {
		return nil, err
	}
	var gs globalState
	if err := json.Unmarshal(data, &gs); err != nil {
		return nil, fmt.Errorf("manifest: parsing global manifest: %w", err)
	}
	return &gs, nil
}

func saveGlobal(dir string, gs *globalState) error {
	return writeJSONAtomic(globalPath(dir), gs)
}

func loadLevel(dir string, level int) (*levelState, error) {
	data, err := os.ReadFile(levelPath(dir, level))
	if err != nil {
		return nil, err
	}
	var ls levelState
	if err := json.Unmarshal(data, &ls); err != nil {
		return nil, fmt.Errorf("manifest: parsing level %d manifest: %w", level, err)
	}
	return &ls, nil
}

func saveLevel(dir string, level int, ls *levelState) error {
	return writeJSONAtomic(levelPath(dir, level), ls)
}

func writeJSONAtomic(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("manifest: marshaling %s: %w", path, err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("manifest: writing %s: %w", tmp, err)
	}
	f, err := os.OpenFile(tmp, os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("manifest: reopening %s for sync: %w", tmp, err)
	}
	syncErr := f.Sync()
	closeErr := f.Close()
	if syncErr != nil {
		return fmt.Errorf("manifest: syncing %s: %w", tmp, syncErr)
	}
	if closeErr != nil {
		return fmt.Errorf("manifest: closing %s: %w", tmp, closeErr)
	}

	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("manifest: renaming %s to %s: %w", tmp, path, err)
	}
	return nil
}

// SweepOrphans removes SSTable directories under sstableRoot that no
// level manifest references. It is idempotent and safe to run on every
// open and after every compaction commit.
func (m *Manager) SweepOrphans(sstableRoot string) ([]uint64, error) {
	live := m.LiveSSTableIDs()

	entries, err := os.ReadDir(sstableRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("manifest: reading sstable root: %w", err)
	}

	var removed []uint64
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id, ok := parseDirID(entry.Name())
		if !ok || live[id] {
			continue
		}
		if err := os.RemoveAll(filepath.Join(sstableRoot, entry.Name())); err != nil {
			return removed, fmt.Errorf("manifest: removing orphan %s: %w", entry.Name(), err)
		}
		removed = append(removed, id)
	}
	return removed, nil
}

func parseDirID(name string) (uint64, bool) {
	const prefix = "sstable_"
	if len(name) <= len(prefix) || name[:len(prefix)] != prefix {
		return 0, false
	}
	var id uint64
	_, err := fmt.Sscanf(name[len(prefix):], "%020d", &id)
	if err != nil {
		return 0, false
	}
	return id, true
}
