package compaction

import (
	"testing"

	"github.com/stratakv/stratakv/pkg/bloom"
	"github.com/stratakv/stratakv/pkg/record"
	"github.com/stratakv/stratakv/pkg/sstable"
)

// addL0NoTrigger installs entries at L0 the same way AddSSTable does, but
// without evaluating the auto-compaction trigger, so tests can inspect
// pickCompactableLevel deterministically.
func addL0NoTrigger(t *testing.T, m *Manager, entries []record.Entry) {
	t.Helper()
	id, err := m.manifest.NextID()
	if err != nil {
		t.Fatalf("NextID: %v", err)
	}
	meta, err := sstable.Write(m.root, id, entries, sstable.WriteOptions{
		SparseIndexInterval: m.cfg.SparseIndexInterval,
		Compress:            true,
		FalsePositiveRate:   bloom.DefaultFalsePositiveRate,
	})
	if err != nil {
		t.Fatalf("sstable.Write: %v", err)
	}
	reader, err := sstable.Open(m.root, id)
	if err != nil {
		t.Fatalf("sstable.Open: %v", err)
	}
	m.mu.Lock()
	m.levels[0] = append([]*sstable.Reader{reader}, m.levels[0]...)
	m.mu.Unlock()
	if err := m.manifest.Add(0, meta); err != nil {
		t.Fatalf("manifest.Add: %v", err)
	}
}

// noAutoCompactConfig disables the background trigger so tests can drive
// compaction deterministically via Compact().
func noAutoCompactConfig(t *testing.T, dir string) *Manager {
	t.Helper()
	m, _ := openManager(t, dir)
	m.cfg.MaxL0SSTables = 1 << 20
	m.cfg.BaseLevelEntries = 1 << 20
	m.cfg.BaseLevelSizeMB = 1 << 20
	return m
}

func TestCompactLevelMergesAndDeduplicates(t *testing.T) {
	dir := t.TempDir()
	m := noAutoCompactConfig(t, dir)
	defer m.Close()

	if _, err := m.AddSSTable([]record.Entry{record.New([]byte("a"), []byte("1"), 1)}); err != nil {
		t.Fatalf("AddSSTable: %v", err)
	}
	if _, err := m.AddSSTable([]record.Entry{record.New([]byte("a"), []byte("2"), 2)}); err != nil {
		t.Fatalf("AddSSTable: %v", err)
	}

	if err := m.compactLevel(0); err != nil {
		t.Fatalf("compactLevel(0): %v", err)
	}

	stats := m.Stats()
	if stats.PerLevel[0] != 0 || stats.PerLevel[1] != 1 {
		t.Fatalf("Stats after compact = %+v, want L0 empty, one table at L1", stats)
	}

	e, ok, err := m.Get([]byte("a"))
	if err != nil || !ok {
		t.Fatalf("Get(a) = %v, %v, %v", e, ok, err)
	}
	if string(e.Value) != "2" {
		t.Fatalf("Get(a).Value = %q, want newest version %q", e.Value, "2")
	}
}

func TestCompactLevelDropsTombstoneAtBottommost(t *testing.T) {
	dir := t.TempDir()
	m := noAutoCompactConfig(t, dir)
	defer m.Close()

	if _, err := m.AddSSTable([]record.Entry{record.New([]byte("a"), []byte("1"), 1)}); err != nil {
		t.Fatalf("AddSSTable: %v", err)
	}
	if _, err := m.AddSSTable([]record.Entry{record.NewTombstone([]byte("a"), 2)}); err != nil {
		t.Fatalf("AddSSTable: %v", err)
	}

	// L1 is empty, so merging L0 into L1 makes L1 the bottommost level:
	// the tombstone should be dropped entirely.
	if err := m.compactLevel(0); err != nil {
		t.Fatalf("compactLevel(0): %v", err)
	}

	stats := m.Stats()
	if stats.NumSSTables != 0 {
		t.Fatalf("Stats after compact = %+v, want every table gone", stats)
	}
	_, ok, err := m.Get([]byte("a"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatalf("Get(a) found after tombstone dropped at bottommost level")
	}
}

func TestCompactLevelPreservesTombstoneAboveBottommost(t *testing.T) {
	dir := t.TempDir()
	m := noAutoCompactConfig(t, dir)
	defer m.Close()

	// Seed L2 with live data so L1 is not the bottommost level once the
	// L0->L1 merge below runs.
	if _, err := m.AddSSTable([]record.Entry{record.New([]byte("z"), []byte("1"), 1)}); err != nil {
		t.Fatalf("AddSSTable seed: %v", err)
	}
	if err := m.compactLevel(0); err != nil {
		t.Fatalf("seed compactLevel(0): %v", err)
	}
	if err := m.compactLevel(1); err != nil {
		t.Fatalf("seed compactLevel(1): %v", err)
	}
	if m.Stats().PerLevel[2] != 1 {
		t.Fatalf("expected seed table at L2, got %+v", m.Stats())
	}

	if _, err := m.AddSSTable([]record.Entry{record.NewTombstone([]byte("a"), 5)}); err != nil {
		t.Fatalf("AddSSTable tombstone: %v", err)
	}
	if err := m.compactLevel(0); err != nil {
		t.Fatalf("compactLevel(0): %v", err)
	}

	stats := m.Stats()
	if stats.PerLevel[1] != 1 {
		t.Fatalf("Stats = %+v, want tombstone preserved at L1", stats)
	}
	e, ok, err := m.Get([]byte("a"))
	if err != nil || !ok {
		t.Fatalf("Get(a) = %v, %v, %v, want preserved tombstone", e, ok, err)
	}
	if !e.Deleted {
		t.Fatalf("Get(a).Deleted = false, want true")
	}
}

func TestPickCompactableLevelTriggersOnL0Count(t *testing.T) {
	dir := t.TempDir()
	m, _ := openManager(t, dir)
	defer m.Close()
	m.cfg.MaxL0SSTables = 4
	m.cfg.SoftLimitRatio = 0.5 // soft limit of 2 tables

	if _, ok := m.pickCompactableLevel(); ok {
		t.Fatalf("pickCompactableLevel with no tables, want not compactable")
	}
	for i := 0; i < 2; i++ {
		addL0NoTrigger(t, m, []record.Entry{record.New([]byte("a"), []byte("v"), uint64(i+1))})
	}

	level, ok := m.pickCompactableLevel()
	if !ok || level != 0 {
		t.Fatalf("pickCompactableLevel = %d, %v, want 0, true", level, ok)
	}
}

func TestCompactFullMergesEveryLevel(t *testing.T) {
	dir := t.TempDir()
	m := noAutoCompactConfig(t, dir)
	defer m.Close()

	if _, err := m.AddSSTable([]record.Entry{record.New([]byte("a"), []byte("1"), 1)}); err != nil {
		t.Fatalf("AddSSTable: %v", err)
	}
	if err := m.compactLevel(0); err != nil {
		t.Fatalf("compactLevel(0): %v", err)
	}
	if _, err := m.AddSSTable([]record.Entry{record.New([]byte("b"), []byte("2"), 2)}); err != nil {
		t.Fatalf("AddSSTable: %v", err)
	}

	if _, err := m.Compact(); err != nil {
		t.Fatalf("Compact: %v", err)
	}

	stats := m.Stats()
	if stats.NumSSTables != 1 {
		t.Fatalf("Stats after full compaction = %+v, want a single table", stats)
	}
	for _, key := range []string{"a", "b"} {
		if _, ok, err := m.Get([]byte(key)); err != nil || !ok {
			t.Fatalf("Get(%s) = %v, %v after full compaction", key, ok, err)
		}
	}
}

func TestCompactWaitsForInFlightBackgroundCompaction(t *testing.T) {
	dir := t.TempDir()
	m, _ := openManager(t, dir)
	defer m.Close()

	m.runMu.Lock()
	done := make(chan struct{})
	go func() {
		defer m.runMu.Unlock()
		<-done
	}()

	result := make(chan error, 1)
	go func() { _, err := m.Compact(); result <- err }()

	select {
	case <-result:
		close(done)
		t.Fatalf("Compact returned before the in-flight compaction released runMu")
	default:
	}

	close(done)
	if err := <-result; err != ErrNothingToCompact {
		t.Fatalf("Compact = %v, want ErrNothingToCompact on an empty manager", err)
	}
}
