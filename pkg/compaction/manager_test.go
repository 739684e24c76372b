package compaction

import (
	"testing"

	"github.com/stratakv/stratakv/internal/log"
	"github.com/stratakv/stratakv/pkg/config"
	"github.com/stratakv/stratakv/pkg/manifest"
	"github.com/stratakv/stratakv/pkg/record"
)

func testConfig(dir string) *config.Config {
	cfg := config.NewDefaultConfig(dir)
	cfg.MaxL0SSTables = 4
	cfg.BaseLevelEntries = 100
	cfg.BaseLevelSizeMB = 1
	cfg.SoftLimitRatio = 0.75
	cfg.SparseIndexInterval = 2
	return cfg
}

func openManager(t *testing.T, dir string) (*Manager, *manifest.Manager) {
	t.Helper()
	mf, err := manifest.Open(dir + "/manifests")
	if err != nil {
		t.Fatalf("manifest.Open: %v", err)
	}
	m, err := Open(testConfig(dir), dir+"/sstables", mf, log.NoopLogger{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return m, mf
}

func sortedEntries(kvs ...string) []record.Entry {
	entries := make([]record.Entry, 0, len(kvs))
	for i, kv := range kvs {
		entries = append(entries, record.New([]byte(kv), []byte("v"), uint64(i+1)))
	}
	return entries
}

func TestAddSSTableInstallsAtL0(t *testing.T) {
	dir := t.TempDir()
	m, _ := openManager(t, dir)
	defer m.Close()

	if _, err := m.AddSSTable(sortedEntries("a", "b", "c")); err != nil {
		t.Fatalf("AddSSTable: %v", err)
	}

	stats := m.Stats()
	if stats.NumSSTables != 1 || stats.PerLevel[0] != 1 {
		t.Fatalf("Stats = %+v, want one table at L0", stats)
	}

	e, ok, err := m.Get([]byte("b"))
	if err != nil || !ok {
		t.Fatalf("Get(b) = %v, %v, %v", e, ok, err)
	}
	if string(e.Value) != "v" {
		t.Fatalf("Get(b).Value = %q", e.Value)
	}
}

func TestGetPrefersNewestL0Table(t *testing.T) {
	dir := t.TempDir()
	m, _ := openManager(t, dir)
	defer m.Close()

	first := []record.Entry{record.New([]byte("a"), []byte("old"), 1)}
	second := []record.Entry{record.New([]byte("a"), []byte("new"), 2)}
	if _, err := m.AddSSTable(first); err != nil {
		t.Fatalf("AddSSTable first: %v", err)
	}
	if _, err := m.AddSSTable(second); err != nil {
		t.Fatalf("AddSSTable second: %v", err)
	}

	e, ok, err := m.Get([]byte("a"))
	if err != nil || !ok {
		t.Fatalf("Get(a) = %v, %v, %v", e, ok, err)
	}
	if string(e.Value) != "new" {
		t.Fatalf("Get(a).Value = %q, want %q", e.Value, "new")
	}
}

func TestGetMissingKeyReturnsFalse(t *testing.T) {
	dir := t.TempDir()
	m, _ := openManager(t, dir)
	defer m.Close()

	if _, err := m.AddSSTable(sortedEntries("a", "c")); err != nil {
		t.Fatalf("AddSSTable: %v", err)
	}

	_, ok, err := m.Get([]byte("b"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatalf("Get(b) found, want not found")
	}
}

func TestOpenReopensExistingLevels(t *testing.T) {
	dir := t.TempDir()
	m, mf := openManager(t, dir)
	if _, err := m.AddSSTable(sortedEntries("a", "b")); err != nil {
		t.Fatalf("AddSSTable: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(testConfig(dir), dir+"/sstables", mf, log.NoopLogger{})
	if err != nil {
		t.Fatalf("reopen Open: %v", err)
	}
	defer reopened.Close()

	stats := reopened.Stats()
	if stats.NumSSTables != 1 {
		t.Fatalf("Stats after reopen = %+v, want one table", stats)
	}
}
