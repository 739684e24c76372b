package memtable

import (
	"testing"

	"github.com/stratakv/stratakv/pkg/record"
)

func TestPutAndGet(t *testing.T) {
	m := NewMemTable()
	m.Put(record.New([]byte("a"), []byte("1"), 1))
	m.Put(record.New([]byte("b"), []byte("2"), 2))

	e, ok := m.Get([]byte("a"))
	if !ok || string(e.Value) != "1" {
		t.Fatalf("expected a=1, got %v ok=%v", e, ok)
	}

	if _, ok := m.Get([]byte("missing")); ok {
		t.Fatal("expected miss for absent key")
	}
}

func TestGetReturnsNewestVersion(t *testing.T) {
	m := NewMemTable()
	m.Put(record.New([]byte("k"), []byte("old"), 1))
	m.Put(record.New([]byte("k"), []byte("new"), 5))

	e, ok := m.Get([]byte("k"))
	if !ok || string(e.Value) != "new" {
		t.Fatalf("expected newest value, got %v ok=%v", e, ok)
	}
}

func TestGetReturnsTombstone(t *testing.T) {
	m := NewMemTable()
	m.Put(record.New([]byte("k"), []byte("v"), 1))
	m.Put(record.NewTombstone([]byte("k"), 2))

	e, ok := m.Get([]byte("k"))
	if !ok {
		t.Fatal("expected tombstone to be found")
	}
	if !e.Deleted {
		t.Fatal("expected entry to be a tombstone")
	}
}

func TestImmutableRejectsWrites(t *testing.T) {
	m := NewMemTable()
	m.Put(record.New([]byte("a"), []byte("1"), 1))
	m.SetImmutable()
	m.Put(record.New([]byte("b"), []byte("2"), 2))

	if _, ok := m.Get([]byte("b")); ok {
		t.Fatal("expected write to immutable memtable to be ignored")
	}
}

func TestEntriesCollapsesDuplicateKeysToNewest(t *testing.T) {
	m := NewMemTable()
	m.Put(record.New([]byte("a"), []byte("1"), 1))
	m.Put(record.New([]byte("b"), []byte("2"), 1))
	m.Put(record.New([]byte("a"), []byte("3"), 9))

	entries := m.Entries()
	if len(entries) != 2 {
		t.Fatalf("expected 2 collapsed entries, got %d", len(entries))
	}
	if string(entries[0].Key) != "a" || string(entries[0].Value) != "3" {
		t.Fatalf("expected newest version of a first, got %v", entries[0])
	}
	if string(entries[1].Key) != "b" {
		t.Fatalf("expected b second, got %v", entries[1])
	}
}

func TestApproximateSizeGrows(t *testing.T) {
	m := NewMemTable()
	before := m.ApproximateSize()
	m.Put(record.New([]byte("a"), []byte("value"), 1))
	if m.ApproximateSize() <= before {
		t.Fatal("expected size to grow after insert")
	}
}
