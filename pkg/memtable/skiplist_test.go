package memtable

import (
	"fmt"
	"testing"

	"github.com/stratakv/stratakv/pkg/record"
)

func TestSkipListInsertAndFind(t *testing.T) {
	s := NewSkipList()
	for i := 0; i < 100; i++ {
		key := []byte(fmt.Sprintf("key-%04d", i))
		s.Insert(record.New(key, []byte("v"), uint64(i)))
	}

	e, ok := s.Find([]byte("key-0050"))
	if !ok {
		t.Fatal("expected key-0050 to be found")
	}
	if string(e.Value) != "v" {
		t.Fatalf("unexpected value %v", e)
	}

	if _, ok := s.Find([]byte("missing")); ok {
		t.Fatal("expected miss")
	}
}

func TestSkipListFindReturnsNewestForDuplicateKey(t *testing.T) {
	s := NewSkipList()
	s.Insert(record.New([]byte("k"), []byte("old"), 1))
	s.Insert(record.New([]byte("k"), []byte("new"), 5))

	e, ok := s.Find([]byte("k"))
	if !ok || string(e.Value) != "new" {
		t.Fatalf("expected newest entry, got %v ok=%v", e, ok)
	}
}

func TestSkipListIteratorOrdersKeysAscending(t *testing.T) {
	s := NewSkipList()
	keys := []string{"c", "a", "b"}
	for i, k := range keys {
		s.Insert(record.New([]byte(k), []byte("v"), uint64(i)))
	}

	it := s.NewIterator()
	var seen []string
	for it.SeekToFirst(); it.Valid(); it.Next() {
		seen = append(seen, string(it.Entry().Key))
	}
	want := []string{"a", "b", "c"}
	if len(seen) != len(want) {
		t.Fatalf("expected %v, got %v", want, seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, seen)
		}
	}
}

func TestSkipListApproximateSize(t *testing.T) {
	s := NewSkipList()
	if s.ApproximateSize() != 0 {
		t.Fatal("expected zero size for empty skip list")
	}
	s.Insert(record.New([]byte("a"), []byte("value"), 1))
	if s.ApproximateSize() == 0 {
		t.Fatal("expected nonzero size after insert")
	}
}
