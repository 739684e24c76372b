package sparseindex

import (
	"bytes"
	"fmt"
	"testing"
)

func buildTestIndex(t *testing.T, interval int, n int) *Index {
	t.Helper()
	b := NewBuilder(interval)
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%04d", i))
		b.Add(key, int64(i*100))
	}
	return b.Finish()
}

func TestBuilderSamplesEveryInterval(t *testing.T) {
	idx := buildTestIndex(t, 4, 17)
	// keys 0,4,8,12,16 sampled => 5 entries
	if idx.Len() != 5 {
		t.Fatalf("expected 5 sampled entries, got %d", idx.Len())
	}
}

func TestLookupFindsFloor(t *testing.T) {
	idx := buildTestIndex(t, 4, 20)

	offset, ok := idx.Lookup([]byte("key-0010"))
	if !ok {
		t.Fatal("expected a floor entry")
	}
	// key-0008 is the largest sampled key <= key-0010
	if offset != 800 {
		t.Fatalf("expected offset 800, got %d", offset)
	}
}

func TestLookupMissingBeforeAnyEntry(t *testing.T) {
	idx := buildTestIndex(t, 4, 20)
	_, ok := idx.Lookup([]byte("aaa"))
	if ok {
		t.Fatal("expected no floor entry for a key before the first sample")
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	idx := buildTestIndex(t, 4, 20)

	var buf bytes.Buffer
	if _, err := idx.WriteTo(&buf); err != nil {
		t.Fatalf("write: %v", err)
	}

	restored, err := ReadFrom(buf.Bytes())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if restored.Len() != idx.Len() {
		t.Fatalf("expected %d entries, got %d", idx.Len(), restored.Len())
	}

	off, ok := restored.Lookup([]byte("key-0010"))
	if !ok || off != 800 {
		t.Fatalf("expected offset 800, got %d ok=%v", off, ok)
	}
}

func TestReadFromTruncated(t *testing.T) {
	if _, err := ReadFrom([]byte{1, 2, 3}); err != ErrTruncated {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
}
