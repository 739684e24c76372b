package store

import (
	"bytes"
	"errors"
	"sync"
	"testing"

	"github.com/stratakv/stratakv/internal/log"
	"github.com/stratakv/stratakv/pkg/compaction"
)

func open(t *testing.T, dir string) *Store {
	t.Helper()
	s, err := Open(dir, log.NoopLogger{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := open(t, dir)
	defer s.Close()

	if err := s.Put([]byte("user|123"), []byte("a|b\nc")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	value, found, err := s.Get([]byte("user|123"))
	if err != nil || !found {
		t.Fatalf("Get = %q, %v, %v", value, found, err)
	}
	if !bytes.Equal(value, []byte("a|b\nc")) {
		t.Fatalf("Get value = %q, want %q", value, "a|b\nc")
	}
}

func TestGetMissingKeyNotFound(t *testing.T) {
	dir := t.TempDir()
	s := open(t, dir)
	defer s.Close()

	_, found, err := s.Get([]byte("missing"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if found {
		t.Fatalf("Get(missing) found, want not found")
	}
}

func TestDeleteShadowsPut(t *testing.T) {
	dir := t.TempDir()
	s := open(t, dir)
	defer s.Close()

	if err := s.Put([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Delete([]byte("k")); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	_, found, err := s.Get([]byte("k"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if found {
		t.Fatalf("Get(k) found after delete, want not found")
	}
}

func TestPutRejectsEmptyKey(t *testing.T) {
	dir := t.TempDir()
	s := open(t, dir)
	defer s.Close()

	if err := s.Put(nil, []byte("v")); !errors.Is(err, ErrEmptyKey) {
		t.Fatalf("Put(nil key) = %v, want ErrEmptyKey", err)
	}
}

func TestPutRejectsOversizedKeyAndValue(t *testing.T) {
	dir := t.TempDir()
	s := open(t, dir)
	defer s.Close()
	s.cfg.MaxKeySize = 4
	s.cfg.MaxValueSize = 4

	if err := s.Put([]byte("toolong"), []byte("v")); !errors.Is(err, ErrKeyTooLarge) {
		t.Fatalf("Put(long key) = %v, want ErrKeyTooLarge", err)
	}
	if err := s.Put([]byte("k"), []byte("toolong")); !errors.Is(err, ErrValueTooLarge) {
		t.Fatalf("Put(long value) = %v, want ErrValueTooLarge", err)
	}
}

func TestPutAcceptsEmptyValue(t *testing.T) {
	dir := t.TempDir()
	s := open(t, dir)
	defer s.Close()

	if err := s.Put([]byte("k"), []byte{}); err != nil {
		t.Fatalf("Put(empty value): %v", err)
	}
	value, found, err := s.Get([]byte("k"))
	if err != nil || !found {
		t.Fatalf("Get(k) = %q, %v, %v", value, found, err)
	}
	if len(value) != 0 {
		t.Fatalf("Get(k) value = %q, want empty", value)
	}
}

func TestFlushPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	s := open(t, dir)

	if err := s.Put([]byte("a"), []byte("1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	meta, err := s.Flush()
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if meta == nil || meta.NumEntries != 1 {
		t.Fatalf("Flush metadata = %+v, want one entry", meta)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2 := open(t, dir)
	defer s2.Close()
	value, found, err := s2.Get([]byte("a"))
	if err != nil || !found || string(value) != "1" {
		t.Fatalf("Get(a) after reopen = %q, %v, %v", value, found, err)
	}
}

func TestFlushOfEmptyMemtableFails(t *testing.T) {
	dir := t.TempDir()
	s := open(t, dir)
	defer s.Close()

	if _, err := s.Flush(); !errors.Is(err, ErrEmptyMemtable) {
		t.Fatalf("Flush on empty store = %v, want ErrEmptyMemtable", err)
	}
}

func TestCloseFlushesPendingMutations(t *testing.T) {
	dir := t.TempDir()
	s := open(t, dir)

	for i := 1; i <= 5; i++ {
		key := []byte{'k', byte('0' + i)}
		value := []byte{'v', byte('0' + i)}
		if err := s.Put(key, value); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2 := open(t, dir)
	defer s2.Close()
	value, found, err := s2.Get([]byte("k3"))
	if err != nil || !found || string(value) != "v3" {
		t.Fatalf("Get(k3) after reopen = %q, %v, %v", value, found, err)
	}
	if s2.Stats()["num_sstables"].(int) == 0 {
		t.Fatalf("expected at least one sstable after close flushed the active memtable")
	}
}

// TestReopenWithoutCloseReplaysWAL simulates a crash: a second Store is
// opened against the same data directory without closing the first,
// mirroring a process that died after fsyncing its WAL.
func TestReopenWithoutCloseReplaysWAL(t *testing.T) {
	dir := t.TempDir()
	s := open(t, dir)

	if err := s.Put([]byte("a"), []byte("1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Put([]byte("b"), []byte("2")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	s2 := open(t, dir)
	defer s2.Close()

	for _, want := range []struct{ key, value string }{{"a", "1"}, {"b", "2"}} {
		value, found, err := s2.Get([]byte(want.key))
		if err != nil || !found || string(value) != want.value {
			t.Fatalf("Get(%s) after replay = %q, %v, %v", want.key, value, found, err)
		}
	}
}

func TestCompactWithNothingToCompactReturnsError(t *testing.T) {
	dir := t.TempDir()
	s := open(t, dir)
	defer s.Close()

	if _, err := s.Compact(); !errors.Is(err, compaction.ErrNothingToCompact) {
		t.Fatalf("Compact on empty store = %v, want ErrNothingToCompact", err)
	}
}

func TestOperationsAfterCloseReturnErrClosed(t *testing.T) {
	dir := t.TempDir()
	s := open(t, dir)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if err := s.Put([]byte("k"), []byte("v")); !errors.Is(err, ErrClosed) {
		t.Fatalf("Put after close = %v, want ErrClosed", err)
	}
	if err := s.Delete([]byte("k")); !errors.Is(err, ErrClosed) {
		t.Fatalf("Delete after close = %v, want ErrClosed", err)
	}
	if _, _, err := s.Get([]byte("k")); !errors.Is(err, ErrClosed) {
		t.Fatalf("Get after close = %v, want ErrClosed", err)
	}
	if _, err := s.Flush(); !errors.Is(err, ErrClosed) {
		t.Fatalf("Flush after close = %v, want ErrClosed", err)
	}
	if _, err := s.Compact(); !errors.Is(err, ErrClosed) {
		t.Fatalf("Compact after close = %v, want ErrClosed", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	s := open(t, dir)
	if err := s.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestConcurrentPutsAllSucceed(t *testing.T) {
	dir := t.TempDir()
	s := open(t, dir)
	defer s.Close()

	const n = 200
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := []byte{byte(i / 26), byte('a' + i%26)}
			if err := s.Put(key, []byte("v")); err != nil {
				t.Errorf("Put: %v", err)
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		key := []byte{byte(i / 26), byte('a' + i%26)}
		if _, found, err := s.Get(key); err != nil || !found {
			t.Fatalf("Get(%v) = %v, %v", key, found, err)
		}
	}
}

func TestNextTimestampMonotonicAcrossCalls(t *testing.T) {
	dir := t.TempDir()
	s := open(t, dir)
	defer s.Close()

	var last uint64
	for i := 0; i < 1000; i++ {
		ts := s.nextTimestamp()
		if ts <= last {
			t.Fatalf("nextTimestamp returned %d after %d, want strictly greater", ts, last)
		}
		last = ts
	}
}

func TestNextTimestampSeedsPastReplayedMax(t *testing.T) {
	dir := t.TempDir()
	s := open(t, dir)
	defer s.Close()

	s.lastTS.Store(1 << 62)
	if ts := s.nextTimestamp(); ts <= 1<<62 {
		t.Fatalf("nextTimestamp = %d, want greater than seeded %d", ts, uint64(1)<<62)
	}
}

func TestStatsReflectsActivity(t *testing.T) {
	dir := t.TempDir()
	s := open(t, dir)
	defer s.Close()

	if err := s.Put([]byte("a"), []byte("1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := s.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	snapshot := s.Stats()
	if snapshot["num_sstables"].(int) != 1 {
		t.Fatalf("Stats num_sstables = %v, want 1", snapshot["num_sstables"])
	}
	if snapshot["async_flushes"].(uint64)+1 == 0 {
		// async_flushes counter started, just checking the key exists and is a uint64
	}
	if _, ok := snapshot["put_ops"]; !ok {
		t.Fatalf("Stats missing ambient operation counter put_ops: %+v", snapshot)
	}
}
