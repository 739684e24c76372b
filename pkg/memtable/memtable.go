// Package memtable implements the in-memory sorted table that absorbs
// writes before they are durably flushed to an SSTable, and the Manager
// that rotates a full active table into an immutable flush queue.
package memtable

import (
	"sync"
	"sync/atomic"

	"github.com/stratakv/stratakv/pkg/record"
)

// MemTable is an ordered in-memory map from key to its newest entry,
// backed by a skip list. It starts mutable; once SetImmutable is called
// no further Put is accepted.
type MemTable struct {
	skipList  *SkipList
	immutable atomic.Bool
	mu        sync.RWMutex
}

// NewMemTable creates an empty, mutable MemTable.
func NewMemTable() *MemTable {
	return &MemTable{skipList: NewSkipList()}
}

// Put inserts an entry, live or tombstone. A no-op once the table is immutable.
func (m *MemTable) Put(e record.Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.IsImmutable() {
		return
	}
	m.skipList.Insert(e)
}

// Get returns the newest entry for key, including tombstones, so the
// caller can distinguish "deleted" from "not present".
func (m *MemTable) Get(key []byte) (record.Entry, bool) {
	if m.IsImmutable() {
		return m.skipList.Find(key)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.skipList.Find(key)
}

// ApproximateSize returns the accumulated size of every entry inserted.
func (m *MemTable) ApproximateSize() int64 {
	return m.skipList.ApproximateSize()
}

// SetImmutable marks the table read-only. Irreversible.
func (m *MemTable) SetImmutable() {
	m.immutable.Store(true)
}

// IsImmutable reports whether the table accepts no more writes.
func (m *MemTable) IsImmutable() bool {
	return m.immutable.Load()
}

// NewIterator returns an iterator over every entry in key order
// (including duplicate keys, newest first), used by the flush path to
// build an SSTable's sorted entry stream.
func (m *MemTable) NewIterator() *Iterator {
	if m.IsImmutable() {
		return m.skipList.NewIterator()
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.skipList.NewIterator()
}

// Entries returns every live key's newest entry (including tombstones)
// in ascending key order, collapsing duplicate keys to their newest
// version. This is the sequence an SSTable writer consumes.
func (m *MemTable) Entries() []record.Entry {
	it := m.NewIterator()
	out := make([]record.Entry, 0)
	var lastKey []byte
	for it.SeekToFirst(); it.Valid(); it.Next() {
		e := it.Entry()
		if lastKey != nil && string(e.Key) == string(lastKey) {
			continue
		}
		lastKey = e.Key
		out = append(out, e)
	}
	return out
}
