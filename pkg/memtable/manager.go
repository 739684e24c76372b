package memtable

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/stratakv/stratakv/internal/log"
	"github.com/stratakv/stratakv/pkg/record"
)

// ErrManagerClosed is returned by Put/Delete once Close has run.
var ErrManagerClosed = errors.New("memtable: manager closed")

// Handle is an owned reference to an immutable memtable awaiting (or
// undergoing) flush, tagged with the rotation sequence it was assigned.
type Handle struct {
	Seq   uint64
	Table *MemTable
}

// FlushFunc durably persists an immutable memtable's contents, typically
// by writing an L0 SSTable and trimming the WAL for the entries it
// covers. It is always invoked outside the Manager's lock.
type FlushFunc func(h *Handle) error

// Stats is a snapshot of the memtable manager's counters.
type Stats struct {
	ActiveMemtableSize int64
	ActiveEntries      int
	ImmutableMemtables int
	Rotations          uint64
	AsyncFlushes       uint64
}

// Manager owns the active memtable and a bounded FIFO queue of
// immutable memtables awaiting flush. Put/Delete insert into the active
// table and rotate it when it reaches its entry-count cap; a worker
// pool drains the immutable queue asynchronously, and backpressure
// forces a synchronous flush on the calling goroutine if the queue is
// already at capacity when a rotation occurs.
type Manager struct {
	mu           sync.Mutex
	active       *MemTable
	activeCount  int
	immutables   []*Handle
	nextSeq      uint64
	maxEntries   int
	maxImmutable int
	flush        FlushFunc
	flushCh      chan *Handle
	wg           sync.WaitGroup
	closed       bool
	log          log.Logger

	rotations    atomic.Uint64
	asyncFlushes atomic.Uint64
}

// NewManager creates a Manager with the given entry-count cap per
// memtable, immutable-queue bound, and async flush worker count, and
// starts the worker pool.
func NewManager(maxEntries, maxImmutable, flushWorkers int, flush FlushFunc, logger log.Logger) *Manager {
	if logger == nil {
		logger = log.NoopLogger{}
	}
	m := &Manager{
		active:       NewMemTable(),
		maxEntries:   maxEntries,
		maxImmutable: maxImmutable,
		flush:        flush,
		flushCh:      make(chan *Handle, maxImmutable),
		log:          logger,
	}
	for i := 0; i < flushWorkers; i++ {
		m.wg.Add(1)
		go m.flushWorker()
	}
	return m
}

// Put inserts a live entry, rotating the active memtable if it has
// reached its cap. If the immutable queue was already full, the oldest
// handle is popped and returned so the caller can flush it itself
// outside any lock (including its own, if it holds one across the
// insert) and then call Complete.
func (m *Manager) Put(e record.Entry) (*Handle, error) {
	return m.insert(e)
}

// Delete inserts a tombstone entry, following the same rotation and
// backpressure rules as Put.
func (m *Manager) Delete(e record.Entry) (*Handle, error) {
	return m.insert(e)
}

func (m *Manager) insert(e record.Entry) (*Handle, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}

	m.active.Put(e)
	m.activeCount++

	var backpressure *Handle
	if m.activeCount >= m.maxEntries {
		h := m.rotateLocked()
		if len(m.immutables) > m.maxImmutable {
			backpressure = m.immutables[0]
			m.immutables = m.immutables[1:]
		} else {
			select {
			case m.flushCh <- h:
			default:
				m.log.Warn("flush channel full, memtable %d waits for natural retry", h.Seq)
			}
		}
	}
	m.mu.Unlock()

	return backpressure, nil
}

// rotateLocked makes the active memtable immutable, installs a fresh
// active, and pushes the rotated handle onto the immutable queue. Must
// be called with m.mu held.
func (m *Manager) rotateLocked() *Handle {
	h := &Handle{Seq: m.nextSeq, Table: m.active}
	m.nextSeq++
	h.Table.SetImmutable()

	m.active = NewMemTable()
	m.activeCount = 0
	m.immutables = append(m.immutables, h)
	m.rotations.Add(1)
	return h
}

// Get searches the active memtable, then the immutable queue from
// newest to oldest, returning the first entry found (including
// tombstones).
func (m *Manager) Get(key []byte) (record.Entry, bool) {
	m.mu.Lock()
	active := m.active
	immutables := make([]*Handle, len(m.immutables))
	copy(immutables, m.immutables)
	m.mu.Unlock()

	if e, ok := active.Get(key); ok {
		return e, true
	}
	for i := len(immutables) - 1; i >= 0; i-- {
		if e, ok := immutables[i].Table.Get(key); ok {
			return e, true
		}
	}
	return record.Entry{}, false
}

// FlushActiveSync rotates the active memtable into the immutable queue
// under the manager lock and returns the rotated handle, or nil if the
// active memtable is empty. The caller is responsible for invoking the
// flush callback (outside any manager lock) and then calling Complete.
func (m *Manager) FlushActiveSync() *Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.activeCount == 0 {
		return nil
	}
	return m.rotateLocked()
}

// Complete removes h from the immutable queue after its contents have
// been durably flushed.
func (m *Manager) Complete(h *Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, candidate := range m.immutables {
		if candidate == h {
			m.immutables = append(m.immutables[:i], m.immutables[i+1:]...)
			return
		}
	}
}

func (m *Manager) flushWorker() {
	defer m.wg.Done()
	for h := range m.flushCh {
		if err := m.flush(h); err != nil {
			m.log.Error("async flush of memtable %d failed, it stays in the immutable queue and is not handed to a worker again: %v", h.Seq, err)
			continue
		}
		m.Complete(h)
		m.asyncFlushes.Add(1)
	}
}

// Stats returns a snapshot of the manager's counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	s := Stats{
		ActiveMemtableSize: m.active.ApproximateSize(),
		ActiveEntries:      m.activeCount,
		ImmutableMemtables: len(m.immutables),
	}
	m.mu.Unlock()
	s.Rotations = m.rotations.Load()
	s.AsyncFlushes = m.asyncFlushes.Load()
	return s
}

// Shutdown stops accepting new mutations, closes the flush queue, and
// waits for every worker to finish flushing whatever it had already
// dequeued. Only once that drain completes does it rotate a non-empty
// active memtable and collect whatever remains in the immutable queue:
// handles a worker never got to (the channel-full case) or that a
// worker already flushed but failed to persist. Those are returned for
// the caller to flush synchronously.
//
// Doing this in one call, rather than snapshotting the immutable queue
// before stopping the workers, is what keeps a handle from being
// flushed twice: once the drain above returns, every handle still
// enqueued at close time has been flushed exactly once by a worker, so
// nothing in the returned slice can also be mid-flush on a worker
// goroutine.
func (m *Manager) Shutdown() []*Handle {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.flushCh)
	m.mu.Unlock()

	m.wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.activeCount > 0 {
		m.rotateLocked()
	}
	out := make([]*Handle, len(m.immutables))
	copy(out, m.immutables)
	return out
}

// Close stops the worker pool and discards any handle Shutdown would
// otherwise return unflushed. It exists for callers, such as tests,
// that only need the worker pool torn down; production shutdown goes
// through Shutdown so pending contents aren't lost.
func (m *Manager) Close() {
	m.Shutdown()
}
