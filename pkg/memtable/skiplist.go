package memtable

import (
	"bytes"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/stratakv/stratakv/pkg/record"
)

const (
	// MaxHeight is the maximum height of the skip list.
	MaxHeight = 12

	// BranchingFactor determines the probability of increasing the height.
	BranchingFactor = 4
)

// node is a skip list node. next is a fixed-size array rather than a
// slice sized to height, trading a little memory for simpler atomic
// pointer chasing.
type node struct {
	entry record.Entry
	next  [MaxHeight]unsafe.Pointer
}

func newNode(e record.Entry) *node {
	return &node{entry: e}
}

func (n *node) getNext(level int) *node {
	return (*node)(atomic.LoadPointer(&n.next[level]))
}

func (n *node) setNext(level int, next *node) {
	atomic.StorePointer(&n.next[level], unsafe.Pointer(next))
}

// SkipList is an ordered structure over record.Entry, keyed by
// record.Compare: entries sort by key, then by timestamp descending, so
// the newest version of a key always precedes older versions of the
// same key. Find relies on that ordering to return the newest match
// without scanning every duplicate.
type SkipList struct {
	head      *node
	maxHeight int32
	rnd       *rand.Rand
	rndMtx    sync.Mutex
	size      int64
}

// NewSkipList creates an empty skip list.
func NewSkipList() *SkipList {
	return &SkipList{
		head:      newNode(record.Entry{}),
		maxHeight: 1,
		rnd:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (s *SkipList) randomHeight() int {
	s.rndMtx.Lock()
	defer s.rndMtx.Unlock()

	height := 1
	for height < MaxHeight && s.rnd.Intn(BranchingFactor) == 0 {
		height++
	}
	return height
}

func (s *SkipList) getCurrentHeight() int {
	return int(atomic.LoadInt32(&s.maxHeight))
}

// Insert adds e to the skip list in sorted position.
func (s *SkipList) Insert(e record.Entry) {
	height := s.randomHeight()
	var prev [MaxHeight]*node
	n := newNode(e)

	currHeight := s.getCurrentHeight()
	if height > currHeight {
		if atomic.CompareAndSwapInt32(&s.maxHeight, int32(currHeight), int32(height)) {
			currHeight = height
		}
	}

	current := s.head
	for level := currHeight - 1; level >= 0; level-- {
		for next := current.getNext(level); next != nil; next = current.getNext(level) {
			if record.Compare(next.entry, e) >= 0 {
				break
			}
			current = next
		}
		prev[level] = current
	}

	for level := 0; level < height; level++ {
		n.setNext(level, prev[level].getNext(level))
		prev[level].setNext(level, n)
	}

	atomic.AddInt64(&s.size, int64(e.Size()))
}

// Find returns the newest entry for key, or (Entry{}, false) if key is
// absent.
func (s *SkipList) Find(key []byte) (record.Entry, bool) {
	current := s.head
	height := s.getCurrentHeight()

	for level := height - 1; level >= 0; level-- {
		for next := current.getNext(level); next != nil; next = current.getNext(level) {
			cmp := bytes.Compare(next.entry.Key, key)
			if cmp >= 0 {
				break
			}
			current = next
		}
	}

	next := current.getNext(0)
	if next != nil && bytes.Equal(next.entry.Key, key) {
		return next.entry, true
	}
	return record.Entry{}, false
}

// ApproximateSize returns the accumulated size of every inserted entry.
func (s *SkipList) ApproximateSize() int64 {
	return atomic.LoadInt64(&s.size)
}

// Iterator walks the skip list's entries in sorted order, including
// every duplicate key (newest first); the memtable flush path keeps
// only the first occurrence of each key.
type Iterator struct {
	list    *SkipList
	current *node
}

// NewIterator returns an Iterator positioned before the first entry.
func (s *SkipList) NewIterator() *Iterator {
	return &Iterator{list: s, current: s.head}
}

// Valid reports whether the iterator is positioned at an entry.
func (it *Iterator) Valid() bool {
	return it.current != nil && it.current != it.list.head
}

// Next advances the iterator.
func (it *Iterator) Next() {
	if it.current == nil {
		return
	}
	it.current = it.current.getNext(0)
}

// SeekToFirst positions the iterator at the first entry.
func (it *Iterator) SeekToFirst() {
	it.current = it.list.head.getNext(0)
}

// Entry returns the entry at the iterator's current position.
func (it *Iterator) Entry() record.Entry {
	if !it.Valid() {
		return record.Entry{}
	}
	return it.current.entry
}
