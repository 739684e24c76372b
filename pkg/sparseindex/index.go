// Package sparseindex implements the sparse key→offset index that lets
// an SSTable reader bound its disk scan to a small window instead of
// walking the whole data file.
package sparseindex

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"sort"
)

// Entry maps a key to the byte offset of its record within the data file.
type Entry struct {
	Key    []byte
	Offset int64
}

// Index is an in-memory sparse index: a sorted slice of Entry, built by
// sampling every Bth key written to an SSTable's data file.
type Index struct {
	entries []Entry
}

// Builder accumulates entries at a fixed interval while an SSTable
// writer streams records.
type Builder struct {
	interval int
	seen     int
	idx      Index
}

// NewBuilder creates a Builder that records one entry every interval keys,
// always including the very first key.
func NewBuilder(interval int) *Builder {
	if interval <= 0 {
		interval = 1
	}
	return &Builder{interval: interval}
}

// Add is invoked by the writer for every key, in increasing key order, with
// the byte offset at which that key's record begins.
func (b *Builder) Add(key []byte, offset int64) {
	if b.seen%b.interval == 0 {
		b.idx.entries = append(b.idx.entries, Entry{
			Key:    append([]byte(nil), key...),
			Offset: offset,
		})
	}
	b.seen++
}

// Finish returns the completed index.
func (b *Builder) Finish() *Index {
	return &b.idx
}

// Lookup returns the offset of the largest indexed key ≤ target, and
// whether such an entry exists. The caller scans forward from that
// offset in the data file.
func (idx *Index) Lookup(target []byte) (int64, bool) {
	// sort.Search finds the first entry with Key > target; the entry
	// immediately before it is the floor we want.
	i := sort.Search(len(idx.entries), func(i int) bool {
		return bytes.Compare(idx.entries[i].Key, target) > 0
	})
	if i == 0 {
		return 0, false
	}
	return idx.entries[i-1].Offset, true
}

// Len returns the number of sampled entries.
func (idx *Index) Len() int { return len(idx.entries) }

// ErrTruncated is returned when a serialized index is shorter than its
// own header declares.
var ErrTruncated = errors.New("sparseindex: truncated index data")

// WriteTo serializes the index as a count followed by (key-length, key,
// offset) tuples.
func (idx *Index) WriteTo(w io.Writer) (int64, error) {
	var written int64

	countBuf := make([]byte, 8)
	binary.LittleEndian.PutUint64(countBuf, uint64(len(idx.entries)))
	n, err := w.Write(countBuf)
	written += int64(n)
	if err != nil {
		return written, err
	}

	hdr := make([]byte, 12)
	for _, e := range idx.entries {
		binary.LittleEndian.PutUint32(hdr[0:4], uint32(len(e.Key)))
		binary.LittleEndian.PutUint64(hdr[4:12], uint64(e.Offset))
		n, err = w.Write(hdr)
		written += int64(n)
		if err != nil {
			return written, err
		}
		n, err = w.Write(e.Key)
		written += int64(n)
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

// ReadFrom deserializes an index previously written by WriteTo.
func ReadFrom(data []byte) (*Index, error) {
	if len(data) < 8 {
		return nil, ErrTruncated
	}
	count := binary.LittleEndian.Uint64(data[0:8])
	pos := 8

	idx := &Index{entries: make([]Entry, 0, count)}
	for i := uint64(0); i < count; i++ {
		if pos+12 > len(data) {
			return nil, ErrTruncated
		}
		keyLen := int(binary.LittleEndian.Uint32(data[pos : pos+4]))
		offset := int64(binary.LittleEndian.Uint64(data[pos+4 : pos+12]))
		pos += 12
		if pos+keyLen > len(data) {
			return nil, ErrTruncated
		}
		key := append([]byte(nil), data[pos:pos+keyLen]...)
		pos += keyLen

		idx.entries = append(idx.entries, Entry{Key: key, Offset: offset})
	}
	return idx, nil
}
