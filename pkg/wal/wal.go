// Package wal implements the write-ahead log: an append-only, durable
// record of every mutation applied to the store, replayed on open to
// recover memtable state the SSTables don't yet cover.
package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"sync"

	"github.com/stratakv/stratakv/pkg/record"
)

const (
	// OpPut and OpDelete are the two mutation kinds a WAL record can carry.
	OpPut    uint8 = 1
	OpDelete uint8 = 2

	// HeaderSize is crc(4) + length(4) + op(1).
	HeaderSize = 9

	// MaxRecordSize bounds a single record's payload, matching the
	// input validation bounds on key and value size.
	MaxRecordSize = 1024 + 10*1024*1024 + 64
)

var (
	// ErrClosed is returned by any operation after Close has run.
	ErrClosed = errors.New("wal: closed")
	// ErrCorruptRecord is returned for a CRC mismatch on a non-trailing
	// record, which is fatal: it indicates corruption in persisted state.
	ErrCorruptRecord = errors.New("wal: corrupt record")
	// ErrInvalidOp is returned for a record whose op byte names neither
	// PUT nor DELETE.
	ErrInvalidOp = errors.New("wal: invalid operation type")
)

// WAL is a single append-only file of framed mutation records, guarded
// by one mutex. append blocks until the record is fsynced; rewriting the
// file (ReplaceWithFiltered, Clear) is always done via temp-file+rename,
// never truncate-in-place.
type WAL struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	writer *bufio.Writer
	closed bool
}

// Open opens (creating if necessary) the WAL file at path for appending.
func Open(path string) (*WAL, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("wal: opening %s: %w", path, err)
	}
	return &WAL{
		path:   path,
		file:   file,
		writer: bufio.NewWriterSize(file, 64*1024),
	}, nil
}

// Append writes a single entry and returns only after it is fsynced.
func (w *WAL) Append(e record.Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}

	if err := w.writeRecordLocked(e); err != nil {
		return err
	}
	return w.syncLocked()
}

// AppendBatch writes every entry in order and performs a single fsync
// after all of them are written.
func (w *WAL) AppendBatch(entries []record.Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if len(entries) == 0 {
		return nil
	}

	for _, e := range entries {
		if err := w.writeRecordLocked(e); err != nil {
			return err
		}
	}
	return w.syncLocked()
}

func (w *WAL) writeRecordLocked(e record.Entry) error {
	op := OpPut
	if e.Deleted {
		op = OpDelete
	}

	payload := encodePayload(op, e)
	if len(payload) > MaxRecordSize {
		return fmt.Errorf("wal: record of %d bytes exceeds max %d", len(payload), MaxRecordSize)
	}

	header := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(payload)))
	header[8] = op
	crc := crc32.ChecksumIEEE(payload)
	binary.LittleEndian.PutUint32(header[0:4], crc)

	if _, err := w.writer.Write(header); err != nil {
		return fmt.Errorf("wal: writing record header: %w", err)
	}
	if _, err := w.writer.Write(payload); err != nil {
		return fmt.Errorf("wal: writing record payload: %w", err)
	}
	return nil
}

func (w *WAL) syncLocked() error {
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("wal: flushing buffer: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("wal: fsyncing file: %w", err)
	}
	return nil
}

// encodePayload frames one entry as: timestamp(8) keyLen(4) key
// [valueLen(4) value] — the value fields are omitted entirely for a
// DELETE record, keeping the framing self-describing without needing a
// delimiter that could collide with arbitrary key/value bytes.
func encodePayload(op uint8, e record.Entry) []byte {
	size := 8 + 4 + len(e.Key)
	if op != OpDelete {
		size += 4 + len(e.Value)
	}
	buf := make([]byte, size)
	pos := 0
	binary.LittleEndian.PutUint64(buf[pos:], e.Timestamp)
	pos += 8
	binary.LittleEndian.PutUint32(buf[pos:], uint32(len(e.Key)))
	pos += 4
	copy(buf[pos:], e.Key)
	pos += len(e.Key)
	if op != OpDelete {
		binary.LittleEndian.PutUint32(buf[pos:], uint32(len(e.Value)))
		pos += 4
		copy(buf[pos:], e.Value)
	}
	return buf
}

// ReadAll replays every valid record in the file in append order. A
// corrupt or truncated trailing record stops replay at the last good
// record without returning an error; a CRC mismatch on a non-trailing
// record is fatal and returned as ErrCorruptRecord.
func ReadAll(path string) ([]record.Entry, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("wal: opening %s: %w", path, err)
	}
	defer file.Close()

	return readAllFrom(bufio.NewReaderSize(file, 64*1024))
}

// Path returns the WAL's file path.
func (w *WAL) Path() string { return w.path }

// Close flushes and fsyncs any buffered data, then closes the file. Safe
// to call once; subsequent operations return ErrClosed.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	if err := w.syncLocked(); err != nil {
		return err
	}
	w.closed = true
	return w.file.Close()
}

// Clear truncates the WAL to empty via the same temp-file + rename
// discipline as ReplaceWithFiltered, rather than truncating in place.
func (w *WAL) Clear() error {
	return w.ReplaceWithFiltered(func(record.Entry) bool { return false })
}
