package sstable

import (
	"encoding/binary"
	"fmt"

	"github.com/stratakv/stratakv/pkg/record"
)

// encodeRecord frames a single entry as:
//
//	keyLen(4) key valueLen(4) value timestamp(8) deleted(1)
//
// Records are concatenated without a trailing checksum; the enclosing
// block carries one checksum covering all of its records.
func encodeRecord(e record.Entry) []byte {
	buf := make([]byte, 4+len(e.Key)+4+len(e.Value)+8+1)
	pos := 0
	binary.LittleEndian.PutUint32(buf[pos:], uint32(len(e.Key)))
	pos += 4
	copy(buf[pos:], e.Key)
	pos += len(e.Key)
	binary.LittleEndian.PutUint32(buf[pos:], uint32(len(e.Value)))
	pos += 4
	copy(buf[pos:], e.Value)
	pos += len(e.Value)
	binary.LittleEndian.PutUint64(buf[pos:], e.Timestamp)
	pos += 8
	if e.Deleted {
		buf[pos] = 1
	}
	return buf
}

// decodeRecord parses one record starting at the front of buf and returns
// the entry plus the number of bytes it consumed.
func decodeRecord(buf []byte) (record.Entry, int, error) {
	if len(buf) < 4 {
		return record.Entry{}, 0, fmt.Errorf("%w: truncated record header", ErrCorrupted)
	}
	keyLen := int(binary.LittleEndian.Uint32(buf))
	pos := 4
	if pos+keyLen+4 > len(buf) {
		return record.Entry{}, 0, fmt.Errorf("%w: truncated key", ErrCorrupted)
	}
	key := buf[pos : pos+keyLen]
	pos += keyLen

	valueLen := int(binary.LittleEndian.Uint32(buf[pos:]))
	pos += 4
	if pos+valueLen+8+1 > len(buf) {
		return record.Entry{}, 0, fmt.Errorf("%w: truncated value", ErrCorrupted)
	}
	var value []byte
	if valueLen > 0 {
		value = buf[pos : pos+valueLen]
	}
	pos += valueLen

	ts := binary.LittleEndian.Uint64(buf[pos:])
	pos += 8

	deleted := buf[pos] != 0
	pos++

	return record.Entry{Key: key, Value: value, Timestamp: ts, Deleted: deleted}, pos, nil
}
