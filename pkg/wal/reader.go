package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/stratakv/stratakv/pkg/record"
)

// readAllFrom replays records from r until EOF or a truncated/corrupt
// trailing record, per the WAL's failure semantics: a truncated tail
// just stops replay, but a CRC mismatch mid-file is fatal.
func readAllFrom(r io.Reader) ([]record.Entry, error) {
	var entries []record.Entry

	header := make([]byte, HeaderSize)
	for {
		if _, err := io.ReadFull(r, header); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return entries, nil
			}
			return entries, fmt.Errorf("wal: reading record header: %w", err)
		}

		crc := binary.LittleEndian.Uint32(header[0:4])
		length := binary.LittleEndian.Uint32(header[4:8])
		op := header[8]

		if length > MaxRecordSize {
			// A header this malformed can only be a truncated/garbage
			// tail; treat it as end of valid data rather than fatal.
			return entries, nil
		}

		payload := make([]byte, length)
		if _, err := io.ReadFull(r, payload); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return entries, nil
			}
			return entries, fmt.Errorf("wal: reading record payload: %w", err)
		}

		if crc32.ChecksumIEEE(payload) != crc {
			if isLikelyTrailingGarbage(r) {
				return entries, nil
			}
			return entries, fmt.Errorf("%w: checksum mismatch", ErrCorruptRecord)
		}

		e, err := decodePayload(op, payload)
		if err != nil {
			return entries, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
		}
		entries = append(entries, e)
	}
}

// isLikelyTrailingGarbage reports whether r has no further bytes after a
// checksum failure, which is the expected shape of a crash mid-write: a
// dangling header or partial payload at the very end of the file. Any
// bytes still following after this point mean the corruption is
// mid-file, which is fatal rather than a truncated tail.
func isLikelyTrailingGarbage(r io.Reader) bool {
	probe := make([]byte, 1)
	n, err := r.Read(probe)
	return n == 0 && err != nil
}

func decodePayload(op uint8, payload []byte) (record.Entry, error) {
	if op != OpPut && op != OpDelete {
		return record.Entry{}, ErrInvalidOp
	}
	if len(payload) < 12 {
		return record.Entry{}, fmt.Errorf("payload too short: %d bytes", len(payload))
	}

	ts := binary.LittleEndian.Uint64(payload[0:8])
	keyLen := int(binary.LittleEndian.Uint32(payload[8:12]))
	pos := 12
	if pos+keyLen > len(payload) {
		return record.Entry{}, fmt.Errorf("truncated key")
	}
	key := append([]byte(nil), payload[pos:pos+keyLen]...)
	pos += keyLen

	if op == OpDelete {
		return record.NewTombstone(key, ts), nil
	}

	if pos+4 > len(payload) {
		return record.Entry{}, fmt.Errorf("truncated value length")
	}
	valueLen := int(binary.LittleEndian.Uint32(payload[pos : pos+4]))
	pos += 4
	if pos+valueLen > len(payload) {
		return record.Entry{}, fmt.Errorf("truncated value")
	}
	value := append([]byte(nil), payload[pos:pos+valueLen]...)

	return record.New(key, value, ts), nil
}
