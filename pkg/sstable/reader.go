package sstable

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/s2"
	"golang.org/x/exp/mmap"

	"github.com/stratakv/stratakv/pkg/bloom"
	"github.com/stratakv/stratakv/pkg/record"
	"github.com/stratakv/stratakv/pkg/sparseindex"
)

// Reader gives concurrent, read-only access to one on-disk SSTable. Its
// mmap handle and sidecar structures are immutable once opened; callers
// share a single Reader rather than reopening the file per lookup.
type Reader struct {
	dir  string
	id   uint64
	data *mmap.ReaderAt

	compressed bool
	numEntries uint64
	minKey     []byte
	maxKey     []byte
	blocksFrom int64 // offset of the first block, i.e. end of the fixed+variable header

	bloom *bloom.Filter
	index *sparseindex.Index

	closeOnce sync.Once
}

// Exists reports whether an SSTable directory is present under root.
func Exists(root string, id uint64) bool {
	_, err := os.Stat(Path(root, id))
	return err == nil
}

// Open mmaps the data file and loads the bloom and sparse index
// sidecars for id into memory.
func Open(root string, id uint64) (*Reader, error) {
	dir := Path(root, id)
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	dataHandle, err := mmap.Open(filepath.Join(dir, dataFileName))
	if err != nil {
		return nil, fmt.Errorf("sstable: opening data file: %w", err)
	}

	r := &Reader{dir: dir, id: id, data: dataHandle}
	if err := r.parseHeader(); err != nil {
		dataHandle.Close()
		return nil, err
	}

	bloomBytes, err := os.ReadFile(filepath.Join(dir, bloomFileName))
	if err != nil {
		dataHandle.Close()
		return nil, fmt.Errorf("sstable: reading bloom sidecar: %w", err)
	}
	r.bloom = &bloom.Filter{}
	if err := r.bloom.UnmarshalBinary(bloomBytes); err != nil {
		dataHandle.Close()
		return nil, fmt.Errorf("sstable: %w: bloom sidecar: %v", ErrCorrupted, err)
	}

	indexBytes, err := os.ReadFile(filepath.Join(dir, indexFileName))
	if err != nil {
		dataHandle.Close()
		return nil, fmt.Errorf("sstable: reading index sidecar: %w", err)
	}
	idx, err := sparseindex.ReadFrom(indexBytes)
	if err != nil {
		dataHandle.Close()
		return nil, fmt.Errorf("sstable: %w: index sidecar: %v", ErrCorrupted, err)
	}
	r.index = idx

	return r, nil
}

func (r *Reader) parseHeader() error {
	fixed := make([]byte, fixedHeaderSize)
	if _, err := r.data.ReadAt(fixed, 0); err != nil {
		return fmt.Errorf("sstable: reading header: %w", err)
	}
	if binary.LittleEndian.Uint32(fixed[0:4]) != magicNumber {
		return fmt.Errorf("%w: bad magic", ErrCorrupted)
	}
	r.compressed = fixed[5] != 0
	r.numEntries = binary.LittleEndian.Uint64(fixed[8:16])
	minKeyLen := int(binary.LittleEndian.Uint32(fixed[16:20]))
	maxKeyLen := int(binary.LittleEndian.Uint32(fixed[20:24]))

	variable := make([]byte, minKeyLen+maxKeyLen)
	if _, err := r.data.ReadAt(variable, int64(fixedHeaderSize)); err != nil {
		return fmt.Errorf("sstable: reading header keys: %w", err)
	}
	r.minKey = append([]byte(nil), variable[:minKeyLen]...)
	r.maxKey = append([]byte(nil), variable[minKeyLen:]...)
	r.blocksFrom = int64(fixedHeaderSize + minKeyLen + maxKeyLen)
	return nil
}

// ID returns the SSTable's identifier.
func (r *Reader) ID() uint64 { return r.id }

// MinKey returns the smallest key stored in the table.
func (r *Reader) MinKey() []byte { return r.minKey }

// MaxKey returns the largest key stored in the table.
func (r *Reader) MaxKey() []byte { return r.maxKey }

// NumEntries returns the number of entries the table holds.
func (r *Reader) NumEntries() uint64 { return r.numEntries }

// SizeBytes returns the size of the table's data file, used by the
// compaction engine's size-based trigger policy.
func (r *Reader) SizeBytes() int64 { return int64(r.data.Len()) }

// Get looks up key, returning the stored entry (which may be a
// tombstone) and whether it was found.
func (r *Reader) Get(key []byte) (record.Entry, bool, error) {
	if bytes.Compare(key, r.minKey) < 0 || bytes.Compare(key, r.maxKey) > 0 {
		return record.Entry{}, false, nil
	}
	if !r.bloom.Contains(key) {
		return record.Entry{}, false, nil
	}

	offset, ok := r.index.Lookup(key)
	if !ok {
		offset = r.blocksFrom
	}

	raw, err := r.readBlockAt(offset)
	if err != nil {
		return record.Entry{}, false, err
	}

	pos := 0
	for pos < len(raw) {
		e, n, err := decodeRecord(raw[pos:])
		if err != nil {
			return record.Entry{}, false, err
		}
		pos += n

		cmp := bytes.Compare(e.Key, key)
		if cmp == 0 {
			return e.Clone(), true, nil
		}
		if cmp > 0 {
			return record.Entry{}, false, nil
		}
	}
	return record.Entry{}, false, nil
}

// ReadAll streams every entry in key order, including tombstones. It is
// used by compaction to merge whole tables; it bypasses the bloom
// filter and sparse index entirely.
func (r *Reader) ReadAll() ([]record.Entry, error) {
	entries := make([]record.Entry, 0, r.numEntries)
	offset := r.blocksFrom
	size := r.data.Len()

	for offset < int64(size) {
		raw, consumed, err := r.readBlockAtWithSize(offset)
		if err != nil {
			return nil, err
		}
		pos := 0
		for pos < len(raw) {
			e, n, err := decodeRecord(raw[pos:])
			if err != nil {
				return nil, err
			}
			entries = append(entries, e.Clone())
			pos += n
		}
		offset += consumed
	}
	return entries, nil
}

// readBlockAt reads and decodes the block beginning at offset, returning
// its decompressed, checksum-verified record bytes.
func (r *Reader) readBlockAt(offset int64) ([]byte, error) {
	raw, _, err := r.readBlockAtWithSize(offset)
	return raw, err
}

func (r *Reader) readBlockAtWithSize(offset int64) ([]byte, int64, error) {
	blockHeader := make([]byte, 8)
	if _, err := r.data.ReadAt(blockHeader, offset); err != nil {
		return nil, 0, fmt.Errorf("sstable: reading block header: %w", err)
	}
	rawLen := binary.LittleEndian.Uint32(blockHeader[0:4])
	storedLen := binary.LittleEndian.Uint32(blockHeader[4:8])

	payload := make([]byte, storedLen)
	if _, err := r.data.ReadAt(payload, offset+8); err != nil {
		return nil, 0, fmt.Errorf("sstable: reading block payload: %w", err)
	}

	checksummed := payload
	if r.compressed {
		decoded, err := s2.Decode(nil, payload)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: s2 decode: %v", ErrCorrupted, err)
		}
		checksummed = decoded
	}
	if len(checksummed) != int(rawLen) {
		return nil, 0, fmt.Errorf("%w: block length mismatch", ErrCorrupted)
	}

	raw := checksummed[:len(checksummed)-8]
	wantChecksum := binary.LittleEndian.Uint64(checksummed[len(checksummed)-8:])
	if xxhash.Sum64(raw) != wantChecksum {
		return nil, 0, fmt.Errorf("%w: block checksum mismatch", ErrCorrupted)
	}

	return raw, 8 + int64(storedLen), nil
}

// Close releases the mmap handle. Safe to call multiple times.
func (r *Reader) Close() error {
	var err error
	r.closeOnce.Do(func() {
		err = r.data.Close()
	})
	return err
}

// Delete removes the table's directory and all three sidecar files. The
// caller must have already closed the reader and must ensure the
// manifest no longer references this id before calling Delete.
func Delete(root string, id uint64) error {
	return os.RemoveAll(Path(root, id))
}
