package sstable

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/s2"

	"github.com/stratakv/stratakv/pkg/bloom"
	"github.com/stratakv/stratakv/pkg/record"
	"github.com/stratakv/stratakv/pkg/sparseindex"
)

// WriteOptions configures how a table is laid out on disk.
type WriteOptions struct {
	// SparseIndexInterval is the block size in entries: every this-many
	// entries form one (optionally compressed) block, and the first key
	// of each block is recorded in the sparse index.
	SparseIndexInterval int
	// Compress enables s2 block compression of the data file.
	Compress bool
	// FalsePositiveRate sizes the bloom filter sidecar.
	FalsePositiveRate float64
}

// fixedHeaderSize is the fixed-size prefix of the data file, before the first
// block. minKeyLen/maxKeyLen bound the variable-length key fields that
// follow this struct in the encoded header.
const fixedHeaderSize = 4 /*magic*/ + 1 /*version*/ + 1 /*compressed*/ + 2 /*reserved*/ + 8 /*numEntries*/ + 4 /*minKeyLen*/ + 4 /*maxKeyLen*/

// Write persists a sorted, deduplicated sequence of entries as a new
// SSTable directory under root, named for id. It returns the metadata the
// caller should record in the owning level's manifest.
func Write(root string, id uint64, entries []record.Entry, opts WriteOptions) (*Metadata, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("sstable: cannot write an empty table")
	}
	if opts.SparseIndexInterval <= 0 {
		opts.SparseIndexInterval = 8
	}

	dir := Path(root, id)
	tmpDir := dir + ".tmp"
	if err := os.RemoveAll(tmpDir); err != nil {
		return nil, fmt.Errorf("sstable: clearing stale temp dir: %w", err)
	}
	if err := os.MkdirAll(tmpDir, 0755); err != nil {
		return nil, fmt.Errorf("sstable: creating temp dir: %w", err)
	}

	filter := bloom.New(len(entries), opts.FalsePositiveRate)
	idxBuilder := sparseindex.NewBuilder(1)

	dataPath := filepath.Join(tmpDir, dataFileName)
	dataFile, err := os.Create(dataPath)
	if err != nil {
		return nil, fmt.Errorf("sstable: creating data file: %w", err)
	}
	defer dataFile.Close()

	minKey := entries[0].Key
	maxKey := entries[len(entries)-1].Key

	header := encodeHeader(minKey, maxKey, uint64(len(entries)), opts.Compress)
	if _, err := dataFile.Write(header); err != nil {
		return nil, fmt.Errorf("sstable: writing header: %w", err)
	}

	offset := int64(len(header))
	var block bytes.Buffer
	blockFirstKey := entries[0].Key
	blockCount := 0

	flushBlock := func() error {
		if blockCount == 0 {
			return nil
		}
		idxBuilder.Add(blockFirstKey, offset)

		raw := block.Bytes()
		checksum := xxhash.Sum64(raw)
		checksummed := make([]byte, len(raw)+8)
		copy(checksummed, raw)
		binary.LittleEndian.PutUint64(checksummed[len(raw):], checksum)

		payload := checksummed
		if opts.Compress {
			payload = s2.Encode(nil, checksummed)
		}

		blockHeader := make([]byte, 8)
		binary.LittleEndian.PutUint32(blockHeader[0:4], uint32(len(checksummed)))
		binary.LittleEndian.PutUint32(blockHeader[4:8], uint32(len(payload)))

		n1, err := dataFile.Write(blockHeader)
		if err != nil {
			return fmt.Errorf("sstable: writing block header: %w", err)
		}
		n2, err := dataFile.Write(payload)
		if err != nil {
			return fmt.Errorf("sstable: writing block payload: %w", err)
		}
		offset += int64(n1 + n2)

		block.Reset()
		blockCount = 0
		return nil
	}

	for i, e := range entries {
		if blockCount == 0 {
			blockFirstKey = e.Key
		}
		filter.Add(e.Key)
		block.Write(encodeRecord(e))
		blockCount++

		if blockCount >= opts.SparseIndexInterval || i == len(entries)-1 {
			if err := flushBlock(); err != nil {
				return nil, err
			}
		}
	}

	if err := dataFile.Sync(); err != nil {
		return nil, fmt.Errorf("sstable: syncing data file: %w", err)
	}
	if err := dataFile.Close(); err != nil {
		return nil, fmt.Errorf("sstable: closing data file: %w", err)
	}

	bloomBytes, err := filter.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("sstable: marshaling bloom filter: %w", err)
	}
	if err := writeFileSynced(filepath.Join(tmpDir, bloomFileName), bloomBytes); err != nil {
		return nil, fmt.Errorf("sstable: writing bloom filter: %w", err)
	}

	var idxBuf bytes.Buffer
	if _, err := idxBuilder.Finish().WriteTo(&idxBuf); err != nil {
		return nil, fmt.Errorf("sstable: serializing sparse index: %w", err)
	}
	if err := writeFileSynced(filepath.Join(tmpDir, indexFileName), idxBuf.Bytes()); err != nil {
		return nil, fmt.Errorf("sstable: writing sparse index: %w", err)
	}

	info, err := os.Stat(dataPath)
	if err != nil {
		return nil, fmt.Errorf("sstable: stating data file: %w", err)
	}

	if err := os.RemoveAll(dir); err != nil {
		return nil, fmt.Errorf("sstable: clearing existing dir: %w", err)
	}
	if err := os.Rename(tmpDir, dir); err != nil {
		return nil, fmt.Errorf("sstable: installing table directory: %w", err)
	}

	return &Metadata{
		ID:         id,
		Dirname:    DirName(id),
		MinKey:     append([]byte(nil), minKey...),
		MaxKey:     append([]byte(nil), maxKey...),
		NumEntries: uint64(len(entries)),
		SizeBytes:  info.Size(),
	}, nil
}

func encodeHeader(minKey, maxKey []byte, numEntries uint64, compressed bool) []byte {
	buf := make([]byte, fixedHeaderSize+len(minKey)+len(maxKey))
	binary.LittleEndian.PutUint32(buf[0:4], magicNumber)
	buf[4] = formatVersion
	if compressed {
		buf[5] = 1
	}
	binary.LittleEndian.PutUint64(buf[8:16], numEntries)
	binary.LittleEndian.PutUint32(buf[16:20], uint32(len(minKey)))
	binary.LittleEndian.PutUint32(buf[20:24], uint32(len(maxKey)))
	pos := fixedHeaderSize
	copy(buf[pos:], minKey)
	pos += len(minKey)
	copy(buf[pos:], maxKey)
	return buf
}

func writeFileSynced(path string, data []byte) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return err
	}
	return f.Sync()
}
