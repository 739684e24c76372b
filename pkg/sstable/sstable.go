// Package sstable implements the immutable, sorted, memory-mapped
// on-disk file format that backs every level of the tree beyond the
// memtable. Each table lives in its own directory of three sidecar
// files: the data file (framed, optionally compressed blocks), a
// bloom filter, and a sparse index.
package sstable

import (
	"errors"
	"fmt"
	"path/filepath"
)

// ErrNotFound is returned when a probed SSTable directory does not exist.
var ErrNotFound = errors.New("sstable: not found")

// ErrCorrupted indicates the data file failed a checksum or structural
// check during a read.
var ErrCorrupted = errors.New("sstable: corrupted data file")

const (
	dataFileName  = "data"
	bloomFileName = "bloom"
	indexFileName = "index"

	magicNumber   = 0x53535442 // "SSTB"
	formatVersion = 1
)

// Metadata describes an SSTable as recorded in the per-level manifest.
type Metadata struct {
	ID         uint64 `json:"sstable_id"`
	Dirname    string `json:"dirname"`
	MinKey     []byte `json:"min_key"`
	MaxKey     []byte `json:"max_key"`
	NumEntries uint64 `json:"num_entries"`
	SizeBytes  int64  `json:"size_bytes"`
}

// DirName returns the canonical directory name for an SSTable id.
func DirName(id uint64) string {
	return fmt.Sprintf("sstable_%020d", id)
}

// Path joins the sstable directory root with this table's directory.
func Path(root string, id uint64) string {
	return filepath.Join(root, DirName(id))
}
