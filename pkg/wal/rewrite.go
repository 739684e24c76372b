package wal

import (
	"bufio"
	"fmt"
	"os"

	"github.com/stratakv/stratakv/pkg/record"
)

// ReplaceWithFiltered atomically rewrites the WAL to contain only the
// records for which keep returns true, preserving their relative order.
// The new contents are written to a sibling temp file, fsynced, then
// renamed over the WAL — the file is never truncated in place.
func (w *WAL) ReplaceWithFiltered(keep func(record.Entry) bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}

	if err := w.syncLocked(); err != nil {
		return err
	}

	existing, err := ReadAll(w.path)
	if err != nil {
		return err
	}

	var survivors []record.Entry
	for _, e := range existing {
		if keep(e) {
			survivors = append(survivors, e)
		}
	}

	tmpPath := w.path + ".rewrite.tmp"
	tmpFile, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("wal: creating rewrite temp file: %w", err)
	}

	tmp := &WAL{path: tmpPath, file: tmpFile, writer: bufio.NewWriterSize(tmpFile, 64*1024)}
	for _, e := range survivors {
		if err := tmp.writeRecordLocked(e); err != nil {
			tmpFile.Close()
			os.Remove(tmpPath)
			return err
		}
	}
	if err := tmp.syncLocked(); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("wal: closing rewrite temp file: %w", err)
	}

	if err := w.file.Close(); err != nil {
		return fmt.Errorf("wal: closing current WAL file: %w", err)
	}
	if err := os.Rename(tmpPath, w.path); err != nil {
		return fmt.Errorf("wal: renaming rewritten WAL into place: %w", err)
	}

	reopened, err := os.OpenFile(w.path, os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("wal: reopening rewritten WAL: %w", err)
	}
	w.file = reopened
	w.writer = bufio.NewWriterSize(reopened, 64*1024)
	return nil
}
