package store

import "errors"

var (
	// ErrClosed is returned by Put, Delete, Get, Flush, and Compact once
	// Close has run.
	ErrClosed = errors.New("store: closed")

	// ErrEmptyKey is returned by Put and Delete for a zero-length key.
	ErrEmptyKey = errors.New("store: key must not be empty")

	// ErrKeyTooLarge is returned when a key exceeds the configured
	// MaxKeySize.
	ErrKeyTooLarge = errors.New("store: key exceeds max key size")

	// ErrValueTooLarge is returned when a value exceeds the configured
	// MaxValueSize.
	ErrValueTooLarge = errors.New("store: value exceeds max value size")

	// ErrEmptyMemtable is returned by Flush when the active memtable has
	// nothing to persist.
	ErrEmptyMemtable = errors.New("store: active memtable is empty")
)
