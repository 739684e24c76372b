package compaction

import "github.com/stratakv/stratakv/pkg/record"

// tombstoneFilter decides whether a deletion marker survives a merge.
// It is a pluggable type so a future retention-window or key-range
// policy can compose with the bottommost-level rule without touching
// the merge loop in engine.go.
type tombstoneFilter interface {
	keep(e record.Entry) bool
}

// levelTombstoneFilter implements the sole correctness rule spec §4.5
// requires: a tombstone is only dropped once its merge target is the
// deepest currently populated level, since a shallower level can never
// shadow a still-live older version sitting deeper in the tree.
type levelTombstoneFilter struct {
	dropTombstones bool
}

func (f levelTombstoneFilter) keep(e record.Entry) bool {
	if !e.Deleted {
		return true
	}
	return !f.dropTombstones
}
