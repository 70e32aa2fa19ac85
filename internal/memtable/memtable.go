// Package memtable implements the in-memory write buffers (C2) from
// spec.md §4.1: WriteOnlyMemWriter (append vector, sorted once on Seal)
// and ReadWriteMemWriter (sorted at all times, readable before Seal).
// Both satisfy the same MemWriter capability set so callers never need to
// know which variant backs a given buffer — the "trait, not inheritance"
// design note in spec.md §9.
package memtable

import (
	"sort"
	"time"

	"github.com/xf-yy/xfdb-go/types"
)

// MemWriter is the shared contract for both memtable variants and is also
// satisfied by sealed/flushed buffers held in a bucket's MemWriter
// Snapshot chain.
type MemWriter interface {
	// Write clones key/value and stamps id, updating running stats.
	Write(id types.ObjectID, typ types.ObjectType, key, value []byte) error
	// Get returns the object with the greatest id <= visibilityID whose
	// key matches, folding Append chains per spec.md §4.5. Returns
	// (false, ...) if no record for key exists in this writer.
	Get(key []byte, visibilityID types.ObjectID) (found bool, typ types.ObjectType, value []byte, err error)
	NewIterator(maxVisibleID types.ObjectID) Iterator
	Size() int
	ObjectCount() int
	ElapsedSeconds() float64
	MaxKey() []byte
	Stat() types.ObjectStat
	// Seal freezes the writer; after Seal it never mutates again.
	Seal()
	Sealed() bool
}

// Iterator yields one logical object per key, newest id first, honoring a
// visibility ceiling and folding Append chains.
type Iterator interface {
	Next() bool
	Object() types.Object
	Close()
}

// Policy holds the flush trigger thresholds spec.md §4.1 evaluates on
// every write and periodically.
type Policy struct {
	MaxSize        int
	MaxObjects     int
	FlushInterval  time.Duration
}

// ShouldFlush reports whether w has crossed one of the configured flush
// trigger thresholds.
func ShouldFlush(w MemWriter, p Policy) bool {
	if p.MaxSize > 0 && w.Size() >= p.MaxSize {
		return true
	}
	if p.MaxObjects > 0 && w.ObjectCount() >= p.MaxObjects {
		return true
	}
	if p.FlushInterval > 0 && w.ObjectCount() > 0 &&
		w.ElapsedSeconds() >= p.FlushInterval.Seconds() {
		return true
	}
	return false
}

// foldAppend walks records newest-to-oldest that share a key, folding
// Append fragments until a Set/Delete boundary or the slice ends, per
// spec.md §4.5. records must already be ordered id-descending.
func foldAppend(records []types.Object) (found bool, typ types.ObjectType, value []byte) {
	return types.FoldAppendChain(records)
}

// sortByKeyIDDesc sorts objects by key ascending, id descending — the
// object order spec.md §3 requires.
func sortByKeyIDDesc(objs []types.Object) {
	sort.Slice(objs, func(i, j int) bool { return types.Less(&objs[i], &objs[j]) })
}
