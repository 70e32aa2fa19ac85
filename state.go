package xfdb

import (
	"sync/atomic"

	"github.com/xf-yy/xfdb-go/internal/memtable"
	"github.com/xf-yy/xfdb-go/internal/segment"
	"github.com/xf-yy/xfdb-go/types"
)

// segmentHandle pairs an open segment.Reader with the stat fields bucket
// metadata persists about it, so a bucketState can be rebuilt from
// BucketMeta without re-deriving sizes from the filesystem.
type segmentHandle struct {
	reader *segment.Reader
	stat   types.SegmentStat
}

// bucketState is the Go analogue of the teacher's state: everything a
// reader needs to answer a point lookup or scan as of one instant, swapped
// atomically and reference-counted so an in-flight reader never observes a
// torn mutation, per SPEC_FULL.md §4.4 / §9 (RCU / immutable snapshot).
//
// A bucketState is immutable once published, with one exception: Put
// advances nextObjectID in place with atomic.AddUint64. Every other field
// is left alone after mutateStateLocked calls atomic.Value.Store;
// mutateStateLocked instead calls clone(), mutates the copy, and stores that.
type bucketState struct {
	// active is the current read-write memtable taking new writes.
	active memtable.MemWriter
	// sealed holds memtables that have stopped taking writes but have not
	// yet been flushed to a segment, newest first.
	sealed []memtable.MemWriter
	// segments holds every alive segment's reader, newest (highest fileid)
	// first — the order point lookups must search in.
	segments []segmentHandle

	nextSegmentID uint64
	nextObjectID  types.ObjectID

	refs      int32
	finalizer atomic.Value // func()
}

// acquire increments the refcount and returns a release closure; either the
// returned closure or a direct call to release() may be used to drop the
// reference, mirroring the two call patterns seen in the teacher's wal.go
// (`s.acquire(); defer s.release()` and `return s, s.acquire()`).
func (s *bucketState) acquire() func() {
	atomic.AddInt32(&s.refs, 1)
	return s.release
}

// release drops a reference taken by acquire. When the last reference to a
// superseded state is dropped, its finalizer (if any) runs — closing
// segment readers that mutateStateLocked removed from the live set.
func (s *bucketState) release() {
	if atomic.AddInt32(&s.refs, -1) == 0 {
		if fn, ok := s.finalizer.Load().(func()); ok && fn != nil {
			fn()
		}
	}
}

// setFinalizer attaches fn to run once s's refcount reaches zero. Must be
// called before s is superseded by a newer state, exactly as wal.go
// attaches a finalizer to the outgoing state inside mutateStateLocked.
func (s *bucketState) setFinalizer(fn func()) {
	s.finalizer.Store(fn)
}

// clone returns a shallow copy suitable as the basis for the next published
// state: slices are copied (so appending to the clone never aliases the
// original's backing array), but individual memtable/segment values are
// shared, since those are themselves immutable once sealed/opened.
func (s *bucketState) clone() *bucketState {
	n := &bucketState{
		active:        s.active,
		nextSegmentID: s.nextSegmentID,
		nextObjectID:  s.nextObjectID,
	}
	n.sealed = append(n.sealed, s.sealed...)
	n.segments = append(n.segments, s.segments...)
	return n
}

// segmentStats returns the live segment stats in the shape bucket metadata
// persists, in s.segments order (highest fileid first).
func (s *bucketState) segmentStats() []types.SegmentStat {
	out := make([]types.SegmentStat, len(s.segments))
	for i, h := range s.segments {
		out[i] = h.stat
	}
	return out
}

func (s *bucketState) findSegment(fileID uint64) int {
	for i, h := range s.segments {
		if h.stat.SegmentFileID == fileID {
			return i
		}
	}
	return -1
}
