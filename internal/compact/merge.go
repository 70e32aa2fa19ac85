// Package compact implements the Compactor (C7): part-merge and
// full-merge candidate selection, the k-way merging iterator driving both,
// and the Delete/Append folding rules a merge output applies, per
// spec.md §4.6.
package compact

import (
	"container/heap"

	"github.com/xf-yy/xfdb-go/internal/segment"
	"github.com/xf-yy/xfdb-go/types"
)

// Source is one ordered object stream a merge draws from: a sealed
// memtable iterator or a segment.Reader iterator. Sources are ranked by
// priority (0 = newest) so the merge can suppress older duplicates of the
// same (key) the way a point lookup would.
type Source struct {
	Priority int
	it       sourceIter
}

type sourceIter interface {
	Next() bool
	Object() types.Object
}

// NewSegmentSource wraps a segment.Reader's iterator as a merge Source.
func NewSegmentSource(priority int, it *segment.Iterator) Source {
	return Source{Priority: priority, it: it}
}

// NewSliceSource wraps an already (key asc, id desc) sorted slice, mainly
// for tests.
func NewSliceSource(priority int, objs []types.Object) Source {
	return Source{Priority: priority, it: &sliceIter{objs: objs, pos: -1}}
}

type sliceIter struct {
	objs []types.Object
	pos  int
}

func (s *sliceIter) Next() bool {
	if s.pos+1 >= len(s.objs) {
		return false
	}
	s.pos++
	return true
}
func (s *sliceIter) Object() types.Object { return s.objs[s.pos] }

// heapItem tracks one source's current head object while it competes in
// the merge heap.
type heapItem struct {
	src    *Source
	cur    types.Object
	hasCur bool
}

type mergeHeap []*heapItem

func (h mergeHeap) Len() int { return len(h) }
func (h mergeHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if !types.Less(&a.cur, &b.cur) && !types.Less(&b.cur, &a.cur) {
		// Equal (key, id) cannot happen across sources per spec.md §4.6,
		// but tie-break by priority defensively.
		return a.src.Priority < b.src.Priority
	}
	return types.Less(&a.cur, &b.cur)
}
func (h mergeHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x any)        { *h = append(*h, x.(*heapItem)) }
func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

// MergeIterator drains N sources in (key asc, id desc) order. Once a Set or
// Delete has been emitted for a key, every older record for that key is
// shadowed and gets suppressed — but everything up to and including that
// terminating record survives, so an unresolved Append chain spanning
// several segments (e.g. a Set in one segment followed by Appends flushed
// into later segments) comes through the merge intact, per spec.md §4.6's
// Append-folding rule and its `set; append; flush; append; flush; merge`
// worked example.
type MergeIterator struct {
	h          mergeHeap
	cur        types.Object
	lastKey    []byte
	haveLast   bool
	terminated bool // a Set/Delete has already been emitted for lastKey
}

// NewMergeIterator builds a k-way merge over sources. Sources should be
// ordered newest-to-oldest by Priority (0 newest); ties within a Priority
// are not expected since each source is itself internally sorted and
// duplicate (key,id) pairs cannot occur across sealed inputs.
func NewMergeIterator(sources []Source) *MergeIterator {
	m := &MergeIterator{}
	for i := range sources {
		it := &heapItem{src: &sources[i]}
		if it.src.it.Next() {
			it.cur = it.src.it.Object()
			it.hasCur = true
			m.h = append(m.h, it)
		}
	}
	heap.Init(&m.h)
	return m
}

// Next advances to the next surviving object, dropping only the records
// for a key that fall after its terminating Set/Delete has already been
// emitted.
func (m *MergeIterator) Next() bool {
	for len(m.h) > 0 {
		top := m.h[0]
		o := top.cur

		if top.src.it.Next() {
			top.cur = top.src.it.Object()
			heap.Fix(&m.h, 0)
		} else {
			heap.Pop(&m.h)
		}

		sameKey := m.haveLast && string(o.Key) == string(m.lastKey)
		if sameKey && m.terminated {
			// A Set/Delete for this key already surfaced earlier in this
			// pass (heap ordering guarantees (key asc, id desc)), so
			// everything older for the same key is unreachable.
			continue
		}
		if !sameKey {
			m.terminated = false
		}
		if o.Type == types.SetType || o.Type == types.DeleteType {
			m.terminated = true
		}
		m.cur = o
		m.lastKey = o.Key
		m.haveLast = true
		return true
	}
	return false
}

func (m *MergeIterator) Object() types.Object { return m.cur }
