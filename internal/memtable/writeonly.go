package memtable

import (
	"bytes"
	"sync"
	"time"

	"github.com/xf-yy/xfdb-go/types"
)

// WriteOnlyMemWriter is an append vector of owned Object records. It is
// not sorted on insertion; Seal() sorts it exactly once. Get is
// unsupported before Seal, matching spec.md §4.1.
type WriteOnlyMemWriter struct {
	mu sync.RWMutex

	objs      []types.Object
	createdAt time.Time
	sealed    bool
	maxKey    []byte
	stat      types.ObjectStat
	size      int
}

func NewWriteOnlyMemWriter() *WriteOnlyMemWriter {
	return &WriteOnlyMemWriter{createdAt: time.Now()}
}

func (w *WriteOnlyMemWriter) Write(id types.ObjectID, typ types.ObjectType, key, value []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.sealed {
		return errSealed
	}
	o := types.Object{
		Type:  typ,
		ID:    id,
		Key:   append([]byte(nil), key...),
		Value: append([]byte(nil), value...),
	}
	w.objs = append(w.objs, o)
	w.stat.Add(&o)
	w.size += len(o.Key) + len(o.Value) + objectOverhead
	if bytes.Compare(o.Key, w.maxKey) > 0 {
		w.maxKey = o.Key
	}
	return nil
}

// Get is only valid after Seal: the vector must be sorted for the
// newest-first walk to work.
func (w *WriteOnlyMemWriter) Get(key []byte, visibilityID types.ObjectID) (bool, types.ObjectType, []byte, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if !w.sealed {
		return false, 0, nil, errNotSealed
	}
	records := w.recordsForKeyLocked(key, visibilityID)
	found, typ, val := foldAppend(records)
	return found, typ, val, nil
}

// recordsForKeyLocked returns the id-descending run of records for key
// whose id is <= visibilityID, starting at the first such record.
func (w *WriteOnlyMemWriter) recordsForKeyLocked(key []byte, visibilityID types.ObjectID) []types.Object {
	n := len(w.objs)
	// Binary search for the first record with Key >= key (objs sorted key
	// asc, id desc).
	lo, hi := 0, n
	for lo < hi {
		mid := (lo + hi) / 2
		if bytes.Compare(w.objs[mid].Key, key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	var out []types.Object
	for i := lo; i < n && bytes.Equal(w.objs[i].Key, key); i++ {
		if w.objs[i].ID <= visibilityID {
			out = append(out, w.objs[i])
		}
	}
	return out
}

func (w *WriteOnlyMemWriter) NewIterator(maxVisibleID types.ObjectID) Iterator {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return newGroupedIterator(w.objs, maxVisibleID)
}

func (w *WriteOnlyMemWriter) Size() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.size
}

func (w *WriteOnlyMemWriter) ObjectCount() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.objs)
}

func (w *WriteOnlyMemWriter) ElapsedSeconds() float64 {
	return time.Since(w.createdAt).Seconds()
}

func (w *WriteOnlyMemWriter) MaxKey() []byte {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.maxKey
}

func (w *WriteOnlyMemWriter) Stat() types.ObjectStat {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.stat
}

func (w *WriteOnlyMemWriter) Seal() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.sealed {
		return
	}
	sortByKeyIDDesc(w.objs)
	w.sealed = true
}

func (w *WriteOnlyMemWriter) Sealed() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.sealed
}

const objectOverhead = 32

var errSealed = sealedErr{}
var errNotSealed = notSealedErr{}

type sealedErr struct{}

func (sealedErr) Error() string { return "memwriter: sealed" }

type notSealedErr struct{}

func (notSealedErr) Error() string { return "memwriter: get before seal unsupported" }

// groupedIterator yields one logical object per key from a sorted (key
// asc, id desc) slice, folding Append runs per key.
type groupedIterator struct {
	objs   []types.Object
	maxID  types.ObjectID
	pos    int
	cur    types.Object
}

func newGroupedIterator(objs []types.Object, maxID types.ObjectID) *groupedIterator {
	return &groupedIterator{objs: objs, maxID: maxID}
}

func (it *groupedIterator) Next() bool {
	for it.pos < len(it.objs) {
		key := it.objs[it.pos].Key
		start := it.pos
		end := start
		for end < len(it.objs) && bytes.Equal(it.objs[end].Key, key) {
			end++
		}
		it.pos = end
		var visible []types.Object
		for i := start; i < end; i++ {
			if it.objs[i].ID <= it.maxID {
				visible = append(visible, it.objs[i])
			}
		}
		found, typ, val := foldAppend(visible)
		if !found {
			continue
		}
		it.cur = types.Object{Type: typ, Key: key, Value: val, ID: visible[0].ID}
		return true
	}
	return false
}

func (it *groupedIterator) Object() types.Object { return it.cur }
func (it *groupedIterator) Close()               {}
