package memtable

import (
	"bytes"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/immutable"
	"github.com/xf-yy/xfdb-go/types"
)

// mapKey orders entries by key ascending, id descending directly inside
// the sorted map, so iteration order already matches spec.md §3 without a
// second pass.
type mapKey struct {
	Key string
	ID  types.ObjectID
}

type keyIDComparer struct{}

func (keyIDComparer) Compare(a, b mapKey) int {
	if c := strings.Compare(a.Key, b.Key); c != 0 {
		return c
	}
	switch {
	case a.ID == b.ID:
		return 0
	case a.ID > b.ID:
		return -1
	default:
		return 1
	}
}

// ReadWriteMemWriter is a concurrent, always-sorted buffer backed by
// benbjohnson/immutable's SortedMap — the same persistent-data-structure
// approach the teacher uses for its own atomically-swapped segment map
// (wal.go's state.segments), giving Get a lock-free read path over a
// point-in-time snapshot of the map.
type ReadWriteMemWriter struct {
	mu        sync.Mutex // serializes writers only; readers use the atomic snapshot
	m         atomic.Value // *immutable.SortedMap[mapKey, types.Object]
	createdAt time.Time
	sealedFl  uint32
	maxKey    atomic.Value // []byte
	stat      atomicStat
	size      int64
	count     int64
}

func NewReadWriteMemWriter() *ReadWriteMemWriter {
	w := &ReadWriteMemWriter{createdAt: time.Now()}
	w.m.Store(immutable.NewSortedMap[mapKey, types.Object](keyIDComparer{}))
	w.maxKey.Store([]byte(nil))
	return w
}

func (w *ReadWriteMemWriter) loadMap() *immutable.SortedMap[mapKey, types.Object] {
	return w.m.Load().(*immutable.SortedMap[mapKey, types.Object])
}

func (w *ReadWriteMemWriter) Write(id types.ObjectID, typ types.ObjectType, key, value []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if atomic.LoadUint32(&w.sealedFl) != 0 {
		return errSealed
	}
	o := types.Object{
		Type:  typ,
		ID:    id,
		Key:   append([]byte(nil), key...),
		Value: append([]byte(nil), value...),
	}
	m := w.loadMap()
	m = m.Set(mapKey{Key: string(o.Key), ID: id}, o)
	w.m.Store(m)

	w.stat.Add(&o)
	atomic.AddInt64(&w.size, int64(len(o.Key)+len(o.Value)+objectOverhead))
	atomic.AddInt64(&w.count, 1)
	if cur := w.maxKey.Load().([]byte); bytes.Compare(o.Key, cur) > 0 {
		w.maxKey.Store(o.Key)
	}
	return nil
}

// Get supports reads at any time, including before Seal, per spec.md §9
// (resolving the write-only/read-write ambiguity in favor of the
// read-write contract).
func (w *ReadWriteMemWriter) Get(key []byte, visibilityID types.ObjectID) (bool, types.ObjectType, []byte, error) {
	m := w.loadMap()
	it := m.Iterator()
	it.Seek(mapKey{Key: string(key), ID: visibilityID})
	var visible []types.Object
	for !it.Done() {
		k, o, _ := it.Next()
		if k.Key != string(key) {
			break
		}
		if k.ID <= visibilityID {
			visible = append(visible, o)
		}
	}
	found, typ, val := foldAppend(visible)
	return found, typ, val, nil
}

func (w *ReadWriteMemWriter) NewIterator(maxVisibleID types.ObjectID) Iterator {
	return &rwIterator{m: w.loadMap(), maxID: maxVisibleID}
}

func (w *ReadWriteMemWriter) Size() int        { return int(atomic.LoadInt64(&w.size)) }
func (w *ReadWriteMemWriter) ObjectCount() int { return int(atomic.LoadInt64(&w.count)) }
func (w *ReadWriteMemWriter) ElapsedSeconds() float64 {
	return time.Since(w.createdAt).Seconds()
}
func (w *ReadWriteMemWriter) MaxKey() []byte { return w.maxKey.Load().([]byte) }
func (w *ReadWriteMemWriter) Stat() types.ObjectStat { return w.stat.Load() }

func (w *ReadWriteMemWriter) Seal() { atomic.StoreUint32(&w.sealedFl, 1) }
func (w *ReadWriteMemWriter) Sealed() bool { return atomic.LoadUint32(&w.sealedFl) != 0 }

// rwIterator walks the sorted map grouping consecutive same-key entries
// and folding Append runs, same semantics as WriteOnlyMemWriter's
// iterator but over the persistent map's own iterator. It keeps a
// one-entry lookahead buffer since immutable.MapIterator only exposes
// Next/Done, not Peek.
type rwIterator struct {
	m       *immutable.SortedMap[mapKey, types.Object]
	maxID   types.ObjectID
	it      *immutable.MapIterator[mapKey, types.Object]
	cur     types.Object
	pending mapKey
	pendObj types.Object
	havePend bool
}

func (it *rwIterator) ensure() {
	if it.it == nil {
		it.it = it.m.Iterator()
	}
}

func (it *rwIterator) advance() (mapKey, types.Object, bool) {
	if it.havePend {
		it.havePend = false
		return it.pending, it.pendObj, true
	}
	if it.it.Done() {
		return mapKey{}, types.Object{}, false
	}
	k, o, _ := it.it.Next()
	return k, o, true
}

func (it *rwIterator) Next() bool {
	it.ensure()
	for {
		k0, o0, ok := it.advance()
		if !ok {
			return false
		}
		key := k0.Key
		var visible []types.Object
		if o0.ID <= it.maxID {
			visible = append(visible, o0)
		}
		for {
			if it.it.Done() {
				break
			}
			k, o, _ := it.it.Next()
			if k.Key != key {
				it.pending, it.pendObj, it.havePend = k, o, true
				break
			}
			if o.ID <= it.maxID {
				visible = append(visible, o)
			}
		}
		found, typ, val := foldAppend(visible)
		if !found {
			continue
		}
		it.cur = types.Object{Type: typ, Key: []byte(key), Value: val, ID: visible[0].ID}
		return true
	}
}

func (it *rwIterator) Object() types.Object { return it.cur }
func (it *rwIterator) Close()               {}

// atomicStat guards types.ObjectStat with its own mutex so Stat can read it
// while writers add to it.
type atomicStat struct {
	mu   sync.Mutex
	stat types.ObjectStat
}

func (s *atomicStat) Add(o *types.Object) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stat.Add(o)
}

func (s *atomicStat) Load() types.ObjectStat {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stat
}
