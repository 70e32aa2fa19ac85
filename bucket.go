package xfdb

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/log/level"

	"github.com/xf-yy/xfdb-go/internal/memtable"
	"github.com/xf-yy/xfdb-go/internal/metafile"
	"github.com/xf-yy/xfdb-go/internal/notify"
	"github.com/xf-yy/xfdb-go/internal/segment"
	"github.com/xf-yy/xfdb-go/types"
)

const (
	bucketMetaFile = "bucket.btm"
	notifyFileName = "bucket.ntf"

	initialSegmentID = 1
)

var errEmptyKey = fmt.Errorf("bucket: empty key")

// Bucket is one named LSM store within a DB: a sequencer, an active
// memtable, sealed-but-unflushed memtables, and a set of alive segments,
// all reachable through an atomically-swapped *bucketState exactly as
// wal.go's WAL reaches its segments through *state — see state.go.
type Bucket struct {
	db   *DB
	info types.BucketInfo
	cfg  BucketConfig
	dir  string

	metaPath   string
	notifyPath string

	s atomic.Value // *bucketState

	writeMu       sync.Mutex
	flushPolicy   memtable.Policy
	triggerFlush  chan struct{}
	triggerMerge  chan struct{}
	closeSignal   chan struct{}
	closeOnce     sync.Once
	closed        int32
	wg            sync.WaitGroup
	fullMergeBusy int32
}

// stateTxn mirrors wal.go's stateTxn: given the current state, produce a
// finalizer to run once the outgoing state's last reader releases it, or
// an error to abort the mutation before anything is persisted.
type bucketStateTxn func(s *bucketState) (finalizer func(), err error)

func bucketDir(db *DB, name string) string {
	return filepath.Join(db.dir, name)
}

func segmentPath(dir string, fileID uint64) (dataPath, indexPath string) {
	base := filepath.Join(dir, fmt.Sprintf("seg-%016x", fileID))
	return base + ".dat", base + ".idx"
}

func createBucket(db *DB, info types.BucketInfo, cfg BucketConfig) (*Bucket, error) {
	dir := bucketDir(db, info.Name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &Error{Kind: KindPathCreate, Op: "create_bucket", Path: dir, Err: err}
	}
	b := newBucket(db, info, cfg, dir)

	initial := &bucketState{
		active:        memtable.NewReadWriteMemWriter(),
		nextSegmentID: initialSegmentID,
		nextObjectID:  types.MinObjectID,
	}
	b.s.Store(initial)

	meta := types.BucketMeta{
		NextSegmentID: initial.nextSegmentID,
		NextObjectID:  initial.nextObjectID,
		MaxLevelNum:   cfg.MaxLevelNum,
	}
	if err := metafile.WriteBucketMeta(b.metaPath, meta); err != nil {
		return nil, &Error{Kind: KindFileWrite, Op: "create_bucket", Path: b.metaPath, Err: err}
	}

	b.start()
	return b, nil
}

func openBucket(db *DB, info types.BucketInfo, cfg BucketConfig) (*Bucket, error) {
	dir := bucketDir(db, info.Name)
	b := newBucket(db, info, cfg, dir)

	meta, err := metafile.ReadBucketMeta(b.metaPath)
	if err != nil {
		return nil, &Error{Kind: KindFileRead, Op: "open_bucket", Path: b.metaPath, Err: err}
	}

	st := &bucketState{
		active:        memtable.NewReadWriteMemWriter(),
		nextSegmentID: meta.NextSegmentID,
		nextObjectID:  meta.NextObjectID,
	}
	for _, ss := range meta.AliveSegments {
		dataPath, idxPath := segmentPath(dir, ss.SegmentFileID)
		r, err := segment.Open(dataPath, idxPath, db.engine.cache)
		if err != nil {
			for _, h := range st.segments {
				h.reader.Close()
			}
			return nil, &Error{Kind: KindFileOpen, Op: "open_bucket", Path: dataPath, Err: err}
		}
		st.segments = append(st.segments, segmentHandle{reader: r, stat: ss})
	}
	sortSegmentsDesc(st.segments)
	b.s.Store(st)

	b.start()
	return b, nil
}

func newBucket(db *DB, info types.BucketInfo, cfg BucketConfig, dir string) *Bucket {
	return &Bucket{
		db:         db,
		info:       info,
		cfg:        cfg,
		dir:        dir,
		metaPath:   filepath.Join(dir, bucketMetaFile),
		notifyPath: filepath.Join(dir, notifyFileName),
		flushPolicy: memtable.Policy{
			MaxSize:       db.engine.Config.MaxMemtableSize,
			MaxObjects:    db.engine.Config.MaxMemtableObjects,
			FlushInterval: db.engine.Config.FlushInterval,
		},
		triggerFlush: make(chan struct{}, 1),
		triggerMerge: make(chan struct{}, 1),
		closeSignal:  make(chan struct{}),
	}
}

func sortSegmentsDesc(segs []segmentHandle) {
	sort.Slice(segs, func(i, j int) bool { return segs[i].stat.SegmentFileID > segs[j].stat.SegmentFileID })
}

func (b *Bucket) start() {
	b.wg.Add(2)
	go b.runFlush()
	go b.runMerge()
	if b.db.engine.Config.CleanInterval > 0 {
		b.wg.Add(1)
		go b.runPeriodic()
	}
}

// Name returns the bucket's name.
func (b *Bucket) Name() string { return b.info.Name }

func (b *Bucket) loadState() *bucketState { return b.s.Load().(*bucketState) }

func (b *Bucket) acquireState() (*bucketState, func()) {
	s := b.loadState()
	return s, s.acquire()
}

// mutateStateLocked mirrors wal.go's mutateStateLocked: acquire, clone,
// run tx against the clone, persist bucket metadata, publish the clone,
// and attach tx's finalizer to the outgoing state so it runs once the
// last reader of the old view releases it. writeMu must be held.
func (b *Bucket) mutateStateLocked(tx bucketStateTxn) error {
	s := b.loadState()
	s.acquire()
	defer s.release()

	newS := s.clone()
	fn, err := tx(newS)
	if err != nil {
		return err
	}

	meta := types.BucketMeta{
		AliveSegments: newS.segmentStats(),
		NextSegmentID: newS.nextSegmentID,
		NextObjectID:  newS.nextObjectID,
		MaxLevelNum:   b.cfg.MaxLevelNum,
	}
	if err := metafile.WriteBucketMeta(b.metaPath, meta); err != nil {
		return err
	}
	if err := notify.Touch(b.notifyPath); err != nil {
		level.Error(b.db.engine.Logger).Log("msg", "notify touch failed", "bucket", b.info.Name, "err", err)
	}

	b.s.Store(newS)
	s.setFinalizer(fn)
	return nil
}

func (b *Bucket) checkClosed() error {
	if atomic.LoadInt32(&b.closed) != 0 {
		return &Error{Kind: KindBucketDeleted, Op: "bucket", Path: b.info.Name}
	}
	return nil
}

// Put writes one mutation record under a fresh, strictly increasing
// object id and returns it.
func (b *Bucket) Put(typ types.ObjectType, key, value []byte) (types.ObjectID, error) {
	if err := b.checkClosed(); err != nil {
		return 0, err
	}
	if b.db.engine.Config.Mode != ReadWrite {
		return 0, &Error{Kind: KindInvalidMode, Op: "put", Path: b.info.Name, Err: errReadOnly}
	}
	if len(key) == 0 {
		return 0, &Error{Kind: KindPathInvalid, Op: "put", Path: b.info.Name, Err: errEmptyKey}
	}
	if len(key) > types.MaxKeySize || len(value) > types.MaxValueSize {
		return 0, &Error{Kind: KindObjectTooLarge, Op: "put", Path: b.info.Name, Err: ErrObjectTooLarge}
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	s := b.loadState()
	// nextObjectID is bumped atomically even though writeMu already
	// serializes writers, so that Get/Stat's unsynchronized reads of the
	// same field never race with this store, per Go's memory model.
	id := atomic.AddUint64(&s.nextObjectID, 1) - 1
	if err := s.active.Write(id, typ, key, value); err != nil {
		return 0, &Error{Kind: KindFileWrite, Op: "put", Path: b.info.Name, Err: err}
	}

	if memtable.ShouldFlush(s.active, b.flushPolicy) {
		b.triggerFlushLocked()
	}
	return id, nil
}

// Set, Delete, and Append are the three mutation shapes spec.md names.
func (b *Bucket) Set(key, value []byte) (types.ObjectID, error) {
	return b.Put(types.SetType, key, value)
}
func (b *Bucket) Delete(key []byte) (types.ObjectID, error) {
	return b.Put(types.DeleteType, key, nil)
}
func (b *Bucket) Append(key, value []byte) (types.ObjectID, error) {
	return b.Put(types.AppendType, key, value)
}

// Get implements the §4.5 point-lookup fold: walk active memtable, then
// sealed memtables newest-to-oldest, then segments ordered by descending
// fileid, folding Append chains until a Set/Delete boundary.
func (b *Bucket) Get(key []byte) (value []byte, err error) {
	if err := b.checkClosed(); err != nil {
		return nil, err
	}
	s, release := b.acquireState()
	defer release()

	maxID := atomic.LoadUint64(&s.nextObjectID) - 1
	found, typ, val, err := dbFold(key, maxID, s)
	if err != nil {
		return nil, &Error{Kind: KindFileRead, Op: "get", Path: b.info.Name, Err: err}
	}
	if !found || typ == types.DeleteType {
		return nil, &Error{Kind: KindObjectNotExist, Op: "get", Path: string(key), Err: ErrObjectNotExist}
	}
	return val, nil
}

// dbFold runs the §4.5 walk against one bucketState snapshot.
func dbFold(key []byte, maxID types.ObjectID, s *bucketState) (found bool, typ types.ObjectType, value []byte, err error) {
	var fragments [][]byte

	consume := func(f bool, t types.ObjectType, v []byte) (stop bool) {
		if !f {
			return false
		}
		switch t {
		case types.SetType:
			found, typ = true, types.SetType
			value = concatFragments(v, fragments)
			return true
		case types.DeleteType:
			found, typ = true, types.DeleteType
			return true
		case types.AppendType:
			fragments = append(fragments, v)
			return false
		}
		return false
	}

	if ok, t, v, e := s.active.Get(key, maxID); e != nil {
		return false, 0, nil, e
	} else if consume(ok, t, v) {
		return found, typ, value, nil
	}

	for _, m := range s.sealed {
		ok, t, v, e := m.Get(key, maxID)
		if e != nil {
			return false, 0, nil, e
		}
		if consume(ok, t, v) {
			return found, typ, value, nil
		}
	}

	for _, h := range s.segments {
		ok, obj, e := h.reader.Get(key, maxID)
		if e != nil {
			return false, 0, nil, e
		}
		if consume(ok, obj.Type, obj.Value) {
			return found, typ, value, nil
		}
	}

	if len(fragments) > 0 {
		return true, types.AppendType, concatFragments(nil, fragments), nil
	}
	return false, 0, nil, nil
}

// concatFragments implements "concat(reverse(append_fragments)) prefixed
// by the base value", where fragments were collected newest-first.
func concatFragments(base []byte, fragments [][]byte) []byte {
	total := len(base)
	for _, f := range fragments {
		total += len(f)
	}
	out := make([]byte, 0, total)
	out = append(out, base...)
	for i := len(fragments) - 1; i >= 0; i-- {
		out = append(out, fragments[i]...)
	}
	return out
}

// Stat summarizes the bucket's current object counts across all alive
// segments (in-memory data is not yet reflected, matching spec.md's note
// that get_bucket_stat is a point-in-time, segment-level statistic).
func (b *Bucket) Stat() types.BucketStat {
	s, release := b.acquireState()
	defer release()

	var agg types.ObjectStat
	for _, h := range s.segments {
		st, _, _, _ := h.reader.Meta()
		agg.Merge(st)
	}
	return types.BucketStat{Name: b.info.Name, SegmentCount: len(s.segments), Stat: agg}
}

func (b *Bucket) triggerFlushLocked() {
	select {
	case b.triggerFlush <- struct{}{}:
	default:
	}
}

func (b *Bucket) triggerMergeLocked() {
	select {
	case b.triggerMerge <- struct{}{}:
	default:
	}
}

func (b *Bucket) runPeriodic() {
	defer b.wg.Done()
	t := time.NewTicker(b.db.engine.Config.CleanInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			b.writeMu.Lock()
			s := b.loadState()
			if memtable.ShouldFlush(s.active, b.flushPolicy) {
				b.triggerFlushLocked()
			}
			b.writeMu.Unlock()
			b.triggerMergeLocked()
		case <-b.closeSignal:
			return
		}
	}
}

func (b *Bucket) closeInternal() error {
	var err error
	b.closeOnce.Do(func() {
		atomic.StoreInt32(&b.closed, 1)
		close(b.closeSignal)
		b.wg.Wait()
		s := b.loadState()
		for _, h := range s.segments {
			if e := h.reader.Close(); e != nil {
				err = e
			}
		}
	})
	return err
}
