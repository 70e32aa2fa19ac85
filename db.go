package xfdb

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/log/level"

	"github.com/xf-yy/xfdb-go/internal/metafile"
	"github.com/xf-yy/xfdb-go/types"
)

const (
	dbMetaFile = "db.dbm"
	lockFile   = "LOCK"
)

var errReadOnly = &Error{Kind: KindInvalidMode}

// DB is one database directory: a registry of named Buckets plus the
// db-metadata file (.dbm) that records which buckets are alive, mirroring
// the teacher's WAL-over-one-directory shape generalized to many named
// sub-stores.
type DB struct {
	engine *Engine
	dir    string
	cfg    DBConfig

	lock *metafile.Lock // nil in ReadOnly/WriteOnly-without-lock modes

	mu      sync.Mutex
	meta    types.DBMeta
	buckets map[string]*Bucket

	closed int32
}

func openDB(e *Engine, dir string, cfg DBConfig) (*DB, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &Error{Kind: KindPathCreate, Op: "open", Path: dir, Err: err}
	}

	var lock *metafile.Lock
	if e.Config.Mode == ReadWrite {
		l, err := metafile.AcquireLock(filepath.Join(dir, lockFile))
		if err != nil {
			return nil, &Error{Kind: KindFileLock, Op: "open", Path: dir, Err: err}
		}
		lock = l
	}

	metaPath := filepath.Join(dir, dbMetaFile)
	meta, err := metafile.ReadDBMeta(metaPath)
	if err != nil {
		if !os.IsNotExist(err) {
			lock.Release()
			return nil, &Error{Kind: KindFileRead, Op: "open", Path: metaPath, Err: err}
		}
		meta = types.DBMeta{NextBucketID: 1}
		if e.Config.Mode == ReadWrite {
			if err := metafile.WriteDBMeta(metaPath, meta); err != nil {
				lock.Release()
				return nil, &Error{Kind: KindFileWrite, Op: "open", Path: metaPath, Err: err}
			}
		}
	}

	db := &DB{
		engine:  e,
		dir:     dir,
		cfg:     cfg,
		lock:    lock,
		meta:    meta,
		buckets: make(map[string]*Bucket, len(meta.AliveBuckets)),
	}

	for _, info := range meta.AliveBuckets {
		bcfg := DefaultBucketConfig()
		if cfg.BucketOverrides != nil {
			if o, ok := cfg.BucketOverrides[info.Name]; ok {
				bcfg = o
			}
		}
		b, err := openBucket(db, info, bcfg)
		if err != nil {
			db.closeAllBuckets()
			lock.Release()
			return nil, &Error{Kind: KindBucketNotExist, Op: "open", Path: info.Name, Err: err}
		}
		db.buckets[info.Name] = b
	}

	return db, nil
}

// Bucket returns an already-open bucket, or creates one if missing and
// cfg.CreateBucketIfMissing is set.
func (db *DB) Bucket(name string) (*Bucket, error) {
	if err := db.checkClosed(); err != nil {
		return nil, err
	}
	db.mu.Lock()
	defer db.mu.Unlock()

	if b, ok := db.buckets[name]; ok {
		return b, nil
	}
	if !db.cfg.CreateBucketIfMissing {
		return nil, &Error{Kind: KindBucketNotExist, Op: "bucket", Path: name, Err: ErrBucketNotExist}
	}
	return db.createBucketLocked(name)
}

// CreateBucket creates a new, empty bucket. It returns ErrBucketExist if
// name is already alive.
func (db *DB) CreateBucket(name string) (*Bucket, error) {
	if err := db.checkClosed(); err != nil {
		return nil, err
	}
	if name == "" || len(name) > 255 {
		return nil, &Error{Kind: KindBucketName, Op: "create_bucket", Path: name, Err: ErrBucketName}
	}
	db.mu.Lock()
	defer db.mu.Unlock()

	if _, ok := db.buckets[name]; ok {
		return nil, &Error{Kind: KindBucketExist, Op: "create_bucket", Path: name, Err: ErrBucketExist}
	}
	return db.createBucketLocked(name)
}

func (db *DB) createBucketLocked(name string) (*Bucket, error) {
	if db.engine.Config.Mode != ReadWrite {
		return nil, &Error{Kind: KindInvalidMode, Op: "create_bucket", Path: name, Err: errReadOnly}
	}

	id := db.meta.NextBucketID
	info := types.BucketInfo{Name: name, ID: id, CreateTime: time.Now()}

	bcfg := DefaultBucketConfig()
	if db.cfg.BucketOverrides != nil {
		if o, ok := db.cfg.BucketOverrides[name]; ok {
			bcfg = o
		}
	}

	b, err := createBucket(db, info, bcfg)
	if err != nil {
		return nil, err
	}

	newMeta := db.meta
	newMeta.AliveBuckets = append(append([]types.BucketInfo(nil), db.meta.AliveBuckets...), info)
	newMeta.NextBucketID = id + 1
	if err := metafile.WriteDBMeta(filepath.Join(db.dir, dbMetaFile), newMeta); err != nil {
		b.closeInternal()
		return nil, &Error{Kind: KindFileWrite, Op: "create_bucket", Path: name, Err: err}
	}
	db.meta = newMeta
	db.buckets[name] = b
	return b, nil
}

// DropBucket removes a bucket's metadata entry and closes its handle. The
// bucket's on-disk files are left for a caller-driven cleanup pass (spec.md
// §9's "cleaner" pool), matching how the teacher defers segment file
// deletion until after readers release their references.
func (db *DB) DropBucket(name string) error {
	if err := db.checkClosed(); err != nil {
		return err
	}
	if db.engine.Config.Mode != ReadWrite {
		return &Error{Kind: KindInvalidMode, Op: "drop_bucket", Path: name, Err: errReadOnly}
	}
	db.mu.Lock()
	defer db.mu.Unlock()

	b, ok := db.buckets[name]
	if !ok {
		return &Error{Kind: KindBucketNotExist, Op: "drop_bucket", Path: name, Err: ErrBucketNotExist}
	}

	remaining := make([]types.BucketInfo, 0, len(db.meta.AliveBuckets))
	var deletedID uint32
	for _, info := range db.meta.AliveBuckets {
		if info.Name == name {
			deletedID = info.ID
			continue
		}
		remaining = append(remaining, info)
	}
	newMeta := db.meta
	newMeta.AliveBuckets = remaining
	newMeta.PendingDeletes = append(append([]uint32(nil), db.meta.PendingDeletes...), deletedID)
	if err := metafile.WriteDBMeta(filepath.Join(db.dir, dbMetaFile), newMeta); err != nil {
		return &Error{Kind: KindFileWrite, Op: "drop_bucket", Path: name, Err: err}
	}
	db.meta = newMeta
	delete(db.buckets, name)
	b.closeInternal()
	return nil
}

// Buckets returns the currently alive bucket names.
func (db *DB) Buckets() []string {
	db.mu.Lock()
	defer db.mu.Unlock()
	out := make([]string, 0, len(db.buckets))
	for name := range db.buckets {
		out = append(out, name)
	}
	return out
}

func (db *DB) checkClosed() error {
	if atomic.LoadInt32(&db.closed) != 0 {
		return &Error{Kind: KindDBClosed, Op: "db", Err: ErrDBClosed}
	}
	return nil
}

func (db *DB) closeAllBuckets() {
	for _, b := range db.buckets {
		b.closeInternal()
	}
}

// Close closes every open bucket and releases the database lock.
func (db *DB) Close() error {
	if !atomic.CompareAndSwapInt32(&db.closed, 0, 1) {
		return nil
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	for name, b := range db.buckets {
		if err := b.closeInternal(); err != nil {
			level.Error(db.engine.Logger).Log("msg", "error closing bucket", "bucket", name, "err", err)
		}
	}
	db.lock.Release()
	return nil
}
