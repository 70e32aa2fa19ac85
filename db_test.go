package xfdb

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

// testEngine builds an Engine against a private registry: each test gets
// its own metric namespace, since promauto would otherwise panic on the
// second test registering the same collector names against the shared
// default registry.
func testEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(DefaultEngineConfig(), log.NewNopLogger(), prometheus.NewRegistry())
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e
}

func testDB(t *testing.T, e *Engine, cfg DBConfig) *DB {
	t.Helper()
	db, err := e.Open(t.TempDir(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestEngineConfigValidate(t *testing.T) {
	cfg := DefaultEngineConfig()
	require.NoError(t, cfg.Validate())

	bad := cfg
	bad.MaxMemtableSize = 1
	require.Error(t, bad.Validate())

	bad = cfg
	bad.MaxMemtableObjects = 1
	require.Error(t, bad.Validate())

	bad = cfg
	bad.Mode = ReadOnly
	bad.AutoReloadDB = true
	bad.NotifyDir = ""
	require.Error(t, bad.Validate())
}

func TestDBCreateAndReopenBucket(t *testing.T) {
	e := testEngine(t)
	dir := filepath.Join(t.TempDir(), "db")

	db, err := e.Open(dir, DBConfig{})
	require.NoError(t, err)

	b, err := db.CreateBucket("widgets")
	require.NoError(t, err)
	require.Equal(t, "widgets", b.Name())

	_, err = db.CreateBucket("widgets")
	require.True(t, errors.Is(err, ErrBucketExist))

	require.NoError(t, db.Close())

	db2, err := e.Open(dir, DBConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { db2.Close() })
	require.ElementsMatch(t, []string{"widgets"}, db2.Buckets())
}

func TestDBBucketCreateIfMissing(t *testing.T) {
	e := testEngine(t)
	db := testDB(t, e, DBConfig{CreateBucketIfMissing: true})

	b, err := db.Bucket("autocreated")
	require.NoError(t, err)
	require.NotNil(t, b)

	same, err := db.Bucket("autocreated")
	require.NoError(t, err)
	require.Same(t, b, same)
}

func TestDBBucketMissingWithoutAutocreate(t *testing.T) {
	e := testEngine(t)
	db := testDB(t, e, DBConfig{})

	_, err := db.Bucket("nope")
	require.True(t, errors.Is(err, ErrBucketNotExist))
}

func TestDBDropBucket(t *testing.T) {
	e := testEngine(t)
	db := testDB(t, e, DBConfig{})

	_, err := db.CreateBucket("temp")
	require.NoError(t, err)
	require.NoError(t, db.DropBucket("temp"))
	require.Empty(t, db.Buckets())

	err = db.DropBucket("temp")
	require.True(t, errors.Is(err, ErrBucketNotExist))
}

func TestDBCloseIsIdempotent(t *testing.T) {
	e := testEngine(t)
	db, err := e.Open(t.TempDir(), DBConfig{})
	require.NoError(t, err)

	require.NoError(t, db.Close())
	require.NoError(t, db.Close())

	_, err = db.CreateBucket("after-close")
	require.True(t, errors.Is(err, ErrDBClosed))
}

func TestDBReadOnlyModeRejectsWrites(t *testing.T) {
	dir := t.TempDir()

	rw, err := NewEngine(DefaultEngineConfig(), log.NewNopLogger(), prometheus.NewRegistry())
	require.NoError(t, err)
	rwDB, err := rw.Open(dir, DBConfig{})
	require.NoError(t, err)
	_, err = rwDB.CreateBucket("b1")
	require.NoError(t, err)
	require.NoError(t, rwDB.Close())
	rw.Close()

	roCfg := DefaultEngineConfig()
	roCfg.Mode = ReadOnly
	ro, err := NewEngine(roCfg, log.NewNopLogger(), prometheus.NewRegistry())
	require.NoError(t, err)
	t.Cleanup(ro.Close)

	roDB, err := ro.Open(dir, DBConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { roDB.Close() })

	b, err := roDB.Bucket("b1")
	require.NoError(t, err)
	_, err = b.Set([]byte("k"), []byte("v"))
	require.True(t, errors.Is(err, &Error{Kind: KindInvalidMode}))
}
