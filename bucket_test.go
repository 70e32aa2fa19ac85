package xfdb

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xf-yy/xfdb-go/types"
)

func testBucket(t *testing.T, e *Engine) *Bucket {
	t.Helper()
	db := testDB(t, e, DBConfig{})
	b, err := db.CreateBucket("b")
	require.NoError(t, err)
	return b
}

func TestBucketSetGetRoundTrip(t *testing.T) {
	e := testEngine(t)
	b := testBucket(t, e)

	_, err := b.Set([]byte("k1"), []byte("v1"))
	require.NoError(t, err)

	val, err := b.Get([]byte("k1"))
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), val)
}

func TestBucketGetMissingKey(t *testing.T) {
	e := testEngine(t)
	b := testBucket(t, e)

	_, err := b.Get([]byte("missing"))
	require.True(t, errors.Is(err, ErrObjectNotExist))
}

func TestBucketDeleteTombstone(t *testing.T) {
	e := testEngine(t)
	b := testBucket(t, e)

	_, err := b.Set([]byte("k"), []byte("v"))
	require.NoError(t, err)
	_, err = b.Delete([]byte("k"))
	require.NoError(t, err)

	_, err = b.Get([]byte("k"))
	require.True(t, errors.Is(err, ErrObjectNotExist))
}

func TestBucketAppendFoldsOntoSet(t *testing.T) {
	e := testEngine(t)
	b := testBucket(t, e)

	_, err := b.Set([]byte("k"), []byte("base-"))
	require.NoError(t, err)
	_, err = b.Append([]byte("k"), []byte("a"))
	require.NoError(t, err)
	_, err = b.Append([]byte("k"), []byte("b"))
	require.NoError(t, err)

	val, err := b.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("base-ab"), val)
}

func TestBucketAppendOnlyChainWithNoSet(t *testing.T) {
	e := testEngine(t)
	b := testBucket(t, e)

	_, err := b.Append([]byte("k"), []byte("a"))
	require.NoError(t, err)
	_, err = b.Append([]byte("k"), []byte("b"))
	require.NoError(t, err)

	val, err := b.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("ab"), val)
}

func TestBucketAppendStopsAtNewerDelete(t *testing.T) {
	e := testEngine(t)
	b := testBucket(t, e)

	_, err := b.Append([]byte("k"), []byte("a"))
	require.NoError(t, err)
	_, err = b.Delete([]byte("k"))
	require.NoError(t, err)
	_, err = b.Append([]byte("k"), []byte("b"))
	require.NoError(t, err)

	val, err := b.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("b"), val)
}

func TestBucketEmptyKeyRejected(t *testing.T) {
	e := testEngine(t)
	b := testBucket(t, e)

	_, err := b.Set(nil, []byte("v"))
	require.Error(t, err)
}

func TestBucketOversizedValueRejected(t *testing.T) {
	e := testEngine(t)
	b := testBucket(t, e)

	_, err := b.Set([]byte("k"), make([]byte, types.MaxValueSize+1))
	require.True(t, errors.Is(err, ErrObjectTooLarge))
}

func TestBucketFlushPersistsAcrossReopen(t *testing.T) {
	e := testEngine(t)
	db, err := e.Open(t.TempDir(), DBConfig{})
	require.NoError(t, err)
	dir := db.dir

	b, err := db.CreateBucket("b")
	require.NoError(t, err)
	_, err = b.Set([]byte("k"), []byte("v"))
	require.NoError(t, err)

	// force a flush synchronously rather than waiting on the trigger loop
	b.writeMu.Lock()
	b.sealActiveLocked()
	s := b.loadState()
	require.Len(t, s.sealed, 1)
	require.NoError(t, b.flushMemtableLocked(s.sealed[0]))
	b.writeMu.Unlock()

	st := b.Stat()
	require.Equal(t, 1, st.SegmentCount)
	require.NoError(t, db.Close())

	db2, err := e.Open(dir, DBConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { db2.Close() })
	b2, err := db2.Bucket("b")
	require.NoError(t, err)

	val, err := b2.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v"), val)
}

func TestBucketFullMergeNoopOnSingleSegment(t *testing.T) {
	e := testEngine(t)
	b := testBucket(t, e)

	_, err := b.Set([]byte("k"), []byte("v"))
	require.NoError(t, err)
	b.writeMu.Lock()
	b.sealActiveLocked()
	s := b.loadState()
	require.NoError(t, b.flushMemtableLocked(s.sealed[0]))
	b.writeMu.Unlock()

	require.NoError(t, b.FullMerge())
}

func TestBucketFullMergeRefusesReentry(t *testing.T) {
	e := testEngine(t)
	b := testBucket(t, e)

	b.fullMergeBusy = 1
	err := b.FullMerge()
	require.True(t, errors.Is(err, ErrInProcessing))
}

func TestBucketStatAggregatesSegments(t *testing.T) {
	e := testEngine(t)
	b := testBucket(t, e)

	for i := 0; i < 3; i++ {
		_, err := b.Set([]byte{byte('a' + i)}, []byte("v"))
		require.NoError(t, err)
		b.writeMu.Lock()
		b.sealActiveLocked()
		s := b.loadState()
		require.NoError(t, b.flushMemtableLocked(s.sealed[0]))
		b.writeMu.Unlock()
	}

	st := b.Stat()
	require.Equal(t, 3, st.SegmentCount)
	require.Equal(t, uint64(3), st.Stat.SetCount)
}

// TestBucketMergePreservesAppendChainAcrossFlushes is spec.md §4.6's
// worked example run end to end: set("a","1"); append("a","2"); flush();
// append("a","3"); flush(); merge(); get("a") must still read "123".
func TestBucketMergePreservesAppendChainAcrossFlushes(t *testing.T) {
	e := testEngine(t)
	b := testBucket(t, e)

	_, err := b.Set([]byte("a"), []byte("1"))
	require.NoError(t, err)
	_, err = b.Append([]byte("a"), []byte("2"))
	require.NoError(t, err)
	b.writeMu.Lock()
	b.sealActiveLocked()
	s := b.loadState()
	require.NoError(t, b.flushMemtableLocked(s.sealed[0]))
	b.writeMu.Unlock()

	_, err = b.Append([]byte("a"), []byte("3"))
	require.NoError(t, err)
	b.writeMu.Lock()
	b.sealActiveLocked()
	s = b.loadState()
	require.NoError(t, b.flushMemtableLocked(s.sealed[0]))
	b.writeMu.Unlock()

	val, err := b.Get([]byte("a"))
	require.NoError(t, err)
	require.Equal(t, []byte("123"), val)

	require.NoError(t, b.FullMerge())

	val, err = b.Get([]byte("a"))
	require.NoError(t, err)
	require.Equal(t, []byte("123"), val)
}

func TestBucketMergeCombinesSegments(t *testing.T) {
	e := testEngine(t)
	b := testBucket(t, e)

	for i := 0; i < 3; i++ {
		_, err := b.Set([]byte{byte('a' + i)}, []byte("v"))
		require.NoError(t, err)
		b.writeMu.Lock()
		b.sealActiveLocked()
		s := b.loadState()
		require.NoError(t, b.flushMemtableLocked(s.sealed[0]))
		b.writeMu.Unlock()
	}

	require.NoError(t, b.FullMerge())

	s := b.loadState()
	require.Len(t, s.segments, 1)

	for i := 0; i < 3; i++ {
		val, err := b.Get([]byte{byte('a' + i)})
		require.NoError(t, err)
		require.Equal(t, []byte("v"), val)
	}
}
