package types

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLessOrdersByKeyThenIDDescending(t *testing.T) {
	a := &Object{Key: []byte("a"), ID: 1}
	b := &Object{Key: []byte("b"), ID: 1}
	require.True(t, Less(a, b))
	require.False(t, Less(b, a))

	newer := &Object{Key: []byte("a"), ID: 5}
	older := &Object{Key: []byte("a"), ID: 1}
	require.True(t, Less(newer, older))
	require.False(t, Less(older, newer))
}

func TestCloneCopiesBuffers(t *testing.T) {
	key := []byte("k")
	val := []byte("v")
	o := Object{Key: key, Value: val, ID: 3, Type: SetType}
	c := o.Clone()

	key[0] = 'x'
	val[0] = 'y'
	require.Equal(t, byte('k'), c.Key[0])
	require.Equal(t, byte('v'), c.Value[0])
}

func TestMakeFileIDRoundTrips(t *testing.T) {
	id := MakeFileID(42, 3)
	require.Equal(t, uint64(42), SegmentID(id))
	require.Equal(t, uint8(3), MergeCount(id))
}

func TestLevelClampsAtMax(t *testing.T) {
	id := MakeFileID(1, 200)
	require.Equal(t, MaxLevel, Level(id))

	id2 := MakeFileID(1, 5)
	require.Equal(t, 5, Level(id2))
}

func TestNextFileIDBumpsLevelBeforeNewSegment(t *testing.T) {
	next := uint64(100)
	low := MakeFileID(7, 0)
	out := NextFileID(low, &next)
	require.Equal(t, uint64(7), SegmentID(out))
	require.Equal(t, uint8(1), MergeCount(out))
	require.Equal(t, uint64(100), next) // unchanged: no new segment needed
}

func TestNextFileIDAllocatesNewSegmentAtMaxMergeCount(t *testing.T) {
	next := uint64(100)
	low := MakeFileID(7, 0xFF)
	out := NextFileID(low, &next)
	require.Equal(t, uint64(100), SegmentID(out))
	require.Equal(t, uint8(0), MergeCount(out))
	require.Equal(t, uint64(101), next)
}

func TestObjectStatAddAndMerge(t *testing.T) {
	var s ObjectStat
	s.Add(&Object{Type: SetType, Key: []byte("k"), Value: []byte("vv")})
	s.Add(&Object{Type: DeleteType, Key: []byte("k2")})
	s.Add(&Object{Type: AppendType, Key: []byte("k3"), Value: []byte("v")})

	require.EqualValues(t, 1, s.SetCount)
	require.EqualValues(t, 1, s.DeleteCount)
	require.EqualValues(t, 1, s.AppendCount)
	require.EqualValues(t, 3, s.ObjectCount())

	var total ObjectStat
	total.Merge(s)
	total.Merge(s)
	require.EqualValues(t, 6, total.ObjectCount())
}

func TestObjectTypeString(t *testing.T) {
	require.Equal(t, "set", SetType.String())
	require.Equal(t, "delete", DeleteType.String())
	require.Equal(t, "append", AppendType.String())
}
