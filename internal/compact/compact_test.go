package compact

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xf-yy/xfdb-go/types"
)

// collect drains src (an ObjectSource-shaped iterator) into a slice.
func collect(src interface {
	Next() bool
	Object() types.Object
}) []types.Object {
	var out []types.Object
	for src.Next() {
		out = append(out, src.Object())
	}
	return out
}

func TestMergeIteratorPreservesUnresolvedAppendChainAcrossSegments(t *testing.T) {
	// spec.md §4.6 worked example:
	//   set("a","1"); append("a","2"); flush();
	//   append("a","3"); flush(); merge();
	//   get("a") == "123"
	// Segment 1 (newer, priority 0) holds the unresolved append("a","3").
	// Segment 2 (older, priority 1) holds set("a","1"); append("a","2").
	seg1 := []types.Object{
		{Type: types.AppendType, Key: []byte("a"), Value: []byte("3"), ID: 3},
	}
	seg2 := []types.Object{
		{Type: types.AppendType, Key: []byte("a"), Value: []byte("2"), ID: 2},
		{Type: types.SetType, Key: []byte("a"), Value: []byte("1"), ID: 1},
	}
	merged := NewMergeIterator([]Source{
		NewSliceSource(0, seg1),
		NewSliceSource(1, seg2),
	})
	out := collect(merged)
	require.Len(t, out, 3)
	require.Equal(t, types.AppendType, out[0].Type)
	require.Equal(t, "3", string(out[0].Value))
	require.Equal(t, types.AppendType, out[1].Type)
	require.Equal(t, "2", string(out[1].Value))
	require.Equal(t, types.SetType, out[2].Type)
	require.Equal(t, "1", string(out[2].Value))
}

func TestMergeIteratorDropsShadowedOlderRecords(t *testing.T) {
	// Newer segment fully resolves key "a" with a Set; an older segment's
	// stale Set for the same key must not survive the merge.
	newer := []types.Object{
		{Type: types.SetType, Key: []byte("a"), Value: []byte("new"), ID: 5},
	}
	older := []types.Object{
		{Type: types.SetType, Key: []byte("a"), Value: []byte("old"), ID: 1},
	}
	merged := NewMergeIterator([]Source{
		NewSliceSource(0, newer),
		NewSliceSource(1, older),
	})
	out := collect(merged)
	require.Len(t, out, 1)
	require.Equal(t, "new", string(out[0].Value))
}

func TestMergeIteratorInterleavesDistinctKeys(t *testing.T) {
	a := []types.Object{{Type: types.SetType, Key: []byte("a"), Value: []byte("1"), ID: 2}}
	b := []types.Object{{Type: types.SetType, Key: []byte("b"), Value: []byte("2"), ID: 1}}
	merged := NewMergeIterator([]Source{NewSliceSource(0, a), NewSliceSource(1, b)})
	out := collect(merged)
	require.Len(t, out, 2)
	require.Equal(t, "a", string(out[0].Key))
	require.Equal(t, "b", string(out[1].Key))
}

func TestOutputSourceDropsTombstonesOnlyWhenRequested(t *testing.T) {
	objs := []types.Object{
		{Type: types.DeleteType, Key: []byte("a"), ID: 1},
		{Type: types.SetType, Key: []byte("b"), Value: []byte("v"), ID: 1},
	}
	keep := NewOutputSource(NewMergeIterator([]Source{NewSliceSource(0, objs)}), false)
	require.Len(t, collect(keep), 2)

	drop := NewOutputSource(NewMergeIterator([]Source{NewSliceSource(0, objs)}), true)
	out := collect(drop)
	require.Len(t, out, 1)
	require.Equal(t, "b", string(out[0].Key))
}

func TestSelectPartMergeGroupsByLevelAtMergeFactor(t *testing.T) {
	var alive []SegmentInfo
	for i := uint64(1); i <= 9; i++ {
		alive = append(alive, SegmentInfo{FileID: types.MakeFileID(i, 0), DataFileSize: 1})
	}
	next := uint64(100)
	plans := SelectPartMerge(alive, 15, 3, 0, &next)
	require.Len(t, plans, 3) // 9 level-0 segments / merge_factor 3 = 3 groups
	for _, p := range plans {
		require.Len(t, p.Inputs, 3)
		require.False(t, p.FullMerge)
	}
}

func TestSelectPartMergeSkipsLevelsBelowMergeFactor(t *testing.T) {
	alive := []SegmentInfo{
		{FileID: types.MakeFileID(1, 0)},
		{FileID: types.MakeFileID(2, 0)},
	}
	next := uint64(100)
	plans := SelectPartMerge(alive, 15, 10, 0, &next)
	require.Empty(t, plans)
}

func TestSelectFullMergeOrdersByFileIDAscending(t *testing.T) {
	alive := []SegmentInfo{
		{FileID: types.MakeFileID(3, 0)},
		{FileID: types.MakeFileID(1, 0)},
		{FileID: types.MakeFileID(2, 0)},
	}
	next := uint64(100)
	plan := SelectFullMerge(alive, &next, true)
	require.True(t, plan.FullMerge)
	require.True(t, plan.OldestMerge)
	require.Equal(t, uint64(1), types.SegmentID(plan.Inputs[0].FileID))
	require.Equal(t, uint64(2), types.SegmentID(plan.Inputs[1].FileID))
	require.Equal(t, uint64(3), types.SegmentID(plan.Inputs[2].FileID))
}
