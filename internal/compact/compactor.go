package compact

import (
	"sort"

	"github.com/xf-yy/xfdb-go/types"
)

// DefaultMergeFactor and DefaultMaxMergeSize are spec.md §4.6's part-merge
// defaults.
const (
	DefaultMergeFactor  = 10
	DefaultMaxMergeSize = 32 << 30
)

// SegmentInfo is the subset of bucket-metadata a segment needs to
// participate in merge candidate selection.
type SegmentInfo struct {
	FileID        uint64
	DataFileSize  uint64
	IndexFileSize uint64
}

func (s SegmentInfo) totalSize() uint64 { return s.DataFileSize + s.IndexFileSize }

// Plan describes one merge the compactor should run: which segments to
// read, in fileid-ascending order (spec.md §4.6 step 1), and the fileid
// the output segment must take.
type Plan struct {
	Inputs     []SegmentInfo
	OutputID   uint64
	FullMerge  bool
	OldestMerge bool // true if this merge is known to be the bucket's oldest (max_level full-merge)
}

// SelectPartMerge scans alive for each level L in [0, maxLevel-1]. At each
// level holding at least mergeFactor alive segments it sorts them by fileid
// ascending and returns one Plan per consecutive group of mergeFactor
// segments; leftover segments short of a full group are not planned. A
// group is cut short before the segment that would push its total size past
// maxMergeSize, and is skipped if fewer than 2 inputs remain, per spec.md
// §4.6 "Part-merge".
func SelectPartMerge(alive []SegmentInfo, maxLevel int, mergeFactor int, maxMergeSize uint64, nextSegmentID *uint64) []Plan {
	if mergeFactor <= 0 {
		mergeFactor = DefaultMergeFactor
	}
	if maxMergeSize == 0 {
		maxMergeSize = DefaultMaxMergeSize
	}

	byLevel := make(map[int][]SegmentInfo)
	for _, s := range alive {
		l := types.Level(s.FileID)
		byLevel[l] = append(byLevel[l], s)
	}

	var plans []Plan
	for l := 0; l < maxLevel; l++ {
		segs := byLevel[l]
		if len(segs) < mergeFactor {
			continue
		}
		sort.Slice(segs, func(i, j int) bool { return segs[i].FileID < segs[j].FileID })

		for start := 0; start+mergeFactor <= len(segs); start += mergeFactor {
			group := segs[start : start+mergeFactor]
			var sum uint64
			end := 0
			for i, s := range group {
				if sum+s.totalSize() > maxMergeSize && end > 0 {
					break
				}
				sum += s.totalSize()
				end = i + 1
			}
			if end < 2 {
				continue
			}
			chosen := group[:end]
			lowest := chosen[0].FileID
			plans = append(plans, Plan{
				Inputs:   append([]SegmentInfo(nil), chosen...),
				OutputID: types.NextFileID(lowest, nextSegmentID),
			})
		}
	}
	return plans
}

// SelectFullMerge builds the single-segment-output Plan for merging every
// alive segment in the bucket, per spec.md §4.6 "Full-merge". oldestMerge
// should be true when the caller knows no older data exists for this
// bucket outside of `alive` (so Delete-tombstone dropping is safe).
func SelectFullMerge(alive []SegmentInfo, nextSegmentID *uint64, oldestMerge bool) Plan {
	sorted := append([]SegmentInfo(nil), alive...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].FileID < sorted[j].FileID })
	var lowest uint64
	if len(sorted) > 0 {
		lowest = sorted[0].FileID
	}
	return Plan{
		Inputs:      sorted,
		OutputID:    types.NextFileID(lowest, nextSegmentID),
		FullMerge:   true,
		OldestMerge: oldestMerge,
	}
}

// OutputSource wraps a MergeIterator as a segment.Writer ObjectSource,
// dropping Deletes only when dropTombstones is true (the merge is known to
// be the bucket's oldest). Append records pass through unchanged, including
// those followed in the stream by a Set for the same key: they are not
// folded into that Set, so the output keeps the whole chain and a point
// lookup folds it at read time. Streaming rather than
// materializing the whole merge keeps a full-merge's memory bounded by
// one object at a time.
type OutputSource struct {
	src            *MergeIterator
	dropTombstones bool
	cur            types.Object
}

func NewOutputSource(src *MergeIterator, dropTombstones bool) *OutputSource {
	return &OutputSource{src: src, dropTombstones: dropTombstones}
}

func (s *OutputSource) Next() bool {
	for s.src.Next() {
		o := s.src.Object()
		if o.Type == types.DeleteType && s.dropTombstones {
			continue
		}
		s.cur = o
		return true
	}
	return false
}

func (s *OutputSource) Object() types.Object { return s.cur }
