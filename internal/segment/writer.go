package segment

import (
	"os"
	"path/filepath"

	"github.com/xf-yy/xfdb-go/internal/bloom"
	"github.com/xf-yy/xfdb-go/types"
)

// ObjectSource is anything a Writer can stream objects from: a memtable
// iterator or a compaction's k-way merge iterator. Objects must already be
// in (key asc, id desc) order (spec.md §3).
type ObjectSource interface {
	Next() bool
	Object() types.Object
}

// WriteOptions configures one segment write.
type WriteOptions struct {
	BloomFilterBitnum int  // 0 disables bloom filters
	SyncData          bool // fsync both files before rename (spec.md §4.2 step 7)
}

// Writer serializes a sorted object stream into a (.dat, .idx) file pair,
// per spec.md §4.2.
type Writer struct {
	dataTmpPath, dataFinalPath   string
	indexTmpPath, indexFinalPath string
	opts                         WriteOptions

	dataFile  *os.File
	indexFile *os.File
	dataOff   uint64
	indexOff  uint64

	blockObjs  []types.Object
	blockBytes int

	pendingL0      []l0IndexEntry
	pendingHashes  []uint32
	pendingIdxSize int

	l1Entries []l1IndexEntry

	stat              types.ObjectStat
	maxKey            []byte
	maxObjectID       types.ObjectID
	maxMergeSegmentID uint64

	// l2MetaSize is set by finish() once the trailer's own size is known.
	l2MetaSize uint32
}

// NewWriter opens temp files named "~<basename>" alongside the final
// paths, ready to accept objects via WriteAll.
func NewWriter(dataPath, indexPath string, opts WriteOptions) (*Writer, error) {
	dataTmp := tempName(dataPath)
	indexTmp := tempName(indexPath)

	df, err := os.OpenFile(dataTmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	idxf, err := os.OpenFile(indexTmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		df.Close()
		return nil, err
	}

	w := &Writer{
		dataTmpPath: dataTmp, dataFinalPath: dataPath,
		indexTmpPath: indexTmp, indexFinalPath: indexPath,
		opts: opts, dataFile: df, indexFile: idxf,
	}

	h := EncodeHeader(MagicData)
	if _, err := df.Write(h); err != nil {
		w.abort()
		return nil, err
	}
	w.dataOff = uint64(len(h))

	ih := EncodeHeader(MagicIndex)
	if _, err := idxf.Write(ih); err != nil {
		w.abort()
		return nil, err
	}
	w.indexOff = uint64(len(ih))

	return w, nil
}

func tempName(path string) string {
	dir, base := filepath.Split(path)
	return filepath.Join(dir, "~"+base)
}

func (w *Writer) abort() {
	w.dataFile.Close()
	w.indexFile.Close()
	os.Remove(w.dataTmpPath)
	os.Remove(w.indexTmpPath)
}

// Stats is returned by WriteAll on success: the new segment's file sizes and
// trailer size, per spec.md's SegmentIndexInfo.
type Stats struct {
	DataFileSize    uint64
	IndexFileSize   uint64
	L2IndexMetaSize uint32
	ObjectStat      types.ObjectStat
	MaxKey          []byte
	MaxObjectID     types.ObjectID
}

// WriteAll drains src and produces the finished segment files, performing
// the temp-name-then-atomic-rename publication spec.md §4.2 step 7
// requires.
func (w *Writer) WriteAll(src ObjectSource, maxMergeSegmentID uint64) (Stats, error) {
	w.maxMergeSegmentID = maxMergeSegmentID
	for src.Next() {
		o := src.Object()
		if len(o.Key) > types.MaxKeySize || len(o.Value) > types.MaxValueSize {
			w.abort()
			return Stats{}, ErrObjectTooLarge
		}
		if err := w.addObject(o); err != nil {
			w.abort()
			return Stats{}, err
		}
	}
	if err := w.flushBlock(); err != nil {
		w.abort()
		return Stats{}, err
	}
	if err := w.flushL1Index(); err != nil {
		w.abort()
		return Stats{}, err
	}
	if err := w.finish(); err != nil {
		w.abort()
		return Stats{}, err
	}
	return Stats{
		DataFileSize:    w.dataOff,
		IndexFileSize:   w.indexOff,
		L2IndexMetaSize: w.l2MetaSize,
		ObjectStat:      w.stat,
		MaxKey:          w.maxKey,
		MaxObjectID:     w.maxObjectID,
	}, nil
}

func (w *Writer) addObject(o types.Object) error {
	est := len(o.Key) + len(o.Value) + 24
	if len(w.blockObjs) >= MaxObjectsPerBlock || (w.blockBytes+est) > MaxBlockBytes {
		if err := w.flushBlock(); err != nil {
			return err
		}
	}
	ownKey := append([]byte(nil), o.Key...)
	ownVal := append([]byte(nil), o.Value...)
	o2 := types.Object{Type: o.Type, Key: ownKey, Value: ownVal, ID: o.ID}
	w.blockObjs = append(w.blockObjs, o2)
	w.blockBytes += est

	w.stat.Add(&o2)
	if w.maxKey == nil || string(o2.Key) > string(w.maxKey) {
		w.maxKey = o2.Key
	}
	if o2.ID > w.maxObjectID {
		w.maxObjectID = o2.ID
	}
	if w.opts.BloomFilterBitnum > 0 {
		w.pendingHashes = append(w.pendingHashes, bloom.Hash32(o2.Key))
	}
	return nil
}

func chunk(objs []types.Object, size int) [][]types.Object {
	var out [][]types.Object
	for i := 0; i < len(objs); i += size {
		end := i + size
		if end > len(objs) {
			end = len(objs)
		}
		out = append(out, objs[i:end])
	}
	return out
}

func (w *Writer) flushBlock() error {
	if len(w.blockObjs) == 0 {
		return nil
	}
	l1Groups := chunk(w.blockObjs, MaxObjectsPerGroup)
	l2Groups := chunk(l1Groups, MaxObjectsPerGroup)
	data, startKey, idxSize := encodeL0Block(l2Groups)

	if _, err := w.dataFile.Write(data); err != nil {
		return err
	}
	entry := l0IndexEntry{
		StartKey:       startKey,
		L0Offset:       w.dataOff,
		L0CompressSize: uint32(len(data)),
		L0OriginSize:   uint32(len(data)),
		L0IndexSize:    uint32(idxSize),
	}
	w.pendingL0 = append(w.pendingL0, entry)
	w.dataOff += uint64(len(data))
	w.pendingIdxSize += len(encodeL0IndexEntry(nil, nil, entry))

	w.blockObjs = w.blockObjs[:0]
	w.blockBytes = 0

	if len(w.pendingL0) >= MaxL1IndexEntries || w.pendingIdxSize >= MaxL1IndexBytes {
		return w.flushL1Index()
	}
	return nil
}

func (w *Writer) flushL1Index() error {
	if len(w.pendingL0) == 0 {
		return nil
	}
	var filter *bloom.Filter
	if w.opts.BloomFilterBitnum > 0 {
		filter = bloom.New(len(w.pendingHashes), w.opts.BloomFilterBitnum)
		for _, h := range w.pendingHashes {
			filter.AddHash(h)
		}
	}
	data, bloomSize := encodeL1Block(w.pendingL0, filter)
	if _, err := w.indexFile.Write(data); err != nil {
		return err
	}
	w.l1Entries = append(w.l1Entries, l1IndexEntry{
		StartKey:       w.pendingL0[0].StartKey,
		L1Offset:       w.indexOff,
		BloomSize:      bloomSize,
		L1CompressSize: uint32(len(data)),
		L1OriginSize:   uint32(len(data)),
		L1IndexSize:    uint32(len(data)) - bloomSize,
	})
	w.indexOff += uint64(len(data))

	w.pendingL0 = w.pendingL0[:0]
	w.pendingHashes = w.pendingHashes[:0]
	w.pendingIdxSize = 0
	return nil
}

func (w *Writer) finish() error {
	l2 := encodeL2Index(w.l1Entries)
	if _, err := w.indexFile.Write(l2); err != nil {
		return err
	}
	w.indexOff += uint64(len(l2))

	meta := encodeSegmentMeta(segmentMeta{
		Stat:              w.stat,
		BloomFilterBitnum: w.opts.BloomFilterBitnum,
		MaxKey:            w.maxKey,
		MaxObjectID:       w.maxObjectID,
		MaxMergeSegmentID: w.maxMergeSegmentID,
	})
	if _, err := w.indexFile.Write(meta); err != nil {
		return err
	}
	w.indexOff += uint64(len(meta))

	trailer := make([]byte, TrailerSize)
	putU32(trailer[0:4], uint32(len(l2)))
	putU32(trailer[4:8], uint32(len(meta)))
	if _, err := w.indexFile.Write(trailer); err != nil {
		return err
	}
	w.indexOff += uint64(len(trailer))
	w.l2MetaSize = uint32(len(l2) + len(meta) + TrailerSize)

	if w.opts.SyncData {
		if err := w.dataFile.Sync(); err != nil {
			return err
		}
		if err := w.indexFile.Sync(); err != nil {
			return err
		}
	}
	if err := w.dataFile.Close(); err != nil {
		return err
	}
	if err := w.indexFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(w.dataTmpPath, w.dataFinalPath); err != nil {
		return err
	}
	if err := os.Rename(w.indexTmpPath, w.indexFinalPath); err != nil {
		return err
	}
	return nil
}

func putU32(dst []byte, v uint32) {
	dst[0] = byte(v)
	dst[1] = byte(v >> 8)
	dst[2] = byte(v >> 16)
	dst[3] = byte(v >> 24)
}

// ErrObjectTooLarge is returned by WriteAll when a source object exceeds
// spec.md §4.2's per-object ceiling.
var ErrObjectTooLarge = &formatErr{"segment: object exceeds size ceiling"}
