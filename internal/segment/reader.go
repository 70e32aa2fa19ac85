package segment

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/xf-yy/xfdb-go/internal/blockcache"
	"github.com/xf-yy/xfdb-go/internal/bloom"
	"github.com/xf-yy/xfdb-go/types"
)

// ReadableFile is the minimal file surface Reader needs, mirroring the
// teacher's own ReadableFile seam in segment/reader.go so a Reader can be
// driven by an *os.File or an in-memory fake in tests.
type ReadableFile interface {
	io.ReaderAt
	Size() (int64, error)
}

type osReadableFile struct{ f *os.File }

func (r osReadableFile) ReadAt(p []byte, off int64) (int, error) { return r.f.ReadAt(p, off) }
func (r osReadableFile) Size() (int64, error) {
	fi, err := r.f.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// Reader opens one segment's (.dat, .idx) pair and serves point lookups
// and ordered scans against it, per spec.md §4.3. The L2 index and
// segment meta are loaded once at Open; L1 index blocks and L0 data
// blocks are paged in lazily through the shared blockcache.Set.
type Reader struct {
	dataPath, indexPath string
	data, index         ReadableFile
	closeFns            []func() error

	l1Entries []l1IndexEntry
	meta      segmentMeta

	cache *blockcache.Set

	FileID types.ObjectID // not stored in the file itself; Open leaves it zero and no caller in this module sets it
}

// Open parses a segment's trailer, segment meta and L2 index, per
// spec.md §4.3's open path, without reading any data or L1 index blocks.
func Open(dataPath, indexPath string, cache *blockcache.Set) (*Reader, error) {
	df, err := os.Open(dataPath)
	if err != nil {
		return nil, err
	}
	idxf, err := os.Open(indexPath)
	if err != nil {
		df.Close()
		return nil, err
	}
	r := &Reader{
		dataPath: dataPath, indexPath: indexPath,
		data: osReadableFile{df}, index: osReadableFile{idxf},
		closeFns: []func() error{df.Close, idxf.Close},
		cache:    cache,
	}
	if err := r.readHeaders(); err != nil {
		r.Close()
		return nil, err
	}
	if err := r.readTrailerAndIndex(); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

func (r *Reader) readHeaders() error {
	dh := make([]byte, HeaderSize)
	if _, err := r.data.ReadAt(dh, 0); err != nil {
		return err
	}
	if _, err := DecodeHeader(dh, MagicData); err != nil {
		return err
	}
	ih := make([]byte, HeaderSize)
	if _, err := r.index.ReadAt(ih, 0); err != nil {
		return err
	}
	if _, err := DecodeHeader(ih, MagicIndex); err != nil {
		return err
	}
	return nil
}

func (r *Reader) readTrailerAndIndex() error {
	size, err := r.index.Size()
	if err != nil {
		return err
	}
	if size < int64(TrailerSize) {
		return fmt.Errorf("%w: index file too small", errFormat)
	}
	trailer := make([]byte, TrailerSize)
	if _, err := r.index.ReadAt(trailer, size-int64(TrailerSize)); err != nil {
		return err
	}
	l2Size := le32(trailer[0:4])
	metaSize := le32(trailer[4:8])

	metaOff := size - int64(TrailerSize) - int64(metaSize)
	metaBuf := make([]byte, metaSize)
	if _, err := r.index.ReadAt(metaBuf, metaOff); err != nil {
		return err
	}
	meta, err := decodeSegmentMeta(metaBuf)
	if err != nil {
		return err
	}
	r.meta = meta

	l2Off := metaOff - int64(l2Size)
	l2Buf := make([]byte, l2Size)
	if _, err := r.index.ReadAt(l2Buf, l2Off); err != nil {
		return err
	}
	entries, err := decodeL2Index(l2Buf)
	if err != nil {
		return err
	}
	r.l1Entries = entries
	return nil
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func (r *Reader) Close() error {
	var first error
	for _, fn := range r.closeFns {
		if err := fn(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (r *Reader) Meta() (types.ObjectStat, []byte, types.ObjectID, uint64) {
	return r.meta.Stat, r.meta.MaxKey, r.meta.MaxObjectID, r.meta.MaxMergeSegmentID
}

// MaxKey reports the greatest key the segment holds, used by compaction
// and bucket range checks.
func (r *Reader) MaxKey() []byte { return r.meta.MaxKey }

func (r *Reader) l1Search(key []byte) int {
	lo, hi := 0, len(r.l1Entries)-1
	best := -1
	for lo <= hi {
		mid := (lo + hi) / 2
		if bytes.Compare(r.l1Entries[mid].StartKey, key) <= 0 {
			best = mid
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}
	return best
}

func (r *Reader) loadL1Block(idx int) (*bloom.Filter, []l0IndexEntry, error) {
	e := r.l1Entries[idx]
	ck := blockcache.Key{Path: r.indexPath, Offset: e.L1Offset}
	if r.cache != nil {
		if cached, ok := r.cache.Index.Get(ck); ok {
			return decodeL1Block(cached)
		}
	}
	buf := make([]byte, e.L1CompressSize)
	if _, err := r.index.ReadAt(buf, int64(e.L1Offset)); err != nil {
		return nil, nil, err
	}
	if r.cache != nil {
		r.cache.Index.Put(ck, buf)
	}
	return decodeL1Block(buf)
}

func (r *Reader) loadDataBlock(off uint64, size uint32) ([]byte, error) {
	ck := blockcache.Key{Path: r.dataPath, Offset: off}
	if r.cache != nil {
		if cached, ok := r.cache.Data.Get(ck); ok {
			return cached, nil
		}
	}
	buf := make([]byte, size)
	if _, err := r.data.ReadAt(buf, int64(off)); err != nil {
		return nil, err
	}
	if r.cache != nil {
		r.cache.Data.Put(ck, buf)
	}
	return buf, nil
}

// Get performs a point lookup. visibilityID bounds which records are
// eligible, supporting reads against a historical snapshot of a bucket.
// A bloom filter miss short-circuits to (false, nil) without touching the
// data file, spec.md §4.3's whole reason for carrying one.
func (r *Reader) Get(key []byte, visibilityID types.ObjectID) (found bool, obj types.Object, err error) {
	if len(r.l1Entries) == 0 {
		return false, types.Object{}, nil
	}
	if bytes.Compare(key, r.meta.MaxKey) > 0 {
		return false, types.Object{}, nil
	}
	l1Idx := r.l1Search(key)
	if l1Idx < 0 {
		return false, types.Object{}, nil
	}
	filter, l0Entries, err := r.loadL1Block(l1Idx)
	if err != nil {
		return false, types.Object{}, err
	}
	if filter != nil && !filter.MayContain(bloom.Hash32(key)) {
		return false, types.Object{}, nil
	}
	l0Idx := searchL0Entries(l0Entries, key)
	if l0Idx < 0 {
		return false, types.Object{}, nil
	}
	e := l0Entries[l0Idx]
	block, err := r.loadDataBlock(e.L0Offset, e.L0CompressSize)
	if err != nil {
		return false, types.Object{}, err
	}
	o, ok, err := searchL0Block(block, key, visibilityID)
	if err != nil {
		return false, types.Object{}, err
	}
	if !ok {
		return false, types.Object{}, nil
	}
	return true, o, nil
}

func searchL0Entries(entries []l0IndexEntry, key []byte) int {
	lo, hi := 0, len(entries)-1
	best := -1
	for lo <= hi {
		mid := (lo + hi) / 2
		if bytes.Compare(entries[mid].StartKey, key) <= 0 {
			best = mid
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}
	return best
}

// Iterator walks a Reader's objects in (key asc, id desc) order, the
// order spec.md §3 defines and segment data is already stored in.
type Iterator struct {
	r       *Reader
	l1Idx   int
	l0Index []l0IndexEntry
	l0Idx   int
	objs    []types.Object
	pos     int
	cur     types.Object
	err     error
}

func (r *Reader) NewIterator() *Iterator {
	return &Iterator{r: r, l1Idx: -1, l0Idx: -1, pos: -1}
}

func (it *Iterator) Err() error { return it.err }

func (it *Iterator) Next() bool {
	for {
		if it.pos >= 0 && it.pos+1 < len(it.objs) {
			it.pos++
			it.cur = it.objs[it.pos]
			return true
		}
		if it.l0Idx+1 < len(it.l0Index) {
			it.l0Idx++
			e := it.l0Index[it.l0Idx]
			block, err := it.r.loadDataBlock(e.L0Offset, e.L0CompressSize)
			if err != nil {
				it.err = err
				return false
			}
			objs, err := allObjectsInL0Block(block)
			if err != nil {
				it.err = err
				return false
			}
			it.objs = objs
			it.pos = -1
			continue
		}
		if it.l1Idx+1 < len(it.r.l1Entries) {
			it.l1Idx++
			_, entries, err := it.r.loadL1Block(it.l1Idx)
			if err != nil {
				it.err = err
				return false
			}
			it.l0Index = entries
			it.l0Idx = -1
			continue
		}
		return false
	}
}

func (it *Iterator) Object() types.Object { return it.cur }
func (it *Iterator) Close()               {}
