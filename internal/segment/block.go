package segment

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/xf-yy/xfdb-go/internal/coding"
	"github.com/xf-yy/xfdb-go/types"
)

// This file implements the two-level L2-group / L1-group / object grouping
// spec.md §4.2 describes for an L0 block, plus the matching decode side
// used by both the reader's random-access search and its ordered scan.
//
// Each group is self-describing: it is followed by an index of its own
// children (prefix-compressed start keys) and a 4-byte size of that index,
// so a reader holding the whole block/group byte range can locate and walk
// the index without needing an external offset table. spec.md's literal
// block diagram lists only a trailing CRC for the L0 block; recording each
// level's own index size inline is the minimal addition needed to make the
// nested index self-locating without a separate side-table, and mirrors
// the same u32-trailer idea spec.md already uses at the segment level.

// encodeObjectDelta appends one object prefix-compressed against prevKey.
// The first object in a group is called with prevKey == nil so its key is
// stored whole.
func encodeObjectDelta(dst []byte, prevKey []byte, o *types.Object) []byte {
	shared := commonPrefixLen(prevKey, o.Key)
	nonshared := o.Key[shared:]
	dst = coding.AppendUvarint(dst, uint64(shared))
	dst = coding.AppendUvarint(dst, uint64(len(nonshared)))
	dst = append(dst, nonshared...)
	dst = append(dst, byte(o.Type))
	dst = coding.AppendUvarint(dst, o.ID)
	dst = coding.AppendUvarint(dst, uint64(len(o.Value)))
	dst = append(dst, o.Value...)
	return dst
}

// decodeObjectDelta reverses encodeObjectDelta, returning the decoded
// object (key/value alias buf, callers must clone to retain) and bytes
// consumed.
func decodeObjectDelta(buf []byte, prevKey []byte) (types.Object, int, error) {
	off := 0
	shared, n := coding.ConsumeUvarint(buf[off:])
	if n <= 0 {
		return types.Object{}, 0, errFormat
	}
	off += n
	nonsharedLen, n := coding.ConsumeUvarint(buf[off:])
	if n <= 0 {
		return types.Object{}, 0, errFormat
	}
	off += n
	if off+int(nonsharedLen) > len(buf) {
		return types.Object{}, 0, errFormat
	}
	nonshared := buf[off : off+int(nonsharedLen)]
	off += int(nonsharedLen)

	key := make([]byte, int(shared)+len(nonshared))
	copy(key, prevKey[:shared])
	copy(key[shared:], nonshared)

	if off >= len(buf) {
		return types.Object{}, 0, errFormat
	}
	typ := types.ObjectType(buf[off])
	off++

	id, n := coding.ConsumeUvarint(buf[off:])
	if n <= 0 {
		return types.Object{}, 0, errFormat
	}
	off += n

	vlen, n := coding.ConsumeUvarint(buf[off:])
	if n <= 0 {
		return types.Object{}, 0, errFormat
	}
	off += n
	if off+int(vlen) > len(buf) {
		return types.Object{}, 0, errFormat
	}
	value := buf[off : off+int(vlen)]
	off += int(vlen)

	return types.Object{Type: typ, Key: key, Value: value, ID: id}, off, nil
}

func commonPrefixLen(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

// groupIndexEntry is the shared (start-key-delta, size) index record used
// at both the L1-group-index (inside an L2-group) and the L2-group-index
// (inside an L0 block) levels.
type groupIndexEntry struct {
	StartKey  []byte
	GroupSize uint32
	IndexSize uint32 // never written: every encoder passes withIndexSize false; the L0 block's index size lives in l0IndexEntry.L0IndexSize
}

func encodeGroupIndexEntry(dst, prevStart []byte, e groupIndexEntry, withIndexSize bool) []byte {
	shared := commonPrefixLen(prevStart, e.StartKey)
	nonshared := e.StartKey[shared:]
	dst = coding.AppendUvarint(dst, uint64(shared))
	dst = coding.AppendUvarint(dst, uint64(len(nonshared)))
	dst = append(dst, nonshared...)
	dst = coding.AppendUvarint(dst, uint64(e.GroupSize))
	if withIndexSize {
		dst = coding.AppendUvarint(dst, uint64(e.IndexSize))
	}
	return dst
}

func decodeGroupIndexEntry(buf []byte, prevStart []byte, withIndexSize bool) (groupIndexEntry, int, error) {
	off := 0
	shared, n := coding.ConsumeUvarint(buf[off:])
	if n <= 0 {
		return groupIndexEntry{}, 0, errFormat
	}
	off += n
	nonsharedLen, n := coding.ConsumeUvarint(buf[off:])
	if n <= 0 {
		return groupIndexEntry{}, 0, errFormat
	}
	off += n
	if off+int(nonsharedLen) > len(buf) {
		return groupIndexEntry{}, 0, errFormat
	}
	nonshared := buf[off : off+int(nonsharedLen)]
	off += int(nonsharedLen)
	key := make([]byte, int(shared)+len(nonshared))
	copy(key, prevStart[:shared])
	copy(key[shared:], nonshared)

	size, n := coding.ConsumeUvarint(buf[off:])
	if n <= 0 {
		return groupIndexEntry{}, 0, errFormat
	}
	off += n

	e := groupIndexEntry{StartKey: key, GroupSize: uint32(size)}
	if withIndexSize {
		isz, n := coding.ConsumeUvarint(buf[off:])
		if n <= 0 {
			return groupIndexEntry{}, 0, errFormat
		}
		off += n
		e.IndexSize = uint32(isz)
	}
	return e, off, nil
}

// encodeL1Group packs up to MaxObjectsPerGroup objects (already in sorted
// order) into one L1-group byte stream.
func encodeL1Group(objs []types.Object) []byte {
	var buf []byte
	var prev []byte
	for i := range objs {
		buf = encodeObjectDelta(buf, prev, &objs[i])
		prev = objs[i].Key
	}
	return buf
}

// decodeL1Group decodes all objects within an L1-group's byte range.
func decodeL1Group(buf []byte) ([]types.Object, error) {
	var objs []types.Object
	var prev []byte
	off := 0
	for off < len(buf) {
		o, n, err := decodeObjectDelta(buf[off:], prev)
		if err != nil {
			return nil, err
		}
		objs = append(objs, o)
		prev = o.Key
		off += n
	}
	return objs, nil
}

// encodeL2Group packs up to MaxObjectsPerGroup L1-groups (each up to
// MaxObjectsPerGroup objects) into one L2-group byte stream: the L1-group
// bodies, then their self-describing index, then its size.
func encodeL2Group(l1Groups [][]types.Object) (data []byte, startKey []byte) {
	bodies := make([][]byte, len(l1Groups))
	for i, g := range l1Groups {
		bodies[i] = encodeL1Group(g)
	}
	var out []byte
	for _, b := range bodies {
		out = append(out, b...)
	}
	var idx []byte
	var prevStart []byte
	for i, g := range l1Groups {
		e := groupIndexEntry{StartKey: g[0].Key, GroupSize: uint32(len(bodies[i]))}
		idx = encodeGroupIndexEntry(idx, prevStart, e, false)
		prevStart = e.StartKey
	}
	out = append(out, idx...)
	out = append(out, u32le(uint32(len(idx)))...)
	if len(l1Groups) > 0 {
		startKey = l1Groups[0][0].Key
	}
	return out, startKey
}

// decodeL2GroupIndex parses the trailing self-index of an L2-group byte
// range, returning the per-L1-group entries in order.
func decodeL2GroupIndex(groupBuf []byte) ([]groupIndexEntry, error) {
	if len(groupBuf) < 4 {
		return nil, errFormat
	}
	idxSize := binary.LittleEndian.Uint32(groupBuf[len(groupBuf)-4:])
	if int(idxSize)+4 > len(groupBuf) {
		return nil, errFormat
	}
	idxBuf := groupBuf[len(groupBuf)-4-int(idxSize) : len(groupBuf)-4]
	var entries []groupIndexEntry
	var prevStart []byte
	off := 0
	for off < len(idxBuf) {
		e, n, err := decodeGroupIndexEntry(idxBuf[off:], prevStart, false)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
		prevStart = e.StartKey
		off += n
	}
	return entries, nil
}

// encodeL0Block packs up to MaxObjectsPerGroup L2-groups into one L0
// block: the L2-group bodies, their self-describing index, its size, and
// a trailing CRC-32 (spec.md §4.2).
func encodeL0Block(l2Groups [][][]types.Object) (data []byte, startKey []byte, indexSize int) {
	bodies := make([][]byte, len(l2Groups))
	starts := make([][]byte, len(l2Groups))
	for i, g := range l2Groups {
		bodies[i], starts[i] = encodeL2Group(g)
	}
	var out []byte
	for _, b := range bodies {
		out = append(out, b...)
	}
	var idx []byte
	var prevStart []byte
	for i := range l2Groups {
		e := groupIndexEntry{StartKey: starts[i], GroupSize: uint32(len(bodies[i]))}
		idx = encodeGroupIndexEntry(idx, prevStart, e, false)
		prevStart = e.StartKey
	}
	out = append(out, idx...)
	out = append(out, u32le(uint32(len(idx)))...)
	indexSize = len(idx) + 4
	crc := crc32.ChecksumIEEE(out)
	out = append(out, u32le(crc)...)
	if len(starts) > 0 {
		startKey = starts[0]
	}
	return out, startKey, indexSize
}

// decodeL0BlockIndex parses the trailing CRC and self-index of a whole L0
// block, verifying the CRC unless it is zero (spec.md §9: legacy files may
// carry an unchecked zero CRC).
func decodeL0BlockIndex(block []byte) ([]groupIndexEntry, error) {
	if len(block) < 8 {
		return nil, errFormat
	}
	crc := binary.LittleEndian.Uint32(block[len(block)-4:])
	body := block[:len(block)-4]
	if crc != 0 {
		if got := crc32.ChecksumIEEE(body); got != crc {
			return nil, fmt.Errorf("%w: block crc mismatch", errFormat)
		}
	}
	if len(body) < 4 {
		return nil, errFormat
	}
	idxSize := binary.LittleEndian.Uint32(body[len(body)-4:])
	if int(idxSize)+4 > len(body) {
		return nil, errFormat
	}
	idxBuf := body[len(body)-4-int(idxSize) : len(body)-4]
	var entries []groupIndexEntry
	var prevStart []byte
	off := 0
	for off < len(idxBuf) {
		e, n, err := decodeGroupIndexEntry(idxBuf[off:], prevStart, false)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
		prevStart = e.StartKey
		off += n
	}
	return entries, nil
}

// decodeL2GroupAt decodes the L1-group index of the l2Idx'th L2-group in
// block, returning it alongside the L2-group's own byte range (l1 group
// offsets are relative to that range).
func decodeL2GroupAt(block []byte, l2Entries []groupIndexEntry, l2Idx int) ([]groupIndexEntry, []byte, error) {
	l2Off := groupByteOffset(l2Entries, l2Idx)
	l2Buf := block[l2Off : l2Off+int(l2Entries[l2Idx].GroupSize)]
	l1Entries, err := decodeL2GroupIndex(l2Buf)
	return l1Entries, l2Buf, err
}

// searchL0Block finds key within an already-read L0 block and folds its
// full id-descending run of records (spec.md §4.5), not just the newest
// one — an Append chain written by a merge can span several L1/L2 groups
// within one block, since group boundaries are drawn purely by object
// count and don't respect key runs. visibilityID bounds which records in
// the run are eligible, matching the memtable Get contract.
func searchL0Block(block []byte, key []byte, visibilityID types.ObjectID) (types.Object, bool, error) {
	l2Entries, err := decodeL0BlockIndex(block)
	if err != nil {
		return types.Object{}, false, err
	}
	l2Idx := searchGroupEntries(l2Entries, key)
	if l2Idx < 0 {
		return types.Object{}, false, nil
	}
	// A group that starts with key may continue a run begun in the group
	// before it, so step back to the first group that can hold the run's
	// newest record.
	for l2Idx > 0 && bytes.Equal(l2Entries[l2Idx].StartKey, key) {
		l2Idx--
	}
	l1Entries, l2Buf, err := decodeL2GroupAt(block, l2Entries, l2Idx)
	if err != nil {
		return types.Object{}, false, err
	}
	l1Idx := searchGroupEntries(l1Entries, key)
	if l1Idx < 0 {
		return types.Object{}, false, nil
	}
	for l1Idx > 0 && bytes.Equal(l1Entries[l1Idx].StartKey, key) {
		l1Idx--
	}

	var run []types.Object
	for first := true; ; first = false {
		l1Off := groupByteOffset(l1Entries, l1Idx)
		l1Buf := l2Buf[l1Off : l1Off+int(l1Entries[l1Idx].GroupSize)]
		objs, err := decodeL1Group(l1Buf)
		if err != nil {
			return types.Object{}, false, err
		}

		start := 0
		if first {
			start = -1
			for i, o := range objs {
				if bytes.Equal(o.Key, key) {
					start = i
					break
				}
			}
			if start < 0 {
				// key is not in this group; the run, if any, starts at
				// the next group's first record.
				start = len(objs)
			}
		}

		groupExhaustedOnKey := true
		for i := start; i < len(objs); i++ {
			if !bytes.Equal(objs[i].Key, key) {
				groupExhaustedOnKey = false
				break
			}
			run = append(run, objs[i])
		}
		if !groupExhaustedOnKey {
			break
		}

		// The run consumed this whole group without leaving key; the chain
		// may continue into the next L1 group, or the next L2 group if this
		// was its last one.
		l1Idx++
		if l1Idx >= len(l1Entries) {
			l2Idx++
			if l2Idx >= len(l2Entries) {
				break
			}
			l1Entries, l2Buf, err = decodeL2GroupAt(block, l2Entries, l2Idx)
			if err != nil {
				return types.Object{}, false, err
			}
			l1Idx = 0
		}
	}

	var visible []types.Object
	for _, o := range run {
		if o.ID <= visibilityID {
			visible = append(visible, o)
		}
	}
	found, typ, val := types.FoldAppendChain(visible)
	if !found {
		return types.Object{}, false, nil
	}
	return types.Object{Type: typ, Key: append([]byte(nil), key...), Value: val, ID: visible[0].ID}, true, nil
}

// allObjectsInL0Block decodes an L0 block in full sort order, for ordered
// iteration.
func allObjectsInL0Block(block []byte) ([]types.Object, error) {
	l2Entries, err := decodeL0BlockIndex(block)
	if err != nil {
		return nil, err
	}
	var out []types.Object
	for i, l2e := range l2Entries {
		l2Off := groupByteOffset(l2Entries, i)
		l2Buf := block[l2Off : l2Off+int(l2e.GroupSize)]
		l1Entries, err := decodeL2GroupIndex(l2Buf)
		if err != nil {
			return nil, err
		}
		for j := range l1Entries {
			l1Off := groupByteOffset(l1Entries, j)
			l1Buf := l2Buf[l1Off : l1Off+int(l1Entries[j].GroupSize)]
			objs, err := decodeL1Group(l1Buf)
			if err != nil {
				return nil, err
			}
			out = append(out, objs...)
		}
	}
	return out, nil
}

// searchGroupEntries finds the greatest index i such that entries[i].StartKey <= key.
func searchGroupEntries(entries []groupIndexEntry, key []byte) int {
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

// groupByteOffset sums the byte sizes of entries before idx to find idx's
// start offset; the groups are laid out back-to-back at the front of the
// parent's byte range.
func groupByteOffset(entries []groupIndexEntry, idx int) int {
	off := 0
	for i := 0; i < idx; i++ {
		off += int(entries[i].GroupSize)
	}
	return off
}

func u32le(v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return b[:]
}
