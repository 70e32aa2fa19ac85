// Package metafile persists the small, whole-file-rewritten metadata
// shapes spec.md §6 describes: per-bucket (.btm) and per-database (.dbm)
// metadata. Unlike segment files, these are built fully in memory and
// published in one shot, so writes go through natefinch/atomic rather
// than the segment package's incremental temp-then-rename dance.
package metafile

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"time"

	"github.com/natefinch/atomic"
	"github.com/xf-yy/xfdb-go/internal/coding"
	"github.com/xf-yy/xfdb-go/internal/segment"
	"github.com/xf-yy/xfdb-go/types"
)

func unixTime(sec uint64) time.Time { return time.Unix(int64(sec), 0) }

const (
	magicBucketMeta = "BKTM"
	magicDBMeta     = "DBMT"
)

var errFormat = fmt.Errorf("metafile: format error")

// WriteBucketMeta serializes m and publishes it to path via a temp-file
// rename (natefinch/atomic.WriteFile), so a crash never leaves a
// half-written metadata file behind.
func WriteBucketMeta(path string, m types.BucketMeta) error {
	body := encodeBucketMeta(m)
	return atomic.WriteFile(path, bytes.NewReader(body))
}

// ReadBucketMeta parses a bucket-metadata file previously written by
// WriteBucketMeta.
func ReadBucketMeta(path string) (types.BucketMeta, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return types.BucketMeta{}, err
	}
	return decodeBucketMeta(data)
}

func encodeBucketMeta(m types.BucketMeta) []byte {
	out := segment.EncodeHeader(magicBucketMeta)

	w := coding.NewPropertyWriter(nil)
	w.PutUvarint(coding.MidStart+0, m.FileID)
	w.PutUvarint(coding.MidStart+1, m.NextSegmentID)
	w.PutUvarint(coding.MidStart+2, m.NextObjectID)
	w.PutUvarint(coding.MidStart+3, uint64(m.MaxLevelNum))
	body := w.Finish()
	out = append(out, body...)

	out = appendSegmentStatList(out, m.AliveSegments)
	out = appendUint64List(out, m.PendingDeletes)
	out = appendUint64List(out, m.NewSegments)

	crc := crc32.ChecksumIEEE(out)
	out = append(out, u32le(crc)...)
	return out
}

func decodeBucketMeta(data []byte) (types.BucketMeta, error) {
	if len(data) < segment.HeaderSize+4 {
		return types.BucketMeta{}, errFormat
	}
	if _, err := segment.DecodeHeader(data[:segment.HeaderSize], magicBucketMeta); err != nil {
		return types.BucketMeta{}, err
	}
	crc := binary.LittleEndian.Uint32(data[len(data)-4:])
	body := data[:len(data)-4]
	if crc != 0 {
		if got := crc32.ChecksumIEEE(body); got != crc {
			return types.BucketMeta{}, fmt.Errorf("%w: bucket meta crc mismatch", errFormat)
		}
	}
	off := segment.HeaderSize
	r := coding.NewPropertyReader(body[off:])
	var m types.BucketMeta
	for {
		tag, ok := r.NextTag()
		if !ok {
			break
		}
		v, err := r.ReadUvarint()
		if err != nil {
			return types.BucketMeta{}, err
		}
		switch tag {
		case coding.MidStart + 0:
			m.FileID = v
		case coding.MidStart + 1:
			m.NextSegmentID = v
		case coding.MidStart + 2:
			m.NextObjectID = v
		case coding.MidStart + 3:
			m.MaxLevelNum = int(v)
		default:
			return types.BucketMeta{}, errFormat
		}
	}
	// PropertyReader does not expose how many bytes it consumed, so
	// propertyReaderConsumed replays the list to find where it ends; the
	// segment list starts right after it.
	propEnd := off + propertyReaderConsumed(body[off:])

	segs, n, err := parseSegmentStatList(body[propEnd:])
	if err != nil {
		return types.BucketMeta{}, err
	}
	m.AliveSegments = segs
	pos := propEnd + n

	deletes, n, err := parseUint64List(body[pos:])
	if err != nil {
		return types.BucketMeta{}, err
	}
	m.PendingDeletes = deletes
	pos += n

	news, _, err := parseUint64List(body[pos:])
	if err != nil {
		return types.BucketMeta{}, err
	}
	m.NewSegments = news

	return m, nil
}

// propertyReaderConsumed replays a MidEnd-terminated uvarint-pair property
// list purely to find its total encoded length, since PropertyReader
// doesn't expose its cursor directly.
func propertyReaderConsumed(buf []byte) int {
	off := 0
	for {
		tag, n := coding.ConsumeUvarint(buf[off:])
		if n <= 0 {
			return off
		}
		off += n
		if tag == coding.MidEnd {
			return off
		}
		_, n = coding.ConsumeUvarint(buf[off:])
		if n <= 0 {
			return off
		}
		off += n
	}
}

func appendSegmentStatList(dst []byte, segs []types.SegmentStat) []byte {
	dst = coding.AppendUvarint(dst, uint64(len(segs)))
	for _, s := range segs {
		dst = coding.AppendUvarint(dst, s.SegmentFileID)
		dst = coding.AppendUvarint(dst, s.DataFileSize)
		dst = coding.AppendUvarint(dst, s.IndexFileSize)
		dst = coding.AppendUvarint(dst, uint64(s.L2IndexMetaSize))
	}
	return dst
}

func parseSegmentStatList(buf []byte) ([]types.SegmentStat, int, error) {
	off := 0
	count, n := coding.ConsumeUvarint(buf[off:])
	if n <= 0 {
		return nil, 0, errFormat
	}
	off += n
	out := make([]types.SegmentStat, 0, count)
	for i := uint64(0); i < count; i++ {
		fid, n := coding.ConsumeUvarint(buf[off:])
		if n <= 0 {
			return nil, 0, errFormat
		}
		off += n
		dsz, n := coding.ConsumeUvarint(buf[off:])
		if n <= 0 {
			return nil, 0, errFormat
		}
		off += n
		isz, n := coding.ConsumeUvarint(buf[off:])
		if n <= 0 {
			return nil, 0, errFormat
		}
		off += n
		msz, n := coding.ConsumeUvarint(buf[off:])
		if n <= 0 {
			return nil, 0, errFormat
		}
		off += n
		out = append(out, types.SegmentStat{
			SegmentFileID: fid, DataFileSize: dsz, IndexFileSize: isz, L2IndexMetaSize: uint32(msz),
		})
	}
	return out, off, nil
}

func appendUint64List(dst []byte, vals []uint64) []byte {
	dst = coding.AppendUvarint(dst, uint64(len(vals)))
	for _, v := range vals {
		dst = coding.AppendUvarint(dst, v)
	}
	return dst
}

func parseUint64List(buf []byte) ([]uint64, int, error) {
	off := 0
	count, n := coding.ConsumeUvarint(buf[off:])
	if n <= 0 {
		return nil, 0, errFormat
	}
	off += n
	out := make([]uint64, 0, count)
	for i := uint64(0); i < count; i++ {
		v, n := coding.ConsumeUvarint(buf[off:])
		if n <= 0 {
			return nil, 0, errFormat
		}
		off += n
		out = append(out, v)
	}
	return out, off, nil
}

// WriteDBMeta serializes m and publishes it to path atomically.
func WriteDBMeta(path string, m types.DBMeta) error {
	body := encodeDBMeta(m)
	return atomic.WriteFile(path, bytes.NewReader(body))
}

// ReadDBMeta parses a db-metadata file previously written by WriteDBMeta.
func ReadDBMeta(path string) (types.DBMeta, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return types.DBMeta{}, err
	}
	return decodeDBMeta(data)
}

func encodeDBMeta(m types.DBMeta) []byte {
	out := segment.EncodeHeader(magicDBMeta)

	w := coding.NewPropertyWriter(nil)
	w.PutUvarint(coding.MidStart+0, m.FileID)
	w.PutUvarint(coding.MidStart+1, uint64(m.NextBucketID))
	body := w.Finish()
	out = append(out, body...)

	out = coding.AppendUvarint(out, uint64(len(m.AliveBuckets)))
	for _, b := range m.AliveBuckets {
		out = coding.AppendString(out, []byte(b.Name))
		out = coding.AppendUvarint(out, uint64(b.ID))
		out = coding.AppendUvarint(out, uint64(b.CreateTime.Unix()))
	}
	out = appendUint32List(out, m.PendingDeletes)

	crc := crc32.ChecksumIEEE(out)
	out = append(out, u32le(crc)...)
	return out
}

func decodeDBMeta(data []byte) (types.DBMeta, error) {
	if len(data) < segment.HeaderSize+4 {
		return types.DBMeta{}, errFormat
	}
	if _, err := segment.DecodeHeader(data[:segment.HeaderSize], magicDBMeta); err != nil {
		return types.DBMeta{}, err
	}
	crc := binary.LittleEndian.Uint32(data[len(data)-4:])
	body := data[:len(data)-4]
	if crc != 0 {
		if got := crc32.ChecksumIEEE(body); got != crc {
			return types.DBMeta{}, fmt.Errorf("%w: db meta crc mismatch", errFormat)
		}
	}
	off := segment.HeaderSize
	var m types.DBMeta
	r := coding.NewPropertyReader(body[off:])
	for {
		tag, ok := r.NextTag()
		if !ok {
			break
		}
		v, err := r.ReadUvarint()
		if err != nil {
			return types.DBMeta{}, err
		}
		switch tag {
		case coding.MidStart + 0:
			m.FileID = v
		case coding.MidStart + 1:
			m.NextBucketID = uint32(v)
		default:
			return types.DBMeta{}, errFormat
		}
	}
	pos := off + propertyReaderConsumed(body[off:])

	count, n := coding.ConsumeUvarint(body[pos:])
	if n <= 0 {
		return types.DBMeta{}, errFormat
	}
	pos += n
	buckets := make([]types.BucketInfo, 0, count)
	for i := uint64(0); i < count; i++ {
		name, n := coding.ConsumeString(body[pos:])
		if n < 0 {
			return types.DBMeta{}, errFormat
		}
		pos += n
		id, n := coding.ConsumeUvarint(body[pos:])
		if n <= 0 {
			return types.DBMeta{}, errFormat
		}
		pos += n
		ct, n := coding.ConsumeUvarint(body[pos:])
		if n <= 0 {
			return types.DBMeta{}, errFormat
		}
		pos += n
		buckets = append(buckets, types.BucketInfo{
			Name: string(name), ID: uint32(id), CreateTime: unixTime(ct),
		})
	}
	m.AliveBuckets = buckets

	deletes, _, err := parseUint32List(body[pos:])
	if err != nil {
		return types.DBMeta{}, err
	}
	m.PendingDeletes = deletes
	return m, nil
}

func appendUint32List(dst []byte, vals []uint32) []byte {
	dst = coding.AppendUvarint(dst, uint64(len(vals)))
	for _, v := range vals {
		dst = coding.AppendUvarint(dst, uint64(v))
	}
	return dst
}

func parseUint32List(buf []byte) ([]uint32, int, error) {
	off := 0
	count, n := coding.ConsumeUvarint(buf[off:])
	if n <= 0 {
		return nil, 0, errFormat
	}
	off += n
	out := make([]uint32, 0, count)
	for i := uint64(0); i < count; i++ {
		v, n := coding.ConsumeUvarint(buf[off:])
		if n <= 0 {
			return nil, 0, errFormat
		}
		off += n
		out = append(out, uint32(v))
	}
	return out, off, nil
}

func u32le(v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return b[:]
}
