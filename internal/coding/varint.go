// Package coding implements the narrow varint and property-list byte
// codec spec.md §6 treats as an external collaborator. It is built on
// protobuf's wire varint helpers rather than hand-rolled bit shifting,
// since protowire is already reachable through the module's protobuf
// dependency and is the idiomatic source of LEB128 helpers in Go.
package coding

import "google.golang.org/protobuf/encoding/protowire"

// MID_END terminates a property list (spec.md §6).
const MidEnd = 1

// MidStart is the first component-specific property tag.
const MidStart = 2

// AppendUvarint appends v to dst as a 7-bits-per-byte unsigned varint.
func AppendUvarint(dst []byte, v uint64) []byte {
	return protowire.AppendVarint(dst, v)
}

// ConsumeUvarint decodes a varint from the front of buf, returning the
// value and the number of bytes consumed, or n<0 on malformed input.
func ConsumeUvarint(buf []byte) (uint64, int) {
	return protowire.ConsumeVarint(buf)
}

// AppendString appends a varint length prefix followed by the raw bytes.
func AppendString(dst []byte, s []byte) []byte {
	dst = AppendUvarint(dst, uint64(len(s)))
	return append(dst, s...)
}

// ConsumeString decodes a varint-length-prefixed byte string, returning a
// sub-slice of buf (no copy) and bytes consumed.
func ConsumeString(buf []byte) ([]byte, int) {
	l, n := ConsumeUvarint(buf)
	if n <= 0 {
		return nil, -1
	}
	end := n + int(l)
	if end > len(buf) || end < n {
		return nil, -1
	}
	return buf[n:end], end
}

// UvarintLen returns how many bytes AppendUvarint would write for v.
func UvarintLen(v uint64) int {
	return protowire.SizeVarint(v)
}

// PropertyWriter accumulates (tag, value) pairs terminated by MidEnd.
type PropertyWriter struct {
	buf []byte
}

func NewPropertyWriter(buf []byte) *PropertyWriter {
	return &PropertyWriter{buf: buf}
}

func (w *PropertyWriter) PutUvarint(tag uint64, v uint64) {
	w.buf = AppendUvarint(w.buf, tag)
	w.buf = AppendUvarint(w.buf, v)
}

func (w *PropertyWriter) PutString(tag uint64, v []byte) {
	w.buf = AppendUvarint(w.buf, tag)
	w.buf = AppendString(w.buf, v)
}

func (w *PropertyWriter) Finish() []byte {
	w.buf = AppendUvarint(w.buf, MidEnd)
	return w.buf
}

// PropertyReader walks a (tag, value)* MidEnd property list. It returns
// every tag it finds; rejecting unknown tags is left to the caller.
type PropertyReader struct {
	buf []byte
	off int
}

func NewPropertyReader(buf []byte) *PropertyReader {
	return &PropertyReader{buf: buf}
}

// NextTag returns the next tag without consuming its value, or MidEnd (and
// ok=false) once the list is exhausted.
func (r *PropertyReader) NextTag() (tag uint64, ok bool) {
	if r.off >= len(r.buf) {
		return MidEnd, false
	}
	v, n := ConsumeUvarint(r.buf[r.off:])
	if n <= 0 {
		return MidEnd, false
	}
	if v == MidEnd {
		r.off += n
		return MidEnd, false
	}
	r.off += n
	return v, true
}

func (r *PropertyReader) ReadUvarint() (uint64, error) {
	v, n := ConsumeUvarint(r.buf[r.off:])
	if n <= 0 {
		return 0, ErrMalformed
	}
	r.off += n
	return v, nil
}

func (r *PropertyReader) ReadString() ([]byte, error) {
	s, n := ConsumeString(r.buf[r.off:])
	if n < 0 {
		return nil, ErrMalformed
	}
	r.off += n
	return s, nil
}

var ErrMalformed = protowire.ParseError(-1)
