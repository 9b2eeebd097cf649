package sbuf

import (
	"bytes"
	"encoding/binary"

	"github.com/anstrom/bulkscan/internal/errors"
)

// Buffer is a read-only view of bytes [0, Len()) with a live region
// [0, PageSize()). Bytes past the page are margin: readable, but features
// starting there belong to the next page.
//
// Slices share the parent's storage. Callers must not modify the bytes
// returned by Data or Bytes.
type Buffer struct {
	pos0     Pos0
	data     []byte
	pageSize int
}

// New creates a buffer at pos0. pageSize is clamped to [0, len(data)];
// a negative pageSize means the whole buffer is live.
func New(pos0 Pos0, data []byte, pageSize int) *Buffer {
	if pageSize < 0 || pageSize > len(data) {
		pageSize = len(data)
	}
	return &Buffer{pos0: pos0, data: data[:len(data):len(data)], pageSize: pageSize}
}

// FromBytes creates a top-level buffer at offset 0 with no margin.
func FromBytes(data []byte) *Buffer {
	return New(NewPos0(0), data, len(data))
}

// Pos0 returns the forensic path of the buffer's first byte.
func (b *Buffer) Pos0() Pos0 {
	return b.pos0
}

// Len returns the total size including margin.
func (b *Buffer) Len() int {
	return len(b.data)
}

// PageSize returns the size of the live region.
func (b *Buffer) PageSize() int {
	return b.pageSize
}

// Depth returns the number of decoding steps behind this buffer.
func (b *Buffer) Depth() int {
	return b.pos0.Depth()
}

// Data returns the underlying bytes. Do not modify them.
func (b *Buffer) Data() []byte {
	return b.data
}

func (b *Buffer) rangeErr(off, n int) error {
	if off < 0 {
		off = 0
	}
	if n < 0 {
		n = 0
	}
	return errors.NewRangeError(b.pos0.String(), uint64(off), uint64(n), uint64(len(b.data)))
}

func (b *Buffer) check(off, n int) error {
	if off < 0 || n < 0 || off > len(b.data) || n > len(b.data)-off {
		return b.rangeErr(off, n)
	}
	return nil
}

// Slice returns a view of n bytes starting at off. The view shares storage
// with b, and its pos0 is b's with the offset appended. The live region of
// the slice is whatever part of b's live region it covers.
func (b *Buffer) Slice(off, n int) (*Buffer, error) {
	if err := b.check(off, n); err != nil {
		return nil, err
	}
	page := b.pageSize - off
	if page < 0 {
		page = 0
	}
	if page > n {
		page = n
	}
	return &Buffer{
		pos0:     b.pos0.Append(Component{Offset: uint64(off)}),
		data:     b.data[off : off+n : off+n],
		pageSize: page,
	}, nil
}

// SliceFrom returns the view from off to the end of b.
func (b *Buffer) SliceFrom(off int) (*Buffer, error) {
	if off < 0 || off > len(b.data) {
		return nil, b.rangeErr(off, 0)
	}
	return b.Slice(off, len(b.data)-off)
}

// DeriveDecoded wraps bytes produced by decoding part of b. The new buffer
// owns data, is entirely live, and sits one decoder step deeper.
func (b *Buffer) DeriveDecoded(decoder string, data []byte) *Buffer {
	return &Buffer{
		pos0:     b.pos0.Append(Component{Decoder: decoder}),
		data:     data[:len(data):len(data)],
		pageSize: len(data),
	}
}

// Bytes returns n bytes at off without copying.
func (b *Buffer) Bytes(off, n int) ([]byte, error) {
	if err := b.check(off, n); err != nil {
		return nil, err
	}
	return b.data[off : off+n : off+n], nil
}

// Substr returns up to n bytes at off as a string, clipped to the buffer.
func (b *Buffer) Substr(off, n int) string {
	if off < 0 || off >= len(b.data) || n <= 0 {
		return ""
	}
	end := off + n
	if end > len(b.data) || end < off {
		end = len(b.data)
	}
	return string(b.data[off:end])
}

// Find returns the index of needle at or after start, or -1.
func (b *Buffer) Find(needle []byte, start int) int {
	if start < 0 || start > len(b.data) {
		return -1
	}
	i := bytes.Index(b.data[start:], needle)
	if i < 0 {
		return -1
	}
	return start + i
}

// HasPrefixAt reports whether the bytes at off equal prefix.
func (b *Buffer) HasPrefixAt(off int, prefix []byte) bool {
	if b.check(off, len(prefix)) != nil {
		return false
	}
	return bytes.Equal(b.data[off:off+len(prefix)], prefix)
}

// U8 reads one byte.
func (b *Buffer) U8(off int) (uint8, error) {
	if err := b.check(off, 1); err != nil {
		return 0, err
	}
	return b.data[off], nil
}

// U16LE reads a little-endian uint16.
func (b *Buffer) U16LE(off int) (uint16, error) {
	if err := b.check(off, 2); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b.data[off:]), nil
}

// U16BE reads a big-endian uint16.
func (b *Buffer) U16BE(off int) (uint16, error) {
	if err := b.check(off, 2); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b.data[off:]), nil
}

// U32LE reads a little-endian uint32.
func (b *Buffer) U32LE(off int) (uint32, error) {
	if err := b.check(off, 4); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b.data[off:]), nil
}

// U32BE reads a big-endian uint32.
func (b *Buffer) U32BE(off int) (uint32, error) {
	if err := b.check(off, 4); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b.data[off:]), nil
}

// U64LE reads a little-endian uint64.
func (b *Buffer) U64LE(off int) (uint64, error) {
	if err := b.check(off, 8); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b.data[off:]), nil
}

// U64BE reads a big-endian uint64.
func (b *Buffer) U64BE(off int) (uint64, error) {
	if err := b.check(off, 8); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b.data[off:]), nil
}

// I8 reads a signed byte.
func (b *Buffer) I8(off int) (int8, error) {
	v, err := b.U8(off)
	return int8(v), err
}

// I16LE reads a little-endian int16.
func (b *Buffer) I16LE(off int) (int16, error) {
	v, err := b.U16LE(off)
	return int16(v), err
}

// I16BE reads a big-endian int16.
func (b *Buffer) I16BE(off int) (int16, error) {
	v, err := b.U16BE(off)
	return int16(v), err
}

// I32LE reads a little-endian int32.
func (b *Buffer) I32LE(off int) (int32, error) {
	v, err := b.U32LE(off)
	return int32(v), err
}

// I32BE reads a big-endian int32.
func (b *Buffer) I32BE(off int) (int32, error) {
	v, err := b.U32BE(off)
	return int32(v), err
}

// I64LE reads a little-endian int64.
func (b *Buffer) I64LE(off int) (int64, error) {
	v, err := b.U64LE(off)
	return int64(v), err
}

// I64BE reads a big-endian int64.
func (b *Buffer) I64BE(off int) (int64, error) {
	v, err := b.U64BE(off)
	return int64(v), err
}
