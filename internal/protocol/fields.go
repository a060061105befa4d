package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// reader walks a little-endian response body.
type reader struct {
	buf []byte
	off int
}

func (r *reader) uint8() (uint8, error) {
	if len(r.buf)-r.off < 1 {
		return 0, r.short("u8")
	}
	v := r.buf[r.off]
	r.off++
	return v, nil
}

func (r *reader) uint32() (uint32, error) {
	if len(r.buf)-r.off < 4 {
		return 0, r.short("u32")
	}
	v := binary.LittleEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v, nil
}

func (r *reader) uint64() (uint64, error) {
	if len(r.buf)-r.off < 8 {
		return 0, r.short("u64")
	}
	v := binary.LittleEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return v, nil
}

// cstring reads a null-terminated string. A missing terminator at the end
// of the buffer is tolerated; firmware omits it on the last field.
func (r *reader) cstring() (string, error) {
	if r.off > len(r.buf) {
		return "", r.short("string")
	}
	rest := r.buf[r.off:]
	i := bytes.IndexByte(rest, 0)
	if i < 0 {
		r.off = len(r.buf)
		return string(rest), nil
	}
	r.off += i + 1
	return string(rest[:i]), nil
}

func (r *reader) short(what string) error {
	return fmt.Errorf("%w: %s at offset %d of %d", ErrTruncated, what, r.off, len(r.buf))
}

// DecodeUint32 reads a little-endian u32 response value.
func DecodeUint32(data []byte) (uint32, error) {
	r := reader{buf: data}
	return r.uint32()
}

// DecodeUint64 reads a little-endian u64 response value.
func DecodeUint64(data []byte) (uint64, error) {
	r := reader{buf: data}
	return r.uint64()
}
