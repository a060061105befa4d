package sbem

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	Magic     = "SBEM"
	HeaderLen = 8

	// escape marks a widened id (u16) or length (u32) field.
	escape = 0xFF

	descriptorID uint16 = 0
)

// DefaultVersion is written by Writer after the magic.
var DefaultVersion = [4]byte{0, 0, 1, 0}

var (
	ErrDecode            = errors.New("sbem: decode error")
	ErrBadHeader         = fmt.Errorf("%w: bad header", ErrDecode)
	ErrShortRecordHeader = fmt.Errorf("%w: short record header", ErrDecode)
	ErrShortRecordValue  = fmt.Errorf("%w: short record value", ErrDecode)
)

// Record is one raw id/len/body unit of a log.
type Record struct {
	ID     uint16
	Offset int
	Body   []byte
}

func EncodeRecord(id uint16, body []byte) []byte {
	buf := make([]byte, 0, 7+len(body))
	if id < escape {
		buf = append(buf, byte(id))
	} else {
		buf = append(buf, escape)
		buf = binary.LittleEndian.AppendUint16(buf, id)
	}
	if len(body) < escape {
		buf = append(buf, byte(len(body)))
	} else {
		buf = append(buf, escape)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(body)))
	}
	return append(buf, body...)
}

func checkHeader(buf []byte) error {
	if len(buf) < HeaderLen || string(buf[:len(Magic)]) != Magic {
		return ErrBadHeader
	}
	return nil
}

// readRecord decodes the record at off and returns the offset following it.
func readRecord(buf []byte, off int) (Record, int, error) {
	start := off
	need := func(n int) bool { return len(buf)-off >= n }

	if !need(1) {
		return Record{}, off, ErrShortRecordHeader
	}
	id := uint16(buf[off])
	off++
	if id == escape {
		if !need(2) {
			return Record{}, start, ErrShortRecordHeader
		}
		id = binary.LittleEndian.Uint16(buf[off:])
		off += 2
	}

	if !need(1) {
		return Record{}, start, ErrShortRecordHeader
	}
	l := uint32(buf[off])
	off++
	if l == escape {
		if !need(4) {
			return Record{}, start, ErrShortRecordHeader
		}
		l = binary.LittleEndian.Uint32(buf[off:])
		off += 4
	}

	if uint64(len(buf)-off) < uint64(l) {
		return Record{}, start, ErrShortRecordValue
	}
	body := buf[off : off+int(l)]
	return Record{ID: id, Offset: start, Body: body}, off + int(l), nil
}
