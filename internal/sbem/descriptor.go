package sbem

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Kind is the value encoding declared by a descriptor.
type Kind uint8

const (
	KindInt           Kind = 1
	KindUint          Kind = 2
	KindFloat         Kind = 3
	KindTimeReference Kind = 4
)

const descriptorFixedLen = 7

// timeReferenceLen is the body of a time reference data record:
// relative ticks u32 | utc micros u64.
const timeReferenceLen = 12

// Descriptor declares the layout of the data records carrying its ID.
type Descriptor struct {
	ID     uint16
	Kind   Kind
	Width  uint8
	Count  uint8
	RateHz uint16
	Path   string
}

// RecordError reports a malformed record and unwraps to ErrDecode.
type RecordError struct {
	Offset int
	ID     uint16
	Reason string
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("sbem: record id=%d at offset %d: %s", e.ID, e.Offset, e.Reason)
}

func (e *RecordError) Unwrap() error {
	return ErrDecode
}

func (d Descriptor) encode() []byte {
	buf := make([]byte, 0, descriptorFixedLen+len(d.Path))
	buf = binary.LittleEndian.AppendUint16(buf, d.ID)
	buf = append(buf, byte(d.Kind), d.Width, d.Count)
	buf = binary.LittleEndian.AppendUint16(buf, d.RateHz)
	return append(buf, d.Path...)
}

func parseDescriptor(rec Record) (Descriptor, error) {
	if len(rec.Body) < descriptorFixedLen {
		return Descriptor{}, &RecordError{Offset: rec.Offset, ID: rec.ID, Reason: "short descriptor"}
	}
	b := rec.Body
	d := Descriptor{
		ID:     binary.LittleEndian.Uint16(b[0:2]),
		Kind:   Kind(b[2]),
		Width:  b[3],
		Count:  b[4],
		RateHz: binary.LittleEndian.Uint16(b[5:7]),
		Path:   string(b[descriptorFixedLen:]),
	}
	if d.ID == descriptorID {
		return Descriptor{}, &RecordError{Offset: rec.Offset, ID: rec.ID, Reason: "descriptor redefines reserved id 0"}
	}
	return d, nil
}

// supported reports whether records of d can be decoded. Unsupported
// descriptors are kept so their records are skipped rather than treated
// as unknown.
func (d Descriptor) supported() bool {
	switch d.Kind {
	case KindTimeReference:
		return true
	case KindInt, KindUint:
		switch d.Width {
		case 1, 2, 4, 8:
			return d.Count > 0
		}
	case KindFloat:
		switch d.Width {
		case 4, 8:
			return d.Count > 0
		}
	}
	return false
}

func (d Descriptor) groupSize() int {
	return int(d.Width) * int(d.Count)
}

// intervalMS is the spacing between value groups within one record.
func (d Descriptor) intervalMS() float64 {
	if d.RateHz == 0 {
		return 0
	}
	return 1000 / float64(d.RateHz)
}

func (d Descriptor) decodeValue(b []byte) float64 {
	switch d.Kind {
	case KindFloat:
		if d.Width == 4 {
			return float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
		}
		return math.Float64frombits(binary.LittleEndian.Uint64(b))
	case KindInt:
		switch d.Width {
		case 1:
			return float64(int8(b[0]))
		case 2:
			return float64(int16(binary.LittleEndian.Uint16(b)))
		case 4:
			return float64(int32(binary.LittleEndian.Uint32(b)))
		default:
			return float64(int64(binary.LittleEndian.Uint64(b)))
		}
	default:
		switch d.Width {
		case 1:
			return float64(b[0])
		case 2:
			return float64(binary.LittleEndian.Uint16(b))
		case 4:
			return float64(binary.LittleEndian.Uint32(b))
		default:
			return float64(binary.LittleEndian.Uint64(b))
		}
	}
}

func (d Descriptor) appendValue(buf []byte, v float64) []byte {
	switch d.Kind {
	case KindFloat:
		if d.Width == 4 {
			return binary.LittleEndian.AppendUint32(buf, math.Float32bits(float32(v)))
		}
		return binary.LittleEndian.AppendUint64(buf, math.Float64bits(v))
	case KindInt:
		switch d.Width {
		case 1:
			return append(buf, byte(int8(v)))
		case 2:
			return binary.LittleEndian.AppendUint16(buf, uint16(int16(v)))
		case 4:
			return binary.LittleEndian.AppendUint32(buf, uint32(int32(v)))
		default:
			return binary.LittleEndian.AppendUint64(buf, uint64(int64(v)))
		}
	default:
		switch d.Width {
		case 1:
			return append(buf, byte(v))
		case 2:
			return binary.LittleEndian.AppendUint16(buf, uint16(v))
		case 4:
			return binary.LittleEndian.AppendUint32(buf, uint32(v))
		default:
			return binary.LittleEndian.AppendUint64(buf, uint64(v))
		}
	}
}
