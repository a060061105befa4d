package sbem

import (
	"encoding/binary"
	"fmt"
)

// Writer encodes logs in the format Decode reads. Devices produce these
// logs; the simulated transport and tests use Writer to fabricate them.
type Writer struct {
	buf   []byte
	next  uint16
	descs map[uint16]Descriptor
}

func NewWriter() *Writer {
	buf := make([]byte, 0, 256)
	buf = append(buf, Magic...)
	buf = append(buf, DefaultVersion[:]...)
	return &Writer{buf: buf, next: 1, descs: make(map[uint16]Descriptor)}
}

// Define registers a measurement stream and returns its record id.
func (w *Writer) Define(path string, kind Kind, width, count uint8, rateHz uint16) (uint16, error) {
	d := Descriptor{ID: w.next, Kind: kind, Width: width, Count: count, RateHz: rateHz, Path: path}
	if !d.supported() || kind == KindTimeReference {
		return 0, fmt.Errorf("sbem: unsupported descriptor %s kind=%d width=%d count=%d", path, kind, width, count)
	}
	w.add(d)
	return d.ID, nil
}

// DefineTimeReference registers the stream that correlates ticks and UTC.
func (w *Writer) DefineTimeReference(path string) uint16 {
	d := Descriptor{ID: w.next, Kind: KindTimeReference, Path: path}
	w.add(d)
	return d.ID
}

// Append writes one data record holding one or more value groups.
func (w *Writer) Append(id uint16, ticks uint32, groups ...[]float64) error {
	d, ok := w.descs[id]
	if !ok || d.Kind == KindTimeReference {
		return fmt.Errorf("sbem: no measurement descriptor for id %d", id)
	}
	if len(groups) == 0 {
		return fmt.Errorf("sbem: record for id %d without values", id)
	}
	body := binary.LittleEndian.AppendUint32(make([]byte, 0, 4+len(groups)*d.groupSize()), ticks)
	for _, g := range groups {
		if len(g) != int(d.Count) {
			return fmt.Errorf("sbem: id %d expects %d values per group, got %d", id, d.Count, len(g))
		}
		for _, v := range g {
			body = d.appendValue(body, v)
		}
	}
	w.buf = append(w.buf, EncodeRecord(id, body)...)
	return nil
}

// AppendReference writes one time reference record.
func (w *Writer) AppendReference(id uint16, ticks uint32, utcMicros uint64) error {
	d, ok := w.descs[id]
	if !ok || d.Kind != KindTimeReference {
		return fmt.Errorf("sbem: no time reference descriptor for id %d", id)
	}
	body := make([]byte, 0, timeReferenceLen)
	body = binary.LittleEndian.AppendUint32(body, ticks)
	body = binary.LittleEndian.AppendUint64(body, utcMicros)
	w.buf = append(w.buf, EncodeRecord(id, body)...)
	return nil
}

// AppendRaw writes an arbitrary record, including ids without descriptor.
func (w *Writer) AppendRaw(id uint16, body []byte) {
	w.buf = append(w.buf, EncodeRecord(id, body)...)
}

func (w *Writer) Bytes() []byte {
	out := make([]byte, len(w.buf))
	copy(out, w.buf)
	return out
}

func (w *Writer) add(d Descriptor) {
	w.descs[d.ID] = d
	w.next++
	w.buf = append(w.buf, EncodeRecord(descriptorID, d.encode())...)
}
