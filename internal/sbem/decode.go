package sbem

import (
	"encoding/binary"
	"fmt"
)

// Sample is one decoded, timestamped value group.
type Sample struct {
	Path        string    `json:"path"`
	TimestampMS int64     `json:"timestamp_ms"`
	Relative    bool      `json:"relative,omitempty"`
	Values      []float64 `json:"values"`
}

// Log is the result of decoding one raw log. Err is set when decoding
// stopped at a malformed record; everything decoded before it is kept.
type Log struct {
	Streams    map[string][]Sample
	Paths      []string
	References []Reference
	Records    int
	Skipped    int
	Err        error

	samples []Sample
}

// Samples returns all samples in record order.
func (l *Log) Samples() []Sample {
	out := make([]Sample, len(l.samples))
	copy(out, l.samples)
	return out
}

// Len is the total number of decoded samples.
func (l *Log) Len() int {
	return len(l.samples)
}

type measurement struct {
	desc   Descriptor
	ticks  uint32
	groups [][]float64
}

// Decode parses a raw log. It never panics and is deterministic: decoding
// the same bytes twice yields identical results.
func Decode(buf []byte) *Log {
	out := &Log{Streams: make(map[string][]Sample)}
	if err := checkHeader(buf); err != nil {
		out.Err = err
		return out
	}

	descs := make(map[uint16]Descriptor)
	var raw []measurement
	off := HeaderLen
	for off < len(buf) {
		rec, next, err := readRecord(buf, off)
		if err != nil {
			out.Err = fmt.Errorf("%w at offset %d", err, off)
			break
		}
		off = next
		out.Records++

		if rec.ID == descriptorID {
			d, err := parseDescriptor(rec)
			if err != nil {
				out.Err = err
				break
			}
			descs[d.ID] = d
			continue
		}

		d, ok := descs[rec.ID]
		if !ok || !d.supported() {
			out.Skipped++
			continue
		}
		if d.Kind == KindTimeReference {
			ref, err := parseReference(rec)
			if err != nil {
				out.Err = err
				break
			}
			out.References = append(out.References, ref)
			continue
		}
		m, err := parseMeasurement(d, rec)
		if err != nil {
			out.Err = err
			break
		}
		raw = append(raw, m)
	}

	tl := newTimeline(out.References)
	for _, m := range raw {
		step := m.desc.intervalMS()
		for i, values := range m.groups {
			ms, ok := tl.at(float64(m.ticks) + float64(i)*step)
			s := Sample{
				Path:        m.desc.Path,
				TimestampMS: ms,
				Relative:    !ok,
				Values:      values,
			}
			if _, seen := out.Streams[s.Path]; !seen {
				out.Paths = append(out.Paths, s.Path)
			}
			out.Streams[s.Path] = append(out.Streams[s.Path], s)
			out.samples = append(out.samples, s)
		}
	}
	return out
}

func parseReference(rec Record) (Reference, error) {
	if len(rec.Body) != timeReferenceLen {
		return Reference{}, &RecordError{Offset: rec.Offset, ID: rec.ID, Reason: fmt.Sprintf("time reference of %d bytes", len(rec.Body))}
	}
	return Reference{
		Ticks:     binary.LittleEndian.Uint32(rec.Body[0:4]),
		UTCMicros: binary.LittleEndian.Uint64(rec.Body[4:12]),
	}, nil
}

func parseMeasurement(d Descriptor, rec Record) (measurement, error) {
	size := d.groupSize()
	if len(rec.Body) < 4+size || (len(rec.Body)-4)%size != 0 {
		return measurement{}, &RecordError{
			Offset: rec.Offset,
			ID:     rec.ID,
			Reason: fmt.Sprintf("%d value bytes do not fit groups of %d", len(rec.Body)-4, size),
		}
	}
	m := measurement{desc: d, ticks: binary.LittleEndian.Uint32(rec.Body[0:4])}
	body := rec.Body[4:]
	width := int(d.Width)
	for g := 0; g < len(body); g += size {
		values := make([]float64, d.Count)
		for i := range values {
			at := g + i*width
			values[i] = d.decodeValue(body[at : at+width])
		}
		m.groups = append(m.groups, values)
	}
	return m, nil
}
