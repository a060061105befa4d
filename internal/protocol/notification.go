package protocol

import (
	"encoding/binary"
	"fmt"
)

// Kind classifies an inbound notification by its response tag.
type Kind uint8

const (
	KindCommandResponse Kind = iota + 1
	KindData
	KindDataContinuation
)

func (k Kind) String() string {
	switch k {
	case KindCommandResponse:
		return "command_response"
	case KindData:
		return "data"
	case KindDataContinuation:
		return "data_continuation"
	default:
		return "unknown"
	}
}

// Notification is one parsed inbound frame: tag | reference | body.
type Notification struct {
	Kind      Kind
	Reference byte
	Body      []byte
}

// Response is a resolved command response.
type Response struct {
	Op        Op
	Reference byte
	Status    uint16
	Data      []byte
}

// DataChunk is the body of a data or continuation notification.
type DataChunk struct {
	Continuation bool
	Offset       uint32
	Bytes        []byte
}

// End reports whether the chunk is the explicit end-of-log marker: an
// offset with no bytes, under either data tag.
func (c DataChunk) End() bool {
	return len(c.Bytes) == 0
}

// ParseNotification classifies buf using the table's response tags.
func (t Table) ParseNotification(buf []byte) (Notification, error) {
	if len(buf) < 2 {
		return Notification{}, fmt.Errorf("%w: notification of %d bytes", ErrProtocolError, len(buf))
	}
	var kind Kind
	switch buf[0] {
	case t.CommandResponseTag:
		kind = KindCommandResponse
	case t.DataTag:
		kind = KindData
	case t.DataContinuationTag:
		kind = KindDataContinuation
	default:
		return Notification{}, fmt.Errorf("%w: unknown response tag %d", ErrProtocolError, buf[0])
	}
	body := make([]byte, len(buf)-2)
	copy(body, buf[2:])
	return Notification{Kind: kind, Reference: buf[1], Body: body}, nil
}

// ParseResponse decodes a command-response notification for op. Hello
// responses carry no status word; everything else starts with a
// little-endian u16 status.
func ParseResponse(op Op, n Notification) (Response, error) {
	if n.Kind != KindCommandResponse {
		return Response{}, fmt.Errorf("%w: expected command response, got %s", ErrProtocolError, n.Kind)
	}
	if op == OpHello {
		return Response{Op: op, Reference: n.Reference, Status: StatusOK, Data: n.Body}, nil
	}
	if len(n.Body) < 2 {
		return Response{}, fmt.Errorf("%w: %s response of %d bytes", ErrProtocolError, op, len(n.Body))
	}
	return Response{
		Op:        op,
		Reference: n.Reference,
		Status:    binary.LittleEndian.Uint16(n.Body[:2]),
		Data:      n.Body[2:],
	}, nil
}

// ParseData decodes a data or continuation notification body. Both tags
// carry offset(u32 LE) | bytes. A body shorter than the offset wraps
// ErrTruncated.
func ParseData(n Notification) (DataChunk, error) {
	if n.Kind != KindData && n.Kind != KindDataContinuation {
		return DataChunk{}, fmt.Errorf("%w: expected data, got %s", ErrProtocolError, n.Kind)
	}
	if len(n.Body) < 4 {
		return DataChunk{}, fmt.Errorf("%w: %w: %s notification of %d bytes", ErrProtocolError, ErrTruncated, n.Kind, len(n.Body))
	}
	return DataChunk{
		Continuation: n.Kind == KindDataContinuation,
		Offset:       binary.LittleEndian.Uint32(n.Body[:4]),
		Bytes:        n.Body[4:],
	}, nil
}

// EncodeResponse builds a command-response notification. Device side;
// used by the simulated transport.
func (t Table) EncodeResponse(op Op, ref byte, status uint16, data []byte) []byte {
	buf := make([]byte, 0, 4+len(data))
	buf = append(buf, t.CommandResponseTag, ref)
	if op != OpHello {
		buf = binary.LittleEndian.AppendUint16(buf, status)
	}
	return append(buf, data...)
}

// EncodeData builds a data notification carrying chunk at offset.
func (t Table) EncodeData(ref byte, offset uint32, chunk []byte) []byte {
	buf := make([]byte, 0, 6+len(chunk))
	buf = append(buf, t.DataTag, ref)
	buf = binary.LittleEndian.AppendUint32(buf, offset)
	return append(buf, chunk...)
}

// EncodeContinuation builds a continuation notification carrying the
// rest of a chunk at offset.
func (t Table) EncodeContinuation(ref byte, offset uint32, chunk []byte) []byte {
	buf := make([]byte, 0, 6+len(chunk))
	buf = append(buf, t.DataContinuationTag, ref)
	buf = binary.LittleEndian.AppendUint32(buf, offset)
	return append(buf, chunk...)
}
