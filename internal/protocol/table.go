package protocol

import (
	"fmt"

	"github.com/google/uuid"
)

const (
	DefaultServiceUUID = "34802252-7185-4d5d-b431-630e7050e8f0"
	DefaultWriteUUID   = "34800001-7185-4d5d-b431-630e7050e8f0"
	DefaultNotifyUUID  = "34800002-7185-4d5d-b431-630e7050e8f0"
)

// Device status codes carried in command responses.
const (
	StatusOK       uint16 = 200
	StatusNotFound uint16 = 404
)

// Well-known resource paths.
const (
	PathDataLoggerState = "/Mem/DataLogger/State"
	PathTimeDetailed    = "/Time/Detailed"
)

// SystemModeReset is the PutSystemMode value that reboots the device into
// normal operation after a log fetch.
const SystemModeReset uint8 = 5

// Table holds every wire constant of the protocol. Sessions and test
// doubles receive a Table instead of reading package globals, so an
// alternate table can be substituted without touching session code.
type Table struct {
	ServiceUUID uuid.UUID
	WriteUUID   uuid.UUID
	NotifyUUID  uuid.UUID

	Ops map[Op]byte

	CommandResponseTag  byte
	DataTag             byte
	DataContinuationTag byte

	MaxPayload int
}

// DefaultTable returns the GSP constants used by production firmware.
func DefaultTable() Table {
	return Table{
		ServiceUUID: uuid.MustParse(DefaultServiceUUID),
		WriteUUID:   uuid.MustParse(DefaultWriteUUID),
		NotifyUUID:  uuid.MustParse(DefaultNotifyUUID),
		Ops: map[Op]byte{
			OpHello:               0,
			OpSubscribe:           1,
			OpUnsubscribe:         2,
			OpFetchLog:            3,
			OpGet:                 4,
			OpClearLogbook:        5,
			OpPutDataLoggerConfig: 6,
			OpPutSystemMode:       7,
			OpPutUTCTime:          8,
			OpPutDataLoggerState:  9,
		},
		CommandResponseTag:  1,
		DataTag:             2,
		DataContinuationTag: 3,
		MaxPayload:          512,
	}
}

// WithUUIDs returns a copy of t with the service/characteristic UUIDs
// replaced by the parsed non-empty arguments.
func (t Table) WithUUIDs(service, write, notify string) (Table, error) {
	out := t.clone()
	for _, item := range []struct {
		raw string
		dst *uuid.UUID
	}{
		{service, &out.ServiceUUID},
		{write, &out.WriteUUID},
		{notify, &out.NotifyUUID},
	} {
		if item.raw == "" {
			continue
		}
		id, err := uuid.Parse(item.raw)
		if err != nil {
			return Table{}, fmt.Errorf("%w: uuid %q: %v", ErrInvalidTable, item.raw, err)
		}
		*item.dst = id
	}
	return out, out.Validate()
}

// Validate checks that op tags are unique and response tags distinct.
func (t Table) Validate() error {
	if t.ServiceUUID == uuid.Nil || t.WriteUUID == uuid.Nil || t.NotifyUUID == uuid.Nil {
		return fmt.Errorf("%w: nil uuid", ErrInvalidTable)
	}
	if t.WriteUUID == t.NotifyUUID {
		return fmt.Errorf("%w: write and notify characteristics are identical", ErrInvalidTable)
	}
	seen := make(map[byte]Op, len(t.Ops))
	for _, op := range allOps {
		tag, ok := t.Ops[op]
		if !ok {
			return fmt.Errorf("%w: missing tag for %s", ErrInvalidTable, op)
		}
		if prev, dup := seen[tag]; dup {
			return fmt.Errorf("%w: %s and %s share tag %d", ErrInvalidTable, prev, op, tag)
		}
		seen[tag] = op
	}
	if t.CommandResponseTag == t.DataTag ||
		t.CommandResponseTag == t.DataContinuationTag ||
		t.DataTag == t.DataContinuationTag {
		return fmt.Errorf("%w: response tags must be distinct", ErrInvalidTable)
	}
	if t.MaxPayload <= 0 {
		return fmt.Errorf("%w: max payload must be positive", ErrInvalidTable)
	}
	return nil
}

// OpTag returns the wire byte for op.
func (t Table) OpTag(op Op) (byte, bool) {
	tag, ok := t.Ops[op]
	return tag, ok
}

// OpForTag is the reverse lookup of OpTag.
func (t Table) OpForTag(tag byte) (Op, bool) {
	for op, b := range t.Ops {
		if b == tag {
			return op, true
		}
	}
	return 0, false
}

func (t Table) clone() Table {
	out := t
	out.Ops = make(map[Op]byte, len(t.Ops))
	for op, tag := range t.Ops {
		out.Ops[op] = tag
	}
	return out
}
