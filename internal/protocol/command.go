package protocol

import (
	"encoding/binary"
	"fmt"
	"strings"
	"time"
)

// Op is a logical command operation. Its wire byte comes from the Table.
type Op uint8

const (
	OpHello Op = iota + 1
	OpSubscribe
	OpUnsubscribe
	OpFetchLog
	OpGet
	OpClearLogbook
	OpPutDataLoggerConfig
	OpPutSystemMode
	OpPutUTCTime
	OpPutDataLoggerState
)

var allOps = []Op{
	OpHello,
	OpSubscribe,
	OpUnsubscribe,
	OpFetchLog,
	OpGet,
	OpClearLogbook,
	OpPutDataLoggerConfig,
	OpPutSystemMode,
	OpPutUTCTime,
	OpPutDataLoggerState,
}

func (op Op) String() string {
	switch op {
	case OpHello:
		return "hello"
	case OpSubscribe:
		return "subscribe"
	case OpUnsubscribe:
		return "unsubscribe"
	case OpFetchLog:
		return "fetch_log"
	case OpGet:
		return "get"
	case OpClearLogbook:
		return "clear_logbook"
	case OpPutDataLoggerConfig:
		return "put_datalogger_config"
	case OpPutSystemMode:
		return "put_system_mode"
	case OpPutUTCTime:
		return "put_utc_time"
	case OpPutDataLoggerState:
		return "put_datalogger_state"
	default:
		return fmt.Sprintf("op(%d)", uint8(op))
	}
}

// LoggerState is the datalogger state byte read from /Mem/DataLogger/State.
type LoggerState uint8

const (
	LoggerUnknown LoggerState = 1
	LoggerReady   LoggerState = 2
	LoggerLogging LoggerState = 3
)

func (s LoggerState) String() string {
	switch s {
	case LoggerUnknown:
		return "unknown"
	case LoggerReady:
		return "ready"
	case LoggerLogging:
		return "logging"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Command is an immutable request. The payload is copied on construction
// and on every read.
type Command struct {
	op      Op
	payload []byte
}

func NewCommand(op Op, payload []byte) Command {
	buf := make([]byte, len(payload))
	copy(buf, payload)
	return Command{op: op, payload: buf}
}

func (c Command) Op() Op {
	return c.op
}

func (c Command) Payload() []byte {
	buf := make([]byte, len(c.payload))
	copy(buf, c.payload)
	return buf
}

func HelloCommand() Command {
	return NewCommand(OpHello, nil)
}

// GetCommand reads a resource path.
func GetCommand(path string) Command {
	return NewCommand(OpGet, cstring(path))
}

// ConfigCommand sets the logged resource paths. The time reference path
// is appended when absent so logs can be placed on an absolute timeline.
func ConfigCommand(paths []string) Command {
	var payload []byte
	hasTime := false
	for _, p := range paths {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if p == PathTimeDetailed {
			hasTime = true
		}
		payload = append(payload, cstring(p)...)
	}
	if !hasTime {
		payload = append(payload, cstring(PathTimeDetailed)...)
	}
	return NewCommand(OpPutDataLoggerConfig, payload)
}

// ConfigPaths splits a config payload back into its paths.
func ConfigPaths(payload []byte) []string {
	var out []string
	for _, part := range strings.Split(string(payload), "\x00") {
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func DataLoggerStateCommand(state LoggerState) Command {
	return NewCommand(OpPutDataLoggerState, []byte{byte(state)})
}

func FetchLogCommand(logID uint32) Command {
	payload := make([]byte, 4)
	binary.LittleEndian.PutUint32(payload, logID)
	return NewCommand(OpFetchLog, payload)
}

func ClearLogbookCommand() Command {
	return NewCommand(OpClearLogbook, nil)
}

// UTCTimeCommand encodes t as microseconds since the epoch.
func UTCTimeCommand(t time.Time) Command {
	payload := make([]byte, 8)
	binary.LittleEndian.PutUint64(payload, uint64(t.UnixMicro()))
	return NewCommand(OpPutUTCTime, payload)
}

func SystemModeCommand(mode uint8) Command {
	return NewCommand(OpPutSystemMode, []byte{mode})
}

// EncodeCommand frames cmd as op | reference | payload.
func (t Table) EncodeCommand(cmd Command, ref byte) ([]byte, error) {
	tag, ok := t.OpTag(cmd.op)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOp, cmd.op)
	}
	if t.MaxPayload > 0 && len(cmd.payload) > t.MaxPayload {
		return nil, fmt.Errorf("%w: %s payload %d bytes exceeds %d", ErrProtocolError, cmd.op, len(cmd.payload), t.MaxPayload)
	}
	buf := make([]byte, 0, 2+len(cmd.payload))
	buf = append(buf, tag, ref)
	buf = append(buf, cmd.payload...)
	return buf, nil
}

// DecodeCommand is the device-side inverse of EncodeCommand.
func (t Table) DecodeCommand(frame []byte) (Command, byte, error) {
	if len(frame) < 2 {
		return Command{}, 0, fmt.Errorf("%w: command frame of %d bytes", ErrTruncated, len(frame))
	}
	op, ok := t.OpForTag(frame[0])
	if !ok {
		return Command{}, 0, fmt.Errorf("%w: tag %d", ErrUnknownOp, frame[0])
	}
	return NewCommand(op, frame[2:]), frame[1], nil
}

func cstring(s string) []byte {
	buf := make([]byte, 0, len(s)+1)
	buf = append(buf, s...)
	return append(buf, 0)
}
