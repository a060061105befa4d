package protocol

import (
	"errors"
	"fmt"
)

var (
	ErrNoDeviceFound     = errors.New("protocol: no device found")
	ErrAdapterBusy       = errors.New("protocol: adapter busy")
	ErrConnectionFailure = errors.New("protocol: connection failure")
	ErrHandshakeMismatch = errors.New("protocol: handshake mismatch")
	ErrChannelBusy       = errors.New("protocol: command channel busy")
	ErrResponseTimeout   = errors.New("protocol: response timeout")
	ErrCommandRejected   = errors.New("protocol: command rejected")
	ErrProtocolError     = errors.New("protocol: protocol error")
	ErrIO                = errors.New("protocol: io error")

	ErrTruncated    = errors.New("protocol: truncated data")
	ErrInvalidTable = errors.New("protocol: invalid protocol table")
	ErrUnknownOp    = errors.New("protocol: unknown op")
)

// StatusError is a command response carrying a non-success status.
type StatusError struct {
	Op     Op
	Status uint16
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("protocol: %s rejected with status %d", e.Op, e.Status)
}

func (e *StatusError) Unwrap() error {
	return ErrCommandRejected
}

// IsStatus reports whether err carries the given device status code.
func IsStatus(err error, status uint16) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	return se.Status == status
}
