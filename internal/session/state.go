package session

import "github.com/danmuck/gspctl/internal/protocol"

// State is the connection lifecycle state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateHandshakePending
	StateReady
	StateClosing
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateHandshakePending:
		return "handshake_pending"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Connection collapses the lifecycle into the link state callers see.
func (s State) Connection() string {
	switch s {
	case StateConnecting, StateHandshakePending:
		return "connecting"
	case StateReady, StateClosing:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return "disconnected"
	}
}

// Snapshot is a read-only copy of per-device state.
type Snapshot struct {
	Suffix         string
	Serial         string
	Name           string
	Address        string
	State          State
	Info           protocol.DeviceInfo
	LoggerState    protocol.LoggerState
	Pending        bool
	ProtocolErrors int
	LastErr        error
}
