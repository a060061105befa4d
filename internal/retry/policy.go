package retry

import (
	"context"
	"errors"
	"time"

	"github.com/danmuck/gspctl/internal/protocol"
	"github.com/danmuck/gspctl/internal/session"
)

const (
	DefaultAttempts = 10
	DefaultDelay    = 5 * time.Second
)

// Kind groups operations that share a retry policy.
type Kind int

const (
	KindStatus Kind = iota
	KindConfig
	KindStart
	KindStop
	KindFetch
	KindErase
	KindGet
	KindTime
	KindMode
)

var retriedKinds = []Kind{KindConfig, KindStart, KindStop, KindFetch, KindErase, KindGet, KindTime, KindMode}

func (k Kind) String() string {
	switch k {
	case KindStatus:
		return "status"
	case KindConfig:
		return "config"
	case KindStart:
		return "start"
	case KindStop:
		return "stop"
	case KindFetch:
		return "fetch"
	case KindErase:
		return "erase"
	case KindGet:
		return "get"
	case KindTime:
		return "time"
	case KindMode:
		return "mode"
	default:
		return "unknown"
	}
}

// Policy bounds the attempts of one operation on one device.
type Policy struct {
	MaxAttempts int
	Backoff     Backoff
}

// Policies maps each kind to its policy.
type Policies map[Kind]Policy

// DefaultPolicies: status is attempted once, everything else ten times
// with a fixed five second pause.
func DefaultPolicies() Policies {
	return Policies{}.WithRetries(DefaultAttempts, DefaultDelay)
}

// WithRetries returns a copy where every retried kind uses attempts and a
// fixed delay. Status stays single-shot.
func (p Policies) WithRetries(attempts int, delay time.Duration) Policies {
	return p.WithBackoff(attempts, Fixed(delay))
}

// WithBackoff is WithRetries with an arbitrary pause policy.
func (p Policies) WithBackoff(attempts int, b Backoff) Policies {
	out := make(Policies, len(retriedKinds)+1)
	for k, v := range p {
		out[k] = v
	}
	if attempts < 1 {
		attempts = 1
	}
	out[KindStatus] = Policy{MaxAttempts: 1}
	for _, k := range retriedKinds {
		out[k] = Policy{MaxAttempts: attempts, Backoff: b}
	}
	return out
}

func (p Policies) For(k Kind) Policy {
	if pol, ok := p[k]; ok && pol.MaxAttempts > 0 {
		return pol
	}
	return Policy{MaxAttempts: 1}
}

// Action is what the orchestrator does after a failed attempt.
type Action int

const (
	// ActionStop gives up on the device.
	ActionStop Action = iota
	// ActionRetry re-issues the operation on the same Ready session.
	ActionRetry
	// ActionReconnect closes the session and re-runs discovery,
	// connection and handshake.
	ActionReconnect
)

func (a Action) String() string {
	switch a {
	case ActionRetry:
		return "retry"
	case ActionReconnect:
		return "reconnect"
	default:
		return "stop"
	}
}

// Classify maps an attempt error to the next action.
func Classify(err error, s *session.Session) Action {
	switch {
	case err == nil:
		return ActionStop
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ActionStop
	case errors.Is(err, protocol.ErrCommandRejected), errors.Is(err, protocol.ErrHandshakeMismatch):
		return ActionStop
	case errors.Is(err, protocol.ErrNoDeviceFound),
		errors.Is(err, protocol.ErrAdapterBusy),
		errors.Is(err, protocol.ErrConnectionFailure):
		return ActionReconnect
	case s == nil || !s.Ready():
		return ActionReconnect
	default:
		return ActionRetry
	}
}
