package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/gspctl/internal/logging"
	"github.com/danmuck/gspctl/internal/protocol"
	"github.com/danmuck/gspctl/internal/transport"
	"github.com/rs/zerolog"
)

// Session is one device connection. All methods are safe for concurrent
// use; at most one command is outstanding at a time.
type Session struct {
	suffix string
	advert transport.Advert
	opts   Options
	logger zerolog.Logger

	mu             sync.Mutex
	tr             transport.Transport
	done           chan struct{}
	state          State
	info           protocol.DeviceInfo
	loggerState    protocol.LoggerState
	ref            byte
	pending        *pending
	stream         *LogStream
	protocolErrors int
	lastErr        error
}

// Open connects to advert, runs the handshake and returns a Ready session.
// The handshake sends Hello, checks protocol version and serial suffix,
// then reads the logger state. Failures leave nothing connected.
func Open(ctx context.Context, dialer transport.Dialer, advert transport.Advert, suffix string, opts Options) (*Session, error) {
	opts = opts.WithDefaults()
	if err := opts.Table.Validate(); err != nil {
		return nil, err
	}
	s := &Session{
		suffix: suffix,
		advert: advert,
		opts:   opts,
		logger: logging.WithComponent("session").With().
			Str("suffix", suffix).
			Str("address", advert.Address).
			Logger(),
	}

	if err := s.connect(ctx, dialer); err != nil {
		s.fail(err)
		return nil, err
	}
	if err := s.handshake(ctx); err != nil {
		s.fail(err)
		return nil, err
	}

	s.mu.Lock()
	s.state = StateReady
	info, state := s.info, s.loggerState
	s.mu.Unlock()
	s.logger.Info().
		Str("serial", info.Serial).
		Str("app", info.AppName+" "+info.AppVersion).
		Str("logger_state", state.String()).
		Msg("session.Open ready")
	return s, nil
}

func (s *Session) connect(ctx context.Context, dialer transport.Dialer) error {
	s.setState(StateConnecting)
	t := s.opts.Table
	tr, err := dialer.Open(s.advert.Address, transport.Channels{
		Service: t.ServiceUUID,
		Write:   t.WriteUUID,
		Notify:  t.NotifyUUID,
	})
	if err != nil {
		return connectionError(ctx, "open", err)
	}
	s.mu.Lock()
	s.tr = tr
	s.mu.Unlock()

	cctx, cancel := context.WithTimeout(ctx, s.opts.ConnectTimeout)
	defer cancel()
	if err := tr.Connect(cctx); err != nil {
		return connectionError(ctx, "connect", err)
	}

	done := make(chan struct{})
	s.mu.Lock()
	s.done = done
	s.state = StateHandshakePending
	s.mu.Unlock()
	go s.demux(tr.Notifications(), done)
	return nil
}

func (s *Session) handshake(ctx context.Context) error {
	resp, err := s.issue(ctx, protocol.HelloCommand(), nil)
	if err != nil {
		return fmt.Errorf("hello: %w", err)
	}
	info, err := protocol.ParseDeviceInfo(resp.Data)
	if err != nil {
		return err
	}
	if info.ProtocolVersion < s.opts.MinProtocolVersion || info.ProtocolVersion > s.opts.MaxProtocolVersion {
		return fmt.Errorf("%w: protocol version %d outside [%d,%d]",
			protocol.ErrHandshakeMismatch, info.ProtocolVersion, s.opts.MinProtocolVersion, s.opts.MaxProtocolVersion)
	}
	if !info.MatchesSerial(s.suffix) {
		return fmt.Errorf("%w: serial %q does not end with %q", protocol.ErrHandshakeMismatch, info.Serial, s.suffix)
	}
	s.mu.Lock()
	s.info = info
	s.mu.Unlock()

	if _, err := s.LoggerState(ctx); err != nil {
		return fmt.Errorf("logger state: %w", err)
	}
	if s.opts.SetTime {
		if err := s.SetUTCTime(ctx, s.opts.Now()); err != nil {
			return fmt.Errorf("set time: %w", err)
		}
	}
	return nil
}

// Close disconnects and waits for the demultiplexer to stop. Closing an
// idle or already closing session is a no-op.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == StateIdle || s.state == StateClosing {
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosing
	tr, done := s.tr, s.done
	s.mu.Unlock()

	var err error
	if tr != nil {
		err = tr.Disconnect()
	}
	s.waitDemux(done)
	s.setState(StateIdle)
	s.logger.Debug().Msg("session.Close")
	return err
}

// fail tears the link down after a lifecycle error.
func (s *Session) fail(cause error) {
	s.mu.Lock()
	s.state = StateFailed
	s.lastErr = cause
	tr, done := s.tr, s.done
	s.mu.Unlock()

	if tr != nil {
		_ = tr.Disconnect()
	}
	s.waitDemux(done)
	s.logger.Warn().Err(cause).Msg("session.fail")
}

func (s *Session) waitDemux(done chan struct{}) {
	if done == nil {
		return
	}
	timer := time.NewTimer(s.opts.CloseTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		s.logger.Warn().Dur("timeout", s.opts.CloseTimeout).Msg("session.waitDemux timed out")
	}
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Ready() bool {
	return s.State() == StateReady
}

// Serial is the full serial reported by the device, or the requested
// suffix before the handshake completed.
func (s *Session) Serial() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.info.Serial != "" {
		return s.info.Serial
	}
	return s.suffix
}

func (s *Session) Info() protocol.DeviceInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	serial := s.info.Serial
	if serial == "" {
		serial = s.suffix
	}
	return Snapshot{
		Suffix:         s.suffix,
		Serial:         serial,
		Name:           s.advert.Name,
		Address:        s.advert.Address,
		State:          s.state,
		Info:           s.info,
		LoggerState:    s.loggerState,
		Pending:        s.pending != nil,
		ProtocolErrors: s.protocolErrors,
		LastErr:        s.lastErr,
	}
}

func connectionError(ctx context.Context, stage string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, protocol.ErrAdapterBusy) || errors.Is(err, protocol.ErrConnectionFailure) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", protocol.ErrConnectionFailure, stage, err)
}
