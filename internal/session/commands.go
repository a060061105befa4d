package session

import (
	"context"
	"time"

	"github.com/danmuck/gspctl/internal/protocol"
)

// LoggerState reads /Mem/DataLogger/State and caches it for Snapshot.
func (s *Session) LoggerState(ctx context.Context) (protocol.LoggerState, error) {
	resp, err := s.Issue(ctx, protocol.GetCommand(protocol.PathDataLoggerState))
	if err != nil {
		return 0, err
	}
	state, err := protocol.ParseLoggerState(resp.Data)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	s.loggerState = state
	s.mu.Unlock()
	return state, nil
}

// SetLoggerState starts (LoggerLogging) or stops (LoggerReady) logging.
func (s *Session) SetLoggerState(ctx context.Context, state protocol.LoggerState) error {
	if _, err := s.Issue(ctx, protocol.DataLoggerStateCommand(state)); err != nil {
		return err
	}
	s.mu.Lock()
	s.loggerState = state
	s.mu.Unlock()
	return nil
}

// Configure sets the logged resource paths.
func (s *Session) Configure(ctx context.Context, paths []string) error {
	_, err := s.Issue(ctx, protocol.ConfigCommand(paths))
	return err
}

// ClearLogbook erases every stored log on the device.
func (s *Session) ClearLogbook(ctx context.Context) error {
	_, err := s.Issue(ctx, protocol.ClearLogbookCommand())
	return err
}

func (s *Session) SetUTCTime(ctx context.Context, t time.Time) error {
	_, err := s.Issue(ctx, protocol.UTCTimeCommand(t))
	return err
}

func (s *Session) SetSystemMode(ctx context.Context, mode uint8) error {
	_, err := s.Issue(ctx, protocol.SystemModeCommand(mode))
	return err
}

// Get reads an arbitrary resource and returns its raw value.
func (s *Session) Get(ctx context.Context, path string) ([]byte, error) {
	resp, err := s.Issue(ctx, protocol.GetCommand(path))
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}
