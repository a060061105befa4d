package datalogger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/gspctl/internal/protocol"
	"github.com/danmuck/gspctl/internal/retry"
	"github.com/danmuck/gspctl/internal/session"
)

// ErrUsage reports an operation built with unusable arguments.
var ErrUsage = errors.New("datalogger: invalid arguments")

// Status is what the status operation reports for one device.
type Status struct {
	Serial      string
	Name        string
	Address     string
	Info        protocol.DeviceInfo
	LoggerState protocol.LoggerState
}

// Resource is the raw value of a GET.
type Resource struct {
	Path  string
	Value []byte
}

// Status reads device info from the handshake and the current logger
// state. It is attempted once.
func (e *Engine) Status() retry.Op {
	return retry.Op{Name: "status", Kind: retry.KindStatus, Do: func(ctx context.Context, s *session.Session) (any, error) {
		state, err := s.LoggerState(ctx)
		if err != nil {
			return nil, err
		}
		snap := s.Snapshot()
		return Status{
			Serial:      snap.Serial,
			Name:        snap.Name,
			Address:     snap.Address,
			Info:        snap.Info,
			LoggerState: state,
		}, nil
	}}
}

// Configure sets the logged resource paths. The value reported is the
// path list as sent, including the appended time reference.
func (e *Engine) Configure(paths []string) (retry.Op, error) {
	if len(nonBlank(paths)) == 0 {
		return retry.Op{}, fmt.Errorf("%w: no resource paths", ErrUsage)
	}
	return retry.Op{Name: "config", Kind: retry.KindConfig, Do: func(ctx context.Context, s *session.Session) (any, error) {
		if err := s.Configure(ctx, paths); err != nil {
			return nil, err
		}
		return protocol.ConfigPaths(protocol.ConfigCommand(paths).Payload()), nil
	}}, nil
}

func nonBlank(in []string) []string {
	var out []string
	for _, s := range in {
		if strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	return out
}

func (e *Engine) Start() retry.Op {
	return e.loggerState("start", retry.KindStart, protocol.LoggerLogging)
}

func (e *Engine) Stop() retry.Op {
	return e.loggerState("stop", retry.KindStop, protocol.LoggerReady)
}

func (e *Engine) loggerState(name string, kind retry.Kind, state protocol.LoggerState) retry.Op {
	return retry.Op{Name: name, Kind: kind, Do: func(ctx context.Context, s *session.Session) (any, error) {
		if err := s.SetLoggerState(ctx, state); err != nil {
			return nil, err
		}
		return state, nil
	}}
}

// Erase clears the device logbook and forgets fetch progress for it.
func (e *Engine) Erase() retry.Op {
	return retry.Op{Name: "erase", Kind: retry.KindErase, Do: func(ctx context.Context, s *session.Session) (any, error) {
		if err := s.ClearLogbook(ctx); err != nil {
			return nil, err
		}
		e.forget(s.Serial())
		return nil, nil
	}}
}

func (e *Engine) Get(path string) (retry.Op, error) {
	if !strings.HasPrefix(strings.TrimSpace(path), "/") {
		return retry.Op{}, fmt.Errorf("%w: resource path %q must start with /", ErrUsage, path)
	}
	path = strings.TrimSpace(path)
	return retry.Op{Name: "get", Kind: retry.KindGet, Do: func(ctx context.Context, s *session.Session) (any, error) {
		value, err := s.Get(ctx, path)
		if err != nil {
			return nil, err
		}
		return Resource{Path: path, Value: value}, nil
	}}, nil
}

// SetTime writes the host clock to the device.
func (e *Engine) SetTime() retry.Op {
	return retry.Op{Name: "settime", Kind: retry.KindTime, Do: func(ctx context.Context, s *session.Session) (any, error) {
		now := e.now()
		if err := s.SetUTCTime(ctx, now); err != nil {
			return nil, err
		}
		return now, nil
	}}
}

func (e *Engine) SystemMode(mode uint8) retry.Op {
	return retry.Op{Name: "mode", Kind: retry.KindMode, Do: func(ctx context.Context, s *session.Session) (any, error) {
		return mode, s.SetSystemMode(ctx, mode)
	}}
}
