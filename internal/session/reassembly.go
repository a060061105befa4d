package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/gspctl/internal/observability"
	"github.com/danmuck/gspctl/internal/protocol"
)

// LogStream accumulates one log's bytes in arrival order. It is
// append-only until complete and immutable afterwards.
type LogStream struct {
	LogID uint32
	ref   byte

	mu            sync.Mutex
	buf           []byte
	notifications int
	complete      bool
	endMarker     bool
	err           error
	startedAt     time.Time
	completedAt   time.Time
	done          chan struct{}
	activity      chan struct{}
}

func newLogStream(logID uint32, now time.Time) *LogStream {
	return &LogStream{
		LogID:     logID,
		startedAt: now,
		done:      make(chan struct{}),
		activity:  make(chan struct{}, 1),
	}
}

// append applies one data or continuation chunk. Either must start
// exactly at the current length; anything else is rejected without
// touching the buffer.
func (l *LogStream) append(chunk protocol.DataChunk, now time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.complete {
		return fmt.Errorf("%w: log %d data after completion", protocol.ErrProtocolError, l.LogID)
	}
	if chunk.Continuation && l.notifications == 0 {
		return fmt.Errorf("%w: log %d continuation before first data", protocol.ErrProtocolError, l.LogID)
	}
	if int(chunk.Offset) != len(l.buf) {
		return fmt.Errorf("%w: log %d %s offset %d, have %d bytes",
			protocol.ErrProtocolError, l.LogID, kindOf(chunk), chunk.Offset, len(l.buf))
	}
	if chunk.End() {
		l.finishLocked(true, nil, now)
		return nil
	}
	l.buf = append(l.buf, chunk.Bytes...)
	l.notifications++
	select {
	case l.activity <- struct{}{}:
	default:
	}
	return nil
}

func kindOf(chunk protocol.DataChunk) string {
	if chunk.Continuation {
		return "continuation"
	}
	return "data"
}

// finish completes the stream once; later calls are ignored.
func (l *LogStream) finish(endMarker bool, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.finishLocked(endMarker, err, time.Now())
}

func (l *LogStream) finishLocked(endMarker bool, err error, now time.Time) {
	if l.complete {
		return
	}
	l.complete = true
	l.endMarker = endMarker
	l.err = err
	l.completedAt = now
	close(l.done)
}

// Bytes returns a copy of the reassembled log.
func (l *LogStream) Bytes() []byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]byte, len(l.buf))
	copy(out, l.buf)
	return out
}

func (l *LogStream) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buf)
}

func (l *LogStream) Complete() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.complete
}

// EndMarker reports whether the device signalled the end explicitly. A
// stream completed by the idle timeout reports false.
func (l *LogStream) EndMarker() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.endMarker
}

// Notifications counts data and continuation notifications applied.
func (l *LogStream) Notifications() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.notifications
}

func (l *LogStream) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

func (l *LogStream) Duration() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.complete {
		return 0
	}
	return l.completedAt.Sub(l.startedAt)
}

// FetchLog requests logID and blocks until its stream completes, either
// by end marker or after FetchIdleTimeout without notifications. A 404
// acknowledgement surfaces as a *protocol.StatusError with
// protocol.StatusNotFound.
func (s *Session) FetchLog(ctx context.Context, logID uint32) (*LogStream, error) {
	st := newLogStream(logID, s.opts.Now())
	if _, err := s.issue(ctx, protocol.FetchLogCommand(logID), st); err != nil {
		s.detach(st)
		return nil, err
	}

	idle := time.NewTimer(s.opts.FetchIdleTimeout)
	defer idle.Stop()
	for {
		select {
		case <-st.done:
			s.detach(st)
			if err := st.Err(); err != nil {
				return nil, err
			}
			if !st.EndMarker() {
				s.logger.Warn().
					Uint32("log_id", logID).
					Int("bytes", st.Len()).
					Msg("session.FetchLog stream cut short by truncated notification")
			}
			s.logFetched(st)
			return st, nil
		case <-st.activity:
			idle.Reset(s.opts.FetchIdleTimeout)
		case <-idle.C:
			st.finish(false, nil)
			s.detach(st)
			if err := st.Err(); err != nil {
				return nil, err
			}
			s.logger.Warn().
				Uint32("log_id", logID).
				Int("bytes", st.Len()).
				Dur("idle", s.opts.FetchIdleTimeout).
				Msg("session.FetchLog completed without end marker")
			s.logFetched(st)
			return st, nil
		case <-ctx.Done():
			st.finish(false, ctx.Err())
			s.detach(st)
			return nil, ctx.Err()
		}
	}
}

func (s *Session) detach(st *LogStream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream == st {
		s.stream = nil
	}
}

func (s *Session) logFetched(st *LogStream) {
	size := st.Len()
	observability.RecordLogBytes(size)
	d := st.Duration()
	rate := 0.0
	if d > 0 {
		rate = float64(size) / 1024 / d.Seconds()
	}
	s.logger.Info().
		Uint32("log_id", st.LogID).
		Int("bytes", size).
		Int("notifications", st.Notifications()).
		Dur("duration", d).
		Float64("kBps", rate).
		Bool("end_marker", st.EndMarker()).
		Msg("session.FetchLog complete")
}
