package session

import (
	"context"
	"fmt"
	"time"

	"github.com/danmuck/gspctl/internal/observability"
	"github.com/danmuck/gspctl/internal/protocol"
)

// pending is the single outstanding command of a session.
type pending struct {
	op       protocol.Op
	ref      byte
	issuedAt time.Time
	result   chan outcome
}

type outcome struct {
	resp protocol.Response
	err  error
}

// Issue writes cmd once and waits for its response. It returns
// ErrChannelBusy without writing when another command is outstanding,
// a *protocol.StatusError (ErrCommandRejected) for non-success status,
// ErrResponseTimeout when no response arrives in time, and
// ErrConnectionFailure when the link is not usable.
func (s *Session) Issue(ctx context.Context, cmd protocol.Command) (protocol.Response, error) {
	return s.issue(ctx, cmd, nil)
}

func (s *Session) issue(ctx context.Context, cmd protocol.Command, stream *LogStream) (protocol.Response, error) {
	op := cmd.Op()

	s.mu.Lock()
	if s.state != StateReady && s.state != StateHandshakePending {
		state := s.state
		s.mu.Unlock()
		return protocol.Response{}, fmt.Errorf("%w: session %s", protocol.ErrConnectionFailure, state)
	}
	if s.pending != nil {
		busy := s.pending.op
		s.mu.Unlock()
		observability.RecordCommand(op.String(), "busy", 0)
		return protocol.Response{}, fmt.Errorf("%w: %s outstanding", protocol.ErrChannelBusy, busy)
	}
	ref := s.nextRef()
	frame, err := s.opts.Table.EncodeCommand(cmd, ref)
	if err != nil {
		s.mu.Unlock()
		return protocol.Response{}, err
	}
	p := &pending{op: op, ref: ref, issuedAt: time.Now(), result: make(chan outcome, 1)}
	s.pending = p
	if stream != nil {
		stream.ref = ref
		s.stream = stream
	}
	tr, done := s.tr, s.done
	s.mu.Unlock()

	s.logger.Debug().Str("op", op.String()).Uint8("ref", ref).Int("bytes", len(frame)).Msg("session.issue write")
	wctx, cancel := context.WithTimeout(ctx, s.opts.WriteTimeout)
	err = tr.Write(wctx, frame)
	cancel()
	if err != nil {
		s.release(p, stream)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return protocol.Response{}, ctxErr
		}
		s.record(p, "error")
		return protocol.Response{}, fmt.Errorf("%w: write %s: %v", protocol.ErrConnectionFailure, op, err)
	}

	timer := time.NewTimer(s.opts.ResponseTimeout)
	defer timer.Stop()
	select {
	case out := <-p.result:
		return s.finish(p, out)
	case <-timer.C:
		if !s.release(p, stream) {
			return s.finish(p, <-p.result)
		}
		s.record(p, "timeout")
		s.logger.Warn().Str("op", op.String()).Uint8("ref", ref).Dur("timeout", s.opts.ResponseTimeout).Msg("session.issue response timeout")
		return protocol.Response{}, fmt.Errorf("%w: %s ref=%d after %s", protocol.ErrResponseTimeout, op, ref, s.opts.ResponseTimeout)
	case <-ctx.Done():
		if !s.release(p, stream) {
			return s.finish(p, <-p.result)
		}
		return protocol.Response{}, ctx.Err()
	case <-done:
		if !s.release(p, stream) {
			return s.finish(p, <-p.result)
		}
		s.record(p, "error")
		return protocol.Response{}, fmt.Errorf("%w: link lost waiting for %s", protocol.ErrConnectionFailure, op)
	}
}

func (s *Session) finish(p *pending, out outcome) (protocol.Response, error) {
	if out.err != nil {
		s.record(p, "error")
		return protocol.Response{}, out.err
	}
	if out.resp.Status != protocol.StatusOK {
		s.record(p, "rejected")
		return out.resp, &protocol.StatusError{Op: p.op, Status: out.resp.Status}
	}
	s.record(p, "ok")
	return out.resp, nil
}

// release clears p from the slot. It reports false when the demultiplexer
// already resolved p, in which case the outcome is waiting on p.result.
func (s *Session) release(p *pending, stream *LogStream) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending != p {
		return false
	}
	s.pending = nil
	if stream != nil && s.stream == stream {
		s.stream = nil
	}
	return true
}

func (s *Session) record(p *pending, outcome string) {
	observability.RecordCommand(p.op.String(), outcome, time.Since(p.issuedAt))
}

// nextRef returns the next reference byte, skipping zero.
func (s *Session) nextRef() byte {
	s.ref++
	if s.ref == 0 {
		s.ref = 1
	}
	return s.ref
}
