package session

import (
	"errors"
	"fmt"

	"github.com/danmuck/gspctl/internal/observability"
	"github.com/danmuck/gspctl/internal/protocol"
)

// demux consumes notifications in arrival order until the transport
// closes the channel. Protocol errors are reported and dropped; only
// link loss ends the loop.
func (s *Session) demux(notes <-chan []byte, done chan struct{}) {
	defer close(done)
	for buf := range notes {
		s.route(buf)
	}

	lost := fmt.Errorf("%w: link lost", protocol.ErrConnectionFailure)
	s.mu.Lock()
	switch s.state {
	case StateConnecting, StateHandshakePending, StateReady:
		s.state = StateFailed
		s.lastErr = lost
		s.logger.Warn().Msg("session.demux link lost")
	}
	p := s.pending
	s.pending = nil
	st := s.stream
	s.stream = nil
	s.mu.Unlock()

	if p != nil {
		p.result <- outcome{err: fmt.Errorf("%w: %s ref=%d unresolved", lost, p.op, p.ref)}
	}
	if st != nil {
		st.finish(false, lost)
	}
}

func (s *Session) route(buf []byte) {
	n, err := s.opts.Table.ParseNotification(buf)
	if err != nil {
		s.protocolError(err)
		return
	}
	observability.RecordNotification(n.Kind.String())
	switch n.Kind {
	case protocol.KindCommandResponse:
		s.resolve(n)
	case protocol.KindData, protocol.KindDataContinuation:
		s.appendData(n)
	}
}

// resolve hands a command response to the pending slot when the
// reference matches. Anything else, including a response arriving after
// its command timed out, is a protocol error.
func (s *Session) resolve(n protocol.Notification) {
	s.mu.Lock()
	p := s.pending
	if p == nil || p.ref != n.Reference {
		s.mu.Unlock()
		s.protocolError(fmt.Errorf("%w: response ref=%d matches no outstanding command", protocol.ErrProtocolError, n.Reference))
		return
	}
	s.pending = nil
	s.mu.Unlock()

	resp, err := protocol.ParseResponse(p.op, n)
	p.result <- outcome{resp: resp, err: err}
}

func (s *Session) appendData(n protocol.Notification) {
	s.mu.Lock()
	st := s.stream
	s.mu.Unlock()
	if st == nil || st.ref != n.Reference {
		s.protocolError(fmt.Errorf("%w: %s ref=%d matches no active log stream", protocol.ErrProtocolError, n.Kind, n.Reference))
		return
	}

	chunk, err := protocol.ParseData(n)
	if err != nil {
		s.protocolError(err)
		if errors.Is(err, protocol.ErrTruncated) {
			st.finish(false, nil)
			s.detach(st)
		}
		return
	}
	if err := st.append(chunk, s.opts.Now()); err != nil {
		s.protocolError(err)
		return
	}
	if st.Complete() {
		s.detach(st)
	}
}

func (s *Session) protocolError(err error) {
	s.mu.Lock()
	s.protocolErrors++
	serial := s.info.Serial
	s.mu.Unlock()

	observability.RecordProtocolError()
	s.logger.Warn().Err(err).Msg("session.demux protocol error")
	if s.opts.OnProtocolError != nil {
		if serial == "" {
			serial = s.suffix
		}
		s.opts.OnProtocolError(serial, err)
	}
}

// ProtocolErrors counts notifications dropped as protocol errors.
func (s *Session) ProtocolErrors() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.protocolErrors
}
