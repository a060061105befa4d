package feed

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/danmuck/gspctl/internal/logging"
	"github.com/nats-io/nats.go"
)

// NATSPublisher is the subset of *nats.Conn the sink uses.
type NATSPublisher interface {
	Publish(subj string, data []byte) error
}

// NATS publishes each record to <prefix>.<serial>.<path tokens>.
type NATS struct {
	conn    NATSPublisher
	prefix  string
	onClose func() error

	mu     sync.Mutex
	closed bool
}

func NewNATS(conn NATSPublisher, prefix string) *NATS {
	return &NATS{conn: conn, prefix: strings.Trim(prefix, ".")}
}

func DialNATS(url, prefix string) (*NATS, error) {
	nc, err := nats.Connect(url, nats.Name("gspctl"))
	if err != nil {
		return nil, fmt.Errorf("feed: nats connect %s: %w", url, err)
	}
	logger := logging.WithComponent("feed")
	logger.Info().Str("url", url).Msg("feed.NATS connected")
	n := NewNATS(nc, prefix)
	n.onClose = func() error {
		err := nc.Drain()
		nc.Close()
		return err
	}
	return n, nil
}

// Subject is the subject a record is published on. Dots and wildcards in
// path segments are replaced so every segment stays one token.
func (n *NATS) Subject(rec Record) string {
	tokens := make([]string, 0, 4)
	if n.prefix != "" {
		tokens = append(tokens, n.prefix)
	}
	tokens = append(tokens, subjectToken(rec.Serial))
	for _, p := range pathTokens(rec.Path) {
		tokens = append(tokens, subjectToken(p))
	}
	return strings.Join(tokens, ".")
}

func subjectToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ':
			return '_'
		}
		return r
	}, s)
}

func (n *NATS) Publish(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n.mu.Lock()
	closed := n.closed
	n.mu.Unlock()
	if closed {
		return ErrClosed
	}
	b, err := rec.payload()
	if err != nil {
		return err
	}
	subj := n.Subject(rec)
	if err := n.conn.Publish(subj, b); err != nil {
		return fmt.Errorf("feed: nats publish %s: %w", subj, err)
	}
	return nil
}

func (n *NATS) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	n.closed = true
	if n.onClose != nil {
		return n.onClose()
	}
	return nil
}
