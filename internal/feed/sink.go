// Package feed publishes decoded samples to downstream consumers: a JSON
// lines file, an MQTT broker or a NATS server.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/gspctl/internal/sbem"
)

var ErrClosed = errors.New("feed: sink closed")

// Record is one sample attributed to the device and log it came from.
type Record struct {
	Serial string `json:"serial"`
	LogID  uint32 `json:"log_id"`
	sbem.Sample
}

func (r Record) payload() ([]byte, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("feed: encode %s/%d: %w", r.Serial, r.LogID, err)
	}
	return b, nil
}

// Sink receives records. Implementations are safe for concurrent use.
type Sink interface {
	Publish(ctx context.Context, rec Record) error
	Close() error
}

// Multi fans every record out to all sinks.
type Multi []Sink

func (m Multi) Publish(ctx context.Context, rec Record) error {
	var errs []error
	for _, s := range m {
		if err := s.Publish(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// PublishLog sends every decoded sample of one log and returns how many
// were published. It stops at the first error or when ctx is done.
func PublishLog(ctx context.Context, sink Sink, serial string, logID uint32, l *sbem.Log) (int, error) {
	if sink == nil || l == nil {
		return 0, nil
	}
	n := 0
	for _, s := range l.Samples() {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if err := sink.Publish(ctx, Record{Serial: serial, LogID: logID, Sample: s}); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// pathTokens splits a resource path into non-empty segments.
func pathTokens(path string) []string {
	parts := strings.Split(path, "/")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
