// Package datalogger implements the device operations of gspctl on top of
// discovery, sessions and the retry orchestrator: status, logger
// configuration, start/stop, log download, erase, resource reads, clock
// and system mode.
package datalogger

import (
	"context"
	"sync"
	"time"

	"github.com/danmuck/gspctl/internal/discovery"
	"github.com/danmuck/gspctl/internal/feed"
	"github.com/danmuck/gspctl/internal/logging"
	"github.com/danmuck/gspctl/internal/logstore"
	"github.com/danmuck/gspctl/internal/retry"
	"github.com/danmuck/gspctl/internal/session"
	"github.com/danmuck/gspctl/internal/transport"
	"github.com/rs/zerolog"
)

type Options struct {
	Session   session.Options
	Discovery discovery.Options

	// Store receives every downloaded log before it is decoded. Nil
	// skips persistence.
	Store *logstore.Store
	// Sink receives decoded samples. Nil disables publishing.
	Sink feed.Sink

	// SkipReset keeps the device running after FetchAll instead of
	// resetting it with PutSystemMode.
	SkipReset bool
}

// Engine opens sessions for the retry orchestrator and builds the
// operations it runs. It implements retry.Connector.
type Engine struct {
	scanner transport.Scanner
	dialer  transport.Dialer
	opts    Options
	logger  zerolog.Logger

	mu       sync.Mutex
	progress map[string]*fetchProgress
}

func New(scanner transport.Scanner, dialer transport.Dialer, opts Options) *Engine {
	opts.Session = opts.Session.WithDefaults()
	opts.Discovery = opts.Discovery.WithDefaults()
	return &Engine{
		scanner:  scanner,
		dialer:   dialer,
		opts:     opts,
		logger:   logging.WithComponent("datalogger"),
		progress: make(map[string]*fetchProgress),
	}
}

// Connect discovers serial and opens a Ready session on the best match.
// The device clock is set on connect except for fetch and erase, which
// must not disturb the timestamps of stored logs.
func (e *Engine) Connect(ctx context.Context, serial string, kind retry.Kind) (*session.Session, error) {
	adverts, err := discovery.Discover(ctx, e.scanner, serial, e.opts.Discovery)
	if err != nil {
		return nil, err
	}
	opts := e.opts.Session
	if kind == retry.KindFetch || kind == retry.KindErase {
		opts.SetTime = false
	}
	e.logger.Debug().
		Str("serial", serial).
		Str("address", adverts[0].Address).
		Str("kind", kind.String()).
		Int("candidates", len(adverts)).
		Msg("datalogger.Engine connecting")
	return session.Open(ctx, e.dialer, adverts[0], serial, opts)
}

func (e *Engine) now() time.Time {
	return e.opts.Session.Now()
}
