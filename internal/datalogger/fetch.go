package datalogger

import (
	"context"
	"time"

	"github.com/danmuck/gspctl/internal/feed"
	"github.com/danmuck/gspctl/internal/protocol"
	"github.com/danmuck/gspctl/internal/retry"
	"github.com/danmuck/gspctl/internal/sbem"
	"github.com/danmuck/gspctl/internal/session"
)

// FetchedLog describes one downloaded log.
type FetchedLog struct {
	ID         uint32
	Path       string
	Bytes      int
	EndMarker  bool
	Duration   time.Duration
	Samples    int
	Skipped    int
	Published  int
	DecodeErr  error
	PublishErr error
}

// FetchResult is the outcome of FetchAll for one device.
type FetchResult struct {
	Serial string
	Logs   []FetchedLog
	Reset  bool
}

func (r FetchResult) TotalBytes() int {
	n := 0
	for _, l := range r.Logs {
		n += l.Bytes
	}
	return n
}

// fetchProgress survives reconnects so a retried FetchAll continues at
// the first log id not yet persisted.
type fetchProgress struct {
	next uint32
	logs []FetchedLog
}

// FetchAll downloads log ids 1, 2, ... until the device answers 404. Each
// log is persisted before it is decoded; a decode failure is recorded on
// the log and does not fail the fetch. When every log is in, the device
// is reset with PutSystemMode unless SkipReset is set.
func (e *Engine) FetchAll() retry.Op {
	return retry.Op{Name: "fetch", Kind: retry.KindFetch, Do: e.fetchAll}
}

func (e *Engine) fetchAll(ctx context.Context, s *session.Session) (any, error) {
	serial := s.Serial()
	logger := e.logger.With().Str("serial", serial).Logger()
	p := e.resume(serial)

	for {
		e.mu.Lock()
		id := p.next
		e.mu.Unlock()

		stream, err := s.FetchLog(ctx, id)
		if protocol.IsStatus(err, protocol.StatusNotFound) {
			break
		}
		if err != nil {
			return nil, err
		}

		fetched, err := e.store(ctx, serial, stream)
		if err != nil {
			return nil, err
		}
		e.mu.Lock()
		p.logs = append(p.logs, fetched)
		p.next = id + 1
		e.mu.Unlock()
	}

	res := FetchResult{Serial: serial}
	e.mu.Lock()
	res.Logs = append(res.Logs, p.logs...)
	e.mu.Unlock()

	if !e.opts.SkipReset {
		if err := s.SetSystemMode(ctx, protocol.SystemModeReset); err != nil {
			logger.Warn().Err(err).Msg("datalogger.FetchAll reset after fetch failed")
		} else {
			res.Reset = true
		}
	}
	e.forget(serial)

	logger.Info().
		Int("logs", len(res.Logs)).
		Int("bytes", res.TotalBytes()).
		Bool("reset", res.Reset).
		Msg("datalogger.FetchAll complete")
	return res, nil
}

func (e *Engine) store(ctx context.Context, serial string, stream *session.LogStream) (FetchedLog, error) {
	raw := stream.Bytes()
	out := FetchedLog{
		ID:        stream.LogID,
		Bytes:     len(raw),
		EndMarker: stream.EndMarker(),
		Duration:  stream.Duration(),
	}
	if e.opts.Store != nil {
		path, err := e.opts.Store.Save(serial, stream.LogID, raw)
		if err != nil {
			return FetchedLog{}, err
		}
		out.Path = path
	}

	l := sbem.Decode(raw)
	out.Samples = l.Len()
	out.Skipped = l.Skipped
	out.DecodeErr = l.Err
	logger := e.logger.With().Str("serial", serial).Uint32("log_id", stream.LogID).Logger()
	if l.Err != nil {
		logger.Warn().Err(l.Err).Int("samples", l.Len()).Int("skipped", l.Skipped).Msg("datalogger.FetchAll decode stopped early")
	} else {
		logger.Info().Int("records", l.Records).Int("samples", l.Len()).Int("skipped", l.Skipped).Msg("datalogger.FetchAll decoded")
	}
	if e.opts.Sink != nil {
		out.Published, out.PublishErr = feed.PublishLog(ctx, e.opts.Sink, serial, stream.LogID, l)
		if out.PublishErr != nil {
			logger.Warn().Err(out.PublishErr).Int("published", out.Published).Msg("datalogger.FetchAll publish failed")
		}
	}
	return out, nil
}

func (e *Engine) resume(serial string) *fetchProgress {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.progress[serial]
	if !ok {
		p = &fetchProgress{next: 1}
		e.progress[serial] = p
	} else {
		e.logger.Info().Str("serial", serial).Uint32("log_id", p.next).Msg("datalogger.FetchAll resuming")
	}
	return p
}

func (e *Engine) forget(serial string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.progress, serial)
}
