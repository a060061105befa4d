// Package retry runs one operation across many devices. Each device gets
// its own goroutine and retry budget; a collector joins the per-device
// results into a Report. One device's failure never affects another.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/gspctl/internal/logging"
	"github.com/danmuck/gspctl/internal/observability"
	"github.com/danmuck/gspctl/internal/session"
	"golang.org/x/sync/errgroup"
)

// Connector produces a Ready session for a serial suffix.
type Connector interface {
	Connect(ctx context.Context, serial string, kind Kind) (*session.Session, error)
}

// Op is one device operation. Do runs on a Ready session and may be
// called several times for the same device.
type Op struct {
	Name string
	Kind Kind
	Do   func(ctx context.Context, s *session.Session) (any, error)
}

// State is the retry bookkeeping of one device for one operation.
type State struct {
	Serial  string
	Op      string
	Attempt int
	Policy  Policy
	LastErr error
}

type Success struct {
	Serial   string
	Attempts int
	Value    any
}

type Failure struct {
	Serial   string
	Attempts int
	Err      error
}

func (f Failure) Error() string {
	return fmt.Sprintf("%s: %v (after %d attempts)", f.Serial, f.Err, f.Attempts)
}

func (f Failure) Unwrap() error {
	return f.Err
}

// Report is the joined outcome of Run, in input order.
type Report struct {
	Op        string
	Succeeded []Success
	Failed    []Failure
}

func (r Report) OK() bool {
	return len(r.Failed) == 0
}

// Err joins every device failure, or returns nil.
func (r Report) Err() error {
	if r.OK() {
		return nil
	}
	errs := make([]error, 0, len(r.Failed))
	for _, f := range r.Failed {
		errs = append(errs, f)
	}
	return errors.Join(errs...)
}

type Options struct {
	Policies Policies
	// MaxConcurrent caps simultaneous devices. Zero means no cap.
	MaxConcurrent int
	// Sleep waits between attempts; tests substitute a recorder.
	Sleep func(ctx context.Context, d time.Duration) error
}

type Orchestrator struct {
	connector Connector
	opts      Options

	rngMu sync.Mutex
	rng   *rand.Rand
}

func New(connector Connector, opts Options) *Orchestrator {
	if opts.Policies == nil {
		opts.Policies = DefaultPolicies()
	}
	if opts.Sleep == nil {
		opts.Sleep = Sleep
	}
	return &Orchestrator{
		connector: connector,
		opts:      opts,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

type result struct {
	state State
	value any
	err   error
}

// Run executes op on every serial concurrently and waits for all of them.
func (o *Orchestrator) Run(ctx context.Context, serials []string, op Op) Report {
	serials = dedupe(serials)
	channels := make([]chan result, len(serials))

	var g errgroup.Group
	if o.opts.MaxConcurrent > 0 {
		g.SetLimit(o.opts.MaxConcurrent)
	}
	for i, serial := range serials {
		serial := serial
		ch := make(chan result, 1)
		channels[i] = ch
		g.Go(func() error {
			ch <- o.runDevice(ctx, serial, op)
			return nil
		})
	}

	report := Report{Op: op.Name}
	for _, ch := range channels {
		r := <-ch
		if r.err != nil {
			report.Failed = append(report.Failed, Failure{Serial: r.state.Serial, Attempts: r.state.Attempt, Err: r.err})
			continue
		}
		report.Succeeded = append(report.Succeeded, Success{Serial: r.state.Serial, Attempts: r.state.Attempt, Value: r.value})
	}
	_ = g.Wait()
	return report
}

// RunOne executes op on a single device.
func (o *Orchestrator) RunOne(ctx context.Context, serial string, op Op) (Success, error) {
	r := o.runDevice(ctx, serial, op)
	if r.err != nil {
		return Success{}, Failure{Serial: serial, Attempts: r.state.Attempt, Err: r.err}
	}
	return Success{Serial: serial, Attempts: r.state.Attempt, Value: r.value}, nil
}

func (o *Orchestrator) runDevice(ctx context.Context, serial string, op Op) result {
	st := State{Serial: serial, Op: op.Name, Policy: o.opts.Policies.For(op.Kind)}
	logger := logging.WithComponent("retry").With().Str("serial", serial).Str("op", op.Name).Logger()

	var sess *session.Session
	defer func() {
		if sess != nil {
			_ = sess.Close()
		}
	}()

	for {
		st.Attempt++
		value, err := o.attempt(ctx, serial, op, &sess)
		if err == nil {
			observability.RecordRetryAttempt(op.Name, "ok")
			logger.Info().Int("attempt", st.Attempt).Msg("retry.Orchestrator done")
			return result{state: st, value: value}
		}
		st.LastErr = err

		action := Classify(err, sess)
		if ctx.Err() != nil {
			action = ActionStop
		}
		if action == ActionStop || st.Attempt >= st.Policy.MaxAttempts {
			observability.RecordRetryAttempt(op.Name, "failed")
			logger.Error().Err(err).Int("attempt", st.Attempt).Int("max", st.Policy.MaxAttempts).Msg("retry.Orchestrator giving up")
			return result{state: st, err: err}
		}

		observability.RecordRetryAttempt(op.Name, action.String())
		delay := o.delay(st.Policy, st.Attempt)
		logger.Warn().Err(err).
			Int("attempt", st.Attempt).
			Int("max", st.Policy.MaxAttempts).
			Str("action", action.String()).
			Dur("delay", delay).
			Msg("retry.Orchestrator attempt failed")
		if action == ActionReconnect && sess != nil {
			_ = sess.Close()
			sess = nil
		}
		if err := o.opts.Sleep(ctx, delay); err != nil {
			return result{state: st, err: st.LastErr}
		}
	}
}

func (o *Orchestrator) attempt(ctx context.Context, serial string, op Op, sess **session.Session) (any, error) {
	if *sess == nil || !(*sess).Ready() {
		if *sess != nil {
			_ = (*sess).Close()
			*sess = nil
		}
		s, err := o.connector.Connect(ctx, serial, op.Kind)
		if err != nil {
			return nil, err
		}
		*sess = s
	}
	return op.Do(ctx, *sess)
}

func (o *Orchestrator) delay(p Policy, attempt int) time.Duration {
	o.rngMu.Lock()
	defer o.rngMu.Unlock()
	return p.Backoff.Next(attempt, o.rng)
}

func dedupe(serials []string) []string {
	seen := make(map[string]struct{}, len(serials))
	out := make([]string, 0, len(serials))
	for _, s := range serials {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
