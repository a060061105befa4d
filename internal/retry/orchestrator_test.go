package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/gspctl/internal/discovery"
	"github.com/danmuck/gspctl/internal/protocol"
	"github.com/danmuck/gspctl/internal/session"
	"github.com/danmuck/gspctl/internal/testutil/testlog"
	"github.com/danmuck/gspctl/internal/transport/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memConnector struct {
	adapter *memory.Adapter
	opts    session.Options

	mu        sync.Mutex
	connects  map[string]int
	failFirst map[string]int
}

func newMemConnector(a *memory.Adapter) *memConnector {
	opts := session.DefaultOptions()
	opts.ResponseTimeout = 100 * time.Millisecond
	opts.FetchIdleTimeout = 100 * time.Millisecond
	return &memConnector{
		adapter:   a,
		opts:      opts,
		connects:  make(map[string]int),
		failFirst: make(map[string]int),
	}
}

func (c *memConnector) Connect(ctx context.Context, serial string, _ Kind) (*session.Session, error) {
	c.mu.Lock()
	c.connects[serial]++
	if c.failFirst[serial] > 0 {
		c.failFirst[serial]--
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s out of range", protocol.ErrNoDeviceFound, serial)
	}
	c.mu.Unlock()

	adverts, err := discovery.Discover(ctx, c.adapter, serial, discovery.Options{Timeout: 200 * time.Millisecond})
	if err != nil {
		return nil, err
	}
	return session.Open(ctx, c.adapter, adverts[0], serial, c.opts)
}

func (c *memConnector) count(serial string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects[serial]
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func (r *sleepRecorder) recorded() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

func newFleet(t *testing.T, serials ...string) (*memory.Adapter, map[string]*memory.Device) {
	t.Helper()
	a := memory.NewAdapter(protocol.DefaultTable())
	devs := make(map[string]*memory.Device, len(serials))
	for i, serial := range serials {
		devs[serial] = a.AddDevice(memory.NewDevice("Movesense "+serial, fmt.Sprintf("0C:8C:DC:00:00:%02X", i), serial))
	}
	return a, devs
}

func TestStatusIsNeverRetried(t *testing.T) {
	testlog.Start(t)
	a, _ := newFleet(t)
	conn := newMemConnector(a)
	rec := &sleepRecorder{}
	o := New(conn, Options{Sleep: rec.sleep})

	report := o.Run(context.Background(), []string{"0455"}, Op{
		Name: "status",
		Kind: KindStatus,
		Do:   func(context.Context, *session.Session) (any, error) { return nil, nil },
	})
	require.Len(t, report.Failed, 1)
	assert.Equal(t, 1, report.Failed[0].Attempts)
	assert.ErrorIs(t, report.Failed[0].Err, protocol.ErrNoDeviceFound)
	assert.Empty(t, rec.recorded())
	assert.Equal(t, 1, conn.count("0455"))
}

func TestRetriedKindsMakeTenAttemptsFiveSecondsApart(t *testing.T) {
	testlog.Start(t)
	for _, kind := range retriedKinds {
		a, _ := newFleet(t, "241330000455")
		conn := newMemConnector(a)
		rec := &sleepRecorder{}
		o := New(conn, Options{Sleep: rec.sleep})

		var calls atomic.Int32
		report := o.Run(context.Background(), []string{"0455"}, Op{
			Name: kind.String(),
			Kind: kind,
			Do: func(context.Context, *session.Session) (any, error) {
				calls.Add(1)
				return nil, protocol.ErrResponseTimeout
			},
		})
		require.Len(t, report.Failed, 1, kind.String())
		assert.Equal(t, 10, report.Failed[0].Attempts, kind.String())
		assert.Equal(t, int32(10), calls.Load(), kind.String())
		assert.Equal(t, 1, conn.count("0455"), "%s: timeouts on a ready session re-issue only", kind)

		delays := rec.recorded()
		require.Len(t, delays, 9, kind.String())
		for _, d := range delays {
			assert.Equal(t, 5*time.Second, d)
		}
	}
}

func TestPermanentErrorsStopImmediately(t *testing.T) {
	testlog.Start(t)
	for _, permanent := range []error{
		&protocol.StatusError{Op: protocol.OpPutDataLoggerConfig, Status: 400},
		fmt.Errorf("%w: serial mismatch", protocol.ErrHandshakeMismatch),
	} {
		a, _ := newFleet(t, "241330000455")
		rec := &sleepRecorder{}
		o := New(newMemConnector(a), Options{Sleep: rec.sleep})
		report := o.Run(context.Background(), []string{"0455"}, Op{
			Name: "config",
			Kind: KindConfig,
			Do:   func(context.Context, *session.Session) (any, error) { return nil, permanent },
		})
		require.Len(t, report.Failed, 1)
		assert.Equal(t, 1, report.Failed[0].Attempts)
		assert.Empty(t, rec.recorded())
	}
}

func TestConnectionFailuresRerunLifecycle(t *testing.T) {
	testlog.Start(t)
	a, devs := newFleet(t, "241330000455")
	conn := newMemConnector(a)
	conn.failFirst["0455"] = 2
	o := New(conn, Options{Sleep: (&sleepRecorder{}).sleep})

	report := o.Run(context.Background(), []string{"0455"}, Op{
		Name: "start",
		Kind: KindStart,
		Do: func(ctx context.Context, s *session.Session) (any, error) {
			return nil, s.SetLoggerState(ctx, protocol.LoggerLogging)
		},
	})
	require.True(t, report.OK(), "%v", report.Err())
	assert.Equal(t, 3, report.Succeeded[0].Attempts)
	assert.Equal(t, 3, conn.count("0455"))
	assert.Equal(t, protocol.LoggerLogging, devs["241330000455"].LoggerState())
	assert.False(t, devs["241330000455"].Connected(), "session closed after the operation")
}

func TestResponseTimeoutReissuesOnSameSession(t *testing.T) {
	testlog.Start(t)
	a, devs := newFleet(t, "241330000455")
	dev := devs["241330000455"]
	dev.SetFaults(memory.Faults{Silent: map[protocol.Op]int{protocol.OpPutDataLoggerState: 2}})
	conn := newMemConnector(a)
	o := New(conn, Options{Sleep: (&sleepRecorder{}).sleep})

	report := o.Run(context.Background(), []string{"0455"}, Op{
		Name: "stop",
		Kind: KindStop,
		Do: func(ctx context.Context, s *session.Session) (any, error) {
			return nil, s.SetLoggerState(ctx, protocol.LoggerReady)
		},
	})
	require.True(t, report.OK(), "%v", report.Err())
	assert.Equal(t, 3, report.Succeeded[0].Attempts)
	assert.Equal(t, 1, conn.count("0455"))
	assert.Equal(t, 3, dev.WriteCount(protocol.OpPutDataLoggerState))
}

func TestLinkLossReconnects(t *testing.T) {
	testlog.Start(t)
	a, devs := newFleet(t, "241330000455")
	dev := devs["241330000455"]
	conn := newMemConnector(a)
	o := New(conn, Options{Sleep: (&sleepRecorder{}).sleep})

	var calls atomic.Int32
	report := o.Run(context.Background(), []string{"0455"}, Op{
		Name: "erase",
		Kind: KindErase,
		Do: func(ctx context.Context, s *session.Session) (any, error) {
			if calls.Add(1) == 1 {
				dev.Drop()
				for i := 0; i < 1000 && s.Ready(); i++ {
					time.Sleep(time.Millisecond)
				}
			}
			return nil, s.ClearLogbook(ctx)
		},
	})
	require.True(t, report.OK(), "%v", report.Err())
	assert.Equal(t, 2, conn.count("0455"))
}

func TestDevicesAreIndependent(t *testing.T) {
	testlog.Start(t)
	a, devs := newFleet(t, "241330000001", "241330000002", "241330000003")
	devs["241330000002"].SetFaults(memory.Faults{Reject: map[protocol.Op]uint16{protocol.OpClearLogbook: 500}})
	conn := newMemConnector(a)
	o := New(conn, Options{Sleep: (&sleepRecorder{}).sleep})

	report := o.Run(context.Background(), []string{"0001", "0002", "0003", "0009", "0001"}, Op{
		Name: "erase",
		Kind: KindErase,
		Do: func(ctx context.Context, s *session.Session) (any, error) {
			return s.Serial(), s.ClearLogbook(ctx)
		},
	})

	require.Len(t, report.Succeeded, 2)
	assert.Equal(t, "0001", report.Succeeded[0].Serial)
	assert.Equal(t, "241330000001", report.Succeeded[0].Value)
	assert.Equal(t, "0003", report.Succeeded[1].Serial)

	require.Len(t, report.Failed, 2)
	assert.Equal(t, "0002", report.Failed[0].Serial)
	assert.True(t, protocol.IsStatus(report.Failed[0].Err, 500))
	assert.Equal(t, 1, report.Failed[0].Attempts)
	assert.Equal(t, "0009", report.Failed[1].Serial)
	assert.ErrorIs(t, report.Failed[1].Err, protocol.ErrNoDeviceFound)
	assert.Equal(t, 10, report.Failed[1].Attempts)

	assert.ErrorIs(t, report.Err(), protocol.ErrNoDeviceFound)
}

func TestDevicesRunConcurrently(t *testing.T) {
	testlog.Start(t)
	a, _ := newFleet(t, "241330000001", "241330000002", "241330000003")
	o := New(newMemConnector(a), Options{Sleep: (&sleepRecorder{}).sleep})

	var arrived sync.WaitGroup
	arrived.Add(3)
	all := make(chan struct{})
	go func() {
		arrived.Wait()
		close(all)
	}()
	report := o.Run(context.Background(), []string{"0001", "0002", "0003"}, Op{
		Name: "status",
		Kind: KindStatus,
		Do: func(ctx context.Context, s *session.Session) (any, error) {
			arrived.Done()
			select {
			case <-all:
				return nil, nil
			case <-time.After(2 * time.Second):
				return nil, errors.New("devices were serialized")
			}
		},
	})
	assert.True(t, report.OK(), "%v", report.Err())
}

func TestMaxConcurrentLimitsDevices(t *testing.T) {
	testlog.Start(t)
	a, _ := newFleet(t, "241330000001", "241330000002", "241330000003")
	o := New(newMemConnector(a), Options{MaxConcurrent: 1, Sleep: (&sleepRecorder{}).sleep})

	var active, peak atomic.Int32
	report := o.Run(context.Background(), []string{"0001", "0002", "0003"}, Op{
		Name: "status",
		Kind: KindStatus,
		Do: func(context.Context, *session.Session) (any, error) {
			n := active.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			active.Add(-1)
			return nil, nil
		},
	})
	assert.True(t, report.OK(), "%v", report.Err())
	assert.Equal(t, int32(1), peak.Load())
}

func TestCancelledContextStopsRetrying(t *testing.T) {
	testlog.Start(t)
	a, _ := newFleet(t, "241330000455")
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	o := New(newMemConnector(a), Options{})

	report := o.Run(ctx, []string{"0455"}, Op{
		Name: "config",
		Kind: KindConfig,
		Do: func(context.Context, *session.Session) (any, error) {
			calls.Add(1)
			cancel()
			return nil, protocol.ErrResponseTimeout
		},
	})
	require.Len(t, report.Failed, 1)
	assert.Equal(t, int32(1), calls.Load())
	assert.ErrorIs(t, report.Failed[0].Err, protocol.ErrResponseTimeout)
}

func TestBackoffNext(t *testing.T) {
	testlog.Start(t)
	fixed := Fixed(5 * time.Second)
	for attempt := 1; attempt <= 10; attempt++ {
		assert.Equal(t, 5*time.Second, fixed.Next(attempt, nil))
	}
	assert.Zero(t, Backoff{}.Next(3, nil))

	growing := Backoff{Delay: 100 * time.Millisecond, Multiplier: 2, MaxDelay: time.Second}
	assert.Equal(t, 100*time.Millisecond, growing.Next(1, nil))
	assert.Equal(t, 400*time.Millisecond, growing.Next(3, nil))
	assert.Equal(t, time.Second, growing.Next(9, nil))

	growing.Jitter = 0.5
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 50; i++ {
		d := growing.Next(2, rng)
		assert.GreaterOrEqual(t, d, 100*time.Millisecond)
		assert.LessOrEqual(t, d, 300*time.Millisecond)
	}
	assert.Equal(t, 200*time.Millisecond, growing.Next(2, nil), "no rng means no jitter")
}

func TestConfiguredBackoffDrivesRetryPauses(t *testing.T) {
	testlog.Start(t)
	a, _ := newFleet(t, "241330000455")
	conn := newMemConnector(a)
	rec := &sleepRecorder{}
	policies := DefaultPolicies().WithBackoff(5, Backoff{
		Delay:      time.Second,
		Multiplier: 2,
		MaxDelay:   5 * time.Second,
		Jitter:     0.25,
	})
	o := New(conn, Options{Policies: policies, Sleep: rec.sleep})

	report := o.Run(context.Background(), []string{"0455"}, Op{
		Name: "get",
		Kind: KindGet,
		Do: func(context.Context, *session.Session) (any, error) {
			return nil, protocol.ErrResponseTimeout
		},
	})
	require.Len(t, report.Failed, 1)
	assert.Equal(t, 5, report.Failed[0].Attempts)

	delays := rec.recorded()
	require.Len(t, delays, 4)
	for i, base := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second} {
		lo, hi := time.Duration(float64(base)*0.75), time.Duration(float64(base)*1.25)
		assert.GreaterOrEqual(t, delays[i], lo, "pause %d", i)
		assert.LessOrEqual(t, delays[i], hi, "pause %d", i)
	}
}

func TestPoliciesWithRetries(t *testing.T) {
	testlog.Start(t)
	p := DefaultPolicies().WithRetries(3, time.Second)
	assert.Equal(t, 1, p.For(KindStatus).MaxAttempts)
	assert.Equal(t, 3, p.For(KindFetch).MaxAttempts)
	assert.Equal(t, time.Second, p.For(KindFetch).Backoff.Next(2, nil))
	assert.Equal(t, 1, Policies{}.For(KindFetch).MaxAttempts)
}
