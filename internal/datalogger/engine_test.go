package datalogger

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/gspctl/internal/discovery"
	"github.com/danmuck/gspctl/internal/feed"
	"github.com/danmuck/gspctl/internal/logstore"
	"github.com/danmuck/gspctl/internal/protocol"
	"github.com/danmuck/gspctl/internal/retry"
	"github.com/danmuck/gspctl/internal/sbem"
	"github.com/danmuck/gspctl/internal/session"
	"github.com/danmuck/gspctl/internal/testutil/testlog"
	"github.com/danmuck/gspctl/internal/transport/memory"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const serial = "241330000455"

var fixedNow = time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)

type collectSink struct {
	mu      sync.Mutex
	records []feed.Record
}

func (c *collectSink) Publish(_ context.Context, rec feed.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, rec)
	return nil
}

func (c *collectSink) Close() error { return nil }

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

type fixture struct {
	device *memory.Device
	engine *Engine
	orch   *retry.Orchestrator
}

func newFixture(t *testing.T, mutate func(*Options)) fixture {
	t.Helper()
	adapter := memory.NewAdapter(protocol.DefaultTable())
	dev := adapter.AddDevice(memory.NewDevice("Movesense "+serial, "0C:8C:DC:00:04:55", serial))

	sopts := session.DefaultOptions()
	sopts.ResponseTimeout = 200 * time.Millisecond
	sopts.FetchIdleTimeout = 200 * time.Millisecond
	sopts.SetTime = true
	sopts.Now = func() time.Time { return fixedNow }
	opts := Options{
		Session:   sopts,
		Discovery: discovery.Options{Timeout: 500 * time.Millisecond},
	}
	if mutate != nil {
		mutate(&opts)
	}
	e := New(adapter, adapter, opts)
	return fixture{
		device: dev,
		engine: e,
		orch:   retry.New(e, retry.Options{Sleep: noSleep}),
	}
}

func (f fixture) run(t *testing.T, op retry.Op) retry.Success {
	t.Helper()
	res, err := f.orch.RunOne(context.Background(), "0455", op)
	require.NoError(t, err)
	return res
}

func sbemLog(t *testing.T, groups int) []byte {
	t.Helper()
	w := sbem.NewWriter()
	ref := w.DefineTimeReference(protocol.PathTimeDetailed)
	temp, err := w.Define("/Meas/Temp", sbem.KindFloat, 4, 1, 1)
	require.NoError(t, err)
	require.NoError(t, w.AppendReference(ref, 0, uint64(fixedNow.UnixMicro())))
	for i := 0; i < groups; i++ {
		require.NoError(t, w.Append(temp, uint32(i*1000), []float64{20 + float64(i)}))
	}
	return w.Bytes()
}

// logWithUnknownRecord is sbemLog(groups) followed by one record whose id
// has no descriptor.
func logWithUnknownRecord(t *testing.T, groups int) []byte {
	t.Helper()
	w := sbem.NewWriter()
	temp, err := w.Define("/Meas/Temp", sbem.KindFloat, 4, 1, 1)
	require.NoError(t, err)
	for i := 0; i < groups; i++ {
		require.NoError(t, w.Append(temp, uint32(i*1000), []float64{20}))
	}
	w.AppendRaw(200, []byte{1, 2, 3, 4})
	return w.Bytes()
}

// captureLog routes the global logger into a buffer for the test.
func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf).Level(zerolog.DebugLevel)
	t.Cleanup(func() { log.Logger = prev })
	return &buf
}

func TestStatusReportsInfoAndStateAndSetsClock(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, nil)
	f.device.SetLoggerState(protocol.LoggerLogging)

	res := f.run(t, f.engine.Status())
	st, ok := res.Value.(Status)
	require.True(t, ok)
	assert.Equal(t, serial, st.Serial)
	assert.Equal(t, "datalogger", st.Info.AppName)
	assert.Equal(t, protocol.LoggerLogging, st.LoggerState)
	assert.Equal(t, 1, res.Attempts)
	assert.True(t, f.device.UTCTime().Equal(fixedNow))
}

func TestConfigureAppendsTimeReference(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, nil)

	_, err := f.engine.Configure([]string{" ", ""})
	require.ErrorIs(t, err, ErrUsage)

	op, err := f.engine.Configure([]string{"/Meas/Acc/13", "/Meas/Temp"})
	require.NoError(t, err)
	res := f.run(t, op)
	want := []string{"/Meas/Acc/13", "/Meas/Temp", protocol.PathTimeDetailed}
	assert.Equal(t, want, res.Value)
	assert.Equal(t, want, f.device.Config())
}

func TestStartStop(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, nil)

	f.run(t, f.engine.Start())
	assert.Equal(t, protocol.LoggerLogging, f.device.LoggerState())
	f.run(t, f.engine.Stop())
	assert.Equal(t, protocol.LoggerReady, f.device.LoggerState())
}

func TestFetchAllPersistsDecodesPublishesAndResets(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	store, err := logstore.New(dir)
	require.NoError(t, err)
	sink := &collectSink{}
	f := newFixture(t, func(o *Options) {
		o.Store = store
		o.Sink = sink
	})
	first, second := sbemLog(t, 3), sbemLog(t, 5)
	f.device.AddLog(first)
	f.device.AddLog(second)

	res := f.run(t, f.engine.FetchAll())
	out, ok := res.Value.(FetchResult)
	require.True(t, ok)
	require.Len(t, out.Logs, 2)
	assert.True(t, out.Reset)
	assert.Equal(t, protocol.SystemModeReset, f.device.SystemMode())
	assert.Equal(t, len(first)+len(second), out.TotalBytes())

	assert.Equal(t, uint32(1), out.Logs[0].ID)
	assert.Equal(t, 3, out.Logs[0].Samples)
	assert.Equal(t, 5, out.Logs[1].Published)
	assert.NoError(t, out.Logs[1].DecodeErr)

	saved, err := os.ReadFile(filepath.Join(dir, logstore.FileName(serial, 2)))
	require.NoError(t, err)
	assert.Equal(t, second, saved)

	sink.mu.Lock()
	assert.Len(t, sink.records, 8)
	assert.Equal(t, serial, sink.records[0].Serial)
	assert.Equal(t, fixedNow.UnixMilli(), sink.records[0].TimestampMS)
	sink.mu.Unlock()

	assert.Equal(t, 0, f.device.WriteCount(protocol.OpPutUTCTime), "fetch must not touch the device clock")
	assert.Equal(t, 3, f.device.WriteCount(protocol.OpFetchLog))
}

func TestFetchAllKeepsUndecodableLog(t *testing.T) {
	testlog.Start(t)
	store, err := logstore.New(t.TempDir())
	require.NoError(t, err)
	f := newFixture(t, func(o *Options) {
		o.Store = store
		o.SkipReset = true
	})
	f.device.AddLog([]byte("not a log at all"))

	res := f.run(t, f.engine.FetchAll())
	out := res.Value.(FetchResult)
	require.Len(t, out.Logs, 1)
	assert.ErrorIs(t, out.Logs[0].DecodeErr, sbem.ErrDecode)
	assert.False(t, out.Reset)
	assert.Equal(t, 0, f.device.WriteCount(protocol.OpPutSystemMode))

	data, err := store.Load(serial, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte("not a log at all"), data)
}

func TestFetchAllCountsSkippedRecords(t *testing.T) {
	testlog.Start(t)
	buf := captureLog(t)
	f := newFixture(t, func(o *Options) { o.SkipReset = true })
	f.device.AddLog(logWithUnknownRecord(t, 2))

	res := f.run(t, f.engine.FetchAll())
	out := res.Value.(FetchResult)
	require.Len(t, out.Logs, 1)
	assert.Equal(t, 1, out.Logs[0].Skipped)
	assert.Equal(t, 2, out.Logs[0].Samples)
	assert.NoError(t, out.Logs[0].DecodeErr)
	assert.Contains(t, buf.String(), `"skipped":1`)
	assert.Contains(t, buf.String(), "datalogger.FetchAll decoded")
}

func TestFetchAllResumesAfterFailedAttempt(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, func(o *Options) { o.SkipReset = true })
	f.device.AddLog(sbemLog(t, 1))
	f.device.AddLog(sbemLog(t, 2))

	prior := f.engine.resume(serial)
	prior.next = 2
	prior.logs = []FetchedLog{{ID: 1, Bytes: 10}}

	res := f.run(t, f.engine.FetchAll())
	out := res.Value.(FetchResult)
	require.Len(t, out.Logs, 2)
	assert.Equal(t, uint32(1), out.Logs[0].ID)
	assert.Equal(t, uint32(2), out.Logs[1].ID)
	assert.Equal(t, 2, f.device.WriteCount(protocol.OpFetchLog), "log 1 must not be fetched again")

	f.engine.mu.Lock()
	_, pending := f.engine.progress[serial]
	f.engine.mu.Unlock()
	assert.False(t, pending)
}

func TestFetchAllRetriesSilentDevice(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, func(o *Options) { o.SkipReset = true })
	f.device.AddLog(sbemLog(t, 2))
	f.device.SetFaults(memory.Faults{Silent: map[protocol.Op]int{protocol.OpFetchLog: 1}})

	res := f.run(t, f.engine.FetchAll())
	out := res.Value.(FetchResult)
	require.Len(t, out.Logs, 1)
	assert.Equal(t, 2, res.Attempts)
}

func TestEraseClearsLogbook(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, nil)
	f.device.AddLog(sbemLog(t, 1))
	f.engine.resume(serial)

	f.run(t, f.engine.Erase())
	assert.Equal(t, 0, f.device.LogCount())
	assert.Equal(t, 0, f.device.WriteCount(protocol.OpPutUTCTime))
	f.engine.mu.Lock()
	assert.Empty(t, f.engine.progress)
	f.engine.mu.Unlock()
}

func TestGetResource(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, nil)
	f.device.SetResource("/Info/Battery", []byte{87})

	_, err := f.engine.Get("Info/Battery")
	require.ErrorIs(t, err, ErrUsage)

	op, err := f.engine.Get(" /Info/Battery ")
	require.NoError(t, err)
	res := f.run(t, op)
	assert.Equal(t, Resource{Path: "/Info/Battery", Value: []byte{87}}, res.Value)

	missing, err := f.engine.Get("/Nope")
	require.NoError(t, err)
	_, err = f.orch.RunOne(context.Background(), "0455", missing)
	require.Error(t, err)
	assert.True(t, protocol.IsStatus(err, protocol.StatusNotFound))
	var failure retry.Failure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, 1, failure.Attempts, "rejected commands are not retried")
}

func TestSetTimeAndSystemMode(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, func(o *Options) { o.Session.SetTime = false })

	res := f.run(t, f.engine.SetTime())
	assert.Equal(t, fixedNow, res.Value)
	assert.True(t, f.device.UTCTime().Equal(fixedNow))
	assert.Equal(t, 1, f.device.WriteCount(protocol.OpPutUTCTime))

	f.run(t, f.engine.SystemMode(protocol.SystemModeReset))
	assert.Equal(t, protocol.SystemModeReset, f.device.SystemMode())
}

func TestDecodeFile(t *testing.T) {
	testlog.Start(t)
	store, err := logstore.New(t.TempDir())
	require.NoError(t, err)
	path, err := store.Save(serial, 4, sbemLog(t, 2))
	require.NoError(t, err)

	sink := &collectSink{}
	l, n, err := DecodeFile(context.Background(), path, sink)
	require.NoError(t, err)
	require.NoError(t, l.Err)
	assert.Equal(t, 2, n)
	assert.Equal(t, uint32(4), sink.records[1].LogID)
	assert.Equal(t, fixedNow.Add(time.Second).UnixMilli(), sink.records[1].TimestampMS)

	_, _, err = DecodeFile(context.Background(), filepath.Join(t.TempDir(), "missing.sbem"), nil)
	assert.ErrorIs(t, err, protocol.ErrIO)
}

func TestDecodeFileLogsSkippedRecords(t *testing.T) {
	testlog.Start(t)
	store, err := logstore.New(t.TempDir())
	require.NoError(t, err)
	path, err := store.Save(serial, 1, logWithUnknownRecord(t, 3))
	require.NoError(t, err)

	buf := captureLog(t)
	l, n, err := DecodeFile(context.Background(), path, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 1, l.Skipped)
	assert.Equal(t, 3, l.Len())
	assert.Contains(t, buf.String(), `"skipped":1`)
}
