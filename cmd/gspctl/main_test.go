package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/gspctl/internal/config"
	"github.com/danmuck/gspctl/internal/logstore"
	"github.com/danmuck/gspctl/internal/retry"
	"github.com/danmuck/gspctl/internal/testutil/testlog"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestLoadExampleConfig(t *testing.T) {
	testlog.Start(t)
	cfg, err := config.Load("ex.config.toml")
	if err != nil {
		t.Fatalf("load example config: %v", err)
	}
	if cfg.OutputDir != "logs" || len(cfg.Serials) != 2 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.ScanTimeout != 15*time.Second || cfg.ResponseTimeout != 8*time.Second {
		t.Fatalf("unexpected timeouts: %v %v", cfg.ScanTimeout, cfg.ResponseTimeout)
	}

	sopts := sessionOptions(cfg)
	if sopts.ResponseTimeout != 8*time.Second || !sopts.SetTime {
		t.Fatalf("unexpected session options: %+v", sopts)
	}
	eopts := engineOptions(cfg, nil, nil)
	if eopts.Discovery.Timeout != 15*time.Second {
		t.Fatalf("unexpected discovery timeout: %v", eopts.Discovery.Timeout)
	}
	ropts := retryOptions(cfg)
	if ropts.MaxConcurrent != 4 {
		t.Fatalf("unexpected max concurrent: %d", ropts.MaxConcurrent)
	}
	if p := ropts.Policies.For(retry.KindFetch); p.MaxAttempts != 10 || p.Backoff.Delay != 5*time.Second || p.Backoff.Jitter != 0.1 {
		t.Fatalf("unexpected fetch policy: %+v", p)
	}
	if p := ropts.Policies.For(retry.KindStatus); p.MaxAttempts != 1 {
		t.Fatalf("status must be attempted once: %+v", p)
	}
}

func TestSimulatedStatusAndGet(t *testing.T) {
	testlog.Start(t)
	out, err := execute(t, "", "--simulate", "-s", "241330000455", "-s", "241330000456", "status")
	if err != nil {
		t.Fatalf("status: %v\n%s", err, out)
	}
	for _, want := range []string{"241330000455: serial=241330000455", "241330000456: serial=241330000456", "logger=ready"} {
		if !strings.Contains(out, want) {
			t.Fatalf("status output missing %q:\n%s", want, out)
		}
	}

	out, err = execute(t, "", "--simulate", "-s", "0455", "get", "/Info/Battery")
	if err != nil {
		t.Fatalf("get: %v\n%s", err, out)
	}
	if !strings.Contains(out, "/Info/Battery = 57") {
		t.Fatalf("unexpected get output:\n%s", out)
	}
}

func TestSimulatedFetchThenDecode(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	out, err := execute(t, "", "--simulate", "-s", "241330000455", "fetch", "-o", dir)
	if err != nil {
		t.Fatalf("fetch: %v\n%s", err, out)
	}
	if !strings.Contains(out, "1 log(s)") || !strings.Contains(out, "reset=true") {
		t.Fatalf("unexpected fetch output:\n%s", out)
	}
	path := filepath.Join(dir, logstore.FileName("241330000455", 1))
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("log not persisted: %v", err)
	}

	out, err = execute(t, "", "decode", path)
	if err != nil {
		t.Fatalf("decode: %v\n%s", err, out)
	}
	if !strings.Contains(out, "10 samples, 0 skipped") || !strings.Contains(out, "/Meas/Temp: 10 samples") {
		t.Fatalf("unexpected decode output:\n%s", out)
	}
}

func TestEraseAsksForConfirmation(t *testing.T) {
	testlog.Start(t)
	out, err := execute(t, "n\n", "--simulate", "-s", "0455", "erasemem")
	if err != nil {
		t.Fatalf("erasemem: %v", err)
	}
	if !strings.Contains(out, "aborted") {
		t.Fatalf("expected abort:\n%s", out)
	}

	out, err = execute(t, "", "--simulate", "-s", "0455", "erasemem", "--force")
	if err != nil {
		t.Fatalf("erasemem --force: %v\n%s", err, out)
	}
	if !strings.Contains(out, "0455: ok") {
		t.Fatalf("unexpected erase output:\n%s", out)
	}
}

func TestResetDefaultsToResetMode(t *testing.T) {
	testlog.Start(t)
	out, err := execute(t, "", "--simulate", "-s", "0455", "reset")
	if err != nil {
		t.Fatalf("reset: %v\n%s", err, out)
	}
	if !strings.Contains(out, "0455: system mode 5") {
		t.Fatalf("unexpected reset output:\n%s", out)
	}
}

func TestCommandsRequireDevices(t *testing.T) {
	testlog.Start(t)
	if _, err := execute(t, "", "--simulate", "status"); err == nil {
		t.Fatalf("expected error without serials")
	}
	if _, err := execute(t, "", "--simulate", "-s", "0455", "config"); err == nil {
		t.Fatalf("expected error without --path")
	}
}

func TestGenConfigWritesAndValidates(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "gspctl.toml")
	if _, err := execute(t, "", "genconfig", "-o", path); err != nil {
		t.Fatalf("genconfig: %v", err)
	}
	out, err := execute(t, "", "genconfig", "-o", path, "--validate")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !strings.Contains(out, "validated") {
		t.Fatalf("unexpected output: %s", out)
	}
	if _, err := execute(t, "", "genconfig", "-o", path); err == nil {
		t.Fatalf("expected refusal to overwrite")
	}
}

func TestAppCloseRunsEveryCloserAndLogsFailures(t *testing.T) {
	testlog.Start(t)
	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf)
	t.Cleanup(func() { log.Logger = prev })

	var order []string
	a := &app{closers: []func() error{
		func() error { order = append(order, "store"); return nil },
		func() error { order = append(order, "sink"); return errors.New("broker gone") },
	}}
	a.close()

	if strings.Join(order, ",") != "sink,store" {
		t.Fatalf("closers ran as %v", order)
	}
	if a.closers != nil {
		t.Fatalf("closers must be cleared")
	}
	if !strings.Contains(buf.String(), "broker gone") || !strings.Contains(buf.String(), `"component":"cli"`) {
		t.Fatalf("close failure not logged: %s", buf.String())
	}
}
