package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/danmuck/gspctl/internal/config"
	"github.com/danmuck/gspctl/internal/datalogger"
	"github.com/danmuck/gspctl/internal/feed"
	"github.com/danmuck/gspctl/internal/logging"
	"github.com/danmuck/gspctl/internal/logstore"
	"github.com/danmuck/gspctl/internal/observability"
	"github.com/danmuck/gspctl/internal/retry"
	"github.com/danmuck/gspctl/internal/transport"
	"github.com/danmuck/gspctl/internal/transport/bluez"
)

const defaultConfigPath = "gspctl.toml"

// rootOptions holds the persistent flags.
type rootOptions struct {
	configPath  string
	verbose     bool
	serials     []string
	simulate    bool
	metricsAddr string
	outputDir   string
}

// app is everything one command invocation needs.
type app struct {
	cfg     config.Config
	serials []string
	engine  *datalogger.Engine
	orch    *retry.Orchestrator
	sink    feed.Sink
	closers []func() error
}

// loadConfig reads an explicit --config path, or gspctl.toml from the
// working directory when present, or falls back to defaults.
func loadConfig(opts *rootOptions) (config.Config, error) {
	path := strings.TrimSpace(opts.configPath)
	if path == "" {
		if _, err := os.Stat(defaultConfigPath); err != nil {
			return applyFlags(config.Default(), opts), nil
		}
		path = defaultConfigPath
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}
	return applyFlags(cfg, opts), nil
}

func applyFlags(cfg config.Config, opts *rootOptions) config.Config {
	if opts.metricsAddr != "" {
		cfg.MetricsAddr = opts.metricsAddr
	}
	if opts.outputDir != "" {
		cfg.OutputDir = opts.outputDir
	}
	return cfg
}

// newApp builds the transport, sinks and engine. needDevices is false for
// commands that only touch local files.
func newApp(ctx context.Context, opts *rootOptions, needDevices bool) (*app, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, serials: opts.serials}
	if len(a.serials) == 0 {
		a.serials = cfg.Serials
	}
	if needDevices && len(a.serials) == 0 {
		return nil, errors.New("no devices: pass -s <serial suffix> or set serials in the config file")
	}

	if cfg.MetricsAddr != "" {
		go func() {
			if err := observability.Serve(ctx, cfg.MetricsAddr); err != nil {
				logger := logging.WithComponent("cli")
				logger.Error().Err(err).Msg("gspctl metrics server stopped")
			}
		}()
	}

	sink, err := openSinks(cfg)
	if err != nil {
		return nil, err
	}
	if sink != nil {
		a.sink = sink
		a.closers = append(a.closers, sink.Close)
	}
	if !needDevices {
		return a, nil
	}

	store, err := logstore.New(cfg.OutputDir)
	if err != nil {
		a.close()
		return nil, err
	}

	var scanner transport.Scanner
	var dialer transport.Dialer
	if opts.simulate {
		sim := simulatedAdapter(cfg, a.serials)
		scanner, dialer = sim, sim
	} else {
		adapter, err := bluez.Open(bluez.Options{Adapter: cfg.Adapter})
		if err != nil {
			a.close()
			return nil, err
		}
		a.closers = append(a.closers, adapter.Close)
		scanner, dialer = adapter, adapter
	}

	a.engine = datalogger.New(scanner, dialer, engineOptions(cfg, store, a.sink))
	a.orch = retry.New(a.engine, retryOptions(cfg))
	return a, nil
}

// openSinks returns nil when no feed is configured.
func openSinks(cfg config.Config) (feed.Sink, error) {
	if !cfg.Feed.Enabled() {
		return nil, nil
	}
	var sinks feed.Multi
	fail := func(err error) (feed.Sink, error) {
		_ = sinks.Close()
		return nil, err
	}
	if cfg.Feed.JSONL != "" {
		s, err := feed.OpenJSONL(cfg.Feed.JSONL)
		if err != nil {
			return fail(err)
		}
		sinks = append(sinks, s)
	}
	if cfg.Feed.MQTTBroker != "" {
		s, err := feed.DialMQTT(cfg.Feed.MQTTBroker, cfg.Feed.MQTTClientID, cfg.Feed.MQTTTopicPrefix)
		if err != nil {
			return fail(err)
		}
		sinks = append(sinks, s)
	}
	if cfg.Feed.NATSURL != "" {
		s, err := feed.DialNATS(cfg.Feed.NATSURL, cfg.Feed.NATSSubjectPrefix)
		if err != nil {
			return fail(err)
		}
		sinks = append(sinks, s)
	}
	return sinks, nil
}

func (a *app) run(ctx context.Context, op retry.Op) retry.Report {
	return a.orch.Run(ctx, a.serials, op)
}

func (a *app) close() {
	logger := logging.WithComponent("cli")
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			logger.Warn().Err(err).Msg("gspctl close failed")
		}
	}
	a.closers = nil
}

// reportErr summarises failed devices for the exit status.
func reportErr(r retry.Report) error {
	if r.OK() {
		return nil
	}
	return fmt.Errorf("%s failed on %d of %d device(s)", r.Op, len(r.Failed), len(r.Failed)+len(r.Succeeded))
}
