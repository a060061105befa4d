package main

import (
	"fmt"
	"strings"

	"github.com/danmuck/gspctl/internal/config"
	"github.com/danmuck/gspctl/internal/datalogger"
	"github.com/danmuck/gspctl/internal/discovery"
	"github.com/danmuck/gspctl/internal/feed"
	"github.com/danmuck/gspctl/internal/logstore"
	"github.com/danmuck/gspctl/internal/protocol"
	"github.com/danmuck/gspctl/internal/retry"
	"github.com/danmuck/gspctl/internal/sbem"
	"github.com/danmuck/gspctl/internal/session"
	"github.com/danmuck/gspctl/internal/transport/memory"
)

func sessionOptions(cfg config.Config) session.Options {
	opts := session.DefaultOptions()
	opts.Table = cfg.Table
	opts.ResponseTimeout = cfg.ResponseTimeout
	opts.FetchIdleTimeout = cfg.FetchIdleTimeout
	opts.SetTime = cfg.SetTime
	opts.MinProtocolVersion = cfg.MinProtocolVersion
	opts.MaxProtocolVersion = cfg.MaxProtocolVersion
	return opts
}

func engineOptions(cfg config.Config, store *logstore.Store, sink feed.Sink) datalogger.Options {
	return datalogger.Options{
		Session:   sessionOptions(cfg),
		Discovery: discovery.Options{Timeout: cfg.ScanTimeout, Settle: discovery.DefaultSettle},
		Store:     store,
		Sink:      sink,
	}
}

func retryOptions(cfg config.Config) retry.Options {
	return retry.Options{
		Policies: retry.DefaultPolicies().WithBackoff(cfg.RetryAttempts, retry.Backoff{
			Delay:      cfg.RetryDelay,
			Multiplier: cfg.RetryMultiplier,
			MaxDelay:   cfg.RetryMaxDelay,
			Jitter:     cfg.RetryJitter,
		}),
		MaxConcurrent: cfg.MaxConcurrentDevices,
	}
}

// simulatedAdapter serves one in-memory device per serial, each holding a
// short temperature log, for trying the tool without hardware.
func simulatedAdapter(cfg config.Config, serials []string) *memory.Adapter {
	adapter := memory.NewAdapter(cfg.Table)
	for i, serial := range serials {
		serial = strings.TrimSpace(serial)
		addr := fmt.Sprintf("0C:8C:DC:00:%02X:%02X", (i>>8)&0xFF, i&0xFF)
		dev := adapter.AddDevice(memory.NewDevice("Movesense "+serial, addr, serial))
		dev.SetResource("/Info/Battery", []byte{87})
		dev.AddLog(simulatedLog(i))
	}
	return adapter
}

func simulatedLog(seed int) []byte {
	w := sbem.NewWriter()
	ref := w.DefineTimeReference(protocol.PathTimeDetailed)
	temp, _ := w.Define("/Meas/Temp", sbem.KindFloat, 4, 1, 1)
	_ = w.AppendReference(ref, 0, 1_700_000_000_000_000)
	for i := 0; i < 10; i++ {
		_ = w.Append(temp, uint32(i*1000), []float64{21 + float64(seed) + float64(i)/4})
	}
	return w.Bytes()
}
