package session

import (
	"time"

	"github.com/danmuck/gspctl/internal/protocol"
)

// Options defines per-session timeouts and handshake expectations.
type Options struct {
	Table protocol.Table

	ConnectTimeout   time.Duration
	WriteTimeout     time.Duration
	ResponseTimeout  time.Duration
	FetchIdleTimeout time.Duration
	CloseTimeout     time.Duration

	MinProtocolVersion uint8
	MaxProtocolVersion uint8

	// SetTime writes the host clock to the device after the handshake.
	SetTime bool
	Now     func() time.Time

	// OnProtocolError observes notifications dropped as protocol errors.
	OnProtocolError func(serial string, err error)
}

// DefaultOptions returns defaults matching the datalogger firmware.
func DefaultOptions() Options {
	return Options{
		Table:              protocol.DefaultTable(),
		ConnectTimeout:     20 * time.Second,
		WriteTimeout:       5 * time.Second,
		ResponseTimeout:    10 * time.Second,
		FetchIdleTimeout:   30 * time.Second,
		CloseTimeout:       5 * time.Second,
		MinProtocolVersion: 1,
		MaxProtocolVersion: 1,
		Now:                time.Now,
	}
}

// WithDefaults fills zero fields from DefaultOptions.
func (o Options) WithDefaults() Options {
	def := DefaultOptions()
	if o.Table.Ops == nil {
		o.Table = def.Table
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = def.ConnectTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = def.WriteTimeout
	}
	if o.ResponseTimeout <= 0 {
		o.ResponseTimeout = def.ResponseTimeout
	}
	if o.FetchIdleTimeout <= 0 {
		o.FetchIdleTimeout = def.FetchIdleTimeout
	}
	if o.CloseTimeout <= 0 {
		o.CloseTimeout = def.CloseTimeout
	}
	if o.MinProtocolVersion == 0 && o.MaxProtocolVersion == 0 {
		o.MinProtocolVersion = def.MinProtocolVersion
		o.MaxProtocolVersion = def.MaxProtocolVersion
	}
	if o.Now == nil {
		o.Now = def.Now
	}
	return o
}
