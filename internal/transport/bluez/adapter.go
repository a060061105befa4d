// Package bluez implements the transport capability on Linux through the
// BlueZ D-Bus API.
package bluez

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/gspctl/internal/logging"
	"github.com/danmuck/gspctl/internal/protocol"
	"github.com/danmuck/gspctl/internal/transport"
	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog"
)

type Options struct {
	// Adapter is the controller name, e.g. hci0.
	Adapter string
	// MaxConnections caps simultaneous links. Further connects fail with
	// protocol.ErrAdapterBusy.
	MaxConnections int
	// ScanPoll is how often known devices are re-read while scanning.
	ScanPoll time.Duration
	// ResolvePoll is how often ServicesResolved is checked after connect.
	ResolvePoll time.Duration
}

func DefaultOptions() Options {
	return Options{
		Adapter:        "hci0",
		MaxConnections: 5,
		ScanPoll:       500 * time.Millisecond,
		ResolvePoll:    200 * time.Millisecond,
	}
}

func (o Options) WithDefaults() Options {
	def := DefaultOptions()
	if strings.TrimSpace(o.Adapter) == "" {
		o.Adapter = def.Adapter
	}
	if o.MaxConnections <= 0 {
		o.MaxConnections = def.MaxConnections
	}
	if o.ScanPoll <= 0 {
		o.ScanPoll = def.ScanPoll
	}
	if o.ResolvePoll <= 0 {
		o.ResolvePoll = def.ResolvePoll
	}
	return o
}

// Adapter is one BlueZ controller. It implements transport.Scanner and
// transport.Dialer.
type Adapter struct {
	conn   *dbus.Conn
	path   dbus.ObjectPath
	opts   Options
	logger zerolog.Logger

	mu       sync.Mutex
	scanners int
	active   int
}

// Open connects to the system bus and checks that the adapter exists and
// is powered.
func Open(opts Options) (*Adapter, error) {
	opts = opts.WithDefaults()
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("%w: system bus: %v", protocol.ErrConnectionFailure, err)
	}
	a := &Adapter{
		conn:   conn,
		path:   dbus.ObjectPath("/org/bluez/" + opts.Adapter),
		opts:   opts,
		logger: logging.WithComponent("bluez").With().Str("adapter", opts.Adapter).Logger(),
	}
	var powered bool
	if err := a.conn.Object(busName, a.path).Call(propsIface+".Get", 0, adapterIface, "Powered").Store(&powered); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: adapter %s: %v", protocol.ErrConnectionFailure, opts.Adapter, err)
	}
	if !powered {
		conn.Close()
		return nil, fmt.Errorf("%w: adapter %s is powered off", protocol.ErrConnectionFailure, opts.Adapter)
	}
	return a, nil
}

func (a *Adapter) Close() error {
	return a.conn.Close()
}

func (a *Adapter) managedObjects(ctx context.Context) (objects, error) {
	out := make(objects)
	if err := a.conn.Object(busName, "/").CallWithContext(ctx, managedObjects, 0).Store(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// Scan runs LE discovery until ctx is done and emits every named device
// once. Concurrent scans share one discovery session.
func (a *Adapter) Scan(ctx context.Context) (<-chan transport.Advert, error) {
	if err := a.startDiscovery(ctx); err != nil {
		return nil, err
	}
	out := make(chan transport.Advert, 16)
	go func() {
		defer close(out)
		defer a.stopDiscovery()

		seen := make(map[string]struct{})
		ticker := time.NewTicker(a.opts.ScanPoll)
		defer ticker.Stop()
		for {
			objs, err := a.managedObjects(ctx)
			if err != nil && ctx.Err() == nil {
				a.logger.Warn().Err(err).Msg("bluez.Adapter.Scan list devices failed")
			}
			for _, adv := range objs.adverts(a.path) {
				if _, ok := seen[adv.Address]; ok {
					continue
				}
				seen[adv.Address] = struct{}{}
				select {
				case out <- adv:
				case <-ctx.Done():
					return
				}
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (a *Adapter) startDiscovery(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.scanners > 0 {
		a.scanners++
		return nil
	}
	obj := a.conn.Object(busName, a.path)
	filter := map[string]interface{}{
		"Transport":     "le",
		"DuplicateData": false,
	}
	if err := obj.CallWithContext(ctx, adapterIface+".SetDiscoveryFilter", 0, filter).Err; err != nil {
		a.logger.Debug().Err(err).Msg("bluez.Adapter.Scan discovery filter rejected")
	}
	if err := obj.CallWithContext(ctx, adapterIface+".StartDiscovery", 0).Err; err != nil {
		if strings.Contains(err.Error(), "InProgress") {
			a.logger.Debug().Msg("bluez.Adapter.Scan discovery already running")
		} else {
			return fmt.Errorf("%w: start discovery: %v", protocol.ErrConnectionFailure, err)
		}
	}
	a.scanners = 1
	return nil
}

func (a *Adapter) stopDiscovery() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.scanners--
	if a.scanners > 0 {
		return
	}
	a.scanners = 0
	if err := a.conn.Object(busName, a.path).Call(adapterIface+".StopDiscovery", 0).Err; err != nil {
		a.logger.Debug().Err(err).Msg("bluez.Adapter.Scan stop discovery failed")
	}
}

// Open returns an unconnected link to address.
func (a *Adapter) Open(address string, ch transport.Channels) (transport.Transport, error) {
	dev, err := devicePath(a.path, address)
	if err != nil {
		return nil, err
	}
	return &link{
		adapter: a,
		device:  dev,
		ch:      ch,
		notes:   make(chan []byte, 256),
		stop:    make(chan struct{}),
		logger:  a.logger.With().Str("address", address).Logger(),
	}, nil
}

func (a *Adapter) acquire() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.active >= a.opts.MaxConnections {
		return fmt.Errorf("%w: %d links open", protocol.ErrAdapterBusy, a.active)
	}
	a.active++
	return nil
}

func (a *Adapter) release() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.active > 0 {
		a.active--
	}
}
