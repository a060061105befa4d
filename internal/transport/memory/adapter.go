// Package memory is an in-process radio: simulated datalogger devices
// behind the transport interfaces, with deterministic fault injection.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/danmuck/gspctl/internal/protocol"
	"github.com/danmuck/gspctl/internal/transport"
)

const notificationBuffer = 4096

// Adapter is a simulated BLE adapter holding a set of devices.
type Adapter struct {
	mu             sync.Mutex
	table          protocol.Table
	devices        []*Device
	maxConnections int
	active         int
}

func NewAdapter(table protocol.Table) *Adapter {
	return &Adapter{table: table}
}

// AddDevice registers d and makes it speak the adapter's table.
func (a *Adapter) AddDevice(d *Device) *Device {
	d.mu.Lock()
	d.table = a.table
	d.mu.Unlock()

	a.mu.Lock()
	defer a.mu.Unlock()
	a.devices = append(a.devices, d)
	return d
}

// SetMaxConnections caps simultaneous links. Zero means unlimited.
func (a *Adapter) SetMaxConnections(n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.maxConnections = n
}

func (a *Adapter) Scan(ctx context.Context) (<-chan transport.Advert, error) {
	a.mu.Lock()
	adverts := make([]transport.Advert, 0, len(a.devices))
	for _, d := range a.devices {
		adverts = append(adverts, transport.Advert{Name: d.Name, Address: d.Address, RSSI: -60})
	}
	a.mu.Unlock()

	out := make(chan transport.Advert)
	go func() {
		defer close(out)
		for _, adv := range adverts {
			select {
			case out <- adv:
			case <-ctx.Done():
				return
			}
		}
		<-ctx.Done()
	}()
	return out, nil
}

func (a *Adapter) Open(address string, ch transport.Channels) (transport.Transport, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, d := range a.devices {
		if d.Address == address {
			return &link{adapter: a, dev: d, channels: ch, notes: make(chan []byte, notificationBuffer)}, nil
		}
	}
	return nil, fmt.Errorf("%w: unknown address %s", protocol.ErrConnectionFailure, address)
}

func (a *Adapter) acquire() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.maxConnections > 0 && a.active >= a.maxConnections {
		return fmt.Errorf("%w: %d of %d links in use", protocol.ErrAdapterBusy, a.active, a.maxConnections)
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

// link is one simulated connection.
type link struct {
	adapter  *Adapter
	dev      *Device
	channels transport.Channels

	mu        sync.Mutex
	notes     chan []byte
	connected bool
	closed    bool
}

func (l *link) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return fmt.Errorf("%w: link already closed", protocol.ErrConnectionFailure)
	}

	d := l.dev
	d.mu.Lock()
	d.connects++
	var injected error
	if len(d.faults.ConnectErrors) > 0 {
		injected = d.faults.ConnectErrors[0]
		d.faults.ConnectErrors = d.faults.ConnectErrors[1:]
	}
	table := d.table
	d.mu.Unlock()

	if injected != nil {
		return injected
	}
	if l.channels.Service != table.ServiceUUID ||
		l.channels.Write != table.WriteUUID ||
		l.channels.Notify != table.NotifyUUID {
		return fmt.Errorf("%w: gatt service %s not found on %s", protocol.ErrConnectionFailure, l.channels.Service, d.Address)
	}
	if err := l.adapter.acquire(); err != nil {
		return err
	}

	d.mu.Lock()
	d.link = l
	d.mu.Unlock()
	l.connected = true
	return nil
}

func (l *link) Write(ctx context.Context, frame []byte) error {
	l.mu.Lock()
	up := l.connected
	l.mu.Unlock()
	if !up {
		return fmt.Errorf("%w: write on disconnected link", protocol.ErrConnectionFailure)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	l.push(l.dev.handle(frame))
	return nil
}

// push delivers frames in order. It reports false once the link is down.
func (l *link) push(frames [][]byte) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.connected {
		return false
	}
	for _, f := range frames {
		l.notes <- f
	}
	return true
}

func (l *link) Notifications() <-chan []byte {
	return l.notes
}

func (l *link) Disconnect() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if l.connected {
		l.connected = false
		l.adapter.release()
		l.dev.mu.Lock()
		if l.dev.link == l {
			l.dev.link = nil
		}
		l.dev.mu.Unlock()
	}
	close(l.notes)
	return nil
}
