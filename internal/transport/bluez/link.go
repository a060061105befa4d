package bluez

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/gspctl/internal/protocol"
	"github.com/danmuck/gspctl/internal/transport"
	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog"
)

// link is one GATT connection. Notifications arrive as PropertiesChanged
// signals on the notify characteristic; a Connected=false signal on the
// device closes the notification channel.
type link struct {
	adapter *Adapter
	device  dbus.ObjectPath
	ch      transport.Channels
	logger  zerolog.Logger

	write  dbus.ObjectPath
	notify dbus.ObjectPath
	rules  []string
	sigs   chan *dbus.Signal

	notes chan []byte
	stop  chan struct{}

	mu        sync.Mutex
	acquired  bool
	pumping   bool
	closeOnce sync.Once
}

func (l *link) Connect(ctx context.Context) error {
	if err := l.adapter.acquire(); err != nil {
		return err
	}
	l.mu.Lock()
	l.acquired = true
	l.mu.Unlock()

	conn := l.adapter.conn
	dev := conn.Object(busName, l.device)
	if err := dev.CallWithContext(ctx, deviceIface+".Connect", 0).Err; err != nil {
		return fmt.Errorf("%w: %s connect: %v", protocol.ErrConnectionFailure, l.device, err)
	}
	if err := l.waitResolved(ctx, dev); err != nil {
		return err
	}

	objs, err := l.adapter.managedObjects(ctx)
	if err != nil {
		return fmt.Errorf("%w: list gatt objects: %v", protocol.ErrConnectionFailure, err)
	}
	l.write, l.notify, err = objs.characteristics(l.device, l.ch)
	if err != nil {
		return err
	}

	for _, path := range []dbus.ObjectPath{l.notify, l.device} {
		rule := matchRule(path)
		if err := conn.BusObject().CallWithContext(ctx, "org.freedesktop.DBus.AddMatch", 0, rule).Err; err != nil {
			return fmt.Errorf("%w: add match: %v", protocol.ErrConnectionFailure, err)
		}
		l.rules = append(l.rules, rule)
	}
	l.sigs = make(chan *dbus.Signal, 256)
	conn.Signal(l.sigs)
	l.mu.Lock()
	l.pumping = true
	l.mu.Unlock()
	go l.pump()

	if err := conn.Object(busName, l.notify).CallWithContext(ctx, charIface+".StartNotify", 0).Err; err != nil {
		return fmt.Errorf("%w: start notify: %v", protocol.ErrConnectionFailure, err)
	}
	l.logger.Info().Str("write", string(l.write)).Str("notify", string(l.notify)).Msg("bluez.link connected")
	return nil
}

func (l *link) waitResolved(ctx context.Context, dev dbus.BusObject) error {
	ticker := time.NewTicker(l.adapter.opts.ResolvePoll)
	defer ticker.Stop()
	for {
		var resolved bool
		err := dev.CallWithContext(ctx, propsIface+".Get", 0, deviceIface, "ServicesResolved").Store(&resolved)
		if err == nil && resolved {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return fmt.Errorf("%w: services not resolved on %s: %v", protocol.ErrConnectionFailure, l.device, ctx.Err())
		}
	}
}

func (l *link) pump() {
	defer close(l.notes)
	for {
		select {
		case <-l.stop:
			return
		case sig, ok := <-l.sigs:
			if !ok {
				return
			}
			if value, ok := notificationValue(sig, l.notify); ok {
				select {
				case l.notes <- value:
				case <-l.stop:
					return
				}
				continue
			}
			if disconnected(sig, l.device) {
				l.logger.Warn().Msg("bluez.link device disconnected")
				return
			}
		}
	}
}

// Write sends frame as a write-with-response.
func (l *link) Write(ctx context.Context, frame []byte) error {
	if l.write == "" {
		return fmt.Errorf("%w: not connected", protocol.ErrIO)
	}
	opts := map[string]interface{}{"type": "request"}
	err := l.adapter.conn.Object(busName, l.write).CallWithContext(ctx, charIface+".WriteValue", 0, frame, opts).Err
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("%w: write: %v", protocol.ErrIO, err)
	}
	return nil
}

func (l *link) Notifications() <-chan []byte {
	return l.notes
}

func (l *link) Disconnect() error {
	var err error
	l.closeOnce.Do(func() {
		conn := l.adapter.conn
		if l.notify != "" {
			conn.Object(busName, l.notify).Call(charIface+".StopNotify", 0)
		}
		for _, rule := range l.rules {
			conn.BusObject().Call("org.freedesktop.DBus.RemoveMatch", 0, rule)
		}
		if l.sigs != nil {
			conn.RemoveSignal(l.sigs)
		}
		close(l.stop)

		l.mu.Lock()
		acquired, pumping := l.acquired, l.pumping
		l.mu.Unlock()
		if acquired {
			if cerr := conn.Object(busName, l.device).Call(deviceIface+".Disconnect", 0).Err; cerr != nil {
				err = fmt.Errorf("%w: disconnect: %v", protocol.ErrIO, cerr)
			}
			l.adapter.release()
		}
		if !pumping {
			close(l.notes)
		}
		l.logger.Debug().Msg("bluez.link disconnected")
	})
	return err
}
