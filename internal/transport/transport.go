// Package transport declares the radio capability the protocol engine
// consumes: a feed of advertisements, and per-device connections that
// write frames and deliver notifications in arrival order.
package transport

import (
	"context"

	"github.com/google/uuid"
)

// Advert is one discovered advertisement.
type Advert struct {
	Name    string
	Address string
	RSSI    int16
}

// Channels names the GATT service and characteristics a connection uses.
type Channels struct {
	Service uuid.UUID
	Write   uuid.UUID
	Notify  uuid.UUID
}

// Scanner produces advertisements until ctx is done, then closes the
// returned channel.
type Scanner interface {
	Scan(ctx context.Context) (<-chan Advert, error)
}

// Dialer creates an unconnected Transport for a discovered address.
type Dialer interface {
	Open(address string, ch Channels) (Transport, error)
}

// Transport is one connection to one device.
//
// Notifications returns the same channel for the life of the transport.
// It is closed once the link is down, whether through Disconnect or a
// remote drop. Implementations return protocol.ErrAdapterBusy from
// Connect when the platform refuses another connection.
type Transport interface {
	Connect(ctx context.Context) error
	Write(ctx context.Context, frame []byte) error
	Notifications() <-chan []byte
	Disconnect() error
}
