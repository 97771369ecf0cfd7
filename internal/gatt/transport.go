// Package gatt abstracts the host's BLE central role behind a small
// Transport/Conn pair. The production implementation talks to BlueZ over
// D-Bus; tests use the in-memory mock and the dev flag uses a replay
// transport that synthesizes accelerometer traffic.
package gatt

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by Conn operations after Disconnect.
var ErrClosed = errors.New("gatt: connection closed")

// Advertisement describes one device seen during a scan pass.
type Advertisement struct {
	// Address is the device MAC, colon separated, as BlueZ reports it.
	Address string `json:"address"`
	// Name is the advertised local name, possibly empty.
	Name string `json:"name"`
	// RSSI is the signal strength of the advertisement in dBm.
	RSSI int16 `json:"rssi"`
}

// NotifyHandler receives raw characteristic payloads. Payloads for one
// subscription are delivered sequentially; the buffer is only valid for the
// duration of the call.
type NotifyHandler func(buf []byte)

// Transport is the host side of the BLE central role.
type Transport interface {
	// Discover runs a single scan pass of at most window and returns every
	// distinct advertisement seen, in first-seen order. A cancelled context
	// aborts the scan and returns ctx.Err().
	Discover(ctx context.Context, window time.Duration) ([]Advertisement, error)

	// Connect establishes a link to addr and waits for the GATT profile to
	// resolve. The returned Conn is ready for Subscribe and Write calls.
	Connect(ctx context.Context, addr string) (Conn, error)
}

// Conn is one established device link.
type Conn interface {
	// Subscribe enables notifications on the characteristic and dispatches
	// every payload to h, one at a time, until Unsubscribe or Disconnect.
	Subscribe(charUUID string, h NotifyHandler) error

	// Unsubscribe disables notifications on the characteristic. Once it
	// returns, the handler registered by Subscribe will not be invoked
	// again. Unsubscribing a characteristic that is not subscribed is a
	// no-op.
	Unsubscribe(charUUID string) error

	// Write performs a write-with-response to the characteristic.
	Write(charUUID string, payload []byte) error

	// Disconnected returns a channel that is closed if the device drops the
	// link while the connection is open. A local Disconnect does not fire it.
	Disconnected() <-chan struct{}

	// Disconnect tears the link down, ending any remaining subscriptions.
	// It is safe to call more than once.
	Disconnect() error
}
