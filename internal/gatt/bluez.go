package gatt

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/muka/go-bluetooth/bluez"
	muka "github.com/muka/go-bluetooth/bluez/profile/gatt"
	"tinygo.org/x/bluetooth"

	"github.com/fallmark-data/fallmark/internal/monitoring"
)

// resolveTimeout bounds how long Connect waits for BlueZ to finish GATT
// service discovery after the ACL link comes up.
const resolveTimeout = 15 * time.Second

// BlueZ is the production Transport. Scanning and connecting go through the
// adapter API; characteristic discovery walks the BlueZ object tree over a
// fresh D-Bus connection because the cached ObjectManager view can be stale
// right after ServicesResolved flips.
type BlueZ struct {
	adapter     *bluetooth.Adapter
	serviceUUID string

	enableOnce sync.Once
	enableErr  error
}

// NewBlueZ returns a Transport that resolves characteristics under the given
// GATT service UUID on the default adapter.
func NewBlueZ(serviceUUID string) *BlueZ {
	return &BlueZ{
		adapter:     bluetooth.DefaultAdapter,
		serviceUUID: strings.ToLower(serviceUUID),
	}
}

func (b *BlueZ) enable() error {
	b.enableOnce.Do(func() {
		b.enableErr = b.adapter.Enable()
	})
	if b.enableErr != nil {
		return fmt.Errorf("enable adapter: %w", b.enableErr)
	}
	return nil
}

// Discover scans for window and returns each distinct address once, in
// first-seen order.
func (b *BlueZ) Discover(ctx context.Context, window time.Duration) ([]Advertisement, error) {
	if err := b.enable(); err != nil {
		return nil, err
	}

	var (
		mu    sync.Mutex
		seen  = make(map[string]bool)
		found []Advertisement
	)

	// adapter.Scan blocks until StopScan, so run it on its own goroutine and
	// end the pass from out here.
	scanDone := make(chan error, 1)
	go func() {
		scanDone <- b.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
			mu.Lock()
			defer mu.Unlock()
			addr := result.Address.String()
			if seen[addr] {
				return
			}
			seen[addr] = true
			found = append(found, Advertisement{
				Address: addr,
				Name:    result.LocalName(),
				RSSI:    result.RSSI,
			})
		})
	}()

	var scanErr error
	select {
	case <-ctx.Done():
		_ = b.adapter.StopScan()
		<-scanDone
		return nil, ctx.Err()
	case <-time.After(window):
		_ = b.adapter.StopScan()
		scanErr = <-scanDone
	case scanErr = <-scanDone:
	}
	if scanErr != nil {
		return nil, fmt.Errorf("scan: %w", scanErr)
	}

	mu.Lock()
	defer mu.Unlock()
	monitoring.Logf("gatt: scan pass saw %d device(s)", len(found))
	return found, nil
}

// Connect dials addr and blocks until BlueZ reports ServicesResolved, so the
// returned Conn can resolve characteristics immediately.
func (b *BlueZ) Connect(ctx context.Context, addr string) (Conn, error) {
	if err := b.enable(); err != nil {
		return nil, err
	}

	mac, err := bluetooth.ParseMAC(addr)
	if err != nil {
		return nil, fmt.Errorf("parse address %q: %w", addr, err)
	}
	target := bluetooth.Address{MACAddress: bluetooth.MACAddress{MAC: mac}}

	device, err := b.adapter.Connect(target, bluetooth.ConnectionParams{})
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", addr, err)
	}

	if err := waitForServicesResolved(ctx, addr, resolveTimeout); err != nil {
		_ = device.Disconnect()
		return nil, fmt.Errorf("gatt profile on %s: %w", addr, err)
	}

	bus, dropped, err := watchLink(devicePath(addr))
	if err != nil {
		_ = device.Disconnect()
		return nil, err
	}

	return &bluezConn{
		device:      device,
		devPath:     devicePath(addr),
		serviceUUID: b.serviceUUID,
		bus:         bus,
		dropped:     dropped,
		chars:       make(map[string]*muka.GattCharacteristic1),
		watches:     make(map[string]*watch),
	}, nil
}

// watchLink opens a dedicated D-Bus connection that observes the Device1
// Connected property and closes the returned channel when the peripheral
// drops the link. Closing the bus stops the watch without firing it.
func watchLink(devPath string) (*dbus.Conn, chan struct{}, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, nil, fmt.Errorf("dbus: %w", err)
	}
	if err := conn.AddMatchSignal(
		dbus.WithMatchInterface("org.freedesktop.DBus.Properties"),
		dbus.WithMatchMember("PropertiesChanged"),
		dbus.WithMatchObjectPath(dbus.ObjectPath(devPath)),
	); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("dbus match: %w", err)
	}

	ch := make(chan *dbus.Signal, 16)
	conn.Signal(ch)

	dropped := make(chan struct{})
	go func() {
		for sig := range ch {
			if len(sig.Body) < 2 {
				continue
			}
			if iface, ok := sig.Body[0].(string); !ok || iface != "org.bluez.Device1" {
				continue
			}
			changed, ok := sig.Body[1].(map[string]dbus.Variant)
			if !ok {
				continue
			}
			if v, ok := changed["Connected"]; ok {
				if connected, ok := v.Value().(bool); ok && !connected {
					monitoring.Logf("gatt: %s dropped the link", devPath)
					close(dropped)
					return
				}
			}
		}
	}()
	return conn, dropped, nil
}

// devicePath derives the BlueZ D-Bus object path from a MAC address, e.g.
// "D4:E9:F4:E2:B5:8A" -> "/org/bluez/hci0/dev_D4_E9_F4_E2_B5_8A".
func devicePath(addr string) string {
	id := strings.ReplaceAll(strings.ToUpper(addr), ":", "_")
	return "/org/bluez/hci0/dev_" + id
}

// waitForServicesResolved blocks until the Device1 ServicesResolved property
// turns true. BlueZ resolves the GATT profile asynchronously after the ACL
// connection; reading the object tree before that yields an empty view.
func waitForServicesResolved(ctx context.Context, addr string, timeout time.Duration) error {
	devPath := dbus.ObjectPath(devicePath(addr))

	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return fmt.Errorf("dbus: %w", err)
	}
	defer conn.Close()

	obj := conn.Object("org.bluez", devPath)

	// Fast path: already resolved from a prior session.
	if v, err := obj.GetProperty("org.bluez.Device1.ServicesResolved"); err == nil {
		if resolved, ok := v.Value().(bool); ok && resolved {
			return nil
		}
	}

	if err := conn.AddMatchSignal(
		dbus.WithMatchInterface("org.freedesktop.DBus.Properties"),
		dbus.WithMatchMember("PropertiesChanged"),
		dbus.WithMatchObjectPath(devPath),
	); err != nil {
		return fmt.Errorf("dbus match: %w", err)
	}

	ch := make(chan *dbus.Signal, 16)
	conn.Signal(ch)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case sig, ok := <-ch:
			if !ok {
				return fmt.Errorf("dbus signal channel closed")
			}
			if len(sig.Body) < 2 {
				continue
			}
			if iface, ok := sig.Body[0].(string); !ok || iface != "org.bluez.Device1" {
				continue
			}
			changed, ok := sig.Body[1].(map[string]dbus.Variant)
			if !ok {
				continue
			}
			if v, ok := changed["ServicesResolved"]; ok {
				if resolved, ok := v.Value().(bool); ok && resolved {
					return nil
				}
			}
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return fmt.Errorf("timeout waiting for ServicesResolved")
		}
	}
}

type watch struct {
	char   *muka.GattCharacteristic1
	propCh chan *bluez.PropertyChanged
	done   chan struct{}
}

type bluezConn struct {
	device      *bluetooth.Device
	devPath     string
	serviceUUID string
	bus         *dbus.Conn
	dropped     chan struct{}

	mu      sync.Mutex
	chars   map[string]*muka.GattCharacteristic1
	watches map[string]*watch
	closed  bool
}

func (c *bluezConn) Disconnected() <-chan struct{} { return c.dropped }

// char resolves and caches the characteristic with the given UUID under the
// connection's service.
func (c *bluezConn) char(charUUID string) (*muka.GattCharacteristic1, error) {
	charUUID = strings.ToLower(charUUID)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if ch, ok := c.chars[charUUID]; ok {
		c.mu.Unlock()
		return ch, nil
	}
	c.mu.Unlock()

	ch, err := resolveCharacteristic(c.devPath, c.serviceUUID, charUUID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	c.chars[charUUID] = ch
	return ch, nil
}

func (c *bluezConn) Subscribe(charUUID string, h NotifyHandler) error {
	charUUID = strings.ToLower(charUUID)

	ch, err := c.char(charUUID)
	if err != nil {
		return err
	}

	propCh, err := ch.WatchProperties()
	if err != nil {
		return fmt.Errorf("watch %s: %w", charUUID, err)
	}
	if err := ch.StartNotify(); err != nil {
		_ = ch.UnwatchProperties(propCh)
		return fmt.Errorf("start notify %s: %w", charUUID, err)
	}

	w := &watch{char: ch, propCh: propCh, done: make(chan struct{})}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = ch.StopNotify()
		_ = ch.UnwatchProperties(propCh)
		return ErrClosed
	}
	if _, dup := c.watches[charUUID]; dup {
		c.mu.Unlock()
		_ = ch.StopNotify()
		_ = ch.UnwatchProperties(propCh)
		return fmt.Errorf("already subscribed to %s", charUUID)
	}
	c.watches[charUUID] = w
	c.mu.Unlock()

	// Dispatch notifications until UnwatchProperties closes propCh. Value
	// updates on the characteristic interface are the notification payloads.
	go func() {
		defer close(w.done)
		for update := range propCh {
			if update == nil {
				continue
			}
			if update.Interface != "org.bluez.GattCharacteristic1" || update.Name != "Value" {
				continue
			}
			if buf, ok := update.Value.([]byte); ok {
				h(buf)
			}
		}
	}()

	return nil
}

func (c *bluezConn) Unsubscribe(charUUID string) error {
	charUUID = strings.ToLower(charUUID)

	c.mu.Lock()
	w, ok := c.watches[charUUID]
	delete(c.watches, charUUID)
	c.mu.Unlock()
	if !ok {
		return nil
	}
	return c.stopWatch(charUUID, w)
}

// stopWatch disables notifications and waits for the dispatch goroutine to
// drain, so no handler call can follow its return.
func (c *bluezConn) stopWatch(charUUID string, w *watch) error {
	err := w.char.StopNotify()
	if uerr := w.char.UnwatchProperties(w.propCh); err == nil {
		err = uerr
	}
	<-w.done
	if err != nil {
		return fmt.Errorf("stop notify %s: %w", charUUID, err)
	}
	return nil
}

func (c *bluezConn) Write(charUUID string, payload []byte) error {
	ch, err := c.char(charUUID)
	if err != nil {
		return err
	}
	if err := ch.WriteValue(payload, nil); err != nil {
		return fmt.Errorf("write %s: %w", charUUID, err)
	}
	return nil
}

func (c *bluezConn) Disconnect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	watches := c.watches
	c.watches = nil
	c.mu.Unlock()

	// Stop the link watcher before tearing the link down so a local
	// disconnect never reads as a device-initiated drop.
	c.bus.Close()

	for uuid, w := range watches {
		if err := c.stopWatch(uuid, w); err != nil {
			monitoring.Logf("gatt: disconnect: %v", err)
		}
	}
	if err := c.device.Disconnect(); err != nil {
		return fmt.Errorf("disconnect: %w", err)
	}
	return nil
}
