package gatt

import (
	"fmt"
	"strings"

	"github.com/godbus/dbus/v5"
	muka "github.com/muka/go-bluetooth/bluez/profile/gatt"

	"github.com/fallmark-data/fallmark/internal/monitoring"
)

// resolveCharacteristic walks the BlueZ object tree for the characteristic
// with charUUID under the service with serviceUUID on the device at devPath.
// It opens a fresh D-Bus connection and calls GetManagedObjects directly on
// org.bluez; the go-bluetooth singleton ObjectManager caches its view and can
// miss objects that appeared after connect.
func resolveCharacteristic(devPath, serviceUUID, charUUID string) (*muka.GattCharacteristic1, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("dbus connect: %w", err)
	}
	defer conn.Close()

	obj := conn.Object("org.bluez", "/")
	var managed map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	if err := obj.Call("org.freedesktop.DBus.ObjectManager.GetManagedObjects", 0).Store(&managed); err != nil {
		return nil, fmt.Errorf("GetManagedObjects: %w", err)
	}

	servicePath := findChild(managed, devPath, "/service", "org.bluez.GattService1", serviceUUID)
	if servicePath == "" {
		for path := range managed {
			if strings.HasPrefix(string(path), devPath) {
				monitoring.Logf("gatt: object under device: %s", path)
			}
		}
		return nil, fmt.Errorf("service %s not found on %s", serviceUUID, devPath)
	}

	charPath := findChild(managed, servicePath, "/char", "org.bluez.GattCharacteristic1", charUUID)
	if charPath == "" {
		return nil, fmt.Errorf("characteristic %s not found under %s", charUUID, servicePath)
	}

	// The muka client lazily connects through its own singleton, which is
	// fine for method calls like StartNotify and WriteValue; only the
	// ObjectManager view above was unreliable.
	ch, err := muka.NewGattCharacteristic1(dbus.ObjectPath(charPath))
	if err != nil {
		return nil, fmt.Errorf("characteristic %s: %w", charPath, err)
	}
	return ch, nil
}

// findChild returns the path exactly one level under parent whose prefix and
// interface match and whose UUID property equals uuid (case-insensitive).
func findChild(managed map[dbus.ObjectPath]map[string]map[string]dbus.Variant, parent, prefix, iface, uuid string) string {
	uuid = strings.ToLower(uuid)
	for path, ifaces := range managed {
		pathStr := string(path)
		if !strings.HasPrefix(pathStr, parent+prefix) {
			continue
		}
		if strings.Contains(pathStr[len(parent)+1:], "/") {
			continue
		}
		props, ok := ifaces[iface]
		if !ok {
			continue
		}
		v, ok := props["UUID"]
		if !ok {
			continue
		}
		got, ok := v.Value().(string)
		if !ok {
			continue
		}
		if strings.ToLower(got) == uuid {
			return pathStr
		}
	}
	return ""
}
