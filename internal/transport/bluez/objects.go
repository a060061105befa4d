package bluez

import (
	"fmt"
	"strings"

	"github.com/danmuck/gspctl/internal/protocol"
	"github.com/danmuck/gspctl/internal/transport"
	"github.com/godbus/dbus/v5"
)

const (
	busName        = "org.bluez"
	adapterIface   = "org.bluez.Adapter1"
	deviceIface    = "org.bluez.Device1"
	serviceIface   = "org.bluez.GattService1"
	charIface      = "org.bluez.GattCharacteristic1"
	propsIface     = "org.freedesktop.DBus.Properties"
	managedObjects = "org.freedesktop.DBus.ObjectManager.GetManagedObjects"
	propsChanged   = "org.freedesktop.DBus.Properties.PropertiesChanged"
)

// objects is the result of GetManagedObjects.
type objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// devicePath maps "0C:8C:DC:00:04:55" to /org/bluez/hci0/dev_0C_8C_DC_00_04_55.
func devicePath(adapter dbus.ObjectPath, address string) (dbus.ObjectPath, error) {
	addr := strings.ToUpper(strings.TrimSpace(address))
	parts := strings.Split(addr, ":")
	if len(parts) != 6 {
		return "", fmt.Errorf("%w: bad address %q", protocol.ErrConnectionFailure, address)
	}
	for _, p := range parts {
		if len(p) != 2 || strings.Trim(p, "0123456789ABCDEF") != "" {
			return "", fmt.Errorf("%w: bad address %q", protocol.ErrConnectionFailure, address)
		}
	}
	return dbus.ObjectPath(string(adapter) + "/dev_" + strings.Join(parts, "_")), nil
}

// advertFromProps builds an advert from Device1 properties. Devices
// without a name or address are skipped.
func advertFromProps(props map[string]dbus.Variant) (transport.Advert, bool) {
	var adv transport.Advert
	if v, ok := props["Address"]; ok {
		adv.Address, _ = v.Value().(string)
	}
	if v, ok := props["Name"]; ok {
		adv.Name, _ = v.Value().(string)
	} else if v, ok := props["Alias"]; ok {
		adv.Name, _ = v.Value().(string)
	}
	if v, ok := props["RSSI"]; ok {
		adv.RSSI, _ = v.Value().(int16)
	}
	if adv.Address == "" || adv.Name == "" {
		return transport.Advert{}, false
	}
	return adv, true
}

// adverts lists devices known to the adapter.
func (o objects) adverts(adapter dbus.ObjectPath) []transport.Advert {
	prefix := string(adapter) + "/"
	var out []transport.Advert
	for path, ifaces := range o {
		if !strings.HasPrefix(string(path), prefix) {
			continue
		}
		props, ok := ifaces[deviceIface]
		if !ok {
			continue
		}
		if adv, ok := advertFromProps(props); ok {
			out = append(out, adv)
		}
	}
	return out
}

// characteristics finds the write and notify characteristics of the GSP
// service under dev.
func (o objects) characteristics(dev dbus.ObjectPath, ch transport.Channels) (write, notify dbus.ObjectPath, err error) {
	prefix := string(dev) + "/"
	var service dbus.ObjectPath
	for path, ifaces := range o {
		props, ok := ifaces[serviceIface]
		if !ok || !strings.HasPrefix(string(path), prefix) {
			continue
		}
		if uuidEqual(props["UUID"], ch.Service.String()) {
			service = path
			break
		}
	}
	if service == "" {
		return "", "", fmt.Errorf("%w: service %s not found on %s", protocol.ErrConnectionFailure, ch.Service, dev)
	}
	for path, ifaces := range o {
		props, ok := ifaces[charIface]
		if !ok {
			continue
		}
		if svc, _ := props["Service"].Value().(dbus.ObjectPath); svc != service {
			continue
		}
		switch {
		case uuidEqual(props["UUID"], ch.Write.String()):
			write = path
		case uuidEqual(props["UUID"], ch.Notify.String()):
			notify = path
		}
	}
	if write == "" || notify == "" {
		return "", "", fmt.Errorf("%w: characteristics missing on %s (write=%q notify=%q)", protocol.ErrConnectionFailure, service, write, notify)
	}
	return write, notify, nil
}

func uuidEqual(v dbus.Variant, want string) bool {
	s, ok := v.Value().(string)
	return ok && strings.EqualFold(s, want)
}

// notificationValue extracts the new Value of a characteristic from a
// PropertiesChanged signal on path.
func notificationValue(sig *dbus.Signal, path dbus.ObjectPath) ([]byte, bool) {
	changed, ok := changedProps(sig, path, charIface)
	if !ok {
		return nil, false
	}
	v, ok := changed["Value"]
	if !ok {
		return nil, false
	}
	value, ok := v.Value().([]byte)
	if !ok {
		return nil, false
	}
	return append([]byte(nil), value...), true
}

// disconnected reports a PropertiesChanged signal that clears Connected on
// the device at path.
func disconnected(sig *dbus.Signal, path dbus.ObjectPath) bool {
	changed, ok := changedProps(sig, path, deviceIface)
	if !ok {
		return false
	}
	v, ok := changed["Connected"]
	if !ok {
		return false
	}
	connected, ok := v.Value().(bool)
	return ok && !connected
}

func changedProps(sig *dbus.Signal, path dbus.ObjectPath, iface string) (map[string]dbus.Variant, bool) {
	if sig == nil || sig.Name != propsChanged || sig.Path != path || len(sig.Body) < 2 {
		return nil, false
	}
	if name, ok := sig.Body[0].(string); !ok || name != iface {
		return nil, false
	}
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	return changed, ok
}

func matchRule(path dbus.ObjectPath) string {
	return fmt.Sprintf("type='signal',interface='%s',member='PropertiesChanged',path='%s'", propsIface, path)
}
