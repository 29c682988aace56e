// Package bluez implements the transport contracts for RFCOMM serial links by
// driving BlueZ over the system D-Bus: server and client sides register an
// org.bluez.Profile1 object and receive connected socket FDs through
// NewConnection.
package bluez

import (
    "errors"
    "strings"

    dbus "github.com/godbus/dbus/v5"

    "github.com/kabeersohail/BluetoothCommunication/internal/transport"
)

// ErrUnsupported is returned on platforms without BlueZ.
var ErrUnsupported = errors.New("bluez: unsupported platform")

const (
    bluezService         = "org.bluez"
    profileInterfaceName = "org.bluez.Profile1"
    profileManagerIface  = "org.bluez.ProfileManager1"
    deviceIface          = "org.bluez.Device1"
    adapterIface         = "org.bluez.Adapter1"
    objManagerIface      = "org.freedesktop.DBus.ObjectManager"
    propsIface           = "org.freedesktop.DBus.Properties"
)

type managedObjects = map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// deviceFromIfaces extracts a peer from an object's interface map. Only
// devices advertising svcUUID are returned.
func deviceFromIfaces(path dbus.ObjectPath, ifaces map[string]map[string]dbus.Variant, svcUUID string) (transport.Peer, bool) {
    props, ok := ifaces[deviceIface]
    if !ok {
        return transport.Peer{}, false
    }
    vUUIDs, ok := props["UUIDs"]
    if !ok {
        return transport.Peer{}, false
    }
    uu, _ := vUUIDs.Value().([]string)
    if !containsUUID(uu, svcUUID) {
        return transport.Peer{}, false
    }
    return peerFromProps(path, props), true
}

// peerFromProps builds a peer from Device1 properties, preferring Name over
// Alias and falling back to the MAC encoded in the object path.
func peerFromProps(path dbus.ObjectPath, props map[string]dbus.Variant) transport.Peer {
    var mac, name, alias string
    if v, ok := props["Address"]; ok {
        mac, _ = v.Value().(string)
    }
    if v, ok := props["Name"]; ok {
        name, _ = v.Value().(string)
    }
    if v, ok := props["Alias"]; ok {
        alias, _ = v.Value().(string)
    }
    if mac == "" {
        mac = macFromPath(path)
    }
    if name == "" {
        name = alias
    }
    addr := mac
    if addr == "" {
        addr = string(path)
    }
    return transport.Peer{Name: name, Address: addr}
}

// findDevicePath resolves a peer address (object path or MAC) against the
// managed object tree.
func findDevicePath(objs managedObjects, addr string) (dbus.ObjectPath, bool) {
    if strings.HasPrefix(addr, "/") {
        p := dbus.ObjectPath(addr)
        if _, ok := objs[p][deviceIface]; ok {
            return p, true
        }
        return "", false
    }
    for path, ifaces := range objs {
        props, ok := ifaces[deviceIface]
        if !ok {
            continue
        }
        mac := macFromPath(path)
        if v, ok := props["Address"]; ok {
            if s, _ := v.Value().(string); s != "" {
                mac = s
            }
        }
        if strings.EqualFold(mac, addr) {
            return path, true
        }
    }
    return "", false
}

func containsUUID(list []string, target string) bool {
    for _, s := range list {
        if strings.EqualFold(s, target) {
            return true
        }
    }
    return false
}

func macFromPath(p dbus.ObjectPath) string {
    s := string(p)
    // Expect .../dev_XX_XX_XX_XX_XX_XX
    idx := strings.LastIndex(s, "/dev_")
    if idx < 0 {
        return ""
    }
    return strings.ReplaceAll(s[idx+5:], "_", ":")
}
