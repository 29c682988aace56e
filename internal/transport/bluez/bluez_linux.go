//go:build linux

package bluez

import (
    "context"
    "errors"
    "fmt"
    "os"
    "strconv"
    "sync"
    "sync/atomic"

    dbus "github.com/godbus/dbus/v5"
    "go.uber.org/zap"
    "golang.org/x/sys/unix"

    "github.com/kabeersohail/BluetoothCommunication/internal/transport"
)

var pathCounter uint64

func nextPath(kind string) dbus.ObjectPath {
    id := atomic.AddUint64(&pathCounter, 1)
    return dbus.ObjectPath("/org/bluetooth_communication/" + kind + "/p" + strconv.FormatUint(id, 10))
}

// Transport talks to bluetoothd on the system bus.
//
// The bus connection is opened lazily and shared by every listener and dial.
// The client-side profile is registered once per service UUID and kept until
// Close.
type Transport struct {
    mu     sync.Mutex
    closed bool
    log    *zap.Logger

    bus *dbus.Conn

    cliProf    *profile
    clientPath dbus.ObjectPath
    clientUUID string

    // cleanup functions to release resources in Close (executed once, in reverse order).
    cleanup []func()
}

var (
    _ transport.Transport = (*Transport)(nil)
    _ transport.Scanner   = (*Transport)(nil)
)

// New creates a transport; no bus traffic happens until first use.
func New(log *zap.Logger) *Transport {
    if log == nil {
        log = zap.L()
    }
    return &Transport{log: log.Named("bluez")}
}

// ensureBusLocked connects to the system bus if not yet connected.
func (t *Transport) ensureBusLocked() error {
    if t.closed {
        return errors.New("bluez: closed")
    }
    if t.bus != nil {
        return nil
    }
    c, err := dbus.ConnectSystemBus()
    if err != nil {
        return fmt.Errorf("bluez: connect system bus: %w", err)
    }
    t.bus = c
    // Close the bus last during cleanup.
    t.cleanup = append(t.cleanup, func() { _ = c.Close() })
    return nil
}

func (t *Transport) busConn() (*dbus.Conn, error) {
    t.mu.Lock()
    defer t.mu.Unlock()
    if err := t.ensureBusLocked(); err != nil {
        return nil, err
    }
    return t.bus, nil
}

// profile implements org.bluez.Profile1 and forwards NewConnection events.
type profile struct {
    mu sync.Mutex
    ch chan acceptResult // non-nil while armed; cleared after one delivery
}

type acceptResult struct {
    fd  int
    dev dbus.ObjectPath
}

// arm makes the profile deliver the next connection on a fresh channel.
func (p *profile) arm() chan acceptResult {
    ch := make(chan acceptResult, 1)
    p.mu.Lock()
    p.ch = ch
    p.mu.Unlock()
    return ch
}

func (p *profile) disarm(ch chan acceptResult) {
    p.mu.Lock()
    if p.ch == ch {
        p.ch = nil
    }
    p.mu.Unlock()
}

// Release is called by BlueZ when the profile is being released.
func (p *profile) Release() *dbus.Error { return nil }

// Cancel may be called to indicate a canceled request.
func (p *profile) Cancel() *dbus.Error { return nil }

// RequestDisconnection is ignored; the session notices the closed socket.
func (p *profile) RequestDisconnection(_ dbus.ObjectPath) *dbus.Error { return nil }

// NewConnection delivers the RFCOMM socket FD to the waiting goroutine.
// Only one connection is handed out per arm; any other is closed and rejected.
func (p *profile) NewConnection(dev dbus.ObjectPath, fd dbus.UnixFD, _ map[string]dbus.Variant) *dbus.Error {
    p.mu.Lock()
    ch := p.ch
    p.ch = nil
    p.mu.Unlock()
    if ch == nil {
        _ = unix.Close(int(fd))
        return &dbus.Error{Name: "org.bluez.Error.Rejected", Body: []interface{}{"no receiver"}}
    }
    ch <- acceptResult{fd: int(fd), dev: dev}
    return nil
}

// Listen registers a server-role SPP profile for svc.
func (t *Transport) Listen(ctx context.Context, svc transport.ServiceRecord) (transport.Listener, error) {
    if svc.Name == "" {
        return nil, errors.New("bluez: service name required")
    }
    bus, err := t.busConn()
    if err != nil {
        return nil, err
    }

    prof := &profile{}
    ch := prof.arm()
    path := nextPath("server")
    if err := bus.Export(prof, path, profileInterfaceName); err != nil {
        return nil, fmt.Errorf("bluez: export server profile: %w", err)
    }

    optsMap := map[string]dbus.Variant{
        "Name": dbus.MakeVariant(svc.Name),
        "Role": dbus.MakeVariant("server"),
        // BlueZ expects Channel as a uint16 (not byte).
        "Channel": dbus.MakeVariant(uint16(svc.Channel)),
    }
    pm := bus.Object(bluezService, dbus.ObjectPath("/org/bluez"))
    if call := pm.CallWithContext(ctx, profileManagerIface+".RegisterProfile", 0, path, svc.UUID.String(), optsMap); call.Err != nil {
        _ = bus.Export(nil, path, profileInterfaceName)
        return nil, fmt.Errorf("bluez: RegisterProfile(server): %w", call.Err)
    }
    t.log.Debug("server profile registered",
        zap.String("path", string(path)),
        zap.String("name", svc.Name),
        zap.Uint8("channel", svc.Channel))

    l := &listener{
        t:       t,
        bus:     bus,
        prof:    prof,
        path:    path,
        ch:      ch,
        closeCh: make(chan struct{}),
    }
    go func() {
        select {
        case <-ctx.Done():
            _ = l.Close()
        case <-l.closeCh:
        }
    }()
    return l, nil
}

type listener struct {
    t    *Transport
    bus  *dbus.Conn
    prof *profile
    path dbus.ObjectPath
    ch   chan acceptResult

    closeCh   chan struct{}
    closeOnce sync.Once
    closeErr  error
}

func (l *listener) Accept(ctx context.Context) (transport.Socket, error) {
    select {
    case <-ctx.Done():
        return nil, fmt.Errorf("bluez: accept canceled: %w", ctx.Err())
    case <-l.closeCh:
        return nil, transport.ErrListenerClosed
    case res := <-l.ch:
        peer := l.t.lookupPeer(l.bus, res.dev)
        return openSocket(res.fd, peer)
    }
}

// Close unregisters the server profile. An FD delivered but never accepted
// is closed here so it does not leak.
func (l *listener) Close() error {
    l.closeOnce.Do(func() {
        close(l.closeCh)
        l.prof.disarm(l.ch)
        select {
        case res := <-l.ch:
            _ = unix.Close(res.fd)
        default:
        }
        pm := l.bus.Object(bluezService, dbus.ObjectPath("/org/bluez"))
        if call := pm.Call(profileManagerIface+".UnregisterProfile", 0, l.path); call.Err != nil {
            l.closeErr = fmt.Errorf("bluez: UnregisterProfile(server): %w", call.Err)
        }
        // Unexport the object path (best-effort).
        _ = l.bus.Export(nil, l.path, profileInterfaceName)
    })
    return l.closeErr
}

// ensureClientProfileLocked registers the client-role profile for svcUUID,
// replacing one registered for a different service.
func (t *Transport) ensureClientProfileLocked(svcUUID string) error {
    if t.cliProf != nil && t.clientUUID == svcUUID {
        return nil
    }
    pm := t.bus.Object(bluezService, dbus.ObjectPath("/org/bluez"))
    if t.cliProf != nil {
        _ = pm.Call(profileManagerIface+".UnregisterProfile", 0, t.clientPath).Err
        _ = t.bus.Export(nil, t.clientPath, profileInterfaceName)
        t.cliProf = nil
    }

    prof := &profile{}
    path := nextPath("client")
    if err := t.bus.Export(prof, path, profileInterfaceName); err != nil {
        return fmt.Errorf("bluez: export client profile: %w", err)
    }
    optsMap := map[string]dbus.Variant{
        "Role": dbus.MakeVariant("client"),
    }
    if call := pm.Call(profileManagerIface+".RegisterProfile", 0, path, svcUUID, optsMap); call.Err != nil {
        _ = t.bus.Export(nil, path, profileInterfaceName)
        return fmt.Errorf("bluez: RegisterProfile(client): %w", call.Err)
    }
    t.cliProf = prof
    t.clientPath = path
    t.clientUUID = svcUUID
    return nil
}

// Dial pairs with the device if necessary, asks BlueZ to connect the
// profile and waits for the client profile to receive the socket.
func (t *Transport) Dial(ctx context.Context, peer transport.Peer, svc transport.ServiceRecord) (transport.Socket, error) {
    if peer.Address == "" {
        return nil, errors.New("bluez: peer address required")
    }
    t.mu.Lock()
    if err := t.ensureBusLocked(); err != nil {
        t.mu.Unlock()
        return nil, err
    }
    if err := t.ensureClientProfileLocked(svc.UUID.String()); err != nil {
        t.mu.Unlock()
        return nil, err
    }
    prof := t.cliProf
    bus := t.bus
    t.mu.Unlock()

    objs, err := getManagedObjects(ctx, bus)
    if err != nil {
        return nil, err
    }
    devPath, ok := findDevicePath(objs, peer.Address)
    if !ok {
        return nil, fmt.Errorf("bluez: device %s not known to bluetoothd", peer.Address)
    }

    ch := prof.arm()
    defer prof.disarm(ch)

    // Ensure paired; a pre-registered Agent answers any PIN prompt.
    devObj := bus.Object(bluezService, devPath)
    var pairedVar dbus.Variant
    if call := devObj.CallWithContext(ctx, propsIface+".Get", 0, deviceIface, "Paired"); call.Err == nil {
        if err := call.Store(&pairedVar); err == nil {
            if b, ok := pairedVar.Value().(bool); ok && !b {
                if err := devObj.CallWithContext(ctx, deviceIface+".Pair", 0).Err; err != nil {
                    return nil, fmt.Errorf("bluez: Pair: %w", err)
                }
            }
        }
    }

    if call := devObj.CallWithContext(ctx, deviceIface+".ConnectProfile", 0, svc.UUID.String()); call.Err != nil {
        return nil, fmt.Errorf("bluez: ConnectProfile: %w", call.Err)
    }

    select {
    case <-ctx.Done():
        // NewConnection may still race in; reclaim its FD.
        prof.disarm(ch)
        select {
        case res := <-ch:
            _ = unix.Close(res.fd)
        default:
        }
        return nil, fmt.Errorf("bluez: connect canceled: %w", ctx.Err())
    case res := <-ch:
        p := t.lookupPeer(bus, res.dev)
        if p.Name == "" {
            p.Name = peer.Name
        }
        return openSocket(res.fd, p)
    }
}

// CancelDiscovery stops inquiry on every adapter. Adapters that were not
// discovering answer org.bluez.Error.Failed, which is ignored.
func (t *Transport) CancelDiscovery() error {
    bus, err := t.busConn()
    if err != nil {
        return err
    }
    adapters, err := listAdapters(context.Background(), bus)
    if err != nil {
        return err
    }
    var errs []error
    for _, ap := range adapters {
        err := bus.Object(bluezService, ap).Call(adapterIface+".StopDiscovery", 0).Err
        if err != nil && dbusErrorName(err) != "org.bluez.Error.Failed" {
            errs = append(errs, fmt.Errorf("bluez: StopDiscovery(%s): %w", ap, err))
        }
    }
    return errors.Join(errs...)
}

// Scan runs discovery on all adapters until ctx is done and returns the
// devices advertising svc.
func (t *Transport) Scan(ctx context.Context, svc transport.ServiceRecord) ([]transport.Peer, error) {
    bus, err := t.busConn()
    if err != nil {
        return nil, err
    }
    svcUUID := svc.UUID.String()

    adapters, err := listAdapters(ctx, bus)
    if err != nil {
        return nil, err
    }
    // Start discovery on all adapters (best-effort); stop when done.
    for _, ap := range adapters {
        _ = bus.Object(bluezService, ap).Call(adapterIface+".StartDiscovery", 0).Err
        defer func(p dbus.ObjectPath) { _ = bus.Object(bluezService, p).Call(adapterIface+".StopDiscovery", 0).Err }(ap)
    }

    // Prime from current managed objects.
    objs, err := getManagedObjects(ctx, bus)
    if err != nil {
        return nil, err
    }
    devMap := make(map[string]transport.Peer)
    for path, ifaces := range objs {
        if p, ok := deviceFromIfaces(path, ifaces, svcUUID); ok {
            devMap[p.Address] = p
        }
    }

    // Subscribe to InterfacesAdded to catch new devices until ctx is done.
    sigCh := make(chan *dbus.Signal, 16)
    bus.Signal(sigCh)
    defer bus.RemoveSignal(sigCh)
    match := []dbus.MatchOption{
        dbus.WithMatchInterface(objManagerIface),
        dbus.WithMatchMember("InterfacesAdded"),
    }
    if err := bus.AddMatchSignal(match...); err != nil {
        return nil, fmt.Errorf("bluez: AddMatchSignal: %w", err)
    }
    defer func() { _ = bus.RemoveMatchSignal(match...) }()

loop:
    for {
        select {
        case <-ctx.Done():
            break loop
        case sig := <-sigCh:
            if sig == nil || len(sig.Body) < 2 {
                continue
            }
            path, _ := sig.Body[0].(dbus.ObjectPath)
            ifaces, _ := sig.Body[1].(map[string]map[string]dbus.Variant)
            if ifaces == nil {
                continue
            }
            if p, ok := deviceFromIfaces(path, ifaces, svcUUID); ok {
                devMap[p.Address] = p
            }
        }
    }

    out := make([]transport.Peer, 0, len(devMap))
    for _, p := range devMap {
        out = append(out, p)
    }
    return out, nil
}

// Close is safe for concurrent and redundant calls (idempotent).
func (t *Transport) Close() error {
    t.mu.Lock()
    if t.closed {
        t.mu.Unlock()
        return nil
    }
    t.closed = true
    if t.cliProf != nil {
        bus, path := t.bus, t.clientPath
        t.cleanup = append(t.cleanup, func() {
            _ = bus.Object(bluezService, dbus.ObjectPath("/org/bluez")).Call(profileManagerIface+".UnregisterProfile", 0, path).Err
            _ = bus.Export(nil, path, profileInterfaceName)
        })
    }
    cleanup := t.cleanup
    t.cleanup = nil
    t.mu.Unlock()

    // Run cleanup outside the lock in reverse order of registration.
    for i := len(cleanup) - 1; i >= 0; i-- {
        cleanup[i]()
    }
    return nil
}

// lookupPeer reads Device1 properties for a connected device. Failures yield
// a peer carrying only the MAC from the object path.
func (t *Transport) lookupPeer(bus *dbus.Conn, dev dbus.ObjectPath) transport.Peer {
    var props map[string]dbus.Variant
    call := bus.Object(bluezService, dev).Call(propsIface+".GetAll", 0, deviceIface)
    if call.Err == nil {
        if err := call.Store(&props); err != nil {
            t.log.Debug("decode device properties", zap.String("path", string(dev)), zap.Error(err))
        }
    } else {
        t.log.Debug("read device properties", zap.String("path", string(dev)), zap.Error(call.Err))
    }
    return peerFromProps(dev, props)
}

func dbusErrorName(err error) string {
    var v dbus.Error
    if errors.As(err, &v) {
        return v.Name
    }
    var p *dbus.Error
    if errors.As(err, &p) && p != nil {
        return p.Name
    }
    return ""
}

func getManagedObjects(ctx context.Context, bus *dbus.Conn) (managedObjects, error) {
    obj := bus.Object(bluezService, dbus.ObjectPath("/"))
    var objs managedObjects
    if call := obj.CallWithContext(ctx, objManagerIface+".GetManagedObjects", 0); call.Err != nil {
        return nil, fmt.Errorf("bluez: GetManagedObjects: %w", call.Err)
    } else if err := call.Store(&objs); err != nil {
        return nil, fmt.Errorf("bluez: decode GetManagedObjects: %w", err)
    }
    return objs, nil
}

func listAdapters(ctx context.Context, bus *dbus.Conn) ([]dbus.ObjectPath, error) {
    objs, err := getManagedObjects(ctx, bus)
    if err != nil {
        return nil, err
    }
    var out []dbus.ObjectPath
    for path, ifaces := range objs {
        if _, ok := ifaces[adapterIface]; ok {
            out = append(out, path)
        }
    }
    return out, nil
}

// socket is an RFCOMM stream backed by an FD received from BlueZ.
type socket struct {
    *os.File
    peer transport.Peer
}

func (s *socket) Peer() transport.Peer { return s.peer }

// openSocket wraps fd for the manager. A failure yields a nil interface, not
// a nil *socket.
func openSocket(fd int, peer transport.Peer) (transport.Socket, error) {
    s, err := newSocket(fd, peer)
    if err != nil {
        return nil, err
    }
    return s, nil
}

// newSocket takes ownership of fd. The FD is switched to non-blocking mode so
// os.NewFile registers it with the runtime poller; Close then unblocks a
// pending Read from another goroutine.
func newSocket(fd int, peer transport.Peer) (*socket, error) {
    if err := unix.SetNonblock(fd, true); err != nil {
        _ = unix.Close(fd)
        return nil, fmt.Errorf("bluez: set nonblock: %w", err)
    }
    return &socket{File: os.NewFile(uintptr(fd), "rfcomm"), peer: peer}, nil
}
