// Package mem is an in-process transport built on net.Pipe. Hosts attached
// to the same Network can listen for and dial each other; it is used by tests
// and by the loopback demo as a stand-in for a radio link.
package mem

import (
    "context"
    "errors"
    "fmt"
    "net"
    "sync"
    "sync/atomic"

    "github.com/google/uuid"

    "github.com/kabeersohail/BluetoothCommunication/internal/transport"
)

var errRefused = errors.New("mem: connection refused")

type endpointKey struct {
    addr string
    svc  uuid.UUID
}

// Network connects in-process hosts.
type Network struct {
    mu         sync.Mutex
    listeners  map[endpointKey]*listener
    blackholes map[string]bool
}

// NewNetwork returns an empty network.
func NewNetwork() *Network {
    return &Network{
        listeners:  make(map[endpointKey]*listener),
        blackholes: make(map[string]bool),
    }
}

// Host attaches a transport identified by local to the network.
func (n *Network) Host(local transport.Peer) *Transport {
    return &Transport{net: n, local: local}
}

// Blackhole makes dials to addr hang until their context is cancelled,
// like a page to a device that never answers.
func (n *Network) Blackhole(addr string) {
    n.mu.Lock()
    n.blackholes[addr] = true
    n.mu.Unlock()
}

func (n *Network) lookup(addr string, svc uuid.UUID) (*listener, bool) {
    n.mu.Lock()
    defer n.mu.Unlock()
    return n.listeners[endpointKey{addr, svc}], n.blackholes[addr]
}

func (n *Network) remove(k endpointKey, l *listener) {
    n.mu.Lock()
    if n.listeners[k] == l {
        delete(n.listeners, k)
    }
    n.mu.Unlock()
}

// Transport is one host on a Network.
type Transport struct {
    net   *Network
    local transport.Peer

    discoveryCancels atomic.Int64
}

var _ transport.Transport = (*Transport)(nil)

// Local returns the identity this host presents to remote peers.
func (t *Transport) Local() transport.Peer { return t.local }

// DiscoveryCancels reports how many times CancelDiscovery was called.
func (t *Transport) DiscoveryCancels() int64 { return t.discoveryCancels.Load() }

func (t *Transport) CancelDiscovery() error {
    t.discoveryCancels.Add(1)
    return nil
}

func (t *Transport) Listen(ctx context.Context, svc transport.ServiceRecord) (transport.Listener, error) {
    k := endpointKey{t.local.Address, svc.UUID}
    l := &listener{
        key:     k,
        net:     t.net,
        newCh:   make(chan *socket),
        closeCh: make(chan struct{}),
    }
    t.net.mu.Lock()
    if _, ok := t.net.listeners[k]; ok {
        t.net.mu.Unlock()
        return nil, fmt.Errorf("mem: listener %s/%s already exists", k.addr, k.svc)
    }
    t.net.listeners[k] = l
    t.net.mu.Unlock()

    go func() {
        select {
        case <-ctx.Done():
            _ = l.Close()
        case <-l.closeCh:
        }
    }()
    return l, nil
}

func (t *Transport) Dial(ctx context.Context, peer transport.Peer, svc transport.ServiceRecord) (transport.Socket, error) {
    l, blackholed := t.net.lookup(peer.Address, svc.UUID)
    if blackholed {
        <-ctx.Done()
        return nil, fmt.Errorf("mem: dial %s: %w", peer.Address, ctx.Err())
    }
    if l == nil {
        return nil, fmt.Errorf("mem: dial %s: %w", peer.Address, errRefused)
    }
    c1, c2 := net.Pipe()
    srv := &socket{Conn: c1, peer: t.local}
    cli := &socket{Conn: c2, peer: peer}
    select {
    case l.newCh <- srv:
        return cli, nil
    case <-l.closeCh:
        _ = c1.Close()
        _ = c2.Close()
        return nil, fmt.Errorf("mem: dial %s: %w", peer.Address, errRefused)
    case <-ctx.Done():
        _ = c1.Close()
        _ = c2.Close()
        return nil, fmt.Errorf("mem: dial %s: %w", peer.Address, ctx.Err())
    }
}

type listener struct {
    key       endpointKey
    net       *Network
    newCh     chan *socket
    closeCh   chan struct{}
    closeOnce sync.Once
}

func (l *listener) Accept(ctx context.Context) (transport.Socket, error) {
    select {
    case <-ctx.Done():
        return nil, ctx.Err()
    case <-l.closeCh:
        return nil, transport.ErrListenerClosed
    case s := <-l.newCh:
        return s, nil
    }
}

func (l *listener) Close() error {
    l.closeOnce.Do(func() {
        l.net.remove(l.key, l)
        close(l.closeCh)
    })
    return nil
}

type socket struct {
    net.Conn
    peer transport.Peer
}

func (s *socket) Peer() transport.Peer { return s.peer }
