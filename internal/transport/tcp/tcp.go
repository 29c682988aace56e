// Package tcp carries the single-link protocol over plain TCP so two peers can
// be exercised without Bluetooth hardware. The service record is ignored; the
// listen address comes from configuration and peers are dialed by host:port.
package tcp

import (
    "context"
    "errors"
    "fmt"
    "io"
    "net"
    "sync"

    "github.com/kabeersohail/BluetoothCommunication/internal/transport"
)

// Transport listens on a fixed address and dials peers by Address.
type Transport struct {
    listenAddr string
    dialer     net.Dialer
}

var (
    _ transport.Transport = (*Transport)(nil)
    _ io.Closer           = (*Transport)(nil)
)

// New returns a transport that binds listenAddr when asked to listen.
func New(listenAddr string) *Transport {
    return &Transport{listenAddr: listenAddr}
}

// CancelDiscovery is a no-op; TCP has no inquiry phase.
func (t *Transport) CancelDiscovery() error { return nil }

// Close is a no-op; listeners and sockets are owned by their callers.
func (t *Transport) Close() error { return nil }

func (t *Transport) Listen(ctx context.Context, _ transport.ServiceRecord) (transport.Listener, error) {
    var lc net.ListenConfig
    ln, err := lc.Listen(ctx, "tcp", t.listenAddr)
    if err != nil {
        return nil, fmt.Errorf("tcp: listen %s: %w", t.listenAddr, err)
    }
    l := &listener{ln: ln, closeCh: make(chan struct{})}
    go func() {
        select {
        case <-ctx.Done():
            _ = l.Close()
        case <-l.closeCh:
        }
    }()
    return l, nil
}

func (t *Transport) Dial(ctx context.Context, peer transport.Peer, _ transport.ServiceRecord) (transport.Socket, error) {
    conn, err := t.dialer.DialContext(ctx, "tcp", peer.Address)
    if err != nil {
        return nil, fmt.Errorf("tcp: dial %s: %w", peer.Address, err)
    }
    return &socket{Conn: conn, peer: peer}, nil
}

type listener struct {
    ln        net.Listener
    closeCh   chan struct{}
    closeOnce sync.Once
    closeErr  error
}

// Addr reports the bound address; useful when listening on port 0.
func (l *listener) Addr() net.Addr { return l.ln.Addr() }

func (l *listener) Accept(ctx context.Context) (transport.Socket, error) {
    stop := context.AfterFunc(ctx, func() { _ = l.Close() })
    defer stop()
    conn, err := l.ln.Accept()
    if err != nil {
        if errors.Is(err, net.ErrClosed) {
            return nil, transport.ErrListenerClosed
        }
        return nil, fmt.Errorf("tcp: accept: %w", err)
    }
    remote := conn.RemoteAddr().String()
    return &socket{Conn: conn, peer: transport.Peer{Name: remote, Address: remote}}, nil
}

func (l *listener) Close() error {
    l.closeOnce.Do(func() {
        close(l.closeCh)
        l.closeErr = l.ln.Close()
    })
    return l.closeErr
}

type socket struct {
    net.Conn
    peer transport.Peer
}

func (s *socket) Peer() transport.Peer { return s.peer }
