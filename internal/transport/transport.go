// Package transport defines the stream transport contracts the connection
// manager is built on: a server endpoint that accepts one socket at a time,
// an outbound dialer, and the discovery hook that must be quiesced before
// dialing.
//
// Implementations live in sub-packages: bluez (RFCOMM via BlueZ D-Bus),
// tcp (plain TCP stand-in) and mem (in-process pipes for tests).
package transport

import (
    "context"
    "errors"
    "io"

    "github.com/google/uuid"
)

const (
    // SPPUUID is the Serial Port Profile UUID used for RFCOMM connections.
    SPPUUID = "00001101-0000-1000-8000-00805f9b34fb"

    // DefaultRFCOMMChannel is the fixed RFCOMM channel for the server-side profile.
    DefaultRFCOMMChannel uint8 = 22

    // DefaultServiceName is advertised in the SDP record of the listening side.
    DefaultServiceName = "ECM Data Service"
)

// ErrListenerClosed is returned by Accept once the endpoint has been closed.
var ErrListenerClosed = errors.New("transport: listener closed")

// ServiceRecord identifies the well-known endpoint both peers agree on.
type ServiceRecord struct {
    Name    string
    UUID    uuid.UUID
    Channel uint8
}

// DefaultServiceRecord returns the SPP record used when nothing is configured.
func DefaultServiceRecord() ServiceRecord {
    return ServiceRecord{
        Name:    DefaultServiceName,
        UUID:    uuid.MustParse(SPPUUID),
        Channel: DefaultRFCOMMChannel,
    }
}

// Socket is one established byte stream with a remote peer.
// Close must unblock a pending Read or Write from another goroutine.
type Socket interface {
    io.ReadWriteCloser
    Peer() Peer
}

// Listener is a bound server endpoint.
type Listener interface {
    // Accept blocks until a peer connects, ctx is done or the listener is closed.
    Accept(ctx context.Context) (Socket, error)
    // Close releases the endpoint. Safe to call more than once.
    Close() error
}

// Transport is the collaborator the connection manager drives.
type Transport interface {
    // Listen binds the service endpoint. The endpoint is closed when ctx is done.
    Listen(ctx context.Context, svc ServiceRecord) (Listener, error)
    // Dial connects to peer. Cancelling ctx aborts a pending connect.
    Dial(ctx context.Context, peer Peer, svc ServiceRecord) (Socket, error)
    // CancelDiscovery stops any inquiry running on the adapter.
    CancelDiscovery() error
}

// Scanner is implemented by transports that can discover nearby peers.
type Scanner interface {
    Scan(ctx context.Context, svc ServiceRecord) ([]Peer, error)
}
