//go:build !linux

package bluez

import (
    "context"

    "go.uber.org/zap"

    "github.com/kabeersohail/BluetoothCommunication/internal/transport"
)

// Transport is unavailable outside Linux; every operation returns ErrUnsupported.
type Transport struct{}

func New(_ *zap.Logger) *Transport { return &Transport{} }

func (t *Transport) Listen(context.Context, transport.ServiceRecord) (transport.Listener, error) {
    return nil, ErrUnsupported
}

func (t *Transport) Dial(context.Context, transport.Peer, transport.ServiceRecord) (transport.Socket, error) {
    return nil, ErrUnsupported
}

func (t *Transport) CancelDiscovery() error { return ErrUnsupported }

func (t *Transport) Scan(context.Context, transport.ServiceRecord) ([]transport.Peer, error) {
    return nil, ErrUnsupported
}

func (t *Transport) Close() error { return nil }
