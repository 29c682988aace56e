// Package connmgr owns the single RFCOMM-style link between this device and
// one remote peer. It runs exactly one worker at a time (listener, dialer or
// session), serializes every role transition behind one lock and reports
// lifecycle and received data as an ordered stream of Events.
//
// Thread-safety: all methods are safe for concurrent use. Send never waits on
// a role transition; transitions never wait on a slow write.
package connmgr

import (
    "errors"

    "github.com/google/uuid"
    "go.uber.org/zap"

    "github.com/kabeersohail/BluetoothCommunication/internal/transport"
)

// DefaultReadBufferSize is the size of the session read buffer.
const DefaultReadBufferSize = 1024

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("connmgr: closed")

// State is the current role of the manager.
type State int32

const (
    StateIdle State = iota
    StateListening
    StateDialing
    StateConnected
)

func (s State) String() string {
    switch s {
    case StateIdle:
        return "Idle"
    case StateListening:
        return "Listening"
    case StateDialing:
        return "Dialing"
    case StateConnected:
        return "Connected"
    default:
        return "Unknown"
    }
}

// Options configures a Manager.
type Options struct {
    // Service is the endpoint both peers agree on. Zero fields take the
    // values of transport.DefaultServiceRecord().
    Service transport.ServiceRecord
    // ReadBufferSize bounds a single DataReceived payload. Defaults to 1024.
    ReadBufferSize int
    // Logger defaults to zap.L().
    Logger *zap.Logger
}

func (o Options) withDefaults() Options {
    def := transport.DefaultServiceRecord()
    if o.Service.UUID == uuid.Nil {
        o.Service.UUID = def.UUID
    }
    if o.Service.Name == "" {
        o.Service.Name = def.Name
    }
    if o.Service.Channel == 0 {
        o.Service.Channel = def.Channel
    }
    if o.ReadBufferSize <= 0 {
        o.ReadBufferSize = DefaultReadBufferSize
    }
    if o.Logger == nil {
        o.Logger = zap.L()
    }
    return o
}

// Mgr is the public surface of the connection manager.
type Mgr interface {
    // StartListening waits for one inbound connection. It is a no-op while a
    // listener is already running; any dial or session is torn down first.
    StartListening()

    // Dial connects to peer, superseding an in-flight dial or a live session.
    Dial(peer transport.Peer)

    // Stop tears down whatever is running and returns to Idle. A stop never
    // produces a failure event of its own.
    Stop()

    // Send writes b to the connected peer. While not connected it does
    // nothing and returns nil. The write happens outside the transition
    // lock; a write failure ends the session.
    Send(b []byte) error

    // State reports the current role without blocking.
    State() State

    // Events delivers lifecycle and data events in order. The channel is
    // closed after Close once pending events are drained.
    Events() <-chan Event

    // Close stops the manager for good.
    //   - Safe for concurrent use; redundant calls are allowed (idempotent).
    //   - After Close, transitions are ignored and Send returns ErrClosed.
    Close() error
}
