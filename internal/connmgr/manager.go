package connmgr

import (
    "io"
    "sync"
    "sync/atomic"

    "go.uber.org/zap"

    "github.com/kabeersohail/BluetoothCommunication/internal/transport"
)

// worker is one of *listenWorker, *dialWorker or *session. The manager owns
// at most one at a time; its role is the manager's State.
type worker interface {
    role() State
    start()
    // cancel requests termination; it must unblock any pending transport call.
    cancel()
    // wait returns once the worker's run loop has exited.
    wait()
}

// Manager is the Mgr implementation.
type Manager struct {
    mu     sync.Mutex
    closed bool
    active worker

    // state mirrors active.role() for lock-free reads; written under mu.
    state atomic.Int32

    tr     transport.Transport
    opts   Options
    log    *zap.Logger
    events *eventQueue
}

var _ Mgr = (*Manager)(nil)

// New creates a manager in the Idle state driving tr.
func New(tr transport.Transport, opts Options) *Manager {
    opts = opts.withDefaults()
    return &Manager{
        tr:     tr,
        opts:   opts,
        log:    opts.Logger.Named("connmgr"),
        events: newEventQueue(),
    }
}

func (m *Manager) State() State { return State(m.state.Load()) }

func (m *Manager) Events() <-chan Event { return m.events.out }

func (m *Manager) StartListening() {
    m.mu.Lock()
    defer m.mu.Unlock()
    if m.closed {
        return
    }
    if _, ok := m.active.(*listenWorker); ok {
        m.log.Debug("start listening: listener already running")
        return
    }
    m.retireLocked()

    w := newListenWorker(m)
    m.installLocked(w)
    m.emit(Event{Kind: EventListeningStarted})
    w.start()
}

// Dial retires whatever is active, including a listener: only one worker may
// be active at a time.
func (m *Manager) Dial(peer transport.Peer) {
    m.mu.Lock()
    defer m.mu.Unlock()
    if m.closed {
        return
    }
    if prev := State(m.state.Load()); prev != StateIdle {
        m.log.Debug("dial supersedes active role", zap.Stringer("role", prev), zap.String("peer", peer.String()))
    }
    m.retireLocked()

    m.emit(Event{Kind: EventConnecting, Peer: peer})
    w := newDialWorker(m, peer)
    m.installLocked(w)
    w.start()
}

func (m *Manager) Stop() {
    m.mu.Lock()
    defer m.mu.Unlock()
    if m.active == nil {
        return
    }
    m.log.Debug("stop", zap.Stringer("role", m.active.role()))
    m.retireLocked()
}

func (m *Manager) Send(b []byte) error {
    m.mu.Lock()
    if m.closed {
        m.mu.Unlock()
        return ErrClosed
    }
    s, ok := m.active.(*session)
    m.mu.Unlock()

    if !ok {
        m.log.Debug("send while not connected; dropped", zap.Int("bytes", len(b)))
        return nil
    }
    return s.write(b)
}

func (m *Manager) Close() error {
    m.mu.Lock()
    if m.closed {
        m.mu.Unlock()
        return nil
    }
    m.retireLocked()
    m.closed = true
    m.mu.Unlock()

    m.events.close()
    return nil
}

// onAccepted and onDialSucceeded hand a fresh socket to a new session.
func (m *Manager) onAccepted(w *listenWorker, sock transport.Socket) {
    m.connected(w, sock)
}

func (m *Manager) onDialSucceeded(w *dialWorker, sock transport.Socket) {
    m.connected(w, sock)
}

func (m *Manager) connected(from worker, sock transport.Socket) {
    m.mu.Lock()
    defer m.mu.Unlock()
    peer := sock.Peer()
    if m.closed || m.active != from {
        m.log.Warn("connection from retired worker rejected; closing socket", zap.String("peer", peer.String()))
        closeQuietly(m.log, sock, "rejected socket")
        return
    }
    m.retireLocked()

    s := newSession(m, sock)
    m.installLocked(s)
    m.emit(Event{Kind: EventConnected, Peer: peer})
    s.start()
}

// onConnectFailed reports a bind, accept or dial failure of the active worker.
func (m *Manager) onConnectFailed(from worker, reason string, err error) {
    m.mu.Lock()
    defer m.mu.Unlock()
    if m.closed || m.active != from {
        m.log.Debug("failure from retired worker ignored", zap.String("reason", reason))
        return
    }
    m.retireLocked()
    m.log.Warn("connection failed", zap.String("reason", reason), zap.Error(err))
    m.emit(Event{Kind: EventConnectionFailed, Reason: reason, Err: err})
}

func (m *Manager) onSessionClosed(s *session, err error) {
    m.mu.Lock()
    defer m.mu.Unlock()
    if m.closed || m.active != s {
        return
    }
    m.retireLocked()
    m.log.Info("connection lost", zap.String("peer", s.peer.String()), zap.Error(err))
    m.emit(Event{Kind: EventDisconnected, Peer: s.peer, Err: err})
}

// retireLocked cancels the active worker and waits for its run loop to exit.
// State reads Idle from the moment retirement begins.
func (m *Manager) retireLocked() {
    w := m.active
    if w == nil {
        return
    }
    m.active = nil
    m.setStateLocked(StateIdle)
    w.cancel()
    w.wait()
}

func (m *Manager) installLocked(w worker) {
    m.active = w
    m.setStateLocked(w.role())
}

func (m *Manager) setStateLocked(s State) {
    old := State(m.state.Swap(int32(s)))
    if old != s {
        m.log.Debug("state changed", zap.Stringer("from", old), zap.Stringer("to", s))
    }
}

func (m *Manager) emit(e Event) {
    m.events.push(e)
}

func closeQuietly(log *zap.Logger, c io.Closer, what string) {
    if err := c.Close(); err != nil {
        log.Debug("close "+what, zap.Error(err))
    }
}
