package connmgr

import (
    "fmt"
    "sync"
    "sync/atomic"

    "go.uber.org/zap"

    "github.com/kabeersohail/BluetoothCommunication/internal/transport"
)

type flusher interface {
    Flush() error
}

// session owns one established socket: a read loop on its own goroutine and
// a write path callable from any goroutine.
//
// closed flips exactly once, by whichever of read failure, write failure or
// cancel gets there first. Only a failure that wins reports to the manager,
// so a session is reported closed at most once and never after a cancel.
type session struct {
    m    *Manager
    sock transport.Socket
    peer transport.Peer
    log  *zap.Logger

    closed  atomic.Bool
    writeMu sync.Mutex
    done    chan struct{}
}

func newSession(m *Manager, sock transport.Socket) *session {
    peer := sock.Peer()
    return &session{
        m:    m,
        sock: sock,
        peer: peer,
        log:  m.log.With(zap.String("worker", "session"), zap.String("peer", peer.String())),
        done: make(chan struct{}),
    }
}

func (s *session) role() State { return StateConnected }
func (s *session) start()      { go s.readLoop() }
func (s *session) wait()       { <-s.done }

// cancel closes the socket, which is the only way to unblock the read loop.
func (s *session) cancel() {
    if s.closed.CompareAndSwap(false, true) {
        closeQuietly(s.log, s.sock, "socket")
    }
}

func (s *session) readLoop() {
    buf := make([]byte, s.m.opts.ReadBufferSize)
    var err error
    for {
        var n int
        n, err = s.sock.Read(buf)
        if n > 0 {
            data := make([]byte, n)
            copy(data, buf[:n])
            s.m.emit(Event{Kind: EventDataReceived, Peer: s.peer, Data: data})
        }
        if err != nil {
            break
        }
    }

    report := s.closed.CompareAndSwap(false, true)
    if report {
        s.log.Debug("read failed", zap.Error(err))
        closeQuietly(s.log, s.sock, "socket")
    }
    close(s.done)
    if report {
        s.m.onSessionClosed(s, fmt.Errorf("connmgr: read: %w", err))
    }
}

// write sends all of b and flushes buffered sockets. A failed write closes
// the session.
func (s *session) write(b []byte) error {
    s.writeMu.Lock()
    _, err := s.sock.Write(b)
    if err == nil {
        if f, ok := s.sock.(flusher); ok {
            err = f.Flush()
        }
    }
    s.writeMu.Unlock()

    if err == nil {
        return nil
    }
    err = fmt.Errorf("connmgr: write: %w", err)
    if s.closed.CompareAndSwap(false, true) {
        s.log.Debug("write failed", zap.Error(err))
        closeQuietly(s.log, s.sock, "socket")
        s.m.onSessionClosed(s, err)
    }
    return err
}
