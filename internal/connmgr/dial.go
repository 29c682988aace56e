package connmgr

import (
    "context"
    "errors"
    "fmt"

    "go.uber.org/zap"

    "github.com/kabeersohail/BluetoothCommunication/internal/transport"
)

// dialWorker makes one outbound connection attempt to peer.
//
// A dial cancelled by the manager ends silently: no ConnectionFailed is
// reported for an attempt the caller abandoned.
type dialWorker struct {
    m    *Manager
    peer transport.Peer
    log  *zap.Logger
    ctx  context.Context
    stop context.CancelFunc
    done chan struct{}
}

func newDialWorker(m *Manager, peer transport.Peer) *dialWorker {
    ctx, stop := context.WithCancel(context.Background())
    return &dialWorker{
        m:    m,
        peer: peer,
        log:  m.log.With(zap.String("worker", "dial"), zap.String("peer", peer.String())),
        ctx:  ctx,
        stop: stop,
        done: make(chan struct{}),
    }
}

func (w *dialWorker) role() State { return StateDialing }
func (w *dialWorker) start()      { go w.run() }
func (w *dialWorker) cancel()     { w.stop() }
func (w *dialWorker) wait()       { <-w.done }

func (w *dialWorker) run() {
    // Inquiry slows down or breaks connection setup.
    if err := w.m.tr.CancelDiscovery(); err != nil {
        w.log.Debug("cancel discovery", zap.Error(err))
    }

    w.log.Debug("connecting")
    sock, err := w.m.tr.Dial(w.ctx, w.peer, w.m.opts.Service)
    if err == nil && sock == nil {
        err = errors.New("transport returned no socket")
    }
    cancelled := w.ctx.Err() != nil
    if sock != nil && (cancelled || err != nil) {
        closeQuietly(w.log, sock, "client socket")
        sock = nil
    }
    close(w.done)

    switch {
    case cancelled:
        w.log.Debug("dial cancelled")
    case err != nil:
        reason := fmt.Sprintf("could not connect to '%s': %v", w.peer.DisplayName(), err)
        w.m.onConnectFailed(w, reason, fmt.Errorf("connmgr: dial %s: %w", w.peer.Address, err))
    default:
        w.log.Info("connected")
        w.m.onDialSucceeded(w, sock)
    }
}
