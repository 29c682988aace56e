package connmgr

import (
    "context"
    "fmt"

    "go.uber.org/zap"

    "github.com/kabeersohail/BluetoothCommunication/internal/transport"
)

// listenWorker binds the service endpoint and accepts a single connection.
// The endpoint is closed when the worker exits, whatever the outcome.
type listenWorker struct {
    m    *Manager
    log  *zap.Logger
    ctx  context.Context
    stop context.CancelFunc
    done chan struct{}
}

func newListenWorker(m *Manager) *listenWorker {
    ctx, stop := context.WithCancel(context.Background())
    return &listenWorker{
        m:    m,
        log:  m.log.With(zap.String("worker", "listen"), zap.String("service", m.opts.Service.Name)),
        ctx:  ctx,
        stop: stop,
        done: make(chan struct{}),
    }
}

func (w *listenWorker) role() State { return StateListening }
func (w *listenWorker) start()      { go w.run() }
func (w *listenWorker) cancel()     { w.stop() }
func (w *listenWorker) wait()       { <-w.done }

func (w *listenWorker) run() {
    sock, reason, err := w.accept()
    cancelled := w.ctx.Err() != nil
    if sock != nil && cancelled {
        closeQuietly(w.log, sock, "socket accepted after cancel")
        sock = nil
    }
    close(w.done)

    switch {
    case cancelled:
        w.log.Debug("listener cancelled")
    case err != nil:
        w.m.onConnectFailed(w, reason, err)
    default:
        w.log.Info("connection accepted", zap.String("peer", sock.Peer().String()))
        w.m.onAccepted(w, sock)
    }
}

func (w *listenWorker) accept() (transport.Socket, string, error) {
    svc := w.m.opts.Service
    ln, err := w.m.tr.Listen(w.ctx, svc)
    if err != nil {
        return nil, fmt.Sprintf("server listen failed: %v", err), fmt.Errorf("connmgr: listen %q: %w", svc.Name, err)
    }
    defer closeQuietly(w.log, ln, "server endpoint")

    w.log.Debug("waiting for connection", zap.String("uuid", svc.UUID.String()))
    sock, err := ln.Accept(w.ctx)
    if err != nil {
        return nil, fmt.Sprintf("server accept failed: %v", err), fmt.Errorf("connmgr: accept: %w", err)
    }
    return sock, "", nil
}
