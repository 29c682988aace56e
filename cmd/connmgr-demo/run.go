package main

import (
    "bufio"
    "context"
    "fmt"
    "io"
    "os"
    "os/signal"
    "strings"
    "syscall"
    "time"

    "go.uber.org/zap"

    "github.com/kabeersohail/BluetoothCommunication/internal/config"
    "github.com/kabeersohail/BluetoothCommunication/internal/connmgr"
    "github.com/kabeersohail/BluetoothCommunication/internal/transport"
    "github.com/kabeersohail/BluetoothCommunication/internal/transport/bluez"
    "github.com/kabeersohail/BluetoothCommunication/internal/transport/mem"
    "github.com/kabeersohail/BluetoothCommunication/internal/transport/tcp"
)

// newTransport builds the transport named by transport.kind. The returned
// closer releases transport-wide resources.
func newTransport(cfg *config.Config, logger *zap.Logger) (transport.Transport, io.Closer) {
    switch cfg.Transport.Kind {
    case config.TransportTCP:
        tr := tcp.New(cfg.Transport.ListenAddress)
        return tr, tr
    default:
        bt := bluez.New(logger.Named("bluez"))
        return bt, bt
    }
}

func managerOptions(cfg *config.Config, logger *zap.Logger) connmgr.Options {
    return connmgr.Options{
        Service:        cfg.ServiceRecord(),
        ReadBufferSize: cfg.Session.ReadBufferSize,
        Logger:         logger,
    }
}

func runScan(cfg *config.Config, logger *zap.Logger, timeout time.Duration) int {
    if cfg.Transport.Kind != config.TransportBlueZ {
        logger.Error("scan requires the bluez transport", zap.String("transport", cfg.Transport.Kind))
        return 2
    }
    bt := bluez.New(logger.Named("bluez"))
    defer func() { _ = bt.Close() }()

    ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
    defer stop()
    ctx, cancel := context.WithTimeout(ctx, timeout)
    defer cancel()

    svc := cfg.ServiceRecord()
    logger.Info("scanning", zap.Stringer("uuid", svc.UUID), zap.Duration("timeout", timeout))
    peers, err := bt.Scan(ctx, svc)
    if err != nil {
        logger.Error("scan failed", zap.Error(err))
        return 1
    }
    if len(peers) == 0 {
        fmt.Println("no devices found")
        return 0
    }
    for _, p := range peers {
        fmt.Printf("%s\t%s\n", p.Address, p.DisplayName())
    }
    return 0
}

func runListen(cfg *config.Config, logger *zap.Logger) int {
    tr, closer := newTransport(cfg, logger)
    defer func() { _ = closer.Close() }()

    m := connmgr.New(tr, managerOptions(cfg, logger))
    m.StartListening()
    return chat(m, logger)
}

func runDial(cfg *config.Config, logger *zap.Logger, addr, name string) int {
    tr, closer := newTransport(cfg, logger)
    defer func() { _ = closer.Close() }()

    m := connmgr.New(tr, managerOptions(cfg, logger))
    m.Dial(transport.Peer{Name: name, Address: addr})
    return chat(m, logger)
}

// chat prints manager events and forwards stdin lines to the connected peer.
// It returns once the link ends or the process is interrupted.
func chat(m *connmgr.Manager, logger *zap.Logger) int {
    ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
    defer stop()

    go func() {
        sc := bufio.NewScanner(os.Stdin)
        for sc.Scan() {
            if m.State() != connmgr.StateConnected {
                logger.Warn("not connected; line dropped")
                continue
            }
            if err := m.Send([]byte(sc.Text() + "\n")); err != nil {
                logger.Warn("send failed", zap.Error(err))
            }
        }
    }()

    code := 0
    events := m.Events()
loop:
    for {
        select {
        case <-ctx.Done():
            logger.Info("interrupted")
            break loop
        case ev, ok := <-events:
            if !ok {
                break loop
            }
            switch ev.Kind {
            case connmgr.EventListeningStarted:
                logger.Info("waiting for a connection")
            case connmgr.EventConnecting:
                logger.Info("connecting", zap.Stringer("peer", ev.Peer))
            case connmgr.EventConnected:
                logger.Info("connected", zap.Stringer("peer", ev.Peer))
            case connmgr.EventDataReceived:
                fmt.Print(string(ev.Data))
            case connmgr.EventConnectionFailed:
                logger.Error("connection failed", zap.String("reason", ev.Reason))
                code = 1
                break loop
            case connmgr.EventDisconnected:
                logger.Info("disconnected", zap.Stringer("peer", ev.Peer), zap.Error(ev.Err))
                break loop
            }
        }
    }

    _ = m.Close()
    // drain so the event pump can exit
    for range events {
    }
    return code
}

// runLoopback connects two managers over an in-process network. The listening
// side echoes every chunk back in upper case.
func runLoopback(cfg *config.Config, logger *zap.Logger, lines []string) int {
    if len(lines) == 0 {
        lines = []string{"hello", "ping", "bye"}
    }
    opts := managerOptions(cfg, logger)

    network := mem.NewNetwork()
    srvTr := network.Host(transport.Peer{Name: "echo", Address: "00:00:00:00:00:01"})
    cliTr := network.Host(transport.Peer{Name: "client", Address: "00:00:00:00:00:02"})

    srv := connmgr.New(srvTr, withLogger(opts, logger.Named("server")))
    cli := connmgr.New(cliTr, withLogger(opts, logger.Named("client")))
    defer func() {
        _ = cli.Close()
        _ = srv.Close()
        // drain so the client pump can exit; the echo loop drains the server
        for range cli.Events() {
        }
    }()

    go func() {
        for ev := range srv.Events() {
            if ev.Kind == connmgr.EventDataReceived {
                _ = srv.Send([]byte(strings.ToUpper(string(ev.Data))))
            }
        }
    }()
    srv.StartListening()

    ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
    defer cancel()

    want := strings.ToUpper(strings.Join(lines, ""))
    var got strings.Builder
    cli.Dial(srvTr.Local())
    for {
        select {
        case <-ctx.Done():
            logger.Error("loopback timed out", zap.String("received", got.String()))
            return 1
        case ev := <-cli.Events():
            switch ev.Kind {
            case connmgr.EventConnectionFailed:
                // listener may not be bound yet
                logger.Debug("dial failed; retrying", zap.String("reason", ev.Reason))
                time.Sleep(50 * time.Millisecond)
                cli.Dial(srvTr.Local())
            case connmgr.EventConnected:
                logger.Info("connected", zap.Stringer("peer", ev.Peer))
                for _, l := range lines {
                    if err := cli.Send([]byte(l)); err != nil {
                        logger.Error("send failed", zap.Error(err))
                        return 1
                    }
                }
            case connmgr.EventDataReceived:
                got.Write(ev.Data)
                if got.Len() >= len(want) {
                    fmt.Println(got.String())
                    if got.String() != want {
                        return 1
                    }
                    return 0
                }
            case connmgr.EventDisconnected:
                logger.Error("link dropped", zap.Error(ev.Err))
                return 1
            }
        }
    }
}

func withLogger(opts connmgr.Options, l *zap.Logger) connmgr.Options {
    opts.Logger = l
    return opts
}
