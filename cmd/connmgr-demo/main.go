// Demo CLI for connmgr.
//
// Prerequisites (bluez transport)
// - Linux with BlueZ (bluetoothd) running and system D-Bus access.
// - Adapter powered on: `bluetoothctl power on`.
// - Most environments require sudo for RegisterProfile.
//
// Commands
// 1) Scan for devices advertising the service:
//     go run ./cmd/connmgr-demo scan --timeout=15s
//
// 2) Wait for one inbound connection, then chat over it:
//     sudo go run ./cmd/connmgr-demo listen
//   Verify the SDP record from another terminal: `sdptool browse local`.
//
// 3) Connect to a device by MAC or object path, then chat:
//     sudo go run ./cmd/connmgr-demo dial AA:BB:CC:DD:EE:FF
//
// 4) Run both roles in-process, without a radio:
//     go run ./cmd/connmgr-demo loopback
//
// Every line typed on stdin is sent to the peer; received bytes are printed.
// Setting BTLINK_TRANSPORT_KIND=tcp runs listen/dial over TCP instead
// (dial then takes host:port).
package main

import (
    "os"
    "time"

    "github.com/alecthomas/kong"
    "go.uber.org/zap"

    "github.com/kabeersohail/BluetoothCommunication/internal/config"
    "github.com/kabeersohail/BluetoothCommunication/internal/observability"
)

var CLI struct {
    Config  string `help:"Path to YAML config file." type:"path"`
    Verbose bool   `help:"Enable debug logging." short:"v"`

    Scan struct {
        Timeout time.Duration `help:"How long to run discovery." default:"15s"`
    } `cmd:"" help:"List nearby devices advertising the service."`

    Listen struct{} `cmd:"" help:"Accept one inbound connection and exchange data."`

    Dial struct {
        Address string `arg:"" help:"Peer address: MAC or BlueZ object path (host:port for tcp)."`
        Name    string `help:"Display name for the peer."`
    } `cmd:"" help:"Connect to a peer and exchange data."`

    Loopback struct {
        Lines []string `arg:"" optional:"" help:"Lines the dialing side sends."`
    } `cmd:"" help:"Connect two in-process managers and echo lines between them."`
}

func main() {
    ctx := kong.Parse(&CLI,
        kong.Name("connmgr-demo"),
        kong.Description("Single-link RFCOMM connection manager demo."),
    )

    cfg, err := config.Load(CLI.Config)
    if err != nil {
        _, _ = os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
        os.Exit(1)
    }
    if CLI.Verbose {
        cfg.Log.Level = "debug"
    }
    logger, err := observability.SetupLogger(cfg.Log)
    if err != nil {
        _, _ = os.Stderr.WriteString("failed to setup logger: " + err.Error() + "\n")
        os.Exit(1)
    }
    defer func() { _ = logger.Sync() }()

    var code int
    switch ctx.Command() {
    case "scan":
        code = runScan(cfg, logger, CLI.Scan.Timeout)
    case "listen":
        code = runListen(cfg, logger)
    case "dial <address>":
        code = runDial(cfg, logger, CLI.Dial.Address, CLI.Dial.Name)
    case "loopback", "loopback <lines>":
        code = runLoopback(cfg, logger, CLI.Loopback.Lines)
    default:
        logger.Error("unknown command", zap.String("command", ctx.Command()))
        code = 2
    }
    _ = logger.Sync()
    os.Exit(code)
}
