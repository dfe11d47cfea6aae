// Command axterm runs the AXTerm protocol engine as a headless daemon: it
// loads configuration, opens the configured transport, and drives the
// engine executor until interrupted. The graphical shell, the embedded
// SQLite store, and notification scheduling are external collaborators
// (spec.md §1) and are not part of this binary.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/axterm/axterm/internal/config"
	"github.com/axterm/axterm/internal/engine"
	"github.com/axterm/axterm/internal/logging"
	"github.com/axterm/axterm/internal/persist"
	"github.com/axterm/axterm/internal/transport"
	"github.com/charmbracelet/log"
	"github.com/spf13/pflag"
)

func main() {
	flags := config.RegisterFlags(pflag.CommandLine)
	var logLevel = pflag.StringP("log-level", "d", "info", "Log level: debug, info, warn, error.")
	var debugPTY = pflag.BoolP("debug-pty", "p", false, "Ignore the configured transport and expose the engine over a local pseudo terminal for development without a real TNC.")
	var help = pflag.BoolP("help", "h", false, "Display help text.")

	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "axterm - a packet radio terminal/monitor engine.\n\n")
		fmt.Fprintf(os.Stderr, "Usage: axterm [options]\n\n")
		pflag.PrintDefaults()
	}
	pflag.Parse()

	if *help {
		pflag.Usage()
		os.Exit(0)
	}

	lg := logging.NewStderr("axterm")
	if lvl, err := log.ParseLevel(*logLevel); err == nil {
		lg.SetLevel(lvl)
	} else {
		lg.Warn("unrecognized log level, defaulting to info", "value", *logLevel)
	}

	cfg, err := config.Load(*flags.ConfigPath)
	if err != nil {
		lg.Warn("falling back to defaults", "err", err)
		cfg = config.Default()
	}
	flags.Apply(&cfg)

	if cfg.Identity.MyCallsign == "" {
		fmt.Fprintln(os.Stderr, "axterm: identity.my_callsign must be set via config file or --callsign")
		os.Exit(1)
	}

	var link transport.Link
	var ptyLink *transport.PTYLink
	if *debugPTY {
		ptyLink = transport.NewPTYLink()
		link = ptyLink
	} else {
		link, err = buildLink(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "axterm: %v\n", err)
			os.Exit(1)
		}
	}

	store := persist.NewWorker(persist.NewMemoryBackend(), func(perr *persist.Error) {
		lg.Warn("persistence error", "err", perr.Error())
	}) // closed by the engine's teardown

	eng, err := engine.New(cfg, lg, link, store)
	if err != nil {
		fmt.Fprintf(os.Stderr, "axterm: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runErr := make(chan error, 1)
	go func() { runErr <- eng.Run(ctx) }()

	lg.Info("starting engine", "callsign", cfg.Identity.MyCallsign, "transport", cfg.Transport.Kind)
	if err := eng.ConnectUsingSettings(); err != nil {
		lg.Warn("initial connect failed, will require manual reconnect", "err", err)
	} else if ptyLink != nil {
		lg.Info("attach a KISS client to the pseudo terminal", "path", ptyLink.SlavePath())
	}

	if err := <-runErr; err != nil {
		fmt.Fprintf(os.Stderr, "axterm: %v\n", err)
		os.Exit(1)
	}
}

// buildLink constructs the configured transport.Link without opening it;
// the engine's Run/ConnectUsingSettings path performs the actual connect.
func buildLink(cfg config.Config) (transport.Link, error) {
	switch cfg.Transport.Kind {
	case config.TransportNetwork:
		return transport.NewTCPLink(cfg.Transport.Host, cfg.Transport.Port), nil
	case config.TransportSerial:
		l := transport.NewSerialLink(cfg.Transport.SerialPath, cfg.Transport.SerialBaud)
		l.AutoReconnect = cfg.Transport.SerialAutoReconnect
		l.Mobilinkd = transport.MobilinkdConfig{
			Enabled:    cfg.Mobilinkd.Enabled,
			ModemType:  byte(cfg.Mobilinkd.ModemType),
			InputGain:  uint8(cfg.Mobilinkd.InputGain),
			OutputGain: uint8(cfg.Mobilinkd.OutputGain),
		}
		return l, nil
	case config.TransportBLE:
		return nil, fmt.Errorf("ble transport requires a platform BLE central; use the library API directly")
	default:
		return nil, fmt.Errorf("unknown transport kind %q", cfg.Transport.Kind)
	}
}
