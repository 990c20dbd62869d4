// Command v253d relays AT commands between a local pseudo-terminal and a
// V.253 voice modem, and publishes the line's voice mode to ttypcm streams.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jaracil/ttypcm"
	"github.com/jessevdk/go-flags"
)

type options struct {
	ShmDir    string        `long:"shm-dir" default:"/dev/shm" description:"Directory holding mode flag regions"`
	LogLevel  string        `long:"log-level" default:"info" choice:"debug" choice:"info" choice:"warn" choice:"error" description:"Log level"`
	LogFormat string        `long:"log-format" default:"text" choice:"text" choice:"json" description:"Log format"`
	Settle    time.Duration `long:"settle" default:"1s" description:"Pause between input flushes before forwarding ATH"`
	ListPorts bool          `long:"list-ports" description:"List serial ports and exit"`

	Args struct {
		Modem        string `positional-arg-name:"modem" description:"Modem device, e.g. /dev/ttyACM0"`
		UserSequence string `positional-arg-name:"user-at-sequence" description:"AT command sent before dialing"`
	} `positional-args:"yes"`
}

func main() {
	var opts options
	parser := flags.NewParser(&opts, flags.Default)
	parser.Usage = "[OPTIONS] modem [user-at-sequence]"
	if _, err := parser.Parse(); err != nil {
		if flags.WroteHelp(err) {
			os.Exit(0)
		}
		os.Exit(1)
	}

	if opts.ListPorts {
		if err := listPorts(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}
	if opts.Args.Modem == "" {
		parser.WriteHelp(os.Stderr)
		os.Exit(1)
	}

	logger, closer, err := ttypcm.NewLogger(ttypcm.LoggingConfig{Level: opts.LogLevel, Format: opts.LogFormat}, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, &opts, logger); err != nil {
		logger.Error("Relay stopped", "error", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, opts *options, logger *slog.Logger) error {
	modem, err := ttypcm.OpenSession(opts.Args.Modem, ttypcm.Duplex)
	if err != nil {
		return err
	}
	defer modem.Close()
	if err := ttypcm.MakeRaw(int(modem.Fd())); err != nil {
		logger.Warn("Failed to put modem line in raw mode", "error", err)
	}

	flag, err := ttypcm.CreateModeFlag(opts.ShmDir, modem.Identity())
	if err != nil {
		return err
	}
	defer flag.Close()
	// Streams must not stay in voice mode once the daemon is gone.
	defer flag.Set(false)

	cmdPty, err := newCommandPty()
	if err != nil {
		return fmt.Errorf("create pseudo-terminal: %w", err)
	}
	defer cmdPty.Close()

	link := opts.Args.Modem + ":AT"
	if err := cmdPty.Publish(link); err != nil {
		return fmt.Errorf("publish %s: %w", link, err)
	}

	relay, err := ttypcm.NewRelay(&ttypcm.RelayConfig{
		Modem:        modem,
		Terminal:     cmdPty,
		Flag:         flag,
		UserSequence: opts.Args.UserSequence,
		HangupSettle: opts.Settle,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	logger.Info("Relay started",
		"modem", opts.Args.Modem, "device", modem.Identity(),
		"pty", cmdPty.Name(), "link", link, "flag", flag.Path())

	err = relay.Serve(ctx)
	m := relay.Metrics()
	logger.Info("Relay finished",
		"commands", m.Commands, "forwarded", m.Forwarded, "refused", m.Refused,
		"overflows", m.Overflows, "modem_rx", m.ModemRxBytes)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func listPorts() error {
	ports, err := ttypcm.ListPorts()
	if err != nil {
		return err
	}
	for _, p := range ports {
		fmt.Println(p)
	}
	return nil
}
