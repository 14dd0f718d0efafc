package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/inspectlink/inspectlink/client"
	"github.com/inspectlink/inspectlink/internal/app"
	"github.com/inspectlink/inspectlink/internal/bus"
	"github.com/inspectlink/inspectlink/internal/config"
	"github.com/inspectlink/inspectlink/internal/connectors"
	"github.com/inspectlink/inspectlink/internal/logging"
)

const (
	programName       = "inspectlink-send"
	maxHexPreviewLen  = 64
	passphraseEnvName = "INSPECTLINK_PASSPHRASE"
)

type options struct {
	configFile string
	connector  string
	socketPath string
	host       string
	port       int
	serialPort string
	serialBaud int
	passphrase string

	record    recordFlags
	timeout   time.Duration
	watch     bool
	logLevel  string
	version   bool
	deviceRaw string
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newFlagSet(opts *options) *pflag.FlagSet {
	fs := pflag.NewFlagSet(programName, pflag.ContinueOnError)
	fs.StringVarP(&opts.configFile, "config", "c", "", "configuration file (default: user config dir)")
	fs.StringVar(&opts.connector, "connector", "", "override connector: unix, ip or serial")
	fs.StringVar(&opts.socketPath, "socket", "", "inspector unix socket")
	fs.StringVar(&opts.host, "host", "", "inspector host for the ip connector")
	fs.IntVar(&opts.port, "port", 0, "inspector port for the ip connector")
	fs.StringVar(&opts.serialPort, "serial", "", "serial port or pty for the serial connector")
	fs.IntVar(&opts.serialBaud, "baud", 0, "serial baud rate")
	fs.StringVar(&opts.passphrase, "passphrase", "", "shared passphrase (default: config or $"+passphraseEnvName+")")
	fs.StringVar(&opts.deviceRaw, "device", "", "raw device identity to present instead of the probed one")

	fs.StringVarP(&opts.record.kind, "kind", "k", "log", "record kind: log, analytics, exception or crash")
	fs.StringVarP(&opts.record.level, "level", "l", "info", "log priority: verbose, debug, info, warn, error or assert")
	fs.StringVarP(&opts.record.tag, "tag", "t", programName, "log tag")
	fs.StringVarP(&opts.record.message, "message", "m", "", "log message, event name or error text")
	fs.StringVar(&opts.record.destination, "destination", "cli", "analytics destination")
	fs.StringToStringVar(&opts.record.data, "data", nil, "extra key=value pairs attached to the record")

	fs.DurationVar(&opts.timeout, "timeout", 10*time.Second, "how long to wait for the inspector")
	fs.BoolVarP(&opts.watch, "watch", "w", false, "log connection and frame events")
	fs.StringVar(&opts.logLevel, "log-level", "", "override log level")
	fs.BoolVar(&opts.version, "version", false, "print version and exit")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `%s sends one record to a running inspector and disconnects.

Usage:
  %s [flags] -m MESSAGE

Examples:
  %s -m "cache warmed" --level debug --tag cache
  %s --kind analytics -m screen_view --data screen=home
  %s --connector ip --host 127.0.0.1 --kind exception -m "disk full"

Flags:
%s`, programName, programName, programName, programName, programName, fs.FlagUsages())
	}

	return fs
}

func run(args []string) error {
	var opts options
	fs := newFlagSet(&opts)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if opts.version {
		fmt.Println(app.VersionLine(programName))
		return nil
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("unexpected argument: %s", fs.Arg(0))
	}
	if strings.TrimSpace(opts.record.message) == "" {
		return errors.New("missing --message")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	paths, err := app.ResolvePaths()
	if err != nil {
		return fmt.Errorf("resolve paths: %w", err)
	}
	if opts.configFile != "" {
		paths.ConfigFile = opts.configFile
	}
	cfg, err := config.Load(paths.ConfigFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyOverrides(&cfg, opts)
	if err := cfg.Validate(); err != nil {
		return err
	}

	logMgr := logging.NewManager()
	logMgr.SetOutput(os.Stderr)
	cfg.Logging.LogToFile = false
	if err := logMgr.Configure(cfg.Logging, paths.LogFile); err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	defer func() {
		if closeErr := logMgr.Close(); closeErr != nil {
			slog.Warn("close log manager", "error", closeErr)
		}
	}()
	logger := logMgr.Logger("cli")

	send, err := opts.record.sender()
	if err != nil {
		return err
	}

	tr, err := app.NewTransportForConnection(cfg.Connection, paths)
	if err != nil {
		return err
	}
	b := bus.New(logMgr.Logger("bus"))
	defer b.Close()
	if opts.watch {
		watch(ctx, b, logger)
	}

	clientOpts := []client.Option{
		client.WithTransport(tr),
		client.WithLogger(logMgr.Logger("sdk")),
		client.WithBus(b),
		client.WithSDKVersion(app.BuildVersion()),
	}
	if opts.deviceRaw != "" {
		clientOpts = append(clientOpts, client.WithDeviceIdentifier(opts.deviceRaw))
	}
	c, err := client.New(client.ConfigFromApp(cfg), clientOpts...)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	defer func() { _ = c.Close() }()

	statusSub := b.Subscribe(connectors.TopicConnStatus)
	sentSub := b.Subscribe(connectors.TopicRecordSent)
	defer b.Unsubscribe(statusSub, connectors.TopicConnStatus)
	defer b.Unsubscribe(sentSub, connectors.TopicRecordSent)

	logger.Info("connecting", "transport", tr.Name(), "target", app.ConnectionTarget(cfg.Connection, paths))
	if err := c.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	send(c)

	waitCtx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()
	if err := waitForDelivery(waitCtx, statusSub, sentSub); err != nil {
		if herr := c.LastHandshakeError(); herr != nil {
			return fmt.Errorf("%w (handshake: %v)", err, herr)
		}
		return err
	}
	c.Disconnect("sent by " + programName)
	logger.Info("record delivered", "session_id", c.Session().ID)

	return nil
}

func applyOverrides(cfg *config.AppConfig, opts options) {
	if v := strings.TrimSpace(opts.connector); v != "" {
		cfg.Connection.Connector = config.ConnectorType(v)
	}
	if v := strings.TrimSpace(opts.socketPath); v != "" {
		cfg.Connection.SocketPath = v
	}
	if v := strings.TrimSpace(opts.host); v != "" {
		cfg.Connection.Host = v
	}
	if opts.port > 0 {
		cfg.Connection.Port = opts.port
	}
	if v := strings.TrimSpace(opts.serialPort); v != "" {
		cfg.Connection.SerialPort = v
	}
	if opts.serialBaud > 0 {
		cfg.Connection.SerialBaud = opts.serialBaud
	}
	switch {
	case opts.passphrase != "":
		cfg.Security.Passphrase = opts.passphrase
	case cfg.Security.Passphrase == "":
		cfg.Security.Passphrase = os.Getenv(passphraseEnvName)
	}
	if v := strings.TrimSpace(opts.logLevel); v != "" {
		cfg.Logging.Level = v
	}
}

// waitForDelivery returns once a record was sent, or fails when the link
// ends first.
func waitForDelivery(ctx context.Context, statusSub, sentSub bus.Subscription) error {
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for inspector: %w", ctx.Err())
		case raw, ok := <-sentSub:
			if !ok {
				return errors.New("bus closed")
			}
			if _, ok := raw.(connectors.RecordEvent); ok {
				return nil
			}
		case raw, ok := <-statusSub:
			if !ok {
				return errors.New("bus closed")
			}
			status, ok := raw.(connectors.ConnStatus)
			if !ok {
				continue
			}
			if status.State.Terminal() {
				return fmt.Errorf("link ended: %s", status)
			}
		}
	}
}

func watch(ctx context.Context, b bus.MessageBus, logger *slog.Logger) {
	connSub := b.Subscribe(connectors.TopicConnStatus)
	rawInSub := b.Subscribe(connectors.TopicRawFrameIn)
	rawOutSub := b.Subscribe(connectors.TopicRawFrameOut)
	droppedSub := b.Subscribe(connectors.TopicRecordDropped)

	go func() {
		defer b.Unsubscribe(connSub, connectors.TopicConnStatus)
		defer b.Unsubscribe(rawInSub, connectors.TopicRawFrameIn)
		defer b.Unsubscribe(rawOutSub, connectors.TopicRawFrameOut)
		defer b.Unsubscribe(droppedSub, connectors.TopicRecordDropped)
		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-connSub:
				if !ok {
					return
				}
				if status, ok := raw.(connectors.ConnStatus); ok {
					logger.Info("conn", "state", status.State, "code", status.Code, "transport", status.TransportName, "error", status.Err)
				}
			case raw, ok := <-rawOutSub:
				if !ok {
					return
				}
				if frame, ok := raw.(connectors.RawFrame); ok {
					logger.Info("raw-out", "len", frame.Len, "hex", previewHex(frame.Hex))
				}
			case raw, ok := <-rawInSub:
				if !ok {
					return
				}
				if frame, ok := raw.(connectors.RawFrame); ok {
					logger.Info("raw-in", "len", frame.Len, "hex", previewHex(frame.Hex))
				}
			case raw, ok := <-droppedSub:
				if !ok {
					return
				}
				if ev, ok := raw.(connectors.RecordEvent); ok {
					logger.Warn("record dropped", "session_id", ev.SessionID, "sequence", ev.Sequence, "reason", ev.Reason)
				}
			}
		}
	}()
}

func previewHex(hex string) string {
	hex = strings.TrimSpace(hex)
	if len(hex) <= maxHexPreviewLen {
		return hex
	}
	return hex[:maxHexPreviewLen] + "..."
}
