package client

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/inspectlink/inspectlink/internal/bus"
	"github.com/inspectlink/inspectlink/internal/config"
	"github.com/inspectlink/inspectlink/internal/transport"
)

type (
	// Transport is the framed channel to the inspector. Custom channels can
	// implement it directly; the constructors below cover the built-in ones.
	Transport    = transport.Transport
	MessageBus   = bus.MessageBus
	Subscription = bus.Subscription
)

// UnixTransport dials the inspector's unix socket. An empty path dials the
// default socket under the user's runtime directory.
func UnixTransport(path string) Transport {
	if path == "" {
		path = config.DefaultSocketPath()
	}

	return transport.NewUnixTransport(path)
}

// IPTransport dials the inspector over TCP. A zero port selects the default.
func IPTransport(host string, port int) Transport {
	return transport.NewIPTransport(host, port)
}

func SerialTransport(port string, baud int) Transport {
	return transport.NewSerialTransport(port, baud)
}

// DialTransport frames traffic over connections opened by dial, one per Connect.
func DialTransport(name, target string, dial func(ctx context.Context) (net.Conn, error)) Transport {
	return transport.NewDialTransport(name, target, dial)
}

// NewBus returns an in-process bus for WithBus. Close it when done.
func NewBus(logger *slog.Logger) MessageBus {
	return bus.New(logger)
}

// LoadConfig reads a configuration file, which may contain comments, and
// returns the SDK configuration and the transport its connection section
// selects. A missing file yields the defaults, which lack a passphrase and
// are therefore rejected.
func LoadConfig(path string) (Config, Transport, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return Config{}, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	tr, err := transport.ForConnection(cfg.Connection)
	if err != nil {
		return Config{}, nil, err
	}

	return ConfigFromApp(cfg), tr, nil
}
