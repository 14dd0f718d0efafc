package transport

import (
	"fmt"
	"strings"

	"github.com/inspectlink/inspectlink/internal/config"
)

// ForConnection builds the SDK-side transport selected by cfg. A unix
// connector without a socket path dials config.DefaultSocketPath.
func ForConnection(cfg config.ConnectionConfig) (Transport, error) {
	switch cfg.Connector {
	case config.ConnectorUnix:
		path := strings.TrimSpace(cfg.SocketPath)
		if path == "" {
			path = config.DefaultSocketPath()
		}
		return NewUnixTransport(path), nil
	case config.ConnectorIP:
		port := cfg.Port
		if port <= 0 {
			port = config.DefaultIPPort
		}
		return NewIPTransport(cfg.Host, port), nil
	case config.ConnectorSerial:
		return NewSerialTransport(cfg.SerialPort, cfg.SerialBaud), nil
	default:
		return nil, fmt.Errorf("unknown connector: %q", cfg.Connector)
	}
}
