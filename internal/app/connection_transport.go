package app

import (
	"github.com/inspectlink/inspectlink/internal/config"
	"github.com/inspectlink/inspectlink/internal/transport"
)

// NewTransportForConnection builds the SDK-side transport for cfg, dialing the
// socket under paths when a unix connector names none.
func NewTransportForConnection(cfg config.ConnectionConfig, paths Paths) (transport.Transport, error) {
	if cfg.Connector == config.ConnectorUnix {
		cfg.SocketPath = ConnectionTarget(cfg, paths)
	}

	return transport.ForConnection(cfg)
}
