package app

import (
	"strconv"
	"strings"

	"github.com/inspectlink/inspectlink/internal/config"
	"github.com/inspectlink/inspectlink/internal/connectors"
)

func TransportNameFromConnector(connector config.ConnectorType) string {
	switch connector {
	case config.ConnectorUnix:
		return "unix"
	case config.ConnectorIP:
		return "ip"
	case config.ConnectorSerial:
		return "serial"
	default:
		if value := strings.TrimSpace(string(connector)); value != "" {
			return value
		}
		return "unknown"
	}
}

// ConnectionTarget describes where the SDK side dials, with the default
// socket filled in for unix connectors.
func ConnectionTarget(cfg config.ConnectionConfig, paths Paths) string {
	switch cfg.Connector {
	case config.ConnectorUnix:
		if p := strings.TrimSpace(cfg.SocketPath); p != "" {
			return p
		}
		return paths.SocketFile
	case config.ConnectorIP:
		host := strings.TrimSpace(cfg.Host)
		if host == "" {
			return ""
		}
		port := cfg.Port
		if port <= 0 {
			port = config.DefaultIPPort
		}
		return host + ":" + strconv.Itoa(port)
	case config.ConnectorSerial:
		return strings.TrimSpace(cfg.SerialPort)
	default:
		return ""
	}
}

func ConnectionStatusFromConfig(cfg config.ConnectionConfig, paths Paths) connectors.ConnStatus {
	return connectors.ConnStatus{
		State:         connectors.ConnectionStateDisconnected,
		TransportName: TransportNameFromConnector(cfg.Connector),
		Target:        ConnectionTarget(cfg, paths),
	}
}

// ListenEndpoint resolves the network and address the inspector listens on.
func ListenEndpoint(cfg config.InspectorConfig, paths Paths) (network, address string) {
	network = strings.TrimSpace(cfg.ListenNetwork)
	if network == "" {
		network = config.DefaultListenNetwork
	}
	address = strings.TrimSpace(cfg.ListenAddress)
	if address != "" {
		return network, address
	}
	if network == "unix" {
		return network, paths.SocketFile
	}

	return network, config.DefaultIPHost + ":" + strconv.Itoa(config.DefaultIPPort)
}
