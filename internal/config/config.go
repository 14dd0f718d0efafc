package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
)

// ConnectorType identifies which transport backend should be used.
type ConnectorType string

const (
	ConnectorUnix   ConnectorType = "unix"
	ConnectorIP     ConnectorType = "ip"
	ConnectorSerial ConnectorType = "serial"

	DefaultSerialBaud = 115200
	DefaultIPHost     = "127.0.0.1"
	DefaultIPPort     = 47300

	// DefaultRepositorySignature is the signature of the published inspector
	// build. Forks of the inspector ship their own.
	DefaultRepositorySignature = "3a:5f:c8:1e:90:7b:d4:22:6e:0c:af:31:b9:58:e7:04:12:9d:6a:c3"
	DefaultScryptWorkFactor    = 15

	DefaultMaxQueue          = 10000
	DefaultSendTimeoutMs     = 5000
	DefaultFlushTimeoutMs    = 3000
	DefaultCompressThreshold = 4096

	DefaultListenNetwork = "unix"
	DefaultTokenTTLMs    = 24 * 60 * 60 * 1000
)

// SecurityConfig holds the shared secret and the device-identity policy.
type SecurityConfig struct {
	Passphrase          string `json:"passphrase"`
	RepositorySignature string `json:"repository_signature"`
	// IgnoreDeviceIDCheck lets one auth token authorize several devices.
	IgnoreDeviceIDCheck bool `json:"ignore_device_id_check"`
	ScryptWorkFactor    int  `json:"scrypt_work_factor"`
}

// ConnectionConfig contains connector-specific connection parameters.
type ConnectionConfig struct {
	Connector  ConnectorType `json:"connector"`
	SocketPath string        `json:"socket_path"`
	Host       string        `json:"host"`
	Port       int           `json:"port"`
	SerialPort string        `json:"serial_port"`
	SerialBaud int           `json:"serial_baud"`
	// HandshakeTimeoutMs of zero waits for the inspector indefinitely.
	HandshakeTimeoutMs int `json:"handshake_timeout_ms"`
}

type TransmitConfig struct {
	MaxQueue       int `json:"max_queue"`
	SendTimeoutMs  int `json:"send_timeout_ms"`
	FlushTimeoutMs int `json:"flush_timeout_ms"`
	// CompressThreshold of zero disables record compression.
	CompressThreshold int `json:"compress_threshold"`
}

// LoggingConfig defines runtime logging behavior.
type LoggingConfig struct {
	Level     string `json:"level"`
	Format    string `json:"format"`
	LogToFile bool   `json:"log_to_file"`
}

// InspectorConfig configures the reference inspector daemon.
type InspectorConfig struct {
	ListenNetwork string `json:"listen_network"`
	ListenAddress string `json:"listen_address"`
	TokenTTLMs    int64  `json:"token_ttl_ms"`
	NotifyCrashes bool   `json:"notify_crashes"`
}

// AppConfig is the root persisted configuration.
type AppConfig struct {
	Security   SecurityConfig   `json:"security"`
	Connection ConnectionConfig `json:"connection"`
	Transmit   TransmitConfig   `json:"transmit"`
	Logging    LoggingConfig    `json:"logging"`
	Inspector  InspectorConfig  `json:"inspector"`
}

func Default() AppConfig {
	return AppConfig{
		Security: SecurityConfig{
			RepositorySignature: DefaultRepositorySignature,
			ScryptWorkFactor:    DefaultScryptWorkFactor,
		},
		Connection: ConnectionConfig{
			Connector:  ConnectorUnix,
			Host:       DefaultIPHost,
			Port:       DefaultIPPort,
			SerialBaud: DefaultSerialBaud,
		},
		Transmit: TransmitConfig{
			MaxQueue:          DefaultMaxQueue,
			SendTimeoutMs:     DefaultSendTimeoutMs,
			FlushTimeoutMs:    DefaultFlushTimeoutMs,
			CompressThreshold: DefaultCompressThreshold,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Format:    "text",
			LogToFile: false,
		},
		Inspector: InspectorConfig{
			ListenNetwork: DefaultListenNetwork,
			TokenTTLMs:    DefaultTokenTTLMs,
			NotifyCrashes: true,
		},
	}
}

// Load reads path, accepting comments and trailing commas. A missing file
// yields the defaults.
func Load(path string) (AppConfig, error) {
	cfg := Default()
	cleanPath := filepath.Clean(path)
	// #nosec G304 -- path is resolved by app runtime and points to user config dir.
	raw, err := os.ReadFile(cleanPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}

		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	if err := json.Unmarshal(jsonc.ToJSON(raw), &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("decode config json: %w", err)
	}

	cfg.FillMissingDefaults()

	return cfg, nil
}

func (c *AppConfig) FillMissingDefaults() {
	if c.Security.RepositorySignature == "" {
		c.Security.RepositorySignature = DefaultRepositorySignature
	}
	if c.Security.ScryptWorkFactor <= 0 {
		c.Security.ScryptWorkFactor = DefaultScryptWorkFactor
	}
	if c.Connection.Connector == "" {
		c.Connection.Connector = ConnectorUnix
	}
	if c.Connection.Port <= 0 {
		c.Connection.Port = DefaultIPPort
	}
	if c.Connection.SerialBaud <= 0 {
		c.Connection.SerialBaud = DefaultSerialBaud
	}
	if c.Connection.HandshakeTimeoutMs < 0 {
		c.Connection.HandshakeTimeoutMs = 0
	}
	if c.Transmit.MaxQueue <= 0 {
		c.Transmit.MaxQueue = DefaultMaxQueue
	}
	if c.Transmit.SendTimeoutMs <= 0 {
		c.Transmit.SendTimeoutMs = DefaultSendTimeoutMs
	}
	if c.Transmit.FlushTimeoutMs <= 0 {
		c.Transmit.FlushTimeoutMs = DefaultFlushTimeoutMs
	}
	if c.Transmit.CompressThreshold < 0 {
		c.Transmit.CompressThreshold = 0
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Inspector.ListenNetwork == "" {
		c.Inspector.ListenNetwork = DefaultListenNetwork
	}
	if c.Inspector.TokenTTLMs < 0 {
		c.Inspector.TokenTTLMs = 0
	}
}

func (c AppConfig) Validate() error {
	if strings.TrimSpace(c.Security.Passphrase) == "" {
		return errors.New("security passphrase is required")
	}

	switch c.Connection.Connector {
	case ConnectorUnix:
	case ConnectorIP:
		if strings.TrimSpace(c.Connection.Host) == "" {
			return errors.New("ip host is required")
		}
	case ConnectorSerial:
		if strings.TrimSpace(c.Connection.SerialPort) == "" {
			return errors.New("serial port is required")
		}
		if c.Connection.SerialBaud <= 0 {
			return errors.New("serial baud must be positive")
		}
	default:
		return fmt.Errorf("unknown connector: %s", c.Connection.Connector)
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format: %s", c.Logging.Format)
	}

	switch c.Inspector.ListenNetwork {
	case "unix", "tcp":
	default:
		return fmt.Errorf("unknown inspector listen network: %s", c.Inspector.ListenNetwork)
	}

	return nil
}

func (c ConnectionConfig) HandshakeTimeout() time.Duration {
	return time.Duration(c.HandshakeTimeoutMs) * time.Millisecond
}

func (c TransmitConfig) SendTimeout() time.Duration {
	return time.Duration(c.SendTimeoutMs) * time.Millisecond
}

func (c TransmitConfig) FlushTimeout() time.Duration {
	return time.Duration(c.FlushTimeoutMs) * time.Millisecond
}

func (c InspectorConfig) TokenTTL() time.Duration {
	return time.Duration(c.TokenTTLMs) * time.Millisecond
}

func Save(path string, cfg AppConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, raw, 0o600); err != nil {
		return fmt.Errorf("write temp config: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp config: %w", err)
	}

	return nil
}
