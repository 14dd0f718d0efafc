package client

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/inspectlink/inspectlink/internal/bus"
	"github.com/inspectlink/inspectlink/internal/config"
	"github.com/inspectlink/inspectlink/internal/transport"
)

// Config is the SDK configuration surface. Only Passphrase is required.
type Config struct {
	Passphrase string
	// RepositorySignature defaults to DefaultRepositorySignature.
	RepositorySignature string
	// IgnoreDeviceIDCheck authorizes a session even when the inspector reports
	// a different device identifier. It weakens impersonation protection and is
	// logged as a warning.
	IgnoreDeviceIDCheck bool
	ScryptWorkFactor    int

	// HandshakeTimeout of zero waits for the inspector indefinitely.
	HandshakeTimeout time.Duration
	MaxQueue         int
	SendTimeout      time.Duration
	FlushTimeout     time.Duration
	// CompressThreshold of zero selects the default; negative disables compression.
	CompressThreshold int
}

// ConfigFromApp converts a loaded configuration file. Applications outside
// this module use LoadConfig.
func ConfigFromApp(cfg config.AppConfig) Config {
	threshold := cfg.Transmit.CompressThreshold
	if threshold == 0 {
		threshold = -1
	}

	return Config{
		Passphrase:          cfg.Security.Passphrase,
		RepositorySignature: cfg.Security.RepositorySignature,
		IgnoreDeviceIDCheck: cfg.Security.IgnoreDeviceIDCheck,
		ScryptWorkFactor:    cfg.Security.ScryptWorkFactor,
		HandshakeTimeout:    cfg.Connection.HandshakeTimeout(),
		MaxQueue:            cfg.Transmit.MaxQueue,
		SendTimeout:         cfg.Transmit.SendTimeout(),
		FlushTimeout:        cfg.Transmit.FlushTimeout(),
		CompressThreshold:   threshold,
	}
}

type options struct {
	transport  transport.Transport
	logger     *slog.Logger
	bus        bus.MessageBus
	registerer prometheus.Registerer
	rawDevice  string
	sdkVersion string
}

type Option func(*options)

// WithTransport sets the channel to the inspector. Required.
func WithTransport(tr Transport) Option {
	return func(o *options) {
		o.transport = tr
	}
}

// WithLogger routes SDK diagnostics to logger. Components add a "component" attribute.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithBus publishes connection and record events to b instead of a private bus.
func WithBus(b MessageBus) Option {
	return func(o *options) {
		o.bus = b
	}
}

// WithRegisterer registers the SDK metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) {
		o.registerer = reg
	}
}

// WithDeviceIdentifier overrides the probed raw device identity.
func WithDeviceIdentifier(raw string) Option {
	return func(o *options) {
		o.rawDevice = raw
	}
}

func WithSDKVersion(version string) Option {
	return func(o *options) {
		o.sdkVersion = version
	}
}
