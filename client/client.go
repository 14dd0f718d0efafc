// Package client is the SDK an application embeds to stream diagnostic
// records to the inspector app on the same device.
//
// A Client queues records from the moment it is created. Nothing leaves the
// process until Connect has bound the channel and the inspector's handshake
// response has been validated; records queued before that are delivered in
// order once the session is authorized.
package client

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/inspectlink/inspectlink/internal/bus"
	"github.com/inspectlink/inspectlink/internal/cipher"
	"github.com/inspectlink/inspectlink/internal/connection"
	"github.com/inspectlink/inspectlink/internal/crash"
	"github.com/inspectlink/inspectlink/internal/device"
	"github.com/inspectlink/inspectlink/internal/domain"
	"github.com/inspectlink/inspectlink/internal/permission"
	"github.com/inspectlink/inspectlink/internal/transmitter"
	"github.com/inspectlink/inspectlink/internal/transport"
	"github.com/inspectlink/inspectlink/internal/wire"
)

// Version is the SDK version advertised in the handshake.
const Version = "v0.5.0"

// UnknownFailureMessage is reported when the inspector's response carries
// neither a success flag nor an error message.
const UnknownFailureMessage = "Unknown"

var (
	ErrAlreadyConnected   = errors.New("client: connection already in progress")
	ErrClosed             = errors.New("client: closed")
	ErrNoTransport        = errors.New("client: transport is required")
	ErrMalformedHandshake = errors.New("client: malformed handshake response")
	ErrHandshakeRejected  = errors.New("client: handshake rejected by inspector")
	ErrProtocolMismatch   = errors.New("client: incompatible inspector protocol")
)

// HandshakeError describes why a handshake response was not accepted.
type HandshakeError struct {
	Code    int
	Message string
	Err     error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("handshake failed (%d): %s", e.Code, e.Message)
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}

type Client struct {
	cfg      Config
	logger   *slog.Logger
	bus      bus.MessageBus
	ownsBus  bool
	deviceID string
	version  string

	cipher     *cipher.Cipher
	codec      *wire.Codec
	permission *permission.Manager
	conn       *connection.Manager
	tx         *transmitter.Transmitter

	cancel    context.CancelFunc
	connectMu sync.Mutex
	closed    atomic.Bool

	handshakeMu  sync.Mutex
	lastRejected error
}

// New builds the client leaves first and starts its delivery worker.
func New(cfg Config, opts ...Option) (*Client, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.transport == nil {
		return nil, ErrNoTransport
	}
	if cfg.RepositorySignature == "" {
		cfg.RepositorySignature = DefaultRepositorySignature
	}
	if o.sdkVersion == "" {
		o.sdkVersion = Version
	}
	base := o.logger
	if base == nil {
		base = slog.Default()
	}

	c := &Client{cfg: cfg, logger: base.With("component", "client"), version: o.sdkVersion}
	if ls, ok := o.transport.(transport.LoggerSetter); ok {
		ls.SetLogger(base.With("component", "transport"))
	}

	ciph, err := cipher.New(cfg.Passphrase, cipher.Options{ScryptWorkFactor: cfg.ScryptWorkFactor})
	if err != nil {
		return nil, err
	}
	c.cipher = ciph

	raw := o.rawDevice
	if raw == "" {
		if raw, err = device.RawIdentity(); err != nil {
			return nil, err
		}
	}
	c.deviceID = ciph.DeviceIdentifier(raw)

	var codecOpts []wire.CodecOption
	if cfg.CompressThreshold != 0 {
		codecOpts = append(codecOpts, wire.WithCompressThreshold(cfg.CompressThreshold))
	}
	if c.codec, err = wire.NewCodec(ciph, codecOpts...); err != nil {
		return nil, err
	}

	c.bus = o.bus
	if c.bus == nil {
		c.bus = bus.New(base.With("component", "bus"))
		c.ownsBus = true
	}

	c.permission = permission.New(ciph, c.deviceID, cfg.IgnoreDeviceIDCheck, base.With("component", "permission"))
	c.conn = connection.New(o.transport, c.codec, c.handshakeRequest, connection.Options{
		HandshakeTimeout: cfg.HandshakeTimeout,
		WriteTimeout:     cfg.SendTimeout,
		Logger:           base.With("component", "connection"),
		Bus:              c.bus,
	})
	c.tx = transmitter.New(c.conn, c.permission, c.codec, transmitter.Options{
		MaxQueue:     cfg.MaxQueue,
		SendTimeout:  cfg.SendTimeout,
		FlushTimeout: cfg.FlushTimeout,
		Logger:       base.With("component", "transmitter"),
		Bus:          c.bus,
		Metrics:      transmitter.NewMetrics(o.registerer),
	})
	c.conn.SetHandshakeHandler(c.validateHandshakeResponse)

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.tx.Run(ctx)

	return c, nil
}

// Connect starts a fresh session and binds to the inspector. It returns once
// the bind has started; progress is reported through Status and the bus.
func (c *Client) Connect(ctx context.Context) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()
	if c.closed.Load() {
		return ErrClosed
	}
	if st := c.conn.State(); !st.Terminal() {
		return fmt.Errorf("%w: state %s", ErrAlreadyConnected, st)
	}

	c.permission.Clear()
	c.setLastRejected(nil)
	// The session must exist before any handshake response can arrive.
	info := c.tx.StartSession(false)
	c.logger.Info("connecting", "session_id", info.ID)

	if err := c.conn.Bind(ctx); err != nil {
		if errors.Is(err, connection.ErrBindInProgress) {
			return fmt.Errorf("%w: %v", ErrAlreadyConnected, err)
		}

		return err
	}

	return nil
}

func (c *Client) validateHandshakeResponse(resp wire.HandshakeResponse) {
	if err := c.checkHandshake(resp); err != nil {
		c.setLastRejected(err)
		var herr *HandshakeError
		code, message := CodeUnauthorized, err.Error()
		if errors.As(err, &herr) {
			code, message = herr.Code, herr.Message
		}
		c.logger.Warn("handshake rejected", "code", code, "reason", message, "error", err)
		c.tx.Disconnect(context.Background(), code, message, false)

		return
	}

	if err := c.conn.SetState(StateConnected, 0, ""); err != nil {
		c.logger.Warn("handshake accepted after the cycle ended", "error", err)
		c.permission.Clear()

		return
	}
	info := c.tx.StartSession(true)
	c.logger.Info("connected", "session_id", info.ID, "pending", info.Pending)
}

func (c *Client) checkHandshake(resp wire.HandshakeResponse) error {
	switch {
	case resp.Successful == nil && resp.ErrorMessage == "":
		return &HandshakeError{Code: CodeUnauthorized, Message: UnknownFailureMessage, Err: ErrMalformedHandshake}
	case resp.Successful == nil || !*resp.Successful:
		message := resp.ErrorMessage
		if message == "" {
			message = UnknownFailureMessage
		}

		return &HandshakeError{Code: CodeUnauthorized, Message: message, Err: ErrHandshakeRejected}
	}

	if !wire.Compatible(resp.ProtocolVersion) {
		return &HandshakeError{
			Code:    CodeProtocolMismatch,
			Message: fmt.Sprintf("inspector protocol %q is not compatible with %s", resp.ProtocolVersion, wire.ProtocolVersion),
			Err:     ErrProtocolMismatch,
		}
	}
	if err := c.permission.SetAuthToken(resp.AuthToken, resp.DeviceIdentifier); err != nil {
		return &HandshakeError{Code: CodeUnauthorized, Message: err.Error(), Err: err}
	}

	return nil
}

func (c *Client) handshakeRequest() (wire.HandshakeRequest, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return wire.HandshakeRequest{}, err
	}

	return wire.HandshakeRequest{
		ProtocolVersion:  wire.ProtocolVersion,
		SDKVersion:       c.version,
		CheckValue:       c.cipher.CheckValue(c.cfg.RepositorySignature),
		DeviceIdentifier: c.deviceID,
		Nonce:            nonce,
		SentAt:           time.Now().UTC(),
	}, nil
}

// Disconnect flushes what it can and closes the channel with CodeNormal.
func (c *Client) Disconnect(message string) {
	c.DisconnectWithCode(CodeNormal, message)
}

func (c *Client) DisconnectWithCode(code int, message string) {
	c.tx.Disconnect(context.Background(), code, message, true)
}

// StartSession replaces the current session with a fresh one. Its queue
// starts empty; records of the previous session that were not delivered are
// dropped.
func (c *Client) StartSession() SessionInfo {
	return c.tx.StartSession(false)
}

// EndSession flushes best-effort and closes the session. Later log calls
// open a new session implicitly.
func (c *Client) EndSession() {
	c.tx.EndSession(context.Background())
}

func (c *Client) LogNetworkCall(call NetworkCall) {
	c.tx.LogNetworkCall(call)
}

func (c *Client) LogCrashReport(err error) {
	c.tx.LogCrashReport(domain.ThrowableFromError(err))
}

func (c *Client) LogAnalyticsEvent(destination, name string, data map[string]any) {
	c.tx.LogAnalyticsEvent(destination, name, data)
}

func (c *Client) LogGenericLog(logType int, tag, message string, data map[string]any) {
	c.tx.LogGenericLog(logType, tag, message, data)
}

func (c *Client) LogException(err error) {
	c.tx.LogException(domain.ThrowableFromError(err))
}

// crashTarget is the client that records crashes for the process-wide hook.
var crashTarget atomic.Pointer[Client]

// LogCrashes installs the process-wide crash hook once. While another open
// client records crashes it is a no-op; once that client is closed the next
// call takes over. A crash is recorded as a crash report, flushed
// best-effort, and handed to the previously installed handler.
func (c *Client) LogCrashes() {
	if c.closed.Load() {
		return
	}
	if !crashTarget.CompareAndSwap(nil, c) {
		if crashTarget.Load() != c {
			c.logger.Debug("crash hook already owned by another client")
		}
		return
	}

	installed := crash.WrapOnce(func(prev crash.Handler) crash.Handler {
		return func(r crash.Report) {
			if target := crashTarget.Load(); target != nil {
				target.recordCrash(r)
			}
			if prev != nil {
				prev(r)
			}
		}
	})
	if installed {
		c.logger.Debug("crash hook installed")
	}
}

func (c *Client) recordCrash(r crash.Report) {
	c.tx.LogCrashReport(domain.ThrowableFromPanic(r.Value, r.Stack))
	ctx, cancel := context.WithTimeout(context.Background(), c.flushTimeout())
	defer cancel()
	if err := c.tx.Flush(ctx); err != nil {
		c.logger.Warn("crash report flush failed", "error", err)
	}
}

func (c *Client) Status() ConnStatus {
	return c.conn.Status()
}

func (c *Client) Session() SessionInfo {
	return c.tx.Session()
}

// DeviceIdentifier is the identifier this client presents in the handshake.
func (c *Client) DeviceIdentifier() string {
	return c.deviceID
}

// LastHandshakeError returns why the latest handshake was rejected, if it was.
func (c *Client) LastHandshakeError() error {
	c.handshakeMu.Lock()
	defer c.handshakeMu.Unlock()
	return c.lastRejected
}

// Bus exposes connection and record events (TopicConnStatus, TopicRecordSent,
// TopicRecordDropped).
func (c *Client) Bus() MessageBus {
	return c.bus
}

// Close disconnects if needed and stops the delivery worker.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	crashTarget.CompareAndSwap(c, nil)

	c.connectMu.Lock()
	defer c.connectMu.Unlock()
	if !c.conn.State().Terminal() {
		c.Disconnect("client closed")
	}
	c.cancel()
	ctx, cancel := context.WithTimeout(context.Background(), c.flushTimeout())
	defer cancel()
	_ = c.conn.Wait(ctx)
	c.codec.Close()
	if c.ownsBus {
		c.bus.Close()
	}

	return nil
}

func (c *Client) setLastRejected(err error) {
	c.handshakeMu.Lock()
	defer c.handshakeMu.Unlock()
	c.lastRejected = err
}

func (c *Client) flushTimeout() time.Duration {
	if c.cfg.FlushTimeout > 0 {
		return c.cfg.FlushTimeout
	}

	return 3 * time.Second
}
