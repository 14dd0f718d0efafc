// Package inspector is the reference peer: it validates handshake requests,
// issues device-bound auth tokens and publishes the records it receives.
package inspector

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/inspectlink/inspectlink/internal/bus"
	"github.com/inspectlink/inspectlink/internal/cipher"
	"github.com/inspectlink/inspectlink/internal/connectors"
	"github.com/inspectlink/inspectlink/internal/domain"
	"github.com/inspectlink/inspectlink/internal/permission"
	"github.com/inspectlink/inspectlink/internal/transport"
	"github.com/inspectlink/inspectlink/internal/wire"
)

type Options struct {
	RepositorySignature string
	// TokenTTL of zero issues tokens without expiry.
	TokenTTL          time.Duration
	CompressThreshold int
	Bus               bus.MessageBus
	Logger            *slog.Logger
	// OnRecord, when set, is called synchronously for every accepted record
	// before it is published on the bus.
	OnRecord func(domain.ReceivedRecord)
}

type Server struct {
	cipher     *cipher.Cipher
	codec      *wire.Codec
	checkValue string
	opts       Options
	logger     *slog.Logger
	bus        bus.MessageBus
	now        func() time.Time

	wg sync.WaitGroup
}

func NewServer(c *cipher.Cipher, opts Options) (*Server, error) {
	if opts.RepositorySignature == "" {
		return nil, errors.New("inspector: repository signature is required")
	}
	var codecOpts []wire.CodecOption
	if opts.CompressThreshold != 0 {
		codecOpts = append(codecOpts, wire.WithCompressThreshold(opts.CompressThreshold))
	}
	codec, err := wire.NewCodec(c, codecOpts...)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default().With("component", "inspector")
	}
	messageBus := opts.Bus
	if messageBus == nil {
		messageBus = bus.Discard{}
	}

	return &Server{
		cipher:     c,
		codec:      codec,
		checkValue: c.CheckValue(opts.RepositorySignature),
		opts:       opts,
		logger:     logger,
		bus:        messageBus,
		now:        time.Now,
	}, nil
}

// Serve accepts SDK connections until ctx is done or ln fails. It waits for
// the connections it started before returning.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()
	defer s.wg.Wait()

	s.logger.Info("listening", "network", ln.Addr().Network(), "address", ln.Addr().String())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			return fmt.Errorf("accept: %w", err)
		}

		tr := transport.NewConn(ln.Addr().Network(), conn)
		tr.SetLogger(s.logger)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.ServeTransport(ctx, tr); err != nil {
				s.logger.Warn("peer session ended with error", "error", err)
			}
		}()
	}
}

// ServeTransport runs one peer session over tr and closes it on return.
func (s *Server) ServeTransport(ctx context.Context, tr transport.Transport) error {
	if err := tr.Connect(ctx); err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() { _ = tr.Close() })
	defer stop()
	defer tr.Close()

	p := &peer{server: s, tr: tr, logger: s.logger.With("peer", transport.Target(tr)), lastSeq: map[string]uint64{}}

	return p.run(ctx)
}

func (s *Server) Close() {
	s.codec.Close()
}

type peer struct {
	server   *Server
	tr       transport.Transport
	logger   *slog.Logger
	deviceID string
	lastSeq  map[string]uint64
}

func (p *peer) run(ctx context.Context) error {
	for {
		payload, err := p.tr.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			return fmt.Errorf("read frame: %w", err)
		}

		msg, err := p.server.codec.Decode(payload)
		if err != nil {
			if errors.Is(err, cipher.ErrDecrypt) {
				return fmt.Errorf("peer does not share the passphrase: %w", err)
			}
			p.logger.Warn("dropping undecodable frame", "error", err)
			continue
		}

		switch msg.Kind {
		case wire.KindHandshakeRequest:
			if err := p.handshake(ctx, *msg.HandshakeRequest); err != nil {
				return err
			}
		case wire.KindRecord:
			if err := p.record(ctx, *msg.Record); err != nil {
				return err
			}
		case wire.KindDisconnect:
			p.logger.Info("peer disconnected", "code", msg.Disconnect.Code, "message", msg.Disconnect.Message)

			return nil
		default:
			p.logger.Debug("ignoring unexpected frame", "kind", msg.Kind)
		}
	}
}

func (p *peer) handshake(ctx context.Context, req wire.HandshakeRequest) error {
	resp := p.server.evaluate(req)
	if resp.Successful != nil && *resp.Successful {
		p.deviceID = req.DeviceIdentifier
		p.logger.Info("peer authorized", "device_id", req.DeviceIdentifier, "sdk_version", req.SDKVersion)
	} else {
		p.deviceID = ""
		p.logger.Warn("handshake refused", "reason", resp.ErrorMessage, "sdk_version", req.SDKVersion)
	}

	payload, err := p.server.codec.EncodeHandshakeResponse(resp)
	if err != nil {
		return fmt.Errorf("encode handshake response: %w", err)
	}

	return p.tr.WriteFrame(ctx, payload)
}

func (s *Server) evaluate(req wire.HandshakeRequest) wire.HandshakeResponse {
	refuse := func(reason string) wire.HandshakeResponse {
		return wire.HandshakeResponse{Successful: wire.Bool(false), ErrorMessage: reason, ProtocolVersion: wire.ProtocolVersion}
	}

	if !wire.Compatible(req.ProtocolVersion) {
		return refuse(fmt.Sprintf("unsupported protocol version %q", req.ProtocolVersion))
	}
	if subtle.ConstantTimeCompare([]byte(req.CheckValue), []byte(s.checkValue)) != 1 {
		return refuse("repository signature mismatch")
	}
	if req.DeviceIdentifier == "" {
		return refuse("device identifier missing")
	}

	token, err := permission.IssueToken(s.cipher, req.DeviceIdentifier, s.opts.TokenTTL, s.now())
	if err != nil {
		s.logger.Error("issue token failed", "error", err)
		return refuse("token issuing failed")
	}

	return wire.HandshakeResponse{
		Successful:       wire.Bool(true),
		AuthToken:        token,
		DeviceIdentifier: req.DeviceIdentifier,
		ProtocolVersion:  wire.ProtocolVersion,
	}
}

func (p *peer) record(ctx context.Context, rec domain.LogRecord) error {
	if p.deviceID == "" {
		p.logger.Warn("record before handshake, closing", "session_id", rec.SessionID, "sequence", rec.Sequence)
		payload, err := p.server.codec.EncodeDisconnect(wire.DisconnectNotice{Code: connectors.CodeUnauthorized, Message: "not authorized"})
		if err == nil {
			_ = p.tr.WriteFrame(ctx, payload)
		}

		return errors.New("record received from unauthorized peer")
	}

	if last, ok := p.lastSeq[rec.SessionID]; ok && rec.Sequence <= last {
		p.logger.Warn("record out of order", "session_id", rec.SessionID, "sequence", rec.Sequence, "last", last)
	}
	p.lastSeq[rec.SessionID] = rec.Sequence

	received := domain.ReceivedRecord{
		Record:     rec,
		DeviceID:   p.deviceID,
		ReceivedAt: p.server.now(),
	}
	if p.server.opts.OnRecord != nil {
		p.server.opts.OnRecord(received)
	}
	p.server.bus.Publish(connectors.TopicRecordIn, received)

	return nil
}
