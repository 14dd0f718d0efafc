package connection

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/inspectlink/inspectlink/internal/cipher"
	"github.com/inspectlink/inspectlink/internal/connectors"
	"github.com/inspectlink/inspectlink/internal/transport"
	"github.com/inspectlink/inspectlink/internal/wire"
)

type harness struct {
	manager *Manager
	codec   *wire.Codec
	peers   chan *transport.StreamTransport
	dialErr atomic.Value
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()

	c, err := cipher.New("shared", cipher.Options{})
	require.NoError(t, err)
	codec, err := wire.NewCodec(c)
	require.NoError(t, err)
	t.Cleanup(codec.Close)

	h := &harness{codec: codec, peers: make(chan *transport.StreamTransport, 4)}
	tr := transport.NewDialTransport("pipe", "test", func(context.Context) (net.Conn, error) {
		if v := h.dialErr.Load(); v != nil {
			return nil, v.(error)
		}
		local, remote := net.Pipe()
		h.peers <- transport.NewConn("pipe", remote)

		return local, nil
	})
	h.manager = New(tr, codec, func() (wire.HandshakeRequest, error) {
		return wire.HandshakeRequest{ProtocolVersion: wire.ProtocolVersion, CheckValue: "check"}, nil
	}, opts)
	t.Cleanup(func() {
		h.manager.Unbind(connectors.CodeNormal, "test done")
	})

	return h
}

// acceptPeer returns the peer end of the next bind and consumes its handshake request.
func (h *harness) acceptPeer(t *testing.T) *transport.StreamTransport {
	t.Helper()

	var peer *transport.StreamTransport
	select {
	case peer = <-h.peers:
	case <-time.After(2 * time.Second):
		t.Fatalf("no bind attempt")
	}
	t.Cleanup(func() { _ = peer.Close() })

	msg := h.readMessage(t, peer)
	require.Equal(t, wire.KindHandshakeRequest, msg.Kind)
	require.Equal(t, "check", msg.HandshakeRequest.CheckValue)

	return peer
}

func (h *harness) readMessage(t *testing.T, peer *transport.StreamTransport) wire.Message {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	payload, err := peer.ReadFrame(ctx)
	require.NoError(t, err)
	msg, err := h.codec.Decode(payload)
	require.NoError(t, err)

	return msg
}

func (h *harness) respond(t *testing.T, peer *transport.StreamTransport, resp wire.HandshakeResponse) {
	t.Helper()

	payload, err := h.codec.EncodeHandshakeResponse(resp)
	require.NoError(t, err)
	require.NoError(t, peer.WriteFrame(context.Background(), payload))
}

func waitForState(t *testing.T, m *Manager, want connectors.ConnectionState) {
	t.Helper()

	require.Eventually(t, func() bool {
		return m.State() == want
	}, 2*time.Second, 5*time.Millisecond, "expected state %s, last %s", want, m.State())
}

func TestBindHandshakeConnect(t *testing.T) {
	h := newHarness(t, Options{})

	var calls atomic.Int32
	responses := make(chan wire.HandshakeResponse, 2)
	h.manager.SetHandshakeHandler(func(resp wire.HandshakeResponse) {
		calls.Add(1)
		responses <- resp
	})

	require.NoError(t, h.manager.Bind(context.Background()))
	require.ErrorIs(t, h.manager.Bind(context.Background()), ErrBindInProgress)

	peer := h.acceptPeer(t)
	waitForState(t, h.manager, connectors.ConnectionStateAwaitingHandshake)
	require.ErrorIs(t, h.manager.SendFrame(context.Background(), []byte("early")), ErrNotConnected)

	h.respond(t, peer, wire.HandshakeResponse{Successful: wire.Bool(true), AuthToken: "tok"})
	select {
	case resp := <-responses:
		require.Equal(t, "tok", resp.AuthToken)
	case <-time.After(2 * time.Second):
		t.Fatalf("handshake handler not invoked")
	}
	require.NoError(t, h.manager.SetState(connectors.ConnectionStateConnected, 0, ""))

	// A second response in the same cycle is dropped.
	h.respond(t, peer, wire.HandshakeResponse{Successful: wire.Bool(true), AuthToken: "again"})

	payload, err := h.codec.EncodeDisconnect(wire.DisconnectNotice{Code: 1})
	require.NoError(t, err)
	errCh := make(chan error, 1)
	go func() { errCh <- h.manager.SendFrame(context.Background(), payload) }()
	msg := h.readMessage(t, peer)
	require.Equal(t, wire.KindDisconnect, msg.Kind)
	require.NoError(t, <-errCh)

	require.Equal(t, int32(1), calls.Load())
}

func TestSetStateRejectsInvalidTransition(t *testing.T) {
	h := newHarness(t, Options{})

	err := h.manager.SetState(connectors.ConnectionStateConnected, 0, "")
	require.ErrorIs(t, err, ErrInvalidTransition)
	require.Equal(t, connectors.ConnectionStateDisconnected, h.manager.State())
}

func TestBindFailureSurfacesAsError(t *testing.T) {
	h := newHarness(t, Options{})
	h.dialErr.Store(errors.New("inspector not installed"))

	require.NoError(t, h.manager.Bind(context.Background()))
	waitForState(t, h.manager, connectors.ConnectionStateError)
	st := h.manager.Status()
	require.Equal(t, connectors.CodeBindFailed, st.Code)
	require.Contains(t, st.Err, "inspector not installed")

	// A fresh bind restarts from Disconnected.
	h.dialErr.Store(errors.New("still missing"))
	require.NoError(t, h.manager.Bind(context.Background()))
	waitForState(t, h.manager, connectors.ConnectionStateError)
	require.Contains(t, h.manager.Status().Err, "still missing")
}

func TestHandshakeWatchdog(t *testing.T) {
	h := newHarness(t, Options{HandshakeTimeout: 50 * time.Millisecond})
	h.manager.SetHandshakeHandler(func(wire.HandshakeResponse) {
		t.Errorf("handler must not run after timeout")
	})

	require.NoError(t, h.manager.Bind(context.Background()))
	h.acceptPeer(t)

	waitForState(t, h.manager, connectors.ConnectionStateError)
	require.Equal(t, connectors.CodeHandshakeTimeout, h.manager.Status().Code)
}

func TestPeerDisconnectNotice(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.manager.Bind(context.Background()))
	peer := h.acceptPeer(t)
	waitForState(t, h.manager, connectors.ConnectionStateAwaitingHandshake)

	payload, err := h.codec.EncodeDisconnect(wire.DisconnectNotice{Code: connectors.CodeUnauthorized, Message: "bad check value"})
	require.NoError(t, err)
	require.NoError(t, peer.WriteFrame(context.Background(), payload))

	waitForState(t, h.manager, connectors.ConnectionStateDisconnected)
	st := h.manager.Status()
	require.Equal(t, connectors.CodeUnauthorized, st.Code)
	require.Equal(t, "bad check value", st.Err)
}

func TestChannelLoss(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.manager.Bind(context.Background()))
	peer := h.acceptPeer(t)
	waitForState(t, h.manager, connectors.ConnectionStateAwaitingHandshake)

	require.NoError(t, peer.Close())
	waitForState(t, h.manager, connectors.ConnectionStateError)
	require.Equal(t, connectors.CodeChannelLost, h.manager.Status().Code)
}

func TestSendDisconnectNotifiesPeer(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.manager.Bind(context.Background()))
	peer := h.acceptPeer(t)
	waitForState(t, h.manager, connectors.ConnectionStateAwaitingHandshake)

	go h.manager.SendDisconnect(context.Background(), connectors.CodeUnauthorized, "rejected")

	msg := h.readMessage(t, peer)
	require.Equal(t, wire.KindDisconnect, msg.Kind)
	require.Equal(t, connectors.CodeUnauthorized, msg.Disconnect.Code)
	require.Equal(t, "rejected", msg.Disconnect.Message)

	waitForState(t, h.manager, connectors.ConnectionStateError)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.manager.Wait(ctx))
}

func TestUnbindNormalAndRebind(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.manager.Bind(context.Background()))
	h.acceptPeer(t)
	waitForState(t, h.manager, connectors.ConnectionStateAwaitingHandshake)

	h.manager.Unbind(connectors.CodeNormal, "")
	require.Equal(t, connectors.ConnectionStateDisconnected, h.manager.State())

	require.NoError(t, h.manager.Bind(context.Background()))
	h.acceptPeer(t)
	waitForState(t, h.manager, connectors.ConnectionStateAwaitingHandshake)
}
