// Package connection owns the link to the inspector: the bind lifecycle, the
// connection state machine and delivery of the peer's handshake response.
package connection

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/inspectlink/inspectlink/internal/bus"
	"github.com/inspectlink/inspectlink/internal/connectors"
	"github.com/inspectlink/inspectlink/internal/transport"
	"github.com/inspectlink/inspectlink/internal/wire"
)

var (
	ErrBindInProgress    = errors.New("connection: bind already in progress")
	ErrNotConnected      = errors.New("connection: not connected")
	ErrInvalidTransition = errors.New("connection: invalid state transition")
)

const (
	defaultWriteTimeout = 5 * time.Second
	rawFramePreviewLen  = 64
)

// Codec is the subset of the wire codec the manager needs.
type Codec interface {
	EncodeHandshakeRequest(req wire.HandshakeRequest) ([]byte, error)
	EncodeDisconnect(notice wire.DisconnectNotice) ([]byte, error)
	Decode(data []byte) (wire.Message, error)
}

// HandshakeHandler receives the peer's handshake response. It runs on the
// connection's reader goroutine, at most once per bind cycle.
type HandshakeHandler func(resp wire.HandshakeResponse)

// RequestFunc builds the handshake request sent at the start of each cycle.
type RequestFunc func() (wire.HandshakeRequest, error)

type Options struct {
	// HandshakeTimeout fails a cycle with CodeHandshakeTimeout when the peer
	// does not answer in time. Zero waits forever.
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	Logger           *slog.Logger
	Bus              bus.MessageBus
}

type Manager struct {
	transport  transport.Transport
	codec      Codec
	newRequest RequestFunc
	opts       Options
	logger     *slog.Logger
	bus        bus.MessageBus

	mu        sync.Mutex
	status    connectors.ConnStatus
	cycle     uint64
	delivered bool
	handler   HandshakeHandler
	cancel    context.CancelFunc
	watchdog  *time.Timer
	done      chan struct{}
}

func New(tr transport.Transport, codec Codec, newRequest RequestFunc, opts Options) *Manager {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default().With("component", "connection")
	}
	messageBus := opts.Bus
	if messageBus == nil {
		messageBus = bus.Discard{}
	}

	return &Manager{
		transport:  tr,
		codec:      codec,
		newRequest: newRequest,
		opts:       opts,
		logger:     logger.With("transport", tr.Name()),
		bus:        messageBus,
		status: connectors.ConnStatus{
			State:         connectors.ConnectionStateDisconnected,
			TransportName: tr.Name(),
			Target:        transport.Target(tr),
			Timestamp:     time.Now(),
		},
	}
}

// SetHandshakeHandler registers the callback for handshake responses.
func (m *Manager) SetHandshakeHandler(h HandshakeHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = h
}

func (m *Manager) Status() connectors.ConnStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *Manager) State() connectors.ConnectionState {
	return m.Status().State
}

func (m *Manager) Connected() bool {
	return m.State() == connectors.ConnectionStateConnected
}

// Bind starts a new bind cycle and returns without waiting for the channel.
// Failures surface as an Error state, never as a returned error; the only
// error is ErrBindInProgress when the current cycle has not ended. ctx only
// supplies values: the cycle lives until Unbind or channel loss.
func (m *Manager) Bind(ctx context.Context) error {
	m.mu.Lock()
	if !m.status.State.Terminal() {
		state := m.status.State
		m.mu.Unlock()
		m.logger.Warn("bind rejected", "state", state)

		return ErrBindInProgress
	}

	var events []connectors.ConnStatus
	if m.status.State == connectors.ConnectionStateError {
		if st, changed, _ := m.transitionLocked(connectors.ConnectionStateDisconnected, 0, ""); changed {
			events = append(events, st)
		}
	}
	st, _, _ := m.transitionLocked(connectors.ConnectionStateConnecting, 0, "")
	events = append(events, st)

	m.cycle++
	cycle := m.cycle
	m.delivered = false
	cycleCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.cancel = cancel
	prevDone := m.done
	done := make(chan struct{})
	m.done = done
	m.mu.Unlock()

	m.publish(events...)
	go m.runCycle(cycleCtx, cycle, prevDone, done)

	return nil
}

func (m *Manager) runCycle(ctx context.Context, cycle uint64, prevDone <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	if prevDone != nil {
		<-prevDone
	}
	logger := m.logger.With("cycle", cycle)

	if err := m.transport.Connect(ctx); err != nil {
		logger.Warn("bind failed", "error", err)
		m.endCycle(cycle, connectors.ConnectionStateError, connectors.CodeBindFailed, err.Error())

		return
	}
	if !m.isCurrent(cycle) {
		logger.Debug("cycle ended while binding")
		_ = m.transport.Close()

		return
	}

	if err := m.sendHandshakeRequest(ctx); err != nil {
		logger.Warn("handshake request failed", "error", err)
		m.endCycle(cycle, connectors.ConnectionStateError, connectors.CodeBindFailed, err.Error())

		return
	}
	if !m.awaitHandshake(cycle) {
		_ = m.transport.Close()

		return
	}
	logger.Info("awaiting handshake")

	m.readLoop(ctx, cycle, logger)
}

func (m *Manager) sendHandshakeRequest(ctx context.Context) error {
	req, err := m.newRequest()
	if err != nil {
		return fmt.Errorf("build handshake request: %w", err)
	}
	payload, err := m.codec.EncodeHandshakeRequest(req)
	if err != nil {
		return fmt.Errorf("encode handshake request: %w", err)
	}

	return m.write(ctx, payload)
}

func (m *Manager) awaitHandshake(cycle uint64) bool {
	m.mu.Lock()
	if !m.isCurrentLocked(cycle) {
		m.mu.Unlock()

		return false
	}
	st, _, err := m.transitionLocked(connectors.ConnectionStateAwaitingHandshake, 0, "")
	if err != nil {
		m.mu.Unlock()
		m.logger.Warn("state transition rejected", "error", err)

		return false
	}
	if timeout := m.opts.HandshakeTimeout; timeout > 0 {
		m.watchdog = time.AfterFunc(timeout, func() {
			m.handshakeTimedOut(cycle)
		})
	}
	m.mu.Unlock()
	m.publish(st)

	return true
}

func (m *Manager) handshakeTimedOut(cycle uint64) {
	m.mu.Lock()
	pending := m.isCurrentLocked(cycle) && !m.delivered
	m.mu.Unlock()
	if !pending {
		return
	}

	m.logger.Warn("handshake timed out", "cycle", cycle, "timeout", m.opts.HandshakeTimeout)
	m.endCycle(cycle, connectors.ConnectionStateError, connectors.CodeHandshakeTimeout, "handshake timed out")
}

func (m *Manager) readLoop(ctx context.Context, cycle uint64, logger *slog.Logger) {
	for {
		payload, err := m.transport.ReadFrame(ctx)
		if err != nil {
			if !m.isCurrent(cycle) {
				return
			}
			logger.Warn("channel lost", "error", err)
			m.endCycle(cycle, connectors.ConnectionStateError, connectors.CodeChannelLost, err.Error())

			return
		}
		m.bus.Publish(connectors.TopicRawFrameIn, rawFrame(payload))

		msg, err := m.codec.Decode(payload)
		if err != nil {
			logger.Warn("dropping undecodable frame", "len", len(payload), "error", err)
			continue
		}

		switch msg.Kind {
		case wire.KindHandshakeResponse:
			m.deliverHandshake(cycle, *msg.HandshakeResponse, logger)
		case wire.KindDisconnect:
			notice := *msg.Disconnect
			logger.Info("peer disconnected", "code", notice.Code, "message", notice.Message)
			m.endCycle(cycle, connectors.ConnectionStateDisconnected, notice.Code, notice.Message)

			return
		default:
			logger.Debug("ignoring unexpected frame", "kind", msg.Kind)
		}
	}
}

func (m *Manager) deliverHandshake(cycle uint64, resp wire.HandshakeResponse, logger *slog.Logger) {
	m.mu.Lock()
	if !m.isCurrentLocked(cycle) || m.delivered || m.status.State != connectors.ConnectionStateAwaitingHandshake {
		state := m.status.State
		m.mu.Unlock()
		logger.Warn("dropping stray handshake response", "state", state)

		return
	}
	m.delivered = true
	if m.watchdog != nil {
		m.watchdog.Stop()
		m.watchdog = nil
	}
	handler := m.handler
	m.mu.Unlock()

	if handler == nil {
		logger.Warn("handshake response received without a registered handler")

		return
	}
	handler(resp)
}

// SetState applies an explicit transition. Transitions the state machine does
// not allow are rejected with ErrInvalidTransition and logged.
func (m *Manager) SetState(state connectors.ConnectionState, code int, message string) error {
	m.mu.Lock()
	st, changed, err := m.transitionLocked(state, code, message)
	m.mu.Unlock()
	if err != nil {
		m.logger.Warn("state transition rejected", "error", err)

		return err
	}
	if changed {
		m.publish(st)
	}

	return nil
}

// SendFrame writes payload while the link is Connected. A failed write is
// treated as channel loss.
func (m *Manager) SendFrame(ctx context.Context, payload []byte) error {
	m.mu.Lock()
	if m.status.State != connectors.ConnectionStateConnected {
		m.mu.Unlock()

		return ErrNotConnected
	}
	cycle := m.cycle
	m.mu.Unlock()

	if err := m.write(ctx, payload); err != nil {
		if m.isCurrent(cycle) {
			m.logger.Warn("send failed", "error", err)
			m.endCycle(cycle, connectors.ConnectionStateError, connectors.CodeChannelLost, err.Error())
		}

		return err
	}

	return nil
}

// SendDisconnect notifies the peer with (code, message) when the channel is
// bound, then unbinds.
func (m *Manager) SendDisconnect(ctx context.Context, code int, message string) {
	state := m.State()
	if state == connectors.ConnectionStateAwaitingHandshake || state == connectors.ConnectionStateConnected {
		payload, err := m.codec.EncodeDisconnect(wire.DisconnectNotice{Code: code, Message: message})
		if err == nil {
			err = m.write(ctx, payload)
		}
		if err != nil {
			m.logger.Warn("disconnect notice not delivered", "code", code, "error", err)
		}
	}

	m.Unbind(code, message)
}

// Unbind releases the channel without waiting for the reader. CodeNormal
// leaves the manager Disconnected; any other code records an Error state.
func (m *Manager) Unbind(code int, message string) {
	state := connectors.ConnectionStateDisconnected
	if code != connectors.CodeNormal {
		state = connectors.ConnectionStateError
	}

	m.mu.Lock()
	cycle := m.cycle
	m.mu.Unlock()
	m.teardown(cycle, state, code, message, true)
}

// endCycle tears a live cycle down; it is a no-op once the cycle has ended.
func (m *Manager) endCycle(cycle uint64, state connectors.ConnectionState, code int, message string) {
	m.teardown(cycle, state, code, message, false)
}

func (m *Manager) teardown(cycle uint64, state connectors.ConnectionState, code int, message string, force bool) {
	m.mu.Lock()
	if cycle != m.cycle || (!force && m.status.State.Terminal()) {
		m.mu.Unlock()

		return
	}
	st, changed, _ := m.transitionLocked(state, code, message)
	cancel := m.cancel
	m.cancel = nil
	if m.watchdog != nil {
		m.watchdog.Stop()
		m.watchdog = nil
	}
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if err := m.transport.Close(); err != nil {
		m.logger.Debug("transport close failed", "error", err)
	}
	if changed {
		m.publish(st)
	}
}

// Wait blocks until the goroutine of the latest cycle has exited.
func (m *Manager) Wait(ctx context.Context) error {
	m.mu.Lock()
	done := m.done
	m.mu.Unlock()
	if done == nil {
		return nil
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) write(ctx context.Context, payload []byte) error {
	writeCtx, cancel := context.WithTimeout(ctx, m.opts.WriteTimeout)
	defer cancel()
	if err := m.transport.WriteFrame(writeCtx, payload); err != nil {
		return err
	}
	m.bus.Publish(connectors.TopicRawFrameOut, rawFrame(payload))

	return nil
}

func (m *Manager) isCurrent(cycle uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isCurrentLocked(cycle)
}

func (m *Manager) isCurrentLocked(cycle uint64) bool {
	return cycle == m.cycle && !m.status.State.Terminal()
}

func (m *Manager) transitionLocked(next connectors.ConnectionState, code int, message string) (connectors.ConnStatus, bool, error) {
	cur := m.status
	if !cur.State.CanTransitionTo(next) {
		return cur, false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.State, next)
	}
	if cur.State == next && cur.Code == code && cur.Err == message {
		return cur, false, nil
	}

	m.status.State = next
	m.status.Code = code
	m.status.Err = message
	m.status.Timestamp = time.Now()

	return m.status, true, nil
}

func (m *Manager) publish(events ...connectors.ConnStatus) {
	for _, st := range events {
		m.logger.Info("connection state changed", "state", st.State, "code", st.Code, "message", st.Err)
		m.bus.Publish(connectors.TopicConnStatus, st)
	}
}

func rawFrame(payload []byte) connectors.RawFrame {
	preview := payload
	if len(preview) > rawFramePreviewLen {
		preview = preview[:rawFramePreviewLen]
	}

	return connectors.RawFrame{Hex: hex.EncodeToString(preview), Len: len(payload)}
}
