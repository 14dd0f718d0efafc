// Package transmitter owns logging sessions and the outbound record queue.
//
// Records are stamped and queued without blocking the caller. A single drain
// runs at a time and sends the queue head first; the head is removed only
// after it was written, so records leave in sequence order and a failed send
// keeps its record for the next authorized window.
package transmitter

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/inspectlink/inspectlink/internal/bus"
	"github.com/inspectlink/inspectlink/internal/connectors"
	"github.com/inspectlink/inspectlink/internal/domain"
)

const (
	DefaultMaxQueue     = 10000
	defaultSendTimeout  = 5 * time.Second
	defaultFlushTimeout = 3 * time.Second
)

// Link is the connection capability the transmitter sends through.
type Link interface {
	Connected() bool
	SendFrame(ctx context.Context, payload []byte) error
	SendDisconnect(ctx context.Context, code int, message string)
}

type Authorizer interface {
	IsAuthorized() bool
	Clear()
}

type RecordEncoder interface {
	EncodeRecord(rec domain.LogRecord) ([]byte, error)
}

type Options struct {
	MaxQueue     int
	SendTimeout  time.Duration
	FlushTimeout time.Duration
	Logger       *slog.Logger
	Bus          bus.MessageBus
	Metrics      *Metrics
}

// SessionInfo is a snapshot of the current session.
type SessionInfo struct {
	ID         string
	StartedAt  time.Time
	Resumed    bool
	Authorized bool
	Closed     bool
	Pending    int
	NextSeq    uint64
}

type session struct {
	id         string
	startedAt  time.Time
	resumed    bool
	authorized bool
	closed     bool
	nextSeq    uint64
	queue      []domain.LogRecord
}

type Transmitter struct {
	link    Link
	auth    Authorizer
	encoder RecordEncoder
	opts    Options
	logger  *slog.Logger
	bus     bus.MessageBus
	metrics *Metrics
	now     func() time.Time

	mu         sync.Mutex
	session    *session
	generation uint64
	// inflight cancels the send in progress, if any.
	inflight context.CancelFunc

	// drainSlot admits one drain at a time; waiting for it honours the
	// caller's context.
	drainSlot chan struct{}
	wake      chan struct{}
}

func New(link Link, auth Authorizer, encoder RecordEncoder, opts Options) *Transmitter {
	if opts.MaxQueue <= 0 {
		opts.MaxQueue = DefaultMaxQueue
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = defaultSendTimeout
	}
	if opts.FlushTimeout <= 0 {
		opts.FlushTimeout = defaultFlushTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default().With("component", "transmitter")
	}
	messageBus := opts.Bus
	if messageBus == nil {
		messageBus = bus.Discard{}
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = NewMetrics(nil)
	}

	return &Transmitter{
		link:      link,
		auth:      auth,
		encoder:   encoder,
		opts:      opts,
		logger:    logger,
		bus:       messageBus,
		metrics:   metrics,
		now:       time.Now,
		drainSlot: make(chan struct{}, 1),
		wake:      make(chan struct{}, 1),
	}
}

// Run drains the queue whenever records become sendable, until ctx is done.
func (t *Transmitter) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.wake:
			if err := t.drain(ctx); err != nil && ctx.Err() == nil {
				t.logger.Debug("drain stopped", "error", err)
			}
		}
	}
}

// StartSession begins a new session, or with resume set, resumes the current
// one and starts flushing it if the link is authorized. Replacing a session
// discards its queued records.
func (t *Transmitter) StartSession(resume bool) SessionInfo {
	t.mu.Lock()
	if resume && t.session != nil && !t.session.closed {
		s := t.session
		s.resumed = true
		s.authorized = t.sendableLocked()
		info := t.infoLocked()
		t.mu.Unlock()
		t.logger.Info("session resumed", "session_id", info.ID, "authorized", info.Authorized, "pending", info.Pending)
		t.signal()

		return info
	}

	var dropped []domain.LogRecord
	if t.session != nil && !t.session.closed {
		dropped = t.session.queue
	}
	t.newSessionLocked()
	info := t.infoLocked()
	t.mu.Unlock()

	t.reportDropped(dropped, connectors.DropReasonSessionReplaced)
	t.logger.Info("session started", "session_id", info.ID, "authorized", info.Authorized)
	if info.Authorized {
		t.signal()
	}

	return info
}

// EndSession flushes best-effort and closes the session. Records still queued
// afterwards are dropped and reported.
func (t *Transmitter) EndSession(ctx context.Context) {
	flushCtx, cancel := context.WithTimeout(ctx, t.opts.FlushTimeout)
	defer cancel()
	if err := t.Flush(flushCtx); err != nil {
		t.logger.Warn("end session flush incomplete", "error", err)
	}

	t.mu.Lock()
	if t.session == nil || t.session.closed {
		t.mu.Unlock()

		return
	}
	id := t.session.id
	dropped := t.session.queue
	t.session.queue = nil
	t.session.closed = true
	t.generation++
	t.metrics.QueueDepth.Set(0)
	t.mu.Unlock()

	t.reportDropped(dropped, connectors.DropReasonSessionEnded)
	t.logger.Info("session ended", "session_id", id, "dropped", len(dropped))
}

// Disconnect optionally flushes the queue within FlushTimeout, then discards
// whatever is left, cancels a send still in flight, revokes authorization and
// asks the link to notify the peer with (code, message). The queue is always
// empty afterwards.
func (t *Transmitter) Disconnect(ctx context.Context, code int, message string, processQueue bool) {
	if processQueue {
		flushCtx, cancel := context.WithTimeout(ctx, t.opts.FlushTimeout)
		if err := t.Flush(flushCtx); err != nil {
			t.logger.Warn("disconnect flush incomplete", "error", err)
		}
		cancel()
	}

	t.mu.Lock()
	t.generation++
	if t.inflight != nil {
		t.inflight()
		t.inflight = nil
	}
	var dropped []domain.LogRecord
	if s := t.session; s != nil {
		dropped = s.queue
		s.queue = nil
		s.authorized = false
	}
	t.metrics.QueueDepth.Set(0)
	t.mu.Unlock()

	t.reportDropped(dropped, connectors.DropReasonDisconnect)
	t.auth.Clear()
	t.link.SendDisconnect(ctx, code, message)
}

// Enqueue stamps rec with the current session, the next sequence number and
// the current time, and queues it. Without an open session an implicit,
// unauthorized one is started.
func (t *Transmitter) Enqueue(rec domain.LogRecord) domain.Envelope {
	t.mu.Lock()
	if t.session == nil || t.session.closed {
		t.newSessionLocked()
		t.logger.Info("implicit session started", "session_id", t.session.id)
	}
	s := t.session
	s.nextSeq++
	rec.Envelope = domain.Envelope{SessionID: s.id, Sequence: s.nextSeq, Timestamp: t.now()}

	var overflow *domain.LogRecord
	if len(s.queue) >= t.opts.MaxQueue {
		oldest := s.queue[0]
		overflow = &oldest
		s.queue = s.queue[1:]
	}
	s.queue = append(s.queue, rec)
	t.metrics.Enqueued.WithLabelValues(rec.Kind.String()).Inc()
	t.metrics.QueueDepth.Set(float64(len(s.queue)))
	sendable := s.authorized
	t.mu.Unlock()

	if overflow != nil {
		t.logger.Warn("queue full, dropping oldest record", "session_id", overflow.SessionID, "sequence", overflow.Sequence)
		t.reportDropped([]domain.LogRecord{*overflow}, connectors.DropReasonQueueOverflow)
	}
	if sendable {
		t.signal()
	}

	return rec.Envelope
}

func (t *Transmitter) LogNetworkCall(call domain.NetworkCall) domain.Envelope {
	return t.Enqueue(domain.NewNetworkCallRecord(call))
}

func (t *Transmitter) LogCrashReport(th domain.Throwable) domain.Envelope {
	return t.Enqueue(domain.NewCrashReportRecord(th))
}

func (t *Transmitter) LogAnalyticsEvent(destination, name string, data map[string]any) domain.Envelope {
	return t.Enqueue(domain.NewAnalyticsEventRecord(destination, name, data))
}

func (t *Transmitter) LogGenericLog(logType int, tag, message string, data map[string]any) domain.Envelope {
	return t.Enqueue(domain.NewGenericLogRecord(logType, tag, message, data))
}

func (t *Transmitter) LogException(th domain.Throwable) domain.Envelope {
	return t.Enqueue(domain.NewExceptionRecord(th))
}

// Flush drains the queue on the caller's goroutine. It returns the send error
// that stopped the drain, if any.
func (t *Transmitter) Flush(ctx context.Context) error {
	return t.drain(ctx)
}

func (t *Transmitter) Session() SessionInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.infoLocked()
}

func (t *Transmitter) Pending() int {
	return t.Session().Pending
}

func (t *Transmitter) drain(ctx context.Context) error {
	select {
	case t.drainSlot <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-t.drainSlot }()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		t.mu.Lock()
		s := t.session
		if s == nil || !s.authorized || len(s.queue) == 0 || !t.sendableLocked() {
			t.mu.Unlock()

			return nil
		}
		head := s.queue[0]
		gen := t.generation
		t.mu.Unlock()

		payload, err := t.encoder.EncodeRecord(head)
		if err != nil {
			t.logger.Error("dropping unencodable record", "session_id", head.SessionID, "sequence", head.Sequence, "error", err)
			t.popHead(gen, head)
			t.reportDropped([]domain.LogRecord{head}, connectors.DropReasonEncode)
			continue
		}

		sendCtx, cancel := context.WithTimeout(ctx, t.opts.SendTimeout)
		t.mu.Lock()
		if gen != t.generation {
			t.mu.Unlock()
			cancel()
			continue
		}
		t.inflight = cancel
		t.mu.Unlock()

		err = t.link.SendFrame(sendCtx, payload)

		t.mu.Lock()
		t.inflight = nil
		discarded := gen != t.generation
		t.mu.Unlock()
		cancel()
		if err != nil && discarded {
			t.logger.Debug("send abandoned, queue was discarded", "session_id", head.SessionID, "sequence", head.Sequence, "error", err)
			return err
		}
		if err != nil {
			t.metrics.SendFailures.Inc()
			t.logger.Warn("send failed, record stays queued", "session_id", head.SessionID, "sequence", head.Sequence, "error", err)

			return err
		}

		t.popHead(gen, head)
		t.metrics.Sent.Inc()
		t.bus.Publish(connectors.TopicRecordSent, recordEvent(head, ""))
	}
}

// popHead removes head if the queue was not replaced or discarded meanwhile.
func (t *Transmitter) popHead(gen uint64, head domain.LogRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.session
	if gen != t.generation || s == nil || len(s.queue) == 0 {
		return
	}
	if s.queue[0].SessionID != head.SessionID || s.queue[0].Sequence != head.Sequence {
		return
	}
	s.queue[0] = domain.LogRecord{}
	s.queue = s.queue[1:]
	t.metrics.QueueDepth.Set(float64(len(s.queue)))
}

func (t *Transmitter) newSessionLocked() {
	t.generation++
	t.session = &session{
		id:         uuid.NewString(),
		startedAt:  t.now(),
		authorized: t.sendableLocked(),
	}
	t.metrics.QueueDepth.Set(0)
}

func (t *Transmitter) sendableLocked() bool {
	return t.link.Connected() && t.auth.IsAuthorized()
}

func (t *Transmitter) infoLocked() SessionInfo {
	s := t.session
	if s == nil {
		return SessionInfo{}
	}

	return SessionInfo{
		ID:         s.id,
		StartedAt:  s.startedAt,
		Resumed:    s.resumed,
		Authorized: s.authorized,
		Closed:     s.closed,
		Pending:    len(s.queue),
		NextSeq:    s.nextSeq + 1,
	}
}

func (t *Transmitter) signal() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

func (t *Transmitter) reportDropped(records []domain.LogRecord, reason string) {
	if len(records) == 0 {
		return
	}
	t.metrics.Dropped.WithLabelValues(reason).Add(float64(len(records)))
	t.logger.Info("records dropped", "reason", reason, "count", len(records))
	for _, rec := range records {
		t.bus.Publish(connectors.TopicRecordDropped, recordEvent(rec, reason))
	}
}

func recordEvent(rec domain.LogRecord, reason string) connectors.RecordEvent {
	return connectors.RecordEvent{
		SessionID: rec.SessionID,
		Sequence:  rec.Sequence,
		Kind:      rec.Kind.String(),
		Reason:    reason,
		Timestamp: time.Now(),
	}
}
