// Package transport moves opaque frames between the SDK and the inspector.
package transport

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

var ErrNotConnected = errors.New("transport is not connected")

type Transport interface {
	Name() string
	Connect(ctx context.Context) error
	Close() error
	ReadFrame(ctx context.Context) ([]byte, error)
	WriteFrame(ctx context.Context, payload []byte) error
}

// StatusTargetResolver is implemented by transports that can describe their
// peer address for status reporting.
type StatusTargetResolver interface {
	StatusTarget() string
}

// Target returns the status target of t, or an empty string.
func Target(t Transport) string {
	if r, ok := t.(StatusTargetResolver); ok {
		return r.StatusTarget()
	}

	return ""
}

// LoggerSetter is implemented by transports whose diagnostics can be routed
// to a caller-supplied logger.
type LoggerSetter interface {
	SetLogger(logger *slog.Logger)
}

// logSink is embedded by transports. Without a logger it falls back to
// slog.Default at log time, so late logging configuration still applies.
type logSink struct {
	logMu  sync.RWMutex
	logger *slog.Logger
}

func (s *logSink) SetLogger(logger *slog.Logger) {
	s.logMu.Lock()
	defer s.logMu.Unlock()
	s.logger = logger
}

func (s *logSink) log(name string, attrs ...any) *slog.Logger {
	s.logMu.RLock()
	base := s.logger
	s.logMu.RUnlock()
	if base == nil {
		base = slog.Default().With("component", "transport")
	}

	return base.With(append([]any{"transport", name}, attrs...)...)
}
