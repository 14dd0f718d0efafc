package logging

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/inspectlink/inspectlink/internal/config"
)

// DefaultMaxFileBytes is the size at which an existing log file is rotated
// when logging is configured.
const DefaultMaxFileBytes int64 = 10 << 20

const redacted = "[redacted]"

// Attribute keys whose values never reach a log sink.
var secretKeys = map[string]struct{}{
	"passphrase": {},
	"auth_token": {},
	"token":      {},
}

// Manager owns the process logger: level, handler format, console sink and the
// optional log file.
type Manager struct {
	mu      sync.RWMutex
	level   slog.LevelVar
	logger  *slog.Logger
	console io.Writer
	file    *os.File

	MaxFileBytes int64
}

func NewManager() *Manager {
	m := &Manager{MaxFileBytes: DefaultMaxFileBytes}
	m.level.Set(slog.LevelInfo)
	m.logger = slog.New(slog.NewTextHandler(os.Stdout, m.handlerOptions()))

	return m
}

// SetOutput replaces the console sink used by the next Configure. A nil
// writer restores stdout.
func (m *Manager) SetOutput(w io.Writer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.console = w
}

func (m *Manager) Configure(cfg config.LoggingConfig, filePath string) error {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeFileLocked()

	console := m.console
	if console == nil {
		console = os.Stdout
	}
	sink := console
	if cfg.LogToFile {
		file, err := openLogFile(filePath, m.MaxFileBytes)
		if err != nil {
			return err
		}
		m.file = file
		sink = teeWriter{console, file}
	}

	h, err := newHandler(cfg.Format, sink, m.handlerOptions())
	if err != nil {
		m.closeFileLocked()
		return err
	}
	m.level.Set(level)
	m.logger = slog.New(h)
	slog.SetDefault(m.logger)

	return nil
}

// SetLevel changes the level of every logger handed out so far.
func (m *Manager) SetLevel(raw string) error {
	level, err := parseLevel(raw)
	if err != nil {
		return err
	}
	m.level.Set(level)

	return nil
}

func (m *Manager) Logger(component string) *slog.Logger {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.logger.With("component", component)
}

func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file == nil {
		return nil
	}
	err := m.file.Close()
	m.file = nil

	return err
}

func (m *Manager) closeFileLocked() {
	if m.file != nil {
		_ = m.file.Close()
		m.file = nil
	}
}

func (m *Manager) handlerOptions() *slog.HandlerOptions {
	return &slog.HandlerOptions{Level: &m.level, ReplaceAttr: redactSecrets}
}

func redactSecrets(_ []string, a slog.Attr) slog.Attr {
	if _, ok := secretKeys[strings.ToLower(a.Key)]; ok && a.Value.String() != "" {
		return slog.String(a.Key, redacted)
	}

	return a
}

// openLogFile appends to path, moving an oversized previous file to path.1.
func openLogFile(path string, maxBytes int64) (*os.File, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("log file path is empty")
	}
	path = filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	if maxBytes > 0 {
		if info, err := os.Stat(path); err == nil && info.Size() >= maxBytes {
			if err := os.Rename(path, path+".1"); err != nil {
				return nil, fmt.Errorf("rotate log file: %w", err)
			}
		} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("stat log file: %w", err)
		}
	}

	// #nosec G304 -- path comes from the resolved runtime paths.
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	return file, nil
}

func newHandler(format string, w io.Writer, opts *slog.HandlerOptions) (slog.Handler, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "text", "":
		return slog.NewTextHandler(w, opts), nil
	case "json":
		return slog.NewJSONHandler(w, opts), nil
	default:
		return nil, fmt.Errorf("unsupported log format: %q", format)
	}
}

func parseLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unsupported log level: %q", raw)
	}
}

// teeWriter writes to every sink and succeeds when at least one accepted the
// whole buffer, so a closed console never silences the log file.
type teeWriter []io.Writer

func (w teeWriter) Write(p []byte) (int, error) {
	var firstErr error
	delivered := false
	for _, dst := range w {
		if dst == nil {
			continue
		}
		n, err := dst.Write(p)
		switch {
		case err != nil:
		case n != len(p):
			err = io.ErrShortWrite
		default:
			delivered = true
			continue
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	if !delivered && firstErr != nil {
		return 0, firstErr
	}

	return len(p), nil
}
