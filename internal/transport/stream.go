package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"
)

const (
	defaultIPPort = 47300
	dialTimeout   = 6 * time.Second
)

// DialFunc opens the underlying stream for a StreamTransport.
type DialFunc func(ctx context.Context) (net.Conn, error)

// StreamTransport sends and receives framed traffic over any net.Conn:
// a unix socket, a loopback TCP socket or an in-memory pipe.
type StreamTransport struct {
	logSink

	name   string
	target string
	dial   DialFunc

	mu      sync.Mutex
	conn    net.Conn
	writeMu sync.Mutex
}

func NewDialTransport(name, target string, dial DialFunc) *StreamTransport {
	return &StreamTransport{name: name, target: target, dial: dial}
}

func NewUnixTransport(path string) *StreamTransport {
	return NewDialTransport("unix", path, func(ctx context.Context) (net.Conn, error) {
		if path == "" {
			return nil, errors.New("unix socket path is empty")
		}
		dialer := net.Dialer{Timeout: dialTimeout}

		return dialer.DialContext(ctx, "unix", path)
	})
}

func NewIPTransport(host string, port int) *StreamTransport {
	if port == 0 {
		port = defaultIPPort
	}
	target := ""
	if host != "" {
		target = net.JoinHostPort(host, strconv.Itoa(port))
	}

	return NewDialTransport("ip", target, func(ctx context.Context) (net.Conn, error) {
		if host == "" {
			return nil, errors.New("ip host is empty")
		}
		dialer := net.Dialer{Timeout: dialTimeout}

		return dialer.DialContext(ctx, "tcp", target)
	})
}

// NewConn wraps an already established connection, typically one accepted by
// a listener. Once closed it cannot be reconnected.
func NewConn(name string, conn net.Conn) *StreamTransport {
	target := ""
	if addr := conn.RemoteAddr(); addr != nil {
		target = addr.String()
	}
	t := NewDialTransport(name, target, func(context.Context) (net.Conn, error) {
		return nil, errors.New("accepted connection cannot be re-established")
	})
	t.conn = conn

	return t
}

func (t *StreamTransport) Name() string {
	return t.name
}

func (t *StreamTransport) StatusTarget() string {
	return t.target
}

func (t *StreamTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

func (t *StreamTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	logger := t.log(t.name, "target", t.target)
	if t.conn != nil {
		logger.Debug("connect skipped: already connected")

		return nil
	}

	logger.Info("connecting")
	conn, err := t.dial(ctx)
	if err != nil {
		logger.Warn("connect failed", "error", err)

		return fmt.Errorf("dial %s: %w", t.name, err)
	}
	t.conn = conn
	logger.Info("connected")

	return nil
}

func (t *StreamTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	logger := t.log(t.name, "target", t.target)
	if t.conn == nil {
		logger.Debug("close skipped: not connected")

		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	if err != nil {
		logger.Warn("close failed", "error", err)

		return err
	}
	logger.Info("closed")

	return nil
}

func (t *StreamTransport) ReadFrame(ctx context.Context) ([]byte, error) {
	logger := t.log(t.name)
	conn, err := t.currentConn()
	if err != nil {
		logger.Debug("read frame failed: not connected", "error", err)

		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	} else {
		_ = conn.SetReadDeadline(time.Time{})
	}

	payload, err := readFrame(ioReadFullFunc(conn))
	if err != nil {
		logger.Debug("read frame failed", "error", err)

		return nil, err
	}
	logger.Debug("read frame", "len", len(payload))

	return payload, nil
}

func (t *StreamTransport) WriteFrame(ctx context.Context, payload []byte) error {
	logger := t.log(t.name)
	conn, err := t.currentConn()
	if err != nil {
		logger.Debug("write frame failed: not connected", "error", err)

		return err
	}

	frame, err := encodeFrame(payload)
	if err != nil {
		logger.Warn("encode frame failed", "payload_len", len(payload), "error", err)

		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	} else {
		_ = conn.SetWriteDeadline(time.Time{})
	}
	if _, err := conn.Write(frame); err != nil {
		logger.Warn("write frame failed", "payload_len", len(payload), "frame_len", len(frame), "error", err)

		return fmt.Errorf("write frame: %w", err)
	}
	logger.Debug("write frame", "payload_len", len(payload), "frame_len", len(frame))

	return nil
}

func (t *StreamTransport) currentConn() (net.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil, ErrNotConnected
	}

	return t.conn, nil
}
