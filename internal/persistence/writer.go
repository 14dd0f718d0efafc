package persistence

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	writeMaxAttempts = 3
	// drainTimeout bounds writes still queued when the writer is stopped.
	drainTimeout = 2 * time.Second
)

type writeCmd struct {
	name string
	fn   func(context.Context) error
}

// WriterQueue runs database writes one at a time in enqueue order.
type WriterQueue struct {
	logger *slog.Logger
	queue  chan writeCmd
	done   chan struct{}
	once   sync.Once
}

func NewWriterQueue(logger *slog.Logger, capacity int) *WriterQueue {
	if capacity <= 0 {
		capacity = 256
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &WriterQueue{
		logger: logger.With("component", "persistence.writer"),
		queue:  make(chan writeCmd, capacity),
		done:   make(chan struct{}),
	}
}

// Enqueue blocks when the queue is full so writes are never reordered.
func (w *WriterQueue) Enqueue(name string, fn func(context.Context) error) {
	w.queue <- writeCmd{name: name, fn: fn}
}

// Start runs the worker until ctx ends, then drains what is still queued.
func (w *WriterQueue) Start(ctx context.Context) {
	w.once.Do(func() {
		go func() {
			defer close(w.done)
			for {
				select {
				case <-ctx.Done():
					w.drain()

					return
				case cmd := <-w.queue:
					w.runWithRetry(ctx, cmd)
				}
			}
		}()
	})
}

// Done is closed after the worker has drained and exited.
func (w *WriterQueue) Done() <-chan struct{} {
	return w.done
}

func (w *WriterQueue) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	for {
		select {
		case cmd := <-w.queue:
			w.runWithRetry(ctx, cmd)
		default:
			return
		}
	}
}

func (w *WriterQueue) runWithRetry(ctx context.Context, cmd writeCmd) {
	for attempt := 1; attempt <= writeMaxAttempts; attempt++ {
		err := cmd.fn(ctx)
		if err == nil {
			return
		}
		w.logger.Error("db write failed", "cmd", cmd.name, "attempt", attempt, "error", err)
		if attempt == writeMaxAttempts {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(attempt) * 300 * time.Millisecond):
		}
	}
}
