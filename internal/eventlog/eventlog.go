// Package eventlog persists session lifecycle events without ever blocking a
// session. A [Writer] is a session.EventSink that queues events and hands
// them to a [Store] in batches from its own goroutine. Store failures are
// logged and swallowed; the writer reports itself degraded until a batch
// succeeds again.
package eventlog

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/MrWong99/parley/internal/session"
)

const (
	defaultBatchSize     = 64
	defaultFlushInterval = time.Second
	drainTimeout         = 5 * time.Second
)

// Store appends events to durable storage.
type Store interface {
	Append(ctx context.Context, events []session.Event) error
}

// Writer queues events for a [Store].
//
// All methods are safe for concurrent use.
type Writer struct {
	store     Store
	queue     chan session.Event
	batchSize int
	interval  time.Duration

	degraded atomic.Bool
	dropped  atomic.Uint64
	written  atomic.Uint64
}

var _ session.EventSink = (*Writer)(nil)

// Option configures a [Writer].
type Option func(*Writer)

// WithBatchSize caps the number of events per Append call.
func WithBatchSize(n int) Option {
	return func(w *Writer) {
		if n > 0 {
			w.batchSize = n
		}
	}
}

// WithFlushInterval sets how long a partial batch may wait.
func WithFlushInterval(d time.Duration) Option {
	return func(w *Writer) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWriter returns a Writer queueing up to buffer events for store. Call
// [Writer.Run] to start delivery.
func NewWriter(store Store, buffer int, opts ...Option) *Writer {
	w := &Writer{
		store:     store,
		queue:     make(chan session.Event, max(buffer, 1)),
		batchSize: defaultBatchSize,
		interval:  defaultFlushInterval,
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Emit queues e. When the queue is full the event is dropped and counted.
func (w *Writer) Emit(_ context.Context, e session.Event) {
	select {
	case w.queue <- e:
	default:
		if w.dropped.Add(1) == 1 {
			slog.Warn("eventlog: queue full, dropping events", "session_id", e.SessionID, "event", string(e.Type))
		}
	}
}

// Run delivers queued events until ctx ends, then flushes what is left
// within a short grace period.
func (w *Writer) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	batch := make([]session.Event, 0, w.batchSize)
	for {
		select {
		case e := <-w.queue:
			batch = append(batch, e)
			if len(batch) >= w.batchSize {
				batch = w.flush(ctx, batch)
			}
		case <-ticker.C:
			batch = w.flush(ctx, batch)
		case <-ctx.Done():
			dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), drainTimeout)
			defer cancel()
			for {
				select {
				case e := <-w.queue:
					batch = append(batch, e)
					if len(batch) >= w.batchSize {
						batch = w.flush(dctx, batch)
					}
				default:
					w.flush(dctx, batch)
					return nil
				}
			}
		}
	}
}

func (w *Writer) flush(ctx context.Context, batch []session.Event) []session.Event {
	if len(batch) == 0 {
		return batch
	}
	if err := w.store.Append(ctx, batch); err != nil {
		w.degraded.Store(true)
		slog.Warn("eventlog: append failed, discarding batch", "events", len(batch), "error", err)
		return batch[:0]
	}
	w.degraded.Store(false)
	w.written.Add(uint64(len(batch)))
	return batch[:0]
}

// Degraded reports whether the most recent batch failed.
func (w *Writer) Degraded() bool { return w.degraded.Load() }

// Dropped returns how many events were dropped on a full queue.
func (w *Writer) Dropped() uint64 { return w.dropped.Load() }

// Written returns how many events the store accepted.
func (w *Writer) Written() uint64 { return w.written.Load() }
