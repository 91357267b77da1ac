package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/resilience"
)

// defaultWriteTimeout bounds a single best-effort write.
const defaultWriteTimeout = 5 * time.Second

// DefaultWriteQueue is how many writes may wait behind a slow store before
// new ones are dropped.
const DefaultWriteQueue = 64

// TurnWriter persists conversation turns on a best-effort basis. Writes are
// queued and applied in order by one background goroutine, so a slow store
// never holds up the caller. A failed or dropped write is logged and counted
// but never returned: losing one turn must not end the conversation. Writes
// pass through a circuit breaker so an unreachable store is not retried on
// every turn.
type TurnWriter struct {
	turns   Turns
	breaker *resilience.CircuitBreaker
	metrics *observe.Metrics
	timeout time.Duration

	queue   chan write
	stopped chan struct{}

	mu       sync.Mutex // guards everything below and sends on queue
	closed   bool
	queued   uint64
	applied  uint64
	progress chan struct{} // closed and replaced after every applied write
}

type write struct {
	ctx context.Context
	op  string
	fn  func(context.Context) error
}

// WriterOption configures a [TurnWriter].
type WriterOption func(*TurnWriter)

// WithBreaker replaces the default circuit breaker.
func WithBreaker(cb *resilience.CircuitBreaker) WriterOption {
	return func(w *TurnWriter) { w.breaker = cb }
}

// WithWriterMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithWriterMetrics(m *observe.Metrics) WriterOption {
	return func(w *TurnWriter) { w.metrics = m }
}

// WithWriteTimeout bounds each individual write.
func WithWriteTimeout(d time.Duration) WriterOption {
	return func(w *TurnWriter) {
		if d > 0 {
			w.timeout = d
		}
	}
}

// WithWriteQueue sets the queue capacity. Defaults to [DefaultWriteQueue].
func WithWriteQueue(n int) WriterOption {
	return func(w *TurnWriter) {
		if n > 0 {
			w.queue = make(chan write, n)
		}
	}
}

// NewTurnWriter wraps turns with best-effort semantics and starts the
// background writer. Call [TurnWriter.Close] to stop it.
func NewTurnWriter(turns Turns, opts ...WriterOption) *TurnWriter {
	w := &TurnWriter{
		turns:    turns,
		timeout:  defaultWriteTimeout,
		stopped:  make(chan struct{}),
		progress: make(chan struct{}),
	}
	for _, o := range opts {
		o(w)
	}
	if w.queue == nil {
		w.queue = make(chan write, DefaultWriteQueue)
	}
	if w.breaker == nil {
		w.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:         "store",
			MaxFailures:  3,
			ResetTimeout: 30 * time.Second,
			HalfOpenMax:  1,
		})
	}
	if w.metrics == nil {
		w.metrics = observe.DefaultMetrics()
	}
	go w.run()
	return w
}

// WriteMessage queues m for persistence.
func (w *TurnWriter) WriteMessage(ctx context.Context, m Message) {
	w.enqueue(ctx, "append_message", func(ctx context.Context) error {
		return w.turns.AppendMessage(ctx, m)
	})
}

// WriteTranscription queues t for persistence.
func (w *TurnWriter) WriteTranscription(ctx context.Context, t Transcription) {
	w.enqueue(ctx, "append_transcription", func(ctx context.Context) error {
		return w.turns.AppendTranscription(ctx, t)
	})
}

// enqueue never blocks. The caller's cancellation does not reach the write;
// its trace does.
func (w *TurnWriter) enqueue(ctx context.Context, op string, fn func(context.Context) error) {
	ctx = context.WithoutCancel(ctx)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		w.drop(ctx, op, "writer closed")
		return
	}
	select {
	case w.queue <- write{ctx: ctx, op: op, fn: fn}:
		w.queued++
	default:
		w.drop(ctx, op, "write queue full")
	}
}

func (w *TurnWriter) drop(ctx context.Context, op, why string) {
	w.metrics.RecordStoreError(ctx, op)
	observe.Logger(ctx).Warn("store: best-effort write dropped", "op", op, "reason", why)
}

func (w *TurnWriter) run() {
	defer close(w.stopped)
	for wr := range w.queue {
		w.apply(wr)

		w.mu.Lock()
		w.applied++
		close(w.progress)
		w.progress = make(chan struct{})
		w.mu.Unlock()
	}
}

func (w *TurnWriter) apply(wr write) {
	ctx, cancel := context.WithTimeout(wr.ctx, w.timeout)
	defer cancel()

	if err := w.breaker.Do(ctx, wr.fn); err != nil {
		w.metrics.RecordStoreError(ctx, wr.op)
		observe.Logger(ctx).Warn("store: best-effort write failed", "op", wr.op, "err", err)
		return
	}
	slog.Debug("store: write ok", "op", wr.op)
}

// Flush waits until every write queued so far has been applied or ctx is
// done, whichever comes first.
func (w *TurnWriter) Flush(ctx context.Context) error {
	w.mu.Lock()
	target := w.queued
	w.mu.Unlock()
	for {
		w.mu.Lock()
		if w.applied >= target {
			w.mu.Unlock()
			return nil
		}
		progress := w.progress
		w.mu.Unlock()

		select {
		case <-progress:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close stops accepting writes, applies the ones already queued and stops
// the background goroutine. Safe to call more than once.
func (w *TurnWriter) Close() {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.queue)
	}
	w.mu.Unlock()
	<-w.stopped
}

// Breaker returns the circuit breaker guarding writes, for readiness checks.
func (w *TurnWriter) Breaker() *resilience.CircuitBreaker { return w.breaker }
