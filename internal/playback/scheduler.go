// Package playback schedules inbound assistant audio onto an output device
// without gaps.
//
// Fragments are decoded and queued in arrival order. Nothing is rendered until
// the prebuffer threshold is reached; from then on every fragment is placed on
// the device timeline at a running cursor, so consecutive fragments abut
// exactly regardless of when they were handed over. A cursor that has fallen
// behind the device clock is pulled forward to "now" instead of scheduling into
// the past.
package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/pkg/audio"
)

// DefaultPrebuffer is the number of queued fragments required before
// rendering starts.
const DefaultPrebuffer = 2

// backlogWarn is the queue depth above which each enqueue logs a warning.
const backlogWarn = 5

// ErrClosed is returned by Enqueue after Close.
var ErrClosed = errors.New("playback: scheduler closed")

// Option is a functional option for configuring a Scheduler.
type Option func(*Scheduler)

// WithPrebuffer sets the prebuffer threshold. Values below 1 are ignored.
func WithPrebuffer(n int) Option {
	return func(s *Scheduler) {
		if n >= 1 {
			s.prebuffer = n
		}
	}
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// Scheduler owns the playback queue and cursor for one session. It is safe
// for concurrent use; the session event loop enqueues while the lifecycle
// manager may flush from another goroutine.
type Scheduler struct {
	out       audio.Output
	prebuffer int
	metrics   *observe.Metrics

	mu        sync.Mutex
	queue     [][]byte
	rendering bool
	cursor    int64
	hasCursor bool
	closed    bool
}

// New creates a Scheduler rendering to out.
func New(out audio.Output, opts ...Option) *Scheduler {
	s := &Scheduler{
		out:       out,
		prebuffer: DefaultPrebuffer,
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Enqueue decodes one base64 PCM16 fragment and queues it for rendering.
// Malformed fragments are logged and dropped; they never stop the scheduler,
// so Enqueue only fails once the scheduler is closed.
func (s *Scheduler) Enqueue(encoded string) error {
	pcm, err := audio.DecodePCM16(encoded)
	if err != nil {
		slog.Warn("playback: dropping undecodable fragment", "err", err)
		s.metrics.PlaybackFragmentsDropped.Add(context.Background(), 1)
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	s.queue = append(s.queue, pcm)
	if len(s.queue) > backlogWarn {
		slog.Warn("playback: queue backing up", "queued", len(s.queue))
	}
	if !s.rendering && len(s.queue) >= s.prebuffer {
		slog.Debug("playback: prebuffer reached, starting render", "queued", len(s.queue))
		s.rendering = true
	}
	if s.rendering {
		s.drainLocked()
	}
	return nil
}

// Commit starts rendering whatever is queued even if the prebuffer has not
// been reached, for the tail of a response shorter than the prebuffer.
func (s *Scheduler) Commit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || len(s.queue) == 0 {
		return
	}
	s.rendering = true
	s.drainLocked()
}

// drainLocked hands every queued fragment to the device at the cursor.
func (s *Scheduler) drainLocked() {
	for len(s.queue) > 0 {
		pcm := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]

		now := s.out.Position()
		start := s.cursor
		if !s.hasCursor || start < now {
			start = now
		}
		frames := int64(len(pcm) / audio.BytesPerSample)

		if err := s.out.Schedule(start, pcm); err != nil {
			slog.Warn("playback: output rejected fragment", "err", err, "start", start)
			s.metrics.PlaybackFragmentsDropped.Add(context.Background(), 1)
			continue
		}
		s.cursor = start + frames
		s.hasCursor = true
	}
	s.queue = nil
}

// Flush discards all queued and in-flight audio immediately and resets the
// cursor, so the next fragment starts from the device clock after a fresh
// prebuffer. Used for barge-in and for stop.
func (s *Scheduler) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushLocked()
}

func (s *Scheduler) flushLocked() {
	s.queue = nil
	s.rendering = false
	s.cursor = 0
	s.hasCursor = false
	if !s.closed {
		s.out.Clear()
	}
}

// Pending reports whether any audio is queued or still ahead of the device
// clock.
func (s *Scheduler) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) > 0 {
		return true
	}
	return s.hasCursor && s.cursor > s.out.Position()
}

// Queued returns the number of fragments waiting for the prebuffer.
func (s *Scheduler) Queued() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Close flushes and releases the output device. Idempotent.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.flushLocked()
	s.closed = true
	if err := s.out.Close(); err != nil {
		return fmt.Errorf("playback: release output: %w", err)
	}
	return nil
}
