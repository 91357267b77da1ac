// Package capture turns a microphone into a stream of fixed-format
// [audio.AudioFrame] values for the transport channel.
//
// The device callback runs on a realtime audio thread. It never waits on the
// rest of the session: each frame is handed off through a bounded channel with
// a non-blocking send, and frames that do not fit are dropped and counted.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/pkg/audio"
)

// ErrAcquire wraps every failure to acquire the capture device.
var ErrAcquire = errors.New("capture: microphone acquisition failed")

// DefaultQueueSize is the default outbound frame buffer. At the default
// device period this holds a few seconds of audio.
const DefaultQueueSize = 32

// dropWarnInterval rate-limits the "queue full" warning.
const dropWarnInterval = 5 * time.Second

// Option is a functional option for configuring a Pipeline.
type Option func(*Pipeline)

// WithQueueSize sets the outbound frame buffer capacity.
func WithQueueSize(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.queueSize = n
		}
	}
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// Pipeline owns one capture device for the lifetime of a session.
type Pipeline struct {
	src       audio.CaptureSource
	queueSize int
	metrics   *observe.Metrics

	frames chan audio.AudioFrame

	// mu guards the frames channel against close while the device thread
	// is sending; the callback only takes the read lock.
	mu      sync.RWMutex
	started bool
	stopped bool

	produced atomic.Int64 // samples converted so far
	dropped  atomic.Int64
	lastWarn atomic.Int64 // unix nanos of the last drop warning

	stopOnce sync.Once
	stopErr  error
}

// New creates a Pipeline for src. The device is not touched until Start.
func New(src audio.CaptureSource, opts ...Option) *Pipeline {
	p := &Pipeline{
		src:       src,
		queueSize: DefaultQueueSize,
	}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	p.frames = make(chan audio.AudioFrame, p.queueSize)
	return p
}

// Start acquires the device and begins producing frames. On failure nothing is
// held: the device is closed again and the error wraps [ErrAcquire].
func (p *Pipeline) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return fmt.Errorf("%w: pipeline already stopped", ErrAcquire)
	}
	if p.started {
		return nil
	}

	if err := p.src.Start(p.onSamples); err != nil {
		if cerr := p.src.Close(); cerr != nil {
			slog.Warn("capture: release after failed start", "err", cerr)
		}
		return fmt.Errorf("%w: %w", ErrAcquire, err)
	}
	p.started = true
	return nil
}

// onSamples runs on the device thread.
func (p *Pipeline) onSamples(samples []float32) {
	if len(samples) == 0 {
		return
	}
	frame := audio.AudioFrame{
		Data:       audio.FloatToPCM16(samples),
		SampleRate: audio.SampleRate,
		Channels:   audio.Channels,
		Timestamp:  audio.FramesToDuration(p.produced.Add(int64(len(samples))) - int64(len(samples))),
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return
	}
	select {
	case p.frames <- frame:
	default:
		p.drop()
	}
}

func (p *Pipeline) drop() {
	n := p.dropped.Add(1)
	p.metrics.CaptureFramesDropped.Add(context.Background(), 1)

	now := time.Now().UnixNano()
	last := p.lastWarn.Load()
	if now-last < int64(dropWarnInterval) || !p.lastWarn.CompareAndSwap(last, now) {
		return
	}
	slog.Warn("capture: outbound queue full, dropping frames", "dropped_total", n, "queue", p.queueSize)
}

// Frames returns the outbound frame stream. It is closed by Stop.
func (p *Pipeline) Frames() <-chan audio.AudioFrame { return p.frames }

// Dropped returns how many frames were discarded because the queue was full.
func (p *Pipeline) Dropped() int64 { return p.dropped.Load() }

// Stop halts the device, releases it and closes [Pipeline.Frames]. Safe to
// call multiple times and before Start; only the first call has an effect.
func (p *Pipeline) Stop() error {
	p.stopOnce.Do(func() {
		var errs []error
		p.mu.RLock()
		started := p.started
		p.mu.RUnlock()
		if started {
			if err := p.src.Stop(); err != nil {
				errs = append(errs, fmt.Errorf("capture: stop device: %w", err))
			}
			if err := p.src.Close(); err != nil {
				errs = append(errs, fmt.Errorf("capture: release device: %w", err))
			}
		}

		p.mu.Lock()
		p.stopped = true
		close(p.frames)
		p.mu.Unlock()

		p.stopErr = errors.Join(errs...)
	})
	return p.stopErr
}
