package device

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/gen2brain/malgo"
)

var _ audio.CaptureSource = (*Capture)(nil)

// DefaultCapturePeriod is the capture callback size in frames (~85 ms at 24 kHz).
const DefaultCapturePeriod = 2048

type sampleFunc func([]float32)

// Capture is a microphone opened in 32-bit float mono at [audio.SampleRate].
// The device is only acquired on Start and released on Close.
type Capture struct {
	ctx          *Context
	periodFrames uint32

	mu     sync.Mutex
	dev    *malgo.Device
	closed bool

	onSamples atomic.Pointer[sampleFunc]
}

// NewCapture prepares a capture source. periodFrames <= 0 selects
// [DefaultCapturePeriod].
func NewCapture(ctx *Context, periodFrames int) *Capture {
	if periodFrames <= 0 {
		periodFrames = DefaultCapturePeriod
	}
	return &Capture{ctx: ctx, periodFrames: uint32(periodFrames)}
}

// Start acquires the default capture device and starts delivering samples.
func (c *Capture) Start(onSamples func([]float32)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("device: capture closed")
	}
	if c.dev != nil && c.dev.IsStarted() {
		return nil
	}

	fn := sampleFunc(onSamples)
	c.onSamples.Store(&fn)

	if c.dev == nil {
		format := malgo.FormatF32
		bytesPerFrame := malgo.SampleSizeInBytes(format) * audio.Channels

		cfg := malgo.DefaultDeviceConfig(malgo.Capture)
		cfg.SampleRate = audio.SampleRate
		cfg.Capture.Format = format
		cfg.Capture.Channels = audio.Channels
		cfg.Alsa.NoMMap = 1
		cfg.PerformanceProfile = malgo.LowLatency
		cfg.PeriodSizeInFrames = c.periodFrames
		cfg.Periods = 3

		dev, err := malgo.InitDevice(c.ctx.audioCtx.Context, cfg, malgo.DeviceCallbacks{
			Data: func(_, pInput []byte, frameCount uint32) {
				n := int(frameCount) * bytesPerFrame
				if n == 0 || len(pInput) < n {
					return
				}
				cb := c.onSamples.Load()
				if cb == nil || *cb == nil {
					return
				}
				(*cb)(decodeF32(pInput[:n]))
			},
		})
		if err != nil {
			c.onSamples.Store(nil)
			return fmt.Errorf("device: init capture: %w", err)
		}
		c.dev = dev
	}

	if err := c.dev.Start(); err != nil {
		c.onSamples.Store(nil)
		return fmt.Errorf("device: start capture: %w", err)
	}
	return nil
}

// Stop halts sample delivery but keeps the device initialised.
func (c *Capture) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onSamples.Store(nil)
	if c.dev == nil || !c.dev.IsStarted() {
		return nil
	}
	if err := c.dev.Stop(); err != nil {
		return fmt.Errorf("device: stop capture: %w", err)
	}
	return nil
}

// Close releases the microphone. Idempotent.
func (c *Capture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onSamples.Store(nil)
	c.closed = true
	if c.dev != nil {
		c.dev.Uninit()
		c.dev = nil
	}
	return nil
}

func decodeF32(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}
