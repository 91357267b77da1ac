package device

import (
	"fmt"
	"sync"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/gen2brain/malgo"
)

var _ audio.Output = (*Playback)(nil)

// segment is a block of PCM16 placed on the device timeline.
type segment struct {
	at  int64
	pcm []byte
}

func (s segment) end() int64 { return s.at + int64(len(s.pcm)/audio.BytesPerSample) }

// Playback is a 16-bit mono output device at [audio.SampleRate] with its own
// frame clock. The clock only advances while the device pulls data, so
// [Playback.Position] is exactly the number of frames handed to the hardware.
type Playback struct {
	mu       sync.Mutex
	dev      *malgo.Device
	closed   bool
	position int64
	segments []segment
}

// OpenPlayback acquires the default playback device and starts its clock.
func OpenPlayback(ctx *Context) (*Playback, error) {
	p := &Playback{}

	format := malgo.FormatS16
	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.SampleRate = audio.SampleRate
	cfg.Playback.Format = format
	cfg.Playback.Channels = audio.Channels
	cfg.Alsa.NoMMap = 1
	cfg.PerformanceProfile = malgo.LowLatency
	cfg.PeriodSizeInFrames = audio.SampleRate / 50 // 20ms
	cfg.Periods = 4

	bytesPerFrame := malgo.SampleSizeInBytes(format) * audio.Channels
	dev, err := malgo.InitDevice(ctx.audioCtx.Context, cfg, malgo.DeviceCallbacks{
		Data: func(pOutput, _ []byte, frameCount uint32) {
			n := int(frameCount) * bytesPerFrame
			if len(pOutput) < n {
				n = len(pOutput) - len(pOutput)%bytesPerFrame
			}
			p.render(pOutput[:n])
		},
	})
	if err != nil {
		return nil, fmt.Errorf("device: init playback: %w", err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return nil, fmt.Errorf("device: start playback: %w", err)
	}
	p.dev = dev
	return p, nil
}

// render fills out with whatever is scheduled for the next len(out) frames
// and silence elsewhere, then advances the clock.
func (p *Playback) render(out []byte) {
	clear(out)
	frames := int64(len(out) / audio.BytesPerSample)

	p.mu.Lock()
	defer p.mu.Unlock()

	start, end := p.position, p.position+frames
	keep := p.segments[:0]
	for _, seg := range p.segments {
		if seg.at < end {
			from := max(seg.at, start)
			to := min(seg.end(), end)
			if to > from {
				dst := (from - start) * audio.BytesPerSample
				src := (from - seg.at) * audio.BytesPerSample
				copy(out[dst:], seg.pcm[src:src+(to-from)*audio.BytesPerSample])
			}
		}
		if seg.end() > end {
			keep = append(keep, seg)
		}
	}
	p.segments = keep
	p.position = end
}

// Position implements [audio.Output].
func (p *Playback) Position() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.position
}

// Schedule implements [audio.Output]. A start position behind the clock is
// moved up to the clock.
func (p *Playback) Schedule(at int64, pcm []byte) error {
	if len(pcm)%audio.BytesPerSample != 0 {
		return fmt.Errorf("device: schedule: %w", audio.ErrMalformedPCM)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("device: playback closed")
	}
	p.segments = append(p.segments, segment{at: max(at, p.position), pcm: pcm})
	return nil
}

// Clear implements [audio.Output].
func (p *Playback) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.segments = nil
}

// Close stops the device and releases it. Idempotent.
func (p *Playback) Close() error {
	p.mu.Lock()
	dev := p.dev
	p.dev = nil
	p.closed = true
	p.segments = nil
	p.mu.Unlock()

	if dev == nil {
		return nil
	}
	// Uninit waits for the data callback, which takes p.mu.
	dev.Uninit()
	return nil
}
