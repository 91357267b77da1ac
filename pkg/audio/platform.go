// Package audio defines the audio format, conversion helpers and device
// contracts shared by the capture and playback sides of a voice session.
//
// The two device abstractions are:
//
//   - [CaptureSource]: an exclusively held input device that delivers
//     normalised float samples from a realtime audio thread.
//   - [Output]: an exclusively held output device with a sample clock that
//     accepts PCM scheduled at absolute device positions.
//
// Implementations live in sub-packages (audio/device for miniaudio, audio/mock
// for tests). This package lives under pkg/ because alternative device
// backends are expected to implement these interfaces.
package audio

// CaptureSource is an input device. Start acquires the device and begins
// invoking onSamples from the device's own thread; onSamples must not block.
// Stop halts delivery and Close releases the device. Both are idempotent.
//
// Samples are mono at [SampleRate], normalised to [-1, 1] but not guaranteed
// to stay in range.
type CaptureSource interface {
	Start(onSamples func(samples []float32)) error
	Stop() error
	Close() error
}

// Output is an output device driven by its own sample clock.
//
// Position reports how many frames the device has rendered since it was
// opened; it only moves forward. Schedule places mono PCM16 so that its first
// sample is rendered at the absolute position at. Positions already in the
// past are rendered immediately. Clear discards everything scheduled but not
// yet rendered. Close releases the device.
//
// Implementations must be safe for concurrent use.
type Output interface {
	Position() int64
	Schedule(at int64, pcm []byte) error
	Clear()
	Close() error
}
