package audio

import "time"

// Wire format shared by the capture path, the realtime channel and the
// playback path: 24 kHz mono, little-endian signed 16-bit PCM.
const (
	SampleRate     = 24000
	Channels       = 1
	BytesPerSample = 2
)

// AudioFrame represents a single frame of audio data flowing through the pipeline.
// Frames are produced by the capture device and by the remote service; a frame
// is owned by whichever stage currently holds it and is never mutated after
// it has been handed on.
type AudioFrame struct {
	// PCM audio data, little-endian int16.
	Data []byte

	// SampleRate in Hz. Always [SampleRate] for frames built by this module.
	SampleRate int

	// Channels is 1 (mono).
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Samples returns the number of samples per channel held by the frame.
func (f AudioFrame) Samples() int {
	if f.Channels <= 0 {
		return len(f.Data) / BytesPerSample
	}
	return len(f.Data) / (BytesPerSample * f.Channels)
}

// Duration returns the playback length of the frame.
func (f AudioFrame) Duration() time.Duration {
	rate := f.SampleRate
	if rate <= 0 {
		rate = SampleRate
	}
	return time.Duration(f.Samples()) * time.Second / time.Duration(rate)
}

// FramesToDuration converts a count of device frames at [SampleRate] into a
// wall-clock duration.
func FramesToDuration(frames int64) time.Duration {
	return time.Duration(frames) * time.Second / SampleRate
}

// DurationToFrames converts a duration into device frames at [SampleRate],
// truncating any fractional frame.
func DurationToFrames(d time.Duration) int64 {
	return int64(d) * SampleRate / int64(time.Second)
}
