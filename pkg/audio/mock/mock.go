// Package mock provides in-memory implementations of [audio.CaptureSource] and
// [audio.Output] for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	src := &mock.CaptureSource{}
//	out := &mock.Output{}
//	// ... start a session ...
//	src.Emit([]float32{0.1, 0.2})
//	out.Advance(2400)
package mock

import (
	"sync"

	"github.com/MrWong99/parley/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.CaptureSource = (*CaptureSource)(nil)
	_ audio.Output        = (*Output)(nil)
)

// ─── CaptureSource ────────────────────────────────────────────────────────────

// CaptureSource is a mock implementation of [audio.CaptureSource]. Tests push
// samples with [CaptureSource.Emit], which invokes the registered callback
// synchronously the way a device thread would.
type CaptureSource struct {
	mu sync.Mutex

	// StartErr is returned by [CaptureSource.Start]; when non-nil the source
	// does not become active.
	StartErr error

	// StopErr is returned by [CaptureSource.Stop].
	StopErr error

	// CloseErr is returned by [CaptureSource.Close].
	CloseErr error

	// CallCountStart records how many times Start was called.
	CallCountStart int

	// CallCountStop records how many times Stop was called.
	CallCountStop int

	// CallCountClose records how many times Close was called.
	CallCountClose int

	onSamples func([]float32)
}

// Start implements [audio.CaptureSource].
func (s *CaptureSource) Start(onSamples func([]float32)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStart++
	if s.StartErr != nil {
		return s.StartErr
	}
	s.onSamples = onSamples
	return nil
}

// Stop implements [audio.CaptureSource].
func (s *CaptureSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStop++
	s.onSamples = nil
	return s.StopErr
}

// Close implements [audio.CaptureSource].
func (s *CaptureSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	s.onSamples = nil
	return s.CloseErr
}

// Emit delivers samples to the active callback. It reports false when the
// source is not started.
func (s *CaptureSource) Emit(samples []float32) bool {
	s.mu.Lock()
	cb := s.onSamples
	s.mu.Unlock()
	if cb == nil {
		return false
	}
	cb(samples)
	return true
}

// Active reports whether a callback is currently registered.
func (s *CaptureSource) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.onSamples != nil
}

// Counts returns the Start, Stop and Close call counts under the lock.
func (s *CaptureSource) Counts() (start, stop, closed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountStart, s.CallCountStop, s.CallCountClose
}

// ─── Output ───────────────────────────────────────────────────────────────────

// ScheduleCall records a single [Output.Schedule] invocation.
type ScheduleCall struct {
	At  int64
	PCM []byte
}

// Output is a mock implementation of [audio.Output] with a manually advanced
// clock. Nothing is rendered; tests inspect [Output.Scheduled].
type Output struct {
	mu sync.Mutex

	// ScheduleErr is returned by [Output.Schedule].
	ScheduleErr error

	// CloseErr is returned by [Output.Close].
	CloseErr error

	// CallCountClear records how many times Clear was called.
	CallCountClear int

	// CallCountClose records how many times Close was called.
	CallCountClose int

	position  int64
	scheduled []ScheduleCall
}

// Position implements [audio.Output].
func (o *Output) Position() int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.position
}

// Schedule implements [audio.Output].
func (o *Output) Schedule(at int64, pcm []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ScheduleErr != nil {
		return o.ScheduleErr
	}
	o.scheduled = append(o.scheduled, ScheduleCall{At: at, PCM: pcm})
	return nil
}

// Clear implements [audio.Output].
func (o *Output) Clear() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.CallCountClear++
}

// Close implements [audio.Output].
func (o *Output) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.CallCountClose++
	return o.CloseErr
}

// Advance moves the device clock forward by frames.
func (o *Output) Advance(frames int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.position += frames
}

// SetPosition sets the device clock to an absolute frame position.
func (o *Output) SetPosition(frames int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.position = frames
}

// Scheduled returns a copy of every recorded Schedule call, in call order.
func (o *Output) Scheduled() []ScheduleCall {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]ScheduleCall, len(o.scheduled))
	copy(out, o.scheduled)
	return out
}

// Closes returns how many times Close was called.
func (o *Output) Closes() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.CallCountClose
}
