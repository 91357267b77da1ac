// Package mock provides in-memory implementations of [realtime.Session] and
// [realtime.Dialer] for use in unit tests.
//
// Tests drive inbound traffic with [Session.Push] and end the channel from the
// "remote" side with [Session.CloseRemote]; outbound traffic is recorded.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/realtime"
)

var (
	_ realtime.Session = (*Session)(nil)
	_ realtime.Dialer  = (*Dialer)(nil)
)

// ─── Session ──────────────────────────────────────────────────────────────────

// Session is a mock [realtime.Session].
type Session struct {
	// SendAudioErr is returned by SendAudio.
	SendAudioErr error

	// CreateResponseErr is returned by CreateResponse.
	CreateResponseErr error

	mu         sync.Mutex
	frames     []audio.AudioFrame
	responses  []string
	closeCalls int
	errVal     error
	closed     bool

	events    chan realtime.Event
	done      chan struct{}
	closeOnce sync.Once
}

// NewSession returns an open mock session whose event channel has the given
// buffer capacity.
func NewSession(buffer int) *Session {
	return &Session{
		events: make(chan realtime.Event, buffer),
		done:   make(chan struct{}),
	}
}

// SendAudio implements [realtime.Session].
func (s *Session) SendAudio(_ context.Context, frame audio.AudioFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return realtime.ErrClosed
	}
	if s.SendAudioErr != nil {
		return s.SendAudioErr
	}
	s.frames = append(s.frames, frame)
	return nil
}

// CreateResponse implements [realtime.Session].
func (s *Session) CreateResponse(_ context.Context, instructions string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return realtime.ErrClosed
	}
	if s.CreateResponseErr != nil {
		return s.CreateResponseErr
	}
	s.responses = append(s.responses, instructions)
	return nil
}

// Events implements [realtime.Session].
func (s *Session) Events() <-chan realtime.Event { return s.events }

// Done implements [realtime.Session].
func (s *Session) Done() <-chan struct{} { return s.done }

// Err implements [realtime.Session].
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close implements [realtime.Session].
func (s *Session) Close() error {
	s.mu.Lock()
	s.closeCalls++
	s.closed = true
	s.mu.Unlock()
	s.finish()
	return nil
}

// Push delivers evt as if it had arrived from the service. It blocks when the
// event buffer is full and reports false if the session is already closed.
func (s *Session) Push(evt realtime.Event) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.events <- evt:
		return true
	case <-s.done:
		return false
	}
}

// CloseRemote ends the session from the service side with err as the reason.
func (s *Session) CloseRemote(err error) {
	s.mu.Lock()
	if s.errVal == nil {
		s.errVal = err
	}
	s.closed = true
	s.mu.Unlock()
	s.finish()
}

func (s *Session) finish() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Frames returns a copy of every frame passed to SendAudio, in order.
func (s *Session) Frames() []audio.AudioFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]audio.AudioFrame, len(s.frames))
	copy(out, s.frames)
	return out
}

// Responses returns the instructions of every CreateResponse call, in order.
func (s *Session) Responses() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.responses))
	copy(out, s.responses)
	return out
}

// CloseCalls returns how many times Close was called.
func (s *Session) CloseCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls
}

// ─── Dialer ───────────────────────────────────────────────────────────────────

// DialCall records one Dial invocation.
type DialCall struct {
	URL        string
	Credential string
}

// Dialer is a mock [realtime.Dialer].
type Dialer struct {
	// Session is returned by Dial when DialErr is nil.
	Session realtime.Session

	// DialErr is returned by Dial.
	DialErr error

	// Block makes Dial wait until its context is done and return ctx.Err().
	Block bool

	mu    sync.Mutex
	calls []DialCall
}

// Dial implements [realtime.Dialer].
func (d *Dialer) Dial(ctx context.Context, url, credential string) (realtime.Session, error) {
	d.mu.Lock()
	d.calls = append(d.calls, DialCall{URL: url, Credential: credential})
	d.mu.Unlock()

	if d.Block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if d.DialErr != nil {
		return nil, d.DialErr
	}
	return d.Session, nil
}

// Calls returns a copy of the recorded Dial calls.
func (d *Dialer) Calls() []DialCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]DialCall, len(d.calls))
	copy(out, d.calls)
	return out
}
