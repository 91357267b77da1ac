// Package mock provides a recording test double for [store.Store].
//
// Every method call is recorded for assertion. Exported *Err fields control
// failures. The mock is safe for concurrent use.
//
//	st := &mock.Store{Profile: store.Profile{ID: "acct", Tier: "free"}}
//	// inject st into the system under test …
//	if got := st.CallCount("AppendUsage"); got != 1 {
//	    t.Errorf("AppendUsage calls = %d, want 1", got)
//	}
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/parley/internal/store"
)

var _ store.Store = (*Store)(nil)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// Store is a configurable test double for [store.Store]. It serves a single
// profile; GetProfile for any other ID returns [store.ErrNotFound].
type Store struct {
	mu    sync.Mutex
	calls []Call

	// Profile is returned by GetProfile when its ID matches.
	Profile store.Profile

	// SessionID is returned by CreateSession. Defaults to "session-1".
	SessionID string

	GetProfileErr          error
	SetTierErr             error
	AddVoiceMinutesErr     error
	CreateSessionErr       error
	EndSessionErr          error
	AppendMessageErr       error
	AppendTranscriptionErr error
	AppendUsageErr         error
	PingErr                error
}

func (m *Store) record(method string, args ...any) {
	m.calls = append(m.calls, Call{Method: method, Args: args})
}

// Calls returns a copy of all recorded method invocations.
func (m *Store) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (m *Store) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// CallsTo returns the recorded invocations of the named method.
func (m *Store) CallsTo(method string) []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Call
	for _, c := range m.calls {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// GetProfile implements [store.Profiles].
func (m *Store) GetProfile(_ context.Context, accountID string) (store.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("GetProfile", accountID)
	if m.GetProfileErr != nil {
		return store.Profile{}, m.GetProfileErr
	}
	if accountID != m.Profile.ID {
		return store.Profile{}, store.ErrNotFound
	}
	return m.Profile, nil
}

// SetTier implements [store.Profiles].
func (m *Store) SetTier(_ context.Context, accountID, tier string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("SetTier", accountID, tier)
	if m.SetTierErr != nil {
		return m.SetTierErr
	}
	if accountID == m.Profile.ID {
		m.Profile.Tier = tier
		m.Profile.PremiumUntil = time.Time{}
	}
	return nil
}

// AddVoiceMinutes implements [store.Profiles].
func (m *Store) AddVoiceMinutes(_ context.Context, accountID string, minutes int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("AddVoiceMinutes", accountID, minutes)
	if m.AddVoiceMinutesErr != nil {
		return m.AddVoiceMinutesErr
	}
	if accountID == m.Profile.ID {
		m.Profile.MonthlyVoiceMinutesUsed += minutes
	}
	return nil
}

// CreateSession implements [store.Sessions].
func (m *Store) CreateSession(_ context.Context, s store.Session) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("CreateSession", s)
	if m.CreateSessionErr != nil {
		return "", m.CreateSessionErr
	}
	if m.SessionID == "" {
		return "session-1", nil
	}
	return m.SessionID, nil
}

// EndSession implements [store.Sessions].
func (m *Store) EndSession(_ context.Context, sessionID string, endedAt time.Time, durationMinutes int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("EndSession", sessionID, endedAt, durationMinutes)
	return m.EndSessionErr
}

// AppendMessage implements [store.Turns].
func (m *Store) AppendMessage(_ context.Context, msg store.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("AppendMessage", msg)
	return m.AppendMessageErr
}

// AppendTranscription implements [store.Turns].
func (m *Store) AppendTranscription(_ context.Context, t store.Transcription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("AppendTranscription", t)
	return m.AppendTranscriptionErr
}

// AppendUsage implements [store.Usage].
func (m *Store) AppendUsage(_ context.Context, u store.UsageEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("AppendUsage", u)
	return m.AppendUsageErr
}

// Ping implements [store.Store].
func (m *Store) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Ping")
	return m.PingErr
}

// Close implements [store.Store].
func (m *Store) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Close")
}
