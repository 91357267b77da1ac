// Package memstore is an in-memory [store.Store] for local runs and tests.
// Nothing survives a restart.
package memstore

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/parley/internal/store"
)

var _ store.Store = (*Store)(nil)

// Store keeps every table in maps and slices guarded by one mutex.
type Store struct {
	mu             sync.Mutex
	profiles       map[string]store.Profile
	sessions       map[string]store.Session
	messages       []store.Message
	transcriptions []store.Transcription
	usage          []store.UsageEntry
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		profiles: make(map[string]store.Profile),
		sessions: make(map[string]store.Session),
	}
}

// PutProfile inserts or replaces a profile.
func (s *Store) PutProfile(p store.Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.ID] = p
}

// GetProfile implements [store.Profiles].
func (s *Store) GetProfile(_ context.Context, accountID string) (store.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[accountID]
	if !ok {
		return store.Profile{}, fmt.Errorf("memstore: profile %q: %w", accountID, store.ErrNotFound)
	}
	return p, nil
}

// SetTier implements [store.Profiles].
func (s *Store) SetTier(_ context.Context, accountID, tier string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[accountID]
	if !ok {
		return fmt.Errorf("memstore: profile %q: %w", accountID, store.ErrNotFound)
	}
	p.Tier = tier
	p.PremiumUntil = time.Time{}
	s.profiles[accountID] = p
	return nil
}

// AddVoiceMinutes implements [store.Profiles].
func (s *Store) AddVoiceMinutes(_ context.Context, accountID string, minutes int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[accountID]
	if !ok {
		return fmt.Errorf("memstore: profile %q: %w", accountID, store.ErrNotFound)
	}
	p.MonthlyVoiceMinutesUsed += minutes
	s.profiles[accountID] = p
	return nil
}

// CreateSession implements [store.Sessions].
func (s *Store) CreateSession(_ context.Context, sess store.Session) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess.ID = uuid.NewString()
	s.sessions[sess.ID] = sess
	return sess.ID, nil
}

// EndSession implements [store.Sessions].
func (s *Store) EndSession(_ context.Context, sessionID string, endedAt time.Time, durationMinutes int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("memstore: session %q: %w", sessionID, store.ErrNotFound)
	}
	sess.EndedAt = endedAt
	sess.DurationMinutes = durationMinutes
	s.sessions[sessionID] = sess
	return nil
}

// Session returns a stored session row.
func (s *Store) Session(id string) (store.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// AppendMessage implements [store.Turns].
func (s *Store) AppendMessage(_ context.Context, m store.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	s.messages = append(s.messages, m)
	return nil
}

// AppendTranscription implements [store.Turns].
func (s *Store) AppendTranscription(_ context.Context, t store.Transcription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	s.transcriptions = append(s.transcriptions, t)
	return nil
}

// AppendUsage implements [store.Usage].
func (s *Store) AppendUsage(_ context.Context, u store.UsageEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	u.Metadata = maps.Clone(u.Metadata)
	s.usage = append(s.usage, u)
	return nil
}

// Messages returns a copy of every appended message for sessionID, in order.
func (s *Store) Messages(sessionID string) []store.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.Message
	for _, m := range s.messages {
		if m.SessionID == sessionID {
			out = append(out, m)
		}
	}
	return out
}

// Transcriptions returns a copy of every appended transcription, in order.
func (s *Store) Transcriptions() []store.Transcription {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.Transcription, len(s.transcriptions))
	copy(out, s.transcriptions)
	return out
}

// Usage returns a copy of the usage log, in order.
func (s *Store) Usage() []store.UsageEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.UsageEntry, len(s.usage))
	copy(out, s.usage)
	return out
}

// Ping implements [store.Store].
func (s *Store) Ping(context.Context) error { return nil }

// Close implements [store.Store].
func (s *Store) Close() {}
