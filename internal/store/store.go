// Package store defines the persistence contract for accounts, conversation
// sessions, turn logs and usage accounting.
//
// The data service is an external collaborator. Implementations live in
// sub-packages: [postgres] for production, [memstore] for local runs and
// tests. Every implementation must be safe for concurrent use.
//
// [postgres]: github.com/MrWong99/parley/internal/store/postgres
// [memstore]: github.com/MrWong99/parley/internal/store/memstore
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// ActionVoiceConversation is the usage-log action type for a voice session.
const ActionVoiceConversation = "voice_conversation"

// Profile is an account's subscription and usage state.
type Profile struct {
	ID string

	// Tier is the subscription class ("free", "starter", "premium",
	// "enterprise"). Empty means free.
	Tier string

	// MonthlyVoiceMinutesUsed is the cumulative voice usage this month.
	MonthlyVoiceMinutesUsed int

	// PremiumUntil is when a premium tier lapses. Zero means no expiry.
	PremiumUntil time.Time

	IsAdmin bool
}

// Session is one row of the conversation-session log.
type Session struct {
	ID              string
	AccountID       string
	Topic           string
	StartedAt       time.Time
	EndedAt         time.Time
	DurationMinutes int
}

// Message is one persisted conversation turn.
type Message struct {
	SessionID string
	AccountID string

	// Role is "user" or "assistant".
	Role    string
	Content string

	CreatedAt time.Time
}

// Transcription is one entry of the account-wide transcription history.
type Transcription struct {
	AccountID     string
	SessionID     string
	Text          string
	CorrectedText string
	CreatedAt     time.Time
}

// UsageEntry is one row of the usage log.
type UsageEntry struct {
	AccountID       string
	ActionType      string
	DurationMinutes int
	CostUSD         float64
	Metadata        map[string]any
	CreatedAt       time.Time
}

// Profiles reads and updates account profiles.
type Profiles interface {
	// GetProfile returns the profile for accountID or [ErrNotFound].
	GetProfile(ctx context.Context, accountID string) (Profile, error)

	// SetTier changes the account's tier and clears any premium expiry.
	SetTier(ctx context.Context, accountID, tier string) error

	// AddVoiceMinutes atomically adds minutes to the monthly usage counter.
	AddVoiceMinutes(ctx context.Context, accountID string, minutes int) error
}

// Sessions records the start and end of conversation sessions.
type Sessions interface {
	// CreateSession inserts s and returns its generated ID. s.ID is ignored.
	CreateSession(ctx context.Context, s Session) (string, error)

	// EndSession sets the end time and duration of an existing session.
	EndSession(ctx context.Context, sessionID string, endedAt time.Time, durationMinutes int) error
}

// Turns persists the conversation log.
type Turns interface {
	AppendMessage(ctx context.Context, m Message) error
	AppendTranscription(ctx context.Context, t Transcription) error
}

// Usage appends to the usage log.
type Usage interface {
	AppendUsage(ctx context.Context, u UsageEntry) error
}

// Store is the full persistence contract.
type Store interface {
	Profiles
	Sessions
	Turns
	Usage

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases the backend's resources.
	Close()
}
