package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/parley/internal/store"
)

var _ store.Store = (*Store)(nil)

// Store implements [store.Store] on a PostgreSQL connection pool.
// All operations are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to dsn, verifies the connection and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Pool exposes the underlying pool, e.g. for health checks.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Ping implements [store.Store].
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all pooled connections.
func (s *Store) Close() {
	s.pool.Close()
}

// GetProfile implements [store.Profiles].
func (s *Store) GetProfile(ctx context.Context, accountID string) (store.Profile, error) {
	const q = `
		SELECT id, tier, monthly_voice_minutes_used, premium_until, is_admin
		FROM   profiles
		WHERE  id = $1`

	var (
		p            store.Profile
		premiumUntil *time.Time
	)
	err := s.pool.QueryRow(ctx, q, accountID).Scan(
		&p.ID,
		&p.Tier,
		&p.MonthlyVoiceMinutesUsed,
		&premiumUntil,
		&p.IsAdmin,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Profile{}, fmt.Errorf("postgres store: profile %q: %w", accountID, store.ErrNotFound)
	}
	if err != nil {
		return store.Profile{}, fmt.Errorf("postgres store: get profile: %w", err)
	}
	if premiumUntil != nil {
		p.PremiumUntil = *premiumUntil
	}
	return p, nil
}

// SetTier implements [store.Profiles].
func (s *Store) SetTier(ctx context.Context, accountID, tier string) error {
	const q = `UPDATE profiles SET tier = $2, premium_until = NULL WHERE id = $1`
	return s.execOne(ctx, "set tier", q, accountID, tier)
}

// AddVoiceMinutes implements [store.Profiles]. The increment happens in a
// single statement so concurrent sessions cannot lose an update.
func (s *Store) AddVoiceMinutes(ctx context.Context, accountID string, minutes int) error {
	const q = `
		UPDATE profiles
		SET    monthly_voice_minutes_used = monthly_voice_minutes_used + $2
		WHERE  id = $1`
	return s.execOne(ctx, "add voice minutes", q, accountID, minutes)
}

// CreateSession implements [store.Sessions].
func (s *Store) CreateSession(ctx context.Context, sess store.Session) (string, error) {
	const q = `
		INSERT INTO conversation_sessions (user_id, topic, started_at)
		VALUES ($1, $2, $3)
		RETURNING id::text`

	var id string
	if err := s.pool.QueryRow(ctx, q, sess.AccountID, sess.Topic, sess.StartedAt).Scan(&id); err != nil {
		return "", fmt.Errorf("postgres store: create session: %w", err)
	}
	return id, nil
}

// EndSession implements [store.Sessions].
func (s *Store) EndSession(ctx context.Context, sessionID string, endedAt time.Time, durationMinutes int) error {
	const q = `
		UPDATE conversation_sessions
		SET    ended_at = $2, duration_minutes = $3
		WHERE  id = $1::uuid`
	return s.execOne(ctx, "end session", q, sessionID, endedAt, durationMinutes)
}

// AppendMessage implements [store.Turns].
func (s *Store) AppendMessage(ctx context.Context, m store.Message) error {
	const q = `
		INSERT INTO conversation_messages (session_id, user_id, role, content, created_at)
		VALUES ($1::uuid, $2, $3, $4, COALESCE($5, now()))`

	if _, err := s.pool.Exec(ctx, q, m.SessionID, m.AccountID, m.Role, m.Content, nullTime(m.CreatedAt)); err != nil {
		return fmt.Errorf("postgres store: append message: %w", err)
	}
	return nil
}

// AppendTranscription implements [store.Turns].
func (s *Store) AppendTranscription(ctx context.Context, t store.Transcription) error {
	const q = `
		INSERT INTO transcriptions (user_id, session_id, text, corrected_text, created_at)
		VALUES ($1, NULLIF($2, '')::uuid, $3, $4, COALESCE($5, now()))`

	if _, err := s.pool.Exec(ctx, q, t.AccountID, t.SessionID, t.Text, t.CorrectedText, nullTime(t.CreatedAt)); err != nil {
		return fmt.Errorf("postgres store: append transcription: %w", err)
	}
	return nil
}

// AppendUsage implements [store.Usage].
func (s *Store) AppendUsage(ctx context.Context, u store.UsageEntry) error {
	const q = `
		INSERT INTO usage_logs (user_id, action_type, duration_minutes, cost_usd, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, COALESCE($6, now()))`

	meta := u.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	if _, err := s.pool.Exec(ctx, q, u.AccountID, u.ActionType, u.DurationMinutes, u.CostUSD, meta, nullTime(u.CreatedAt)); err != nil {
		return fmt.Errorf("postgres store: append usage: %w", err)
	}
	return nil
}

// execOne runs an UPDATE that must touch exactly one row.
func (s *Store) execOne(ctx context.Context, op, q string, args ...any) error {
	tag, err := s.pool.Exec(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("postgres store: %s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres store: %s: %w", op, store.ErrNotFound)
	}
	return nil
}

// nullTime maps the zero time to SQL NULL so the column default applies.
func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
