// Package postgres is the PostgreSQL-backed [store.Store].
//
// All tables share a single [pgxpool.Pool]. [Migrate] creates them when they
// do not exist, so a fresh database works out of the box; an existing data
// service with the same column names is used as-is.
//
// Usage:
//
//	st, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer st.Close()
//
//	id, _ := st.CreateSession(ctx, store.Session{AccountID: acct, StartedAt: time.Now()})
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlProfiles = `
CREATE TABLE IF NOT EXISTS profiles (
    id                          TEXT         PRIMARY KEY,
    tier                        TEXT         NOT NULL DEFAULT 'free',
    monthly_voice_minutes_used  INTEGER      NOT NULL DEFAULT 0,
    premium_until               TIMESTAMPTZ,
    is_admin                    BOOLEAN      NOT NULL DEFAULT false
);
`

const ddlSessions = `
CREATE TABLE IF NOT EXISTS conversation_sessions (
    id                UUID         PRIMARY KEY DEFAULT gen_random_uuid(),
    user_id           TEXT         NOT NULL,
    topic             TEXT         NOT NULL DEFAULT '',
    started_at        TIMESTAMPTZ  NOT NULL DEFAULT now(),
    ended_at          TIMESTAMPTZ,
    duration_minutes  INTEGER      NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_conversation_sessions_user
    ON conversation_sessions (user_id, started_at);
`

const ddlTurns = `
CREATE TABLE IF NOT EXISTS conversation_messages (
    id          BIGSERIAL    PRIMARY KEY,
    session_id  UUID         NOT NULL REFERENCES conversation_sessions (id) ON DELETE CASCADE,
    user_id     TEXT         NOT NULL,
    role        TEXT         NOT NULL,
    content     TEXT         NOT NULL,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_conversation_messages_session
    ON conversation_messages (session_id, created_at);

CREATE TABLE IF NOT EXISTS transcriptions (
    id              BIGSERIAL    PRIMARY KEY,
    user_id         TEXT         NOT NULL,
    session_id      UUID,
    text            TEXT         NOT NULL,
    corrected_text  TEXT         NOT NULL DEFAULT '',
    created_at      TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_transcriptions_user
    ON transcriptions (user_id, created_at);
`

const ddlUsage = `
CREATE TABLE IF NOT EXISTS usage_logs (
    id                BIGSERIAL         PRIMARY KEY,
    user_id           TEXT              NOT NULL,
    action_type       TEXT              NOT NULL,
    duration_minutes  INTEGER           NOT NULL DEFAULT 0,
    cost_usd          DOUBLE PRECISION  NOT NULL DEFAULT 0,
    metadata          JSONB             NOT NULL DEFAULT '{}',
    created_at        TIMESTAMPTZ       NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_usage_logs_user
    ON usage_logs (user_id, created_at);
`

// Migrate creates every table and index the store needs. It is idempotent and
// safe to call on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range []string{ddlProfiles, ddlSessions, ddlTurns, ddlUsage} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
