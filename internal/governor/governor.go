// Package governor enforces the per-account voice quota for one session.
//
// A [Governor] looks up the account's tier and remaining minutes on Start,
// ticks once a second while the session runs, and fires its exhaustion
// callback the first time the budget reaches zero. [Governor.Finalize] records
// duration, cost and monthly usage exactly once however the session ended.
// Admin accounts are never exhausted.
package governor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/store"
)

// CostPerMinuteUSD is the upstream realtime price used for the usage log.
const CostPerMinuteUSD = 0.06

// TickInterval is how often Run re-evaluates the budget.
const TickInterval = time.Second

var (
	// ErrLimitReached is returned by Start when the account has no minutes left
	// this month.
	ErrLimitReached = errors.New("governor: monthly voice limit reached")

	// ErrAlreadyStarted is returned by a second Start on the same Governor.
	ErrAlreadyStarted = errors.New("governor: already started")

	// ErrQuotaExhausted is the end cause of a session the governor cut off
	// mid-conversation. Owners wrap it so callers can tell it from a failure.
	ErrQuotaExhausted = errors.New("governor: voice quota used up during the session")
)

// Phase is the governor's lifecycle position.
type Phase int

const (
	PhaseNotStarted Phase = iota
	PhaseActive
	PhaseExhausted
	PhaseEnded
)

// String returns the phase name.
func (p Phase) String() string {
	switch p {
	case PhaseNotStarted:
		return "not_started"
	case PhaseActive:
		return "active"
	case PhaseExhausted:
		return "exhausted"
	case PhaseEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// State is a snapshot of the governor.
type State struct {
	Phase          Phase
	SessionID      string
	StartedAt      time.Time
	ElapsedSeconds int
	Tier           Tier

	// QuotaRemainingMinutes is rounded up; [Unlimited] for admins and
	// unlimited tiers.
	QuotaRemainingMinutes int
	IsAdmin               bool
}

// Ticker abstracts [time.Ticker] for tests.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

// Store is the subset of [store.Store] the governor needs.
type Store interface {
	store.Profiles
	store.Sessions
	store.Usage
}

// Option is a functional option for configuring a Governor.
type Option func(*Governor)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(g *Governor) { g.now = now }
}

// WithTicker replaces the one-second ticker factory used by Run.
func WithTicker(newTicker func(time.Duration) Ticker) Option {
	return func(g *Governor) { g.newTicker = newTicker }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(g *Governor) { g.metrics = m }
}

// WithOnExhausted registers the callback invoked once when the budget runs
// out. It is called from the goroutine running Tick and must not block on
// that goroutine finishing.
func WithOnExhausted(fn func()) Option {
	return func(g *Governor) { g.onExhausted = fn }
}

// WithOnTick registers a callback that receives a snapshot after every tick
// of an active session, including the tick that exhausts it. It runs on the
// ticking goroutine without the governor's lock held.
func WithOnTick(fn func(State)) Option {
	return func(g *Governor) { g.onTick = fn }
}

// Governor tracks one session's elapsed time against the account quota.
// It is safe for concurrent use.
type Governor struct {
	store       Store
	now         func() time.Time
	newTicker   func(time.Duration) Ticker
	metrics     *observe.Metrics
	onExhausted func()
	onTick      func(State)

	mu           sync.Mutex
	state        State
	accountID    string
	budget       time.Duration // zero when unlimited
	warned       bool
	finalizeOnce sync.Once
	finalizeErr  error
}

// New creates a Governor backed by st.
func New(st Store, opts ...Option) *Governor {
	g := &Governor{
		store: st,
		now:   time.Now,
		newTicker: func(d time.Duration) Ticker {
			return realTicker{t: time.NewTicker(d)}
		},
	}
	for _, o := range opts {
		o(g)
	}
	if g.metrics == nil {
		g.metrics = observe.DefaultMetrics()
	}
	return g
}

// Start loads the account profile, checks the quota, opens the session row
// and moves to [PhaseActive]. It returns [ErrLimitReached] if no minutes are
// left.
func (g *Governor) Start(ctx context.Context, accountID, topic string) (State, error) {
	g.mu.Lock()
	if g.state.Phase != PhaseNotStarted {
		g.mu.Unlock()
		return State{}, ErrAlreadyStarted
	}
	g.mu.Unlock()

	profile, err := g.store.GetProfile(ctx, accountID)
	if err != nil {
		return State{}, fmt.Errorf("governor: load profile: %w", err)
	}

	st := State{IsAdmin: profile.IsAdmin}
	var budget time.Duration
	switch {
	case profile.IsAdmin:
		st.Tier = Tiers[TierEnterprise]
		st.QuotaRemainingMinutes = Unlimited
	default:
		tier := LookupTier(profile.Tier)
		if tier.Name == TierPremium && !profile.PremiumUntil.IsZero() && profile.PremiumUntil.Before(g.now()) {
			slog.Info("governor: premium expired, downgrading to free", "account_id", accountID, "premium_until", profile.PremiumUntil)
			if err := g.store.SetTier(ctx, accountID, TierFree); err != nil {
				slog.Warn("governor: persist downgrade failed", "account_id", accountID, "err", err)
			}
			tier = Tiers[TierFree]
		}
		st.Tier = tier
		if tier.MonthlyMinutes == Unlimited {
			st.QuotaRemainingMinutes = Unlimited
			break
		}
		remaining := max(0, tier.MonthlyMinutes-profile.MonthlyVoiceMinutesUsed)
		if remaining == 0 {
			return State{}, fmt.Errorf("%w (%s tier, %d minutes)", ErrLimitReached, tier.DisplayName, tier.MonthlyMinutes)
		}
		st.QuotaRemainingMinutes = remaining
		budget = time.Duration(remaining) * time.Minute
	}

	started := g.now()
	sessionID, err := g.store.CreateSession(ctx, store.Session{
		AccountID: accountID,
		Topic:     topic,
		StartedAt: started,
	})
	if err != nil {
		return State{}, fmt.Errorf("governor: create session: %w", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state.Phase != PhaseNotStarted {
		return State{}, ErrAlreadyStarted
	}
	st.Phase = PhaseActive
	st.SessionID = sessionID
	st.StartedAt = started
	g.state = st
	g.accountID = accountID
	g.budget = budget

	slog.Info("governor: session started",
		"session_id", sessionID,
		"account_id", accountID,
		"tier", st.Tier.Name,
		"remaining_minutes", st.QuotaRemainingMinutes,
		"admin", st.IsAdmin,
	)
	return st, nil
}

// Tick re-evaluates elapsed time and the remaining budget. The first tick that
// finds the budget at or below zero moves to [PhaseExhausted] and fires the
// exhaustion callback; later ticks do nothing.
func (g *Governor) Tick() {
	g.mu.Lock()
	if g.state.Phase != PhaseActive {
		g.mu.Unlock()
		return
	}
	elapsed := g.now().Sub(g.state.StartedAt)
	g.state.ElapsedSeconds = int(elapsed / time.Second)

	var left time.Duration
	if g.budget > 0 {
		left = g.budget - elapsed
		g.state.QuotaRemainingMinutes = max(0, int(math.Ceil(left.Minutes())))
	}
	exhausted := g.budget > 0 && left <= 0
	warn := g.budget > 0 && !exhausted && left < time.Minute && !g.warned
	g.warned = g.warned || warn
	if exhausted {
		g.state.Phase = PhaseExhausted
	}
	snap := g.state
	g.mu.Unlock()

	if warn {
		slog.Warn("governor: less than one minute remaining", "session_id", snap.SessionID)
	}
	if g.onTick != nil {
		g.onTick(snap)
	}
	if !exhausted {
		return
	}

	slog.Warn("governor: monthly voice limit reached, ending session",
		"session_id", snap.SessionID, "elapsed_seconds", snap.ElapsedSeconds)
	g.metrics.QuotaExhausted.Add(context.Background(), 1)
	if g.onExhausted != nil {
		g.onExhausted()
	}
}

// Run ticks every [TickInterval] until ctx is cancelled or the governor leaves
// [PhaseActive].
func (g *Governor) Run(ctx context.Context) error {
	t := g.newTicker(TickInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C():
			g.Tick()
			if g.State().Phase != PhaseActive {
				return nil
			}
		}
	}
}

// State returns a snapshot of the governor.
func (g *Governor) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Finalize records the session's duration and cost and adds it to the
// account's monthly usage. Only the first call does any work; every call
// returns the first call's result. Finalize on a governor that never started
// is a no-op.
func (g *Governor) Finalize(ctx context.Context) error {
	g.finalizeOnce.Do(func() {
		g.finalizeErr = g.finalize(context.WithoutCancel(ctx))
	})
	return g.finalizeErr
}

func (g *Governor) finalize(ctx context.Context) error {
	g.mu.Lock()
	if g.state.Phase == PhaseNotStarted {
		g.state.Phase = PhaseEnded
		g.mu.Unlock()
		return nil
	}
	ended := g.now()
	elapsed := ended.Sub(g.state.StartedAt)
	g.state.ElapsedSeconds = int(elapsed / time.Second)
	g.state.Phase = PhaseEnded
	sessionID := g.state.SessionID
	accountID := g.accountID
	g.mu.Unlock()

	minutes := int(math.Round(elapsed.Minutes()))
	cost := float64(minutes) * CostPerMinuteUSD
	g.metrics.SessionDuration.Record(ctx, elapsed.Seconds())

	var errs []error
	if err := g.store.EndSession(ctx, sessionID, ended, minutes); err != nil {
		errs = append(errs, fmt.Errorf("end session: %w", err))
	}
	if err := g.store.AppendUsage(ctx, store.UsageEntry{
		AccountID:       accountID,
		ActionType:      store.ActionVoiceConversation,
		DurationMinutes: minutes,
		CostUSD:         cost,
		Metadata:        map[string]any{"session_id": sessionID},
		CreatedAt:       ended,
	}); err != nil {
		errs = append(errs, fmt.Errorf("append usage: %w", err))
	}
	if err := g.store.AddVoiceMinutes(ctx, accountID, minutes); err != nil {
		errs = append(errs, fmt.Errorf("add voice minutes: %w", err))
	}

	slog.Info("governor: session finalized",
		"session_id", sessionID,
		"duration_minutes", minutes,
		"cost_usd", cost,
	)
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("governor: finalize: %w", err)
	}
	return nil
}
