package governor_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/parley/internal/governor"
	"github.com/MrWong99/parley/internal/store"
	"github.com/MrWong99/parley/internal/store/mock"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeTicker struct{ ch chan time.Time }

func (f *fakeTicker) C() <-chan time.Time { return f.ch }
func (f *fakeTicker) Stop()               {}

func startFree(t *testing.T, used int, opts ...governor.Option) (*governor.Governor, *mock.Store, *fakeClock) {
	t.Helper()
	clk := newClock()
	st := &mock.Store{Profile: store.Profile{ID: "acct", Tier: "free", MonthlyVoiceMinutesUsed: used}}
	g := governor.New(st, append([]governor.Option{governor.WithClock(clk.Now)}, opts...)...)
	if _, err := g.Start(context.Background(), "acct", "Travel"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return g, st, clk
}

func TestGovernor_FreeTierRemaining(t *testing.T) {
	t.Parallel()

	g, st, _ := startFree(t, 2)
	s := g.State()
	if s.QuotaRemainingMinutes != 3 {
		t.Errorf("remaining = %d, want 3", s.QuotaRemainingMinutes)
	}
	if s.Phase != governor.PhaseActive {
		t.Errorf("phase = %v, want active", s.Phase)
	}
	if s.SessionID != "session-1" {
		t.Errorf("session id = %q, want session-1", s.SessionID)
	}
	calls := st.CallsTo("CreateSession")
	if len(calls) != 1 {
		t.Fatalf("CreateSession calls = %d, want 1", len(calls))
	}
	if got := calls[0].Args[0].(store.Session).Topic; got != "Travel" {
		t.Errorf("session topic = %q, want Travel", got)
	}
}

func TestGovernor_ExhaustedExactlyOnce(t *testing.T) {
	t.Parallel()

	var fired atomic.Int32
	g, _, clk := startFree(t, 2, governor.WithOnExhausted(func() { fired.Add(1) }))

	clk.Advance(179 * time.Second)
	g.Tick()
	if s := g.State(); s.Phase != governor.PhaseActive {
		t.Fatalf("phase at 179s = %v, want active", s.Phase)
	}
	if got := g.State().QuotaRemainingMinutes; got != 1 {
		t.Errorf("remaining at 179s = %d, want 1", got)
	}

	clk.Advance(2 * time.Second)
	for range 5 {
		g.Tick()
		clk.Advance(time.Second)
	}

	if s := g.State(); s.Phase != governor.PhaseExhausted {
		t.Errorf("phase at 181s = %v, want exhausted", s.Phase)
	}
	if got := fired.Load(); got != 1 {
		t.Errorf("exhaustion callbacks = %d, want 1", got)
	}
	if got := g.State().QuotaRemainingMinutes; got != 0 {
		t.Errorf("remaining = %d, want 0", got)
	}
}

func TestGovernor_RemainingRoundsUp(t *testing.T) {
	t.Parallel()

	g, _, clk := startFree(t, 0)
	clk.Advance(61 * time.Second)
	g.Tick()

	s := g.State()
	if s.QuotaRemainingMinutes != 4 {
		t.Errorf("remaining = %d, want 4", s.QuotaRemainingMinutes)
	}
	if s.ElapsedSeconds != 61 {
		t.Errorf("elapsed = %d, want 61", s.ElapsedSeconds)
	}
}

func TestGovernor_OnTickReportsUsage(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var seen []governor.State
	g, _, clk := startFree(t, 2, governor.WithOnTick(func(s governor.State) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	}))

	clk.Advance(61 * time.Second)
	g.Tick()
	clk.Advance(120 * time.Second)
	g.Tick()
	clk.Advance(time.Second)
	g.Tick()

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 {
		t.Fatalf("tick callbacks = %d, want 2 (none after exhaustion)", len(seen))
	}
	if seen[0].ElapsedSeconds != 61 || seen[0].QuotaRemainingMinutes != 2 {
		t.Errorf("first tick = %ds/%d min, want 61s/2 min", seen[0].ElapsedSeconds, seen[0].QuotaRemainingMinutes)
	}
	if seen[1].Phase != governor.PhaseExhausted || seen[1].QuotaRemainingMinutes != 0 {
		t.Errorf("exhausting tick = %v/%d min, want exhausted/0", seen[1].Phase, seen[1].QuotaRemainingMinutes)
	}
}

func TestGovernor_AdminExempt(t *testing.T) {
	t.Parallel()

	clk := newClock()
	st := &mock.Store{Profile: store.Profile{ID: "root", Tier: "free", MonthlyVoiceMinutesUsed: 999, IsAdmin: true}}
	var fired atomic.Int32
	g := governor.New(st, governor.WithClock(clk.Now), governor.WithOnExhausted(func() { fired.Add(1) }))

	s, err := g.Start(context.Background(), "root", "")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if s.QuotaRemainingMinutes != governor.Unlimited {
		t.Errorf("remaining = %d, want unlimited", s.QuotaRemainingMinutes)
	}
	if s.Tier.Name != governor.TierEnterprise {
		t.Errorf("tier = %q, want enterprise", s.Tier.Name)
	}

	clk.Advance(10 * time.Hour)
	g.Tick()

	s = g.State()
	if s.Phase != governor.PhaseActive {
		t.Errorf("admin phase = %v, want active", s.Phase)
	}
	if s.ElapsedSeconds != 36000 {
		t.Errorf("elapsed = %d, want 36000", s.ElapsedSeconds)
	}
	if s.QuotaRemainingMinutes != governor.Unlimited {
		t.Errorf("remaining = %d, want unlimited", s.QuotaRemainingMinutes)
	}
	if fired.Load() != 0 {
		t.Error("admin session was exhausted")
	}
}

func TestGovernor_LimitReached(t *testing.T) {
	t.Parallel()

	st := &mock.Store{Profile: store.Profile{ID: "acct", Tier: "free", MonthlyVoiceMinutesUsed: 5}}
	g := governor.New(st)

	_, err := g.Start(context.Background(), "acct", "")
	if !errors.Is(err, governor.ErrLimitReached) {
		t.Fatalf("Start err = %v, want ErrLimitReached", err)
	}
	if got := st.CallCount("CreateSession"); got != 0 {
		t.Errorf("CreateSession calls = %d, want 0", got)
	}
}

func TestGovernor_PremiumExpiredDowngrades(t *testing.T) {
	t.Parallel()

	clk := newClock()
	st := &mock.Store{Profile: store.Profile{
		ID:                      "acct",
		Tier:                    "premium",
		MonthlyVoiceMinutesUsed: 4,
		PremiumUntil:            clk.Now().Add(-24 * time.Hour),
	}}
	g := governor.New(st, governor.WithClock(clk.Now))

	s, err := g.Start(context.Background(), "acct", "")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if s.Tier.Name != governor.TierFree {
		t.Errorf("tier = %q, want free", s.Tier.Name)
	}
	if s.QuotaRemainingMinutes != 1 {
		t.Errorf("remaining = %d, want 1", s.QuotaRemainingMinutes)
	}
	calls := st.CallsTo("SetTier")
	if len(calls) != 1 || calls[0].Args[1] != "free" {
		t.Errorf("SetTier calls = %+v, want one downgrade to free", calls)
	}
}

func TestGovernor_PremiumActive(t *testing.T) {
	t.Parallel()

	clk := newClock()
	st := &mock.Store{Profile: store.Profile{
		ID:           "acct",
		Tier:         "premium",
		PremiumUntil: clk.Now().Add(24 * time.Hour),
	}}
	g := governor.New(st, governor.WithClock(clk.Now))

	s, err := g.Start(context.Background(), "acct", "")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if s.QuotaRemainingMinutes != 300 {
		t.Errorf("remaining = %d, want 300", s.QuotaRemainingMinutes)
	}
	if st.CallCount("SetTier") != 0 {
		t.Error("active premium was downgraded")
	}
}

func TestGovernor_FinalizeOnce(t *testing.T) {
	t.Parallel()

	g, st, clk := startFree(t, 0)
	clk.Advance(150 * time.Second)

	for range 3 {
		if err := g.Finalize(context.Background()); err != nil {
			t.Fatalf("Finalize: %v", err)
		}
	}

	usage := st.CallsTo("AppendUsage")
	if len(usage) != 1 {
		t.Fatalf("AppendUsage calls = %d, want 1", len(usage))
	}
	u := usage[0].Args[0].(store.UsageEntry)
	if u.DurationMinutes != 3 {
		t.Errorf("duration = %d, want 3 (2.5 min rounds up)", u.DurationMinutes)
	}
	if u.CostUSD < 0.1799 || u.CostUSD > 0.1801 {
		t.Errorf("cost = %v, want 0.18", u.CostUSD)
	}
	if u.ActionType != store.ActionVoiceConversation {
		t.Errorf("action = %q, want %q", u.ActionType, store.ActionVoiceConversation)
	}
	if u.Metadata["session_id"] != "session-1" {
		t.Errorf("metadata = %v, want session_id session-1", u.Metadata)
	}
	if got := st.CallCount("AddVoiceMinutes"); got != 1 {
		t.Errorf("AddVoiceMinutes calls = %d, want 1", got)
	}
	end := st.CallsTo("EndSession")
	if len(end) != 1 || end[0].Args[2] != 3 {
		t.Errorf("EndSession calls = %+v, want one with 3 minutes", end)
	}
	if g.State().Phase != governor.PhaseEnded {
		t.Errorf("phase = %v, want ended", g.State().Phase)
	}
}

func TestGovernor_FinalizeBeforeStart(t *testing.T) {
	t.Parallel()

	st := &mock.Store{}
	g := governor.New(st)
	if err := g.Finalize(context.Background()); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if len(st.Calls()) != 0 {
		t.Errorf("store calls = %v, want none", st.Calls())
	}
}

func TestGovernor_FinalizeReportsStoreErrors(t *testing.T) {
	t.Parallel()

	g, st, _ := startFree(t, 0)
	st.AppendUsageErr = errors.New("db down")

	err := g.Finalize(context.Background())
	if err == nil {
		t.Fatal("Finalize err = nil, want error")
	}
	// The monthly counter is still attempted.
	if got := st.CallCount("AddVoiceMinutes"); got != 1 {
		t.Errorf("AddVoiceMinutes calls = %d, want 1", got)
	}
}

func TestGovernor_StartTwice(t *testing.T) {
	t.Parallel()

	g, _, _ := startFree(t, 0)
	if _, err := g.Start(context.Background(), "acct", ""); !errors.Is(err, governor.ErrAlreadyStarted) {
		t.Errorf("second Start err = %v, want ErrAlreadyStarted", err)
	}
}

func TestGovernor_UnknownAccount(t *testing.T) {
	t.Parallel()

	g := governor.New(&mock.Store{})
	if _, err := g.Start(context.Background(), "ghost", ""); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Start err = %v, want ErrNotFound", err)
	}
}

func TestGovernor_RunStopsOnExhaustion(t *testing.T) {
	t.Parallel()

	tk := &fakeTicker{ch: make(chan time.Time)}
	exhausted := make(chan struct{})
	g, _, clk := startFree(t, 4,
		governor.WithTicker(func(time.Duration) governor.Ticker { return tk }),
		governor.WithOnExhausted(func() { close(exhausted) }),
	)

	done := make(chan error, 1)
	go func() { done <- g.Run(context.Background()) }()

	tk.ch <- clk.Now()
	clk.Advance(61 * time.Second)
	tk.ch <- clk.Now()

	select {
	case <-exhausted:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for exhaustion")
	}
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after exhaustion")
	}
}

func TestGovernor_RunStopsOnCancel(t *testing.T) {
	t.Parallel()

	tk := &fakeTicker{ch: make(chan time.Time)}
	g, _, _ := startFree(t, 0, governor.WithTicker(func(time.Duration) governor.Ticker { return tk }))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestLookupTier(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		minutes int
		display string
	}{
		{"free", 5, "Free"},
		{"starter", 150, "Starter"},
		{"premium", 300, "Premium"},
		{"enterprise", governor.Unlimited, "Enterprise"},
		{"", 5, "Free"},
		{"platinum", 5, "Free"},
	}
	for _, tt := range tests {
		got := governor.LookupTier(tt.name)
		if got.MonthlyMinutes != tt.minutes || got.DisplayName != tt.display {
			t.Errorf("LookupTier(%q) = %+v, want %d %q", tt.name, got, tt.minutes, tt.display)
		}
	}
}
