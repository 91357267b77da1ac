package app_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/MrWong99/parley/internal/app"
	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/store/memstore"
	audiomock "github.com/MrWong99/parley/pkg/audio/mock"
	"github.com/MrWong99/parley/pkg/realtime"
	rtmock "github.com/MrWong99/parley/pkg/realtime/mock"
)

// testConfig returns a minimal CLI config backed by the in-memory store.
func testConfig() *config.Config {
	cfg := &config.Config{
		Account: config.AccountConfig{ID: "learner-1"},
		Store:   config.StoreConfig{Backend: config.StoreMemory},
	}
	config.ApplyDefaults(cfg)
	return cfg
}

func TestNew_MemoryBackendSeedsAccount(t *testing.T) {
	t.Parallel()

	a, err := app.New(context.Background(), testConfig(),
		app.WithDevices(&fakeDevices{src: &audiomock.CaptureSource{}, out: &audiomock.Output{}}),
	)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer a.Shutdown(context.Background())

	ms, ok := a.Store().(*memstore.Store)
	if !ok {
		t.Fatalf("Store() = %T, want *memstore.Store", a.Store())
	}
	p, err := ms.GetProfile(context.Background(), "learner-1")
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if p.Tier != "free" {
		t.Errorf("tier = %q, want free", p.Tier)
	}
	if a.Sessions() == nil {
		t.Error("Sessions() = nil")
	}
}

func TestApp_RunReportsLostConnection(t *testing.T) {
	t.Parallel()

	channel := rtmock.NewSession(8)
	src := &audiomock.CaptureSource{}
	a, err := app.New(context.Background(), testConfig(),
		app.WithDevices(&fakeDevices{src: src, out: &audiomock.Output{}}),
		app.WithNegotiator(&fakeNegotiator{}),
		app.WithDialer(&rtmock.Dialer{Session: channel}),
	)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer a.Shutdown(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- a.Run(context.Background(), nil) }()

	deadline := time.After(2 * time.Second)
	for !a.Sessions().IsActive() {
		select {
		case <-deadline:
			t.Fatal("session did not start")
		case <-time.After(5 * time.Millisecond):
		}
	}
	channel.CloseRemote(&realtime.CloseError{Code: 1011, Reason: "server error"})

	select {
	case err := <-errCh:
		if !errors.Is(err, app.ErrConnectionLost) {
			t.Fatalf("Run() error = %v, want ErrConnectionLost", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after the channel closed")
	}

	ms := a.Store().(*memstore.Store)
	if got := len(ms.Usage()); got != 1 {
		t.Errorf("usage entries = %d, want 1", got)
	}
	if _, _, closed := src.Counts(); closed != 1 {
		t.Errorf("microphone releases = %d, want 1", closed)
	}
}

func TestApp_RunStopsOnCancel(t *testing.T) {
	t.Parallel()

	a, err := app.New(context.Background(), testConfig(),
		app.WithDevices(&fakeDevices{src: &audiomock.CaptureSource{}, out: &audiomock.Output{}}),
		app.WithNegotiator(&fakeNegotiator{}),
		app.WithDialer(&rtmock.Dialer{Session: rtmock.NewSession(8)}),
	)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer a.Shutdown(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- a.Run(ctx, nil) }()

	deadline := time.After(2 * time.Second)
	for !a.Sessions().IsActive() {
		select {
		case <-deadline:
			t.Fatal("session did not start")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run() error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
	if a.Sessions().IsActive() {
		t.Error("session still active after Run returned")
	}
}

func TestApp_RunRequiresAccount(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Account.ID = ""
	a, err := app.New(context.Background(), cfg,
		app.WithDevices(&fakeDevices{src: &audiomock.CaptureSource{}, out: &audiomock.Output{}}),
	)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer a.Shutdown(context.Background())

	if err := a.Run(context.Background(), nil); err == nil {
		t.Fatal("Run() error = nil, want missing account error")
	}
}

func TestApp_ShutdownIdempotent(t *testing.T) {
	t.Parallel()

	a, err := app.New(context.Background(), testConfig(),
		app.WithDevices(&fakeDevices{src: &audiomock.CaptureSource{}, out: &audiomock.Output{}}),
	)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("first Shutdown() error: %v", err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown() error: %v", err)
	}
}

func TestApp_HealthChecks(t *testing.T) {
	t.Parallel()

	a, err := app.New(context.Background(), testConfig(),
		app.WithDevices(&fakeDevices{src: &audiomock.CaptureSource{}, out: &audiomock.Output{}}),
	)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer a.Shutdown(context.Background())

	for _, c := range a.HealthChecks() {
		if err := c.Check(context.Background()); err != nil {
			t.Errorf("check %s: %v", c.Name, err)
		}
	}
}

// ── broker ───────────────────────────────────────────────────────────────────

func brokerConfig(t *testing.T) *config.Config {
	t.Helper()
	prompt := filepath.Join(t.TempDir(), "prompt.json")
	if err := os.WriteFile(prompt, []byte(`{"role":"tutor"}`), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg := &config.Config{Upstream: config.UpstreamConfig{
		APIKey:     "sk-test",
		PromptFile: prompt,
		Fallbacks: []config.UpstreamEndpoint{
			{Name: "secondary", BaseURL: "https://secondary.example.com/v1/"},
		},
	}}
	config.ApplyDefaults(cfg)
	return cfg
}

func TestNewBroker_BuildsFailoverGroup(t *testing.T) {
	t.Parallel()

	b, err := app.NewBroker(brokerConfig(t), nil)
	if err != nil {
		t.Fatalf("NewBroker() error: %v", err)
	}
	if got := b.Upstreams.Len(); got != 2 {
		t.Errorf("upstreams = %d, want 2", got)
	}

	mux := http.NewServeMux()
	b.Health.Register(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("/readyz = %d, want 200: %s", rec.Code, rec.Body.String())
	}
}

func TestNewBroker_MissingPromptNotReady(t *testing.T) {
	t.Parallel()

	cfg := brokerConfig(t)
	cfg.Upstream.PromptFile = filepath.Join(t.TempDir(), "missing.json")
	b, err := app.NewBroker(cfg, nil)
	if err != nil {
		t.Fatalf("NewBroker() error: %v", err)
	}

	mux := http.NewServeMux()
	b.Health.Register(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("/readyz = %d, want 503", rec.Code)
	}
}

func TestNewBroker_RequiresAPIKey(t *testing.T) {
	t.Parallel()

	cfg := brokerConfig(t)
	cfg.Upstream.APIKey = ""
	if _, err := app.NewBroker(cfg, nil); err == nil {
		t.Fatal("NewBroker() error = nil, want missing api key")
	}
}

func TestNewBroker_FallbackInheritsKey(t *testing.T) {
	t.Parallel()

	cfg := brokerConfig(t)
	cfg.Upstream.Fallbacks = []config.UpstreamEndpoint{{Name: "other-model", Model: "gpt-4o-mini-realtime-preview"}}
	if _, err := app.NewBroker(cfg, nil); err != nil {
		t.Fatalf("NewBroker() error = %v, want fallback to inherit the api key", err)
	}
}
