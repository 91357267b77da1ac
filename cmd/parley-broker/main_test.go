package main

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/MrWong99/parley/internal/app"
	"github.com/MrWong99/parley/internal/config"
)

func testBroker(t *testing.T, promptFile string) *app.Broker {
	t.Helper()
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	cfg.Upstream.APIKey = "sk-test"
	cfg.Upstream.PromptFile = promptFile
	b, err := app.NewBroker(cfg, nil)
	if err != nil {
		t.Fatalf("NewBroker() error: %v", err)
	}
	return b
}

func TestNewMux_SwapsBroker(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	prompt := filepath.Join(dir, "prompt.json")
	if err := os.WriteFile(prompt, []byte(`{"role":"tutor"}`), 0o600); err != nil {
		t.Fatal(err)
	}

	var current atomic.Pointer[app.Broker]
	current.Store(testBroker(t, prompt))
	mux := newMux(&current)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("/readyz = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	current.Store(testBroker(t, filepath.Join(dir, "missing.json")))
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("/readyz after swap = %d, want 503", rec.Code)
	}
}

func TestNewMux_Routes(t *testing.T) {
	t.Parallel()

	var current atomic.Pointer[app.Broker]
	current.Store(testBroker(t, filepath.Join(t.TempDir(), "prompt.json")))
	mux := newMux(&current)

	tests := []struct {
		method, path string
		want         int
	}{
		{"GET", "/healthz", http.StatusOK},
		{"GET", "/metrics", http.StatusOK},
		{"GET", "/session", http.StatusMethodNotAllowed},
		// The prompt file is missing, so no upstream is contacted.
		{"POST", "/session", http.StatusInternalServerError},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))
		if rec.Code != tt.want {
			t.Errorf("%s %s = %d, want %d", tt.method, tt.path, rec.Code, tt.want)
		}
	}
}
