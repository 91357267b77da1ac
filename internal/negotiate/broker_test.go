package negotiate_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MrWong99/parley/internal/negotiate"
	"github.com/MrWong99/parley/internal/resilience"
)

const testPrompt = `{"role":"English tutor","behavior":{"language":"english"}}`

func writePrompt(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "prompt.json")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

// fakeUpstream serves POST /v1/realtime/sessions and records the last body.
type fakeUpstream struct {
	srv    *httptest.Server
	status int
	reply  string

	lastAuth string
	lastBody map[string]any
	calls    int
}

func newFakeUpstream(t *testing.T, status int, reply string) *fakeUpstream {
	t.Helper()
	f := &fakeUpstream{status: status, reply: reply}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.calls++
		if r.URL.Path != "/v1/realtime/sessions" {
			t.Errorf("upstream path = %q, want /v1/realtime/sessions", r.URL.Path)
		}
		f.lastAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&f.lastBody)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(f.status)
		_, _ = w.Write([]byte(f.reply))
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeUpstream) minter(t *testing.T) negotiate.Minter {
	t.Helper()
	m, err := negotiate.NewOpenAIUpstream(negotiate.UpstreamConfig{
		Name:    "fake",
		APIKey:  "sk-test",
		BaseURL: f.srv.URL + "/v1",
	})
	if err != nil {
		t.Fatalf("NewOpenAIUpstream: %v", err)
	}
	return m
}

func serve(t *testing.T, b *negotiate.Broker, body string) *httptest.ResponseRecorder {
	t.Helper()
	mux := http.NewServeMux()
	b.Register(mux)
	req := httptest.NewRequest("POST", "/session", strings.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestBroker_MintsSession(t *testing.T) {
	t.Parallel()

	up := newFakeUpstream(t, http.StatusOK, `{"id":"sess_123","client_secret":{"value":"ek_abc","expires_at":1}}`)
	group := resilience.NewFallbackGroup(up.minter(t), "fake", resilience.CircuitBreakerConfig{})
	b := negotiate.NewBroker(writePrompt(t, testPrompt), group)

	rec := serve(t, b, `{"topic":{"title":"Travel","description":"Trips abroad"}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var s negotiate.Session
	if err := json.NewDecoder(rec.Body).Decode(&s); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if s.SessionID != "sess_123" || s.EphemeralToken != "ek_abc" {
		t.Errorf("session = %+v", s)
	}
	wantURL := "ws" + strings.TrimPrefix(up.srv.URL, "http") + "/v1/realtime?model=gpt-4o-realtime-preview"
	if s.WebsocketURL != wantURL {
		t.Errorf("websocket_url = %q, want %q", s.WebsocketURL, wantURL)
	}

	if up.lastAuth != "Bearer sk-test" {
		t.Errorf("Authorization = %q, want Bearer sk-test", up.lastAuth)
	}
	checks := map[string]any{
		"model":               "gpt-4o-realtime-preview",
		"voice":               "sage",
		"input_audio_format":  "pcm16",
		"output_audio_format": "pcm16",
	}
	for k, want := range checks {
		if got := up.lastBody[k]; got != want {
			t.Errorf("body[%q] = %v, want %v", k, got, want)
		}
	}
	td, _ := up.lastBody["turn_detection"].(map[string]any)
	if td["type"] != "server_vad" || td["threshold"] != 0.5 || td["prefix_padding_ms"] != 300.0 ||
		td["silence_duration_ms"] != 1000.0 || td["create_response"] != true || td["interrupt_response"] != true {
		t.Errorf("turn_detection = %v", td)
	}
	tr, _ := up.lastBody["input_audio_transcription"].(map[string]any)
	if tr["model"] != "whisper-1" {
		t.Errorf("transcription = %v, want whisper-1", tr)
	}

	instr, _ := up.lastBody["instructions"].(string)
	var prompt map[string]any
	if err := json.Unmarshal([]byte(instr), &prompt); err != nil {
		t.Fatalf("instructions are not JSON: %v", err)
	}
	topic := prompt["behavior"].(map[string]any)["current_topic"].(map[string]any)
	if topic["title"] != "Travel" || topic["description"] != "Trips abroad" || topic["instructions"] != negotiate.TopicInstructions {
		t.Errorf("current_topic = %v", topic)
	}
}

func TestBroker_UpstreamErrorIs502(t *testing.T) {
	t.Parallel()

	up := newFakeUpstream(t, http.StatusUnauthorized, `{"error":{"message":"bad key"}}`)
	group := resilience.NewFallbackGroup(up.minter(t), "fake", resilience.CircuitBreakerConfig{})
	b := negotiate.NewBroker(writePrompt(t, testPrompt), group)

	rec := serve(t, b, `{"topic":null}`)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
	var body map[string]string
	_ = json.NewDecoder(rec.Body).Decode(&body)
	if !strings.Contains(body["error"], "401") {
		t.Errorf("error = %q, want upstream status", body["error"])
	}
}

func TestBroker_MissingTokenIs502(t *testing.T) {
	t.Parallel()

	up := newFakeUpstream(t, http.StatusOK, `{"id":"sess_1","client_secret":{}}`)
	group := resilience.NewFallbackGroup(up.minter(t), "fake", resilience.CircuitBreakerConfig{})
	b := negotiate.NewBroker(writePrompt(t, testPrompt), group)

	if rec := serve(t, b, ""); rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
}

type stubMinter struct {
	minted negotiate.Minted
	err    error
	calls  int
}

func (s *stubMinter) Mint(context.Context, string) (negotiate.Minted, error) {
	s.calls++
	return s.minted, s.err
}

func TestBroker_FailsOverToSecondUpstream(t *testing.T) {
	t.Parallel()

	primary := &stubMinter{err: errors.New("primary down")}
	secondary := &stubMinter{minted: negotiate.Minted{ID: "s2", Token: "ek2", WebsocketURL: "wss://two"}}
	group := resilience.NewFallbackGroup[negotiate.Minter](primary, "primary", resilience.CircuitBreakerConfig{})
	group.AddFallback("secondary", secondary)
	b := negotiate.NewBroker(writePrompt(t, testPrompt), group)

	rec := serve(t, b, `{}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var s negotiate.Session
	_ = json.NewDecoder(rec.Body).Decode(&s)
	if s.WebsocketURL != "wss://two" {
		t.Errorf("websocket_url = %q, want wss://two", s.WebsocketURL)
	}
	if primary.calls != 1 || secondary.calls != 1 {
		t.Errorf("calls = %d/%d, want 1/1", primary.calls, secondary.calls)
	}
}

func TestBroker_BadRequestBody(t *testing.T) {
	t.Parallel()

	group := resilience.NewFallbackGroup[negotiate.Minter](&stubMinter{}, "stub", resilience.CircuitBreakerConfig{})
	b := negotiate.NewBroker(writePrompt(t, testPrompt), group)

	if rec := serve(t, b, `{not json`); rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestBuildInstructions(t *testing.T) {
	t.Parallel()

	path := writePrompt(t, `{"role":"tutor"}`)

	plain, err := negotiate.BuildInstructions(path, nil)
	if err != nil {
		t.Fatalf("BuildInstructions: %v", err)
	}
	if plain != `{"role":"tutor"}` {
		t.Errorf("instructions = %s, want prompt unchanged", plain)
	}

	withTopic, err := negotiate.BuildInstructions(path, &negotiate.Topic{Title: "Food"})
	if err != nil {
		t.Fatalf("BuildInstructions: %v", err)
	}
	if !strings.Contains(withTopic, `"current_topic"`) || !strings.Contains(withTopic, `"Food"`) {
		t.Errorf("instructions = %s, want current_topic with Food", withTopic)
	}

	if _, err := negotiate.BuildInstructions(filepath.Join(t.TempDir(), "missing.json"), nil); err == nil {
		t.Error("missing prompt file: err = nil")
	}
	if _, err := negotiate.BuildInstructions(writePrompt(t, "[1,2]"), nil); err == nil {
		t.Error("non-object prompt: err = nil")
	}
}

func TestRealtimeURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		base, want string
		wantErr    bool
	}{
		{"https://api.openai.com/v1/", "wss://api.openai.com/v1/realtime?model=m", false},
		{"http://localhost:8080/v1", "ws://localhost:8080/v1/realtime?model=m", false},
		{"ftp://nope", "", true},
	}
	for _, tt := range tests {
		got, err := negotiate.RealtimeURL(tt.base, "m")
		if (err != nil) != tt.wantErr {
			t.Errorf("RealtimeURL(%q) err = %v, wantErr %v", tt.base, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("RealtimeURL(%q) = %q, want %q", tt.base, got, tt.want)
		}
	}
}

func TestNewOpenAIUpstream_RequiresKey(t *testing.T) {
	t.Parallel()

	if _, err := negotiate.NewOpenAIUpstream(negotiate.UpstreamConfig{}); err == nil {
		t.Error("err = nil, want missing key error")
	}
}
