package negotiate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/resilience"
)

// TopicInstructions is attached to a preselected topic inside the prompt.
const TopicInstructions = "Please start the conversation by introducing this topic and engaging the user in a natural, friendly way remember always in english."

// maxRequestBody caps the size of a POST /session body.
const maxRequestBody = 64 << 10

// Broker serves POST /session. Each request re-reads the prompt file, so
// prompt edits take effect without a restart.
type Broker struct {
	promptFile string
	upstreams  *resilience.FallbackGroup[Minter]
	metrics    *observe.Metrics
}

// BrokerOption configures a [Broker].
type BrokerOption func(*Broker)

// WithBrokerMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithBrokerMetrics(m *observe.Metrics) BrokerOption {
	return func(b *Broker) { b.metrics = m }
}

// NewBroker creates a Broker that mints through upstreams, trying them in
// order.
func NewBroker(promptFile string, upstreams *resilience.FallbackGroup[Minter], opts ...BrokerOption) *Broker {
	b := &Broker{promptFile: promptFile, upstreams: upstreams}
	for _, o := range opts {
		o(b)
	}
	if b.metrics == nil {
		b.metrics = observe.DefaultMetrics()
	}
	return b
}

// Register adds the session route to mux.
func (b *Broker) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /session", b.ServeSession)
}

// ServeSession handles POST /session.
func (b *Broker) ServeSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := observe.Logger(ctx)

	var req Request
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read request body: "+err.Error())
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}

	instructions, err := BuildInstructions(b.promptFile, req.Topic)
	if err != nil {
		log.Error("broker: build instructions", "err", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	start := time.Now()
	minted, err := resilience.ExecuteWithResult(ctx, b.upstreams, func(ctx context.Context, m Minter) (Minted, error) {
		return m.Mint(ctx, instructions)
	})
	b.metrics.NegotiationDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		b.metrics.RecordUpstreamRequest(ctx, "error")
		log.Error("broker: mint session", "err", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	b.metrics.RecordUpstreamRequest(ctx, "ok")

	log.Info("broker: session minted", "session_id", minted.ID, "topic", topicTitle(req.Topic))
	writeJSON(w, http.StatusOK, Session{
		SessionID:      minted.ID,
		WebsocketURL:   minted.WebsocketURL,
		EphemeralToken: minted.Token,
	})
}

// BuildInstructions loads the JSON prompt at path and, when topic is set,
// adds it under behavior.current_topic. The result is the prompt re-encoded as
// a JSON string, which is what the upstream expects as instructions.
func BuildInstructions(path string, topic *Topic) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("negotiate: read prompt: %w", err)
	}
	var prompt map[string]any
	if err := json.Unmarshal(raw, &prompt); err != nil {
		return "", fmt.Errorf("negotiate: parse prompt %s: %w", path, err)
	}
	if prompt == nil {
		return "", errors.New("negotiate: prompt must be a JSON object")
	}

	if topic != nil {
		behavior, ok := prompt["behavior"].(map[string]any)
		if !ok {
			behavior = map[string]any{}
			prompt["behavior"] = behavior
		}
		behavior["current_topic"] = map[string]any{
			"title":        topic.Title,
			"description":  topic.Description,
			"instructions": TopicInstructions,
		}
	}

	out, err := json.Marshal(prompt)
	if err != nil {
		return "", fmt.Errorf("negotiate: encode prompt: %w", err)
	}
	return string(out), nil
}

func topicTitle(t *Topic) string {
	if t == nil {
		return ""
	}
	return t.Title
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}
