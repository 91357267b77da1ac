// Package conversation drives one voice conversation from the stream of
// realtime protocol events.
//
// [Machine] folds events into a turn log, forwards assistant audio to the
// playback scheduler, interrupts playback when the learner starts talking
// over the assistant, and persists every finalized turn. The assistant's text
// streams in as fragments; a turn is appended only when it is finalized, and a
// cancelled response leaves no turn behind.
package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/store"
	"github.com/MrWong99/parley/pkg/realtime"
)

// Status lines shown on the live-transcript surface.
const (
	StatusListening  = "Listening..."
	StatusProcessing = "Processing..."
	StatusError      = "Error occurred. Please try again."
)

// assistantTranscriptPrefix marks assistant lines in the transcription log.
const assistantTranscriptPrefix = "Bot: "

// State is the protocol position of the conversation.
type State int

const (
	AwaitingOpen State = iota
	Negotiated
	TurnIdle
	UserSpeaking
	AwaitingResponse
	AssistantResponding
	Interrupted
	Closed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case AwaitingOpen:
		return "awaiting_open"
	case Negotiated:
		return "negotiated"
	case TurnIdle:
		return "turn_idle"
	case UserSpeaking:
		return "user_speaking"
	case AwaitingResponse:
		return "awaiting_response"
	case AssistantResponding:
		return "assistant_responding"
	case Interrupted:
		return "interrupted"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Role is who spoke a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one complete utterance. Turns are never modified once appended.
type Turn struct {
	Role      Role
	Text      string
	Timestamp time.Time
}

// Display is the user-facing surface of a conversation.
type Display interface {
	// ShowLive replaces the live transcript with the assistant's text so far.
	ShowLive(text string)

	// ShowStatus replaces the live transcript with a status line.
	ShowStatus(text string)

	// AppendTurn adds a finalized turn to the visible history.
	AppendTurn(t Turn)
}

// Player is the playback side the machine drives. [playback.Scheduler]
// implements it.
//
// [playback.Scheduler]: github.com/MrWong99/parley/internal/playback.Scheduler
type Player interface {
	Enqueue(encoded string) error
	Commit()
	Flush()
	Pending() bool
}

// Responder requests assistant responses. [realtime.Session] implements it.
type Responder interface {
	CreateResponse(ctx context.Context, instructions string) error
}

// TurnSink persists finalized turns. Implementations must not block the event
// loop for long and must swallow their own failures. [store.TurnWriter]
// implements it.
type TurnSink interface {
	WriteMessage(ctx context.Context, m store.Message)
	WriteTranscription(ctx context.Context, t store.Transcription)
}

// KickoffInstructions builds the request that makes the assistant open a
// conversation about topic.
func KickoffInstructions(topic string) string {
	return fmt.Sprintf("Following ALL your existing system instructions (especially: respond ONLY in English, never in Spanish, French or any other language), start the conversation about %q by greeting the user and introducing the topic in a friendly, engaging way. Ask an opening question to get them talking.", topic)
}

// Option is a functional option for configuring a Machine.
type Option func(*Machine)

// WithTopic makes the assistant speak first about title once the session is
// negotiated.
func WithTopic(title string) Option {
	return func(m *Machine) { m.topic = title }
}

// WithDisplay sets the display surface. Defaults to a no-op.
func WithDisplay(d Display) Option {
	return func(m *Machine) { m.display = d }
}

// WithSink persists turns for the given session and account.
func WithSink(sink TurnSink, sessionID, accountID string) Option {
	return func(m *Machine) {
		m.sink = sink
		m.sessionID = sessionID
		m.accountID = accountID
	}
}

// WithErrorHook is called for every service-reported error event, after the
// error status is displayed.
func WithErrorHook(fn func(realtime.ProtocolError)) Option {
	return func(m *Machine) { m.onError = fn }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(mt *observe.Metrics) Option {
	return func(m *Machine) { m.metrics = mt }
}

// WithClock replaces time.Now for turn timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// Machine is the protocol state machine for one session. Handle must be
// called from a single goroutine in receipt order; the accessors are safe
// from any goroutine.
type Machine struct {
	responder Responder
	player    Player
	display   Display
	sink      TurnSink
	onError   func(realtime.ProtocolError)
	metrics   *observe.Metrics
	now       func() time.Time

	topic     string
	sessionID string
	accountID string

	mu    sync.Mutex
	state State
	acc   strings.Builder
	turns []Turn
}

// New creates a Machine in [AwaitingOpen].
func New(responder Responder, player Player, opts ...Option) *Machine {
	m := &Machine{
		responder: responder,
		player:    player,
		display:   nopDisplay{},
		now:       time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	return m
}

// Handle applies one inbound event. It only returns an error when an outbound
// request the protocol depends on could not be sent.
func (m *Machine) Handle(ctx context.Context, ev realtime.Event) error {
	if m.State() == Closed {
		return nil
	}

	switch e := ev.(type) {
	case realtime.UserTranscriptFinalized:
		m.finalizeUser(ctx, e.Transcript)

	case realtime.AssistantAudioFragment:
		if err := m.player.Enqueue(e.Delta); err != nil {
			slog.Debug("conversation: audio fragment after playback closed", "err", err)
		}

	case realtime.AssistantTextFragment:
		m.mu.Lock()
		m.acc.WriteString(e.Delta)
		live := m.acc.String()
		m.mu.Unlock()
		m.display.ShowLive(live)

	case realtime.ResponseCreated:
		m.mu.Lock()
		m.acc.Reset()
		m.state = AssistantResponding
		m.mu.Unlock()

	case realtime.AssistantTextDone:
		m.finalizeAssistant(ctx, e.Transcript)

	case realtime.ResponseDone:
		m.mu.Lock()
		m.acc.Reset()
		m.state = TurnIdle
		m.mu.Unlock()
		m.player.Commit()

	case realtime.ResponseCancelled:
		m.mu.Lock()
		m.acc.Reset()
		m.state = Interrupted
		m.mu.Unlock()
		slog.Debug("conversation: response cancelled", "response_id", e.ResponseID)
		m.setState(TurnIdle)

	case realtime.ItemTruncated:
		slog.Debug("conversation: item truncated", "item_id", e.ItemID, "audio_end_ms", e.AudioEndMs)

	case realtime.SpeechStarted:
		if m.player.Pending() {
			m.player.Flush()
			m.metrics.BargeIns.Add(ctx, 1)
			slog.Debug("conversation: barge-in, playback flushed")
		}
		m.setState(UserSpeaking)
		m.display.ShowStatus(StatusListening)

	case realtime.SpeechStopped:
		m.setState(AwaitingResponse)
		m.display.ShowStatus(StatusProcessing)

	case realtime.SessionCreated:
		m.setState(Negotiated)
		if m.topic != "" {
			if err := m.responder.CreateResponse(ctx, KickoffInstructions(m.topic)); err != nil {
				return fmt.Errorf("conversation: request opening turn: %w", err)
			}
			slog.Debug("conversation: opening turn requested", "topic", m.topic)
		}
		m.setState(TurnIdle)

	case realtime.SessionUpdated:
		m.mu.Lock()
		if m.state == AwaitingOpen || m.state == Negotiated {
			m.state = TurnIdle
		}
		m.mu.Unlock()

	case realtime.ProtocolError:
		m.display.ShowStatus(StatusError)
		m.metrics.RecordProtocolError(ctx, e.Code)
		if m.onError != nil {
			m.onError(e)
		}
	}
	return nil
}

// finalizeUser logs every finalized user utterance, even one the service
// could not transcribe. Blank ones are not persisted.
func (m *Machine) finalizeUser(ctx context.Context, text string) {
	t := m.appendTurn(RoleUser, text)
	if strings.TrimSpace(text) == "" {
		slog.Debug("conversation: blank user transcript not persisted")
		return
	}
	m.persist(ctx, t, text)
}

func (m *Machine) finalizeAssistant(ctx context.Context, transcript string) {
	m.mu.Lock()
	text := m.acc.String()
	m.acc.Reset()
	m.state = TurnIdle
	m.mu.Unlock()

	if text == "" {
		slog.Debug("conversation: assistant finalize with empty accumulator dropped", "transcript", transcript)
		return
	}
	t := m.appendTurn(RoleAssistant, text)
	m.persist(ctx, t, assistantTranscriptPrefix+text)
}

func (m *Machine) appendTurn(role Role, text string) Turn {
	t := Turn{Role: role, Text: text, Timestamp: m.now()}
	m.mu.Lock()
	m.turns = append(m.turns, t)
	m.mu.Unlock()

	m.display.AppendTurn(t)
	m.metrics.RecordTurn(context.Background(), string(role))
	return t
}

func (m *Machine) persist(ctx context.Context, t Turn, transcription string) {
	if m.sink == nil {
		return
	}
	m.sink.WriteMessage(ctx, store.Message{
		SessionID: m.sessionID,
		AccountID: m.accountID,
		Role:      string(t.Role),
		Content:   t.Text,
		CreatedAt: t.Timestamp,
	})
	m.sink.WriteTranscription(ctx, store.Transcription{
		AccountID: m.accountID,
		SessionID: m.sessionID,
		Text:      transcription,
		CreatedAt: t.Timestamp,
	})
}

func (m *Machine) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// State returns the current protocol state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Turns returns a copy of the turn log.
func (m *Machine) Turns() []Turn {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Turn, len(m.turns))
	copy(out, m.turns)
	return out
}

// Close moves the machine to [Closed]; later events are ignored.
func (m *Machine) Close() {
	m.setState(Closed)
}

type nopDisplay struct{}

func (nopDisplay) ShowLive(string)   {}
func (nopDisplay) ShowStatus(string) {}
func (nopDisplay) AppendTurn(Turn)   {}
