package negotiate

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Upstream defaults mirror the tutor's production settings.
const (
	DefaultModel              = "gpt-4o-realtime-preview"
	DefaultVoice              = "sage"
	DefaultTranscriptionModel = "whisper-1"
	DefaultBaseURL            = "https://api.openai.com/v1/"
)

// VAD configures server-side voice activity detection.
type VAD struct {
	Threshold         float64
	PrefixPaddingMs   int
	SilenceDurationMs int
}

// DefaultVAD is the turn-detection tuning used when none is configured.
var DefaultVAD = VAD{Threshold: 0.5, PrefixPaddingMs: 300, SilenceDurationMs: 1000}

// UpstreamConfig describes one realtime-sessions endpoint.
type UpstreamConfig struct {
	Name               string
	APIKey             string
	BaseURL            string
	Model              string
	Voice              string
	TranscriptionModel string
	VAD                VAD
	MaxRetries         int
}

// Minted is a freshly created upstream session.
type Minted struct {
	ID           string
	Token        string
	WebsocketURL string
}

// Minter creates upstream realtime sessions.
type Minter interface {
	Mint(ctx context.Context, instructions string) (Minted, error)
}

// sessionParams is the body of POST realtime/sessions.
type sessionParams struct {
	Model                   string              `json:"model"`
	Voice                   string              `json:"voice"`
	Modalities              []string            `json:"modalities"`
	Instructions            string              `json:"instructions"`
	InputAudioFormat        string              `json:"input_audio_format"`
	OutputAudioFormat       string              `json:"output_audio_format"`
	InputAudioTranscription transcriptionParams `json:"input_audio_transcription"`
	TurnDetection           turnDetection       `json:"turn_detection"`
}

type transcriptionParams struct {
	Model string `json:"model"`
}

type turnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms"`
	SilenceDurationMs int     `json:"silence_duration_ms"`
	CreateResponse    bool    `json:"create_response"`
	InterruptResponse bool    `json:"interrupt_response"`
}

// sessionResult is the subset of the realtime-sessions response we use.
type sessionResult struct {
	ID           string `json:"id"`
	ClientSecret struct {
		Value     string `json:"value"`
		ExpiresAt int64  `json:"expires_at"`
	} `json:"client_secret"`
}

// OpenAIUpstream mints sessions through the OpenAI realtime-sessions API.
type OpenAIUpstream struct {
	cfg    UpstreamConfig
	client oai.Client
	wsURL  string
}

var _ Minter = (*OpenAIUpstream)(nil)

// NewOpenAIUpstream validates cfg, fills defaults and builds the API client.
func NewOpenAIUpstream(cfg UpstreamConfig) (*OpenAIUpstream, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("negotiate: upstream api key must not be empty")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if !strings.HasSuffix(cfg.BaseURL, "/") {
		cfg.BaseURL += "/"
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Voice == "" {
		cfg.Voice = DefaultVoice
	}
	if cfg.TranscriptionModel == "" {
		cfg.TranscriptionModel = DefaultTranscriptionModel
	}
	if cfg.VAD == (VAD{}) {
		cfg.VAD = DefaultVAD
	}
	if cfg.Name == "" {
		cfg.Name = cfg.BaseURL
	}

	wsURL, err := RealtimeURL(cfg.BaseURL, cfg.Model)
	if err != nil {
		return nil, err
	}

	client := oai.NewClient(
		option.WithAPIKey(cfg.APIKey),
		option.WithBaseURL(cfg.BaseURL),
		option.WithMaxRetries(cfg.MaxRetries),
	)
	return &OpenAIUpstream{cfg: cfg, client: client, wsURL: wsURL}, nil
}

// Name identifies the upstream in logs.
func (u *OpenAIUpstream) Name() string { return u.cfg.Name }

// Mint implements [Minter].
func (u *OpenAIUpstream) Mint(ctx context.Context, instructions string) (Minted, error) {
	params := sessionParams{
		Model:                   u.cfg.Model,
		Voice:                   u.cfg.Voice,
		Modalities:              []string{"audio", "text"},
		Instructions:            instructions,
		InputAudioFormat:        "pcm16",
		OutputAudioFormat:       "pcm16",
		InputAudioTranscription: transcriptionParams{Model: u.cfg.TranscriptionModel},
		TurnDetection: turnDetection{
			Type:              "server_vad",
			Threshold:         u.cfg.VAD.Threshold,
			PrefixPaddingMs:   u.cfg.VAD.PrefixPaddingMs,
			SilenceDurationMs: u.cfg.VAD.SilenceDurationMs,
			CreateResponse:    true,
			InterruptResponse: true,
		},
	}

	var res sessionResult
	if err := u.client.Post(ctx, "realtime/sessions", params, &res); err != nil {
		var apiErr *oai.Error
		if errors.As(err, &apiErr) {
			return Minted{}, fmt.Errorf("negotiate: upstream %s: status %d: %w", u.cfg.Name, apiErr.StatusCode, err)
		}
		return Minted{}, fmt.Errorf("negotiate: upstream %s: %w", u.cfg.Name, err)
	}
	if res.ID == "" {
		return Minted{}, fmt.Errorf("negotiate: upstream %s: session id not found in response", u.cfg.Name)
	}
	if res.ClientSecret.Value == "" {
		return Minted{}, fmt.Errorf("negotiate: upstream %s: ephemeral token not found in response", u.cfg.Name)
	}
	return Minted{ID: res.ID, Token: res.ClientSecret.Value, WebsocketURL: u.wsURL}, nil
}

// RealtimeURL derives the websocket URL for model from an API base URL:
// https://host/v1/ becomes wss://host/v1/realtime?model=<model>.
func RealtimeURL(baseURL, model string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("negotiate: parse base url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("negotiate: unsupported base url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/realtime"
	u.RawQuery = url.Values{"model": {model}}.Encode()
	return u.String(), nil
}
