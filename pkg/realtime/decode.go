package realtime

import (
	"encoding/json"
	"fmt"
)

// ── Protocol message types (incoming) ─────────────────────────────────────────

// serverErrorDetail represents the nested error object in an error event:
// {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type serverResponse struct {
	ID     string `json:"id"`
	Status string `json:"status,omitempty"`
}

type serverSession struct {
	ID string `json:"id"`
}

type serverEvent struct {
	Type string `json:"type"`

	ResponseID string `json:"response_id,omitempty"`
	ItemID     string `json:"item_id,omitempty"`

	// response.audio.delta / response.audio_transcript.delta
	Delta string `json:"delta,omitempty"`

	// conversation.item.input_audio_transcription.completed /
	// response.audio_transcript.done
	Transcript string `json:"transcript,omitempty"`

	AudioStartMs int `json:"audio_start_ms,omitempty"`
	AudioEndMs   int `json:"audio_end_ms,omitempty"`

	// response.created / response.done / response.cancelled
	Response *serverResponse `json:"response,omitempty"`

	// session.created / session.updated
	Session *serverSession `json:"session,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

// Decode parses one whole inbound message. Unknown kinds yield (nil, nil) so
// that new server events are ignored rather than treated as failures.
func Decode(data []byte) (Event, error) {
	var evt serverEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return nil, fmt.Errorf("realtime: decode event: %w", err)
	}
	if evt.Type == "" {
		return nil, fmt.Errorf("realtime: decode event: missing type")
	}

	switch evt.Type {
	case KindUserTranscriptFinalized:
		return UserTranscriptFinalized{ItemID: evt.ItemID, Transcript: evt.Transcript}, nil
	case KindAssistantAudioFragment:
		return AssistantAudioFragment{ResponseID: evt.ResponseID, Delta: evt.Delta}, nil
	case KindAssistantTextFragment:
		return AssistantTextFragment{ResponseID: evt.ResponseID, Delta: evt.Delta}, nil
	case KindAssistantTextDone:
		return AssistantTextDone{ResponseID: evt.ResponseID, Transcript: evt.Transcript}, nil
	case KindResponseCreated:
		return ResponseCreated{ResponseID: evt.responseID()}, nil
	case KindResponseDone:
		done := ResponseDone{ResponseID: evt.responseID()}
		if evt.Response != nil {
			done.Status = evt.Response.Status
		}
		return done, nil
	case KindResponseCancelled:
		return ResponseCancelled{ResponseID: evt.responseID()}, nil
	case KindItemTruncated:
		return ItemTruncated{ItemID: evt.ItemID, AudioEndMs: evt.AudioEndMs}, nil
	case KindSpeechStarted:
		return SpeechStarted{AudioStartMs: evt.AudioStartMs}, nil
	case KindSpeechStopped:
		return SpeechStopped{AudioEndMs: evt.AudioEndMs}, nil
	case KindSessionCreated:
		return SessionCreated{SessionID: evt.sessionID()}, nil
	case KindSessionUpdated:
		return SessionUpdated{SessionID: evt.sessionID()}, nil
	case KindError:
		pe := ProtocolError{}
		if evt.Error != nil {
			pe.Type = evt.Error.Type
			pe.Code = evt.Error.Code
			pe.Message = evt.Error.Message
		}
		return pe, nil
	default:
		return nil, nil
	}
}

func (e *serverEvent) responseID() string {
	if e.Response != nil && e.Response.ID != "" {
		return e.Response.ID
	}
	return e.ResponseID
}

func (e *serverEvent) sessionID() string {
	if e.Session == nil {
		return ""
	}
	return e.Session.ID
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

type responseCreateMessage struct {
	Type     string         `json:"type"`
	Response responseParams `json:"response"`
}

type responseParams struct {
	Modalities   []string `json:"modalities"`
	Instructions string   `json:"instructions,omitempty"`
}
