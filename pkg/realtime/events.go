package realtime

// Event is one inbound protocol event. The set of variants is closed: only
// types in this package implement it, so a type switch over Event covers
// every kind the engine understands. Kinds the engine does not understand are
// never materialised as an Event (see [Decode]).
type Event interface {
	// Kind returns the wire type string the event was decoded from.
	Kind() string
	isEvent()
}

// Wire type strings for inbound events.
const (
	KindUserTranscriptFinalized = "conversation.item.input_audio_transcription.completed"
	KindAssistantAudioFragment  = "response.audio.delta"
	KindAssistantTextFragment   = "response.audio_transcript.delta"
	KindAssistantTextDone       = "response.audio_transcript.done"
	KindResponseCreated         = "response.created"
	KindResponseDone            = "response.done"
	KindResponseCancelled       = "response.cancelled"
	KindItemTruncated           = "conversation.item.truncated"
	KindSpeechStarted           = "input_audio_buffer.speech_started"
	KindSpeechStopped           = "input_audio_buffer.speech_stopped"
	KindSessionCreated          = "session.created"
	KindSessionUpdated          = "session.updated"
	KindError                   = "error"
)

// UserTranscriptFinalized carries the final transcription of one user utterance.
type UserTranscriptFinalized struct {
	ItemID     string
	Transcript string
}

// AssistantAudioFragment carries one base64 PCM16 fragment of assistant speech.
type AssistantAudioFragment struct {
	ResponseID string
	Delta      string
}

// AssistantTextFragment carries an incremental piece of the assistant transcript.
type AssistantTextFragment struct {
	ResponseID string
	Delta      string
}

// AssistantTextDone marks the end of the assistant transcript for one response.
// Transcript is the service's own copy of the full text.
type AssistantTextDone struct {
	ResponseID string
	Transcript string
}

// ResponseCreated marks the start of an assistant turn.
type ResponseCreated struct {
	ResponseID string
}

// ResponseDone marks the end of an assistant response, including audio.
type ResponseDone struct {
	ResponseID string
	Status     string
}

// ResponseCancelled reports that the in-progress response was abandoned.
type ResponseCancelled struct {
	ResponseID string
}

// ItemTruncated reports that the service cut an assistant item short after an
// interruption.
type ItemTruncated struct {
	ItemID     string
	AudioEndMs int
}

// SpeechStarted reports that server-side voice activity detection heard the user.
type SpeechStarted struct {
	AudioStartMs int
}

// SpeechStopped reports the end of detected user speech.
type SpeechStopped struct {
	AudioEndMs int
}

// SessionCreated is the first event on a new channel; the session is
// negotiated and ready.
type SessionCreated struct {
	SessionID string
}

// SessionUpdated acknowledges a session configuration change.
type SessionUpdated struct {
	SessionID string
}

// ProtocolError is a service-reported error. The channel may stay open.
type ProtocolError struct {
	Type    string
	Code    string
	Message string
}

func (UserTranscriptFinalized) Kind() string { return KindUserTranscriptFinalized }
func (AssistantAudioFragment) Kind() string  { return KindAssistantAudioFragment }
func (AssistantTextFragment) Kind() string   { return KindAssistantTextFragment }
func (AssistantTextDone) Kind() string       { return KindAssistantTextDone }
func (ResponseCreated) Kind() string         { return KindResponseCreated }
func (ResponseDone) Kind() string            { return KindResponseDone }
func (ResponseCancelled) Kind() string       { return KindResponseCancelled }
func (ItemTruncated) Kind() string           { return KindItemTruncated }
func (SpeechStarted) Kind() string           { return KindSpeechStarted }
func (SpeechStopped) Kind() string           { return KindSpeechStopped }
func (SessionCreated) Kind() string          { return KindSessionCreated }
func (SessionUpdated) Kind() string          { return KindSessionUpdated }
func (ProtocolError) Kind() string           { return KindError }

func (UserTranscriptFinalized) isEvent() {}
func (AssistantAudioFragment) isEvent()  {}
func (AssistantTextFragment) isEvent()   {}
func (AssistantTextDone) isEvent()       {}
func (ResponseCreated) isEvent()         {}
func (ResponseDone) isEvent()            {}
func (ResponseCancelled) isEvent()       {}
func (ItemTruncated) isEvent()           {}
func (SpeechStarted) isEvent()           {}
func (SpeechStopped) isEvent()           {}
func (SessionCreated) isEvent()          {}
func (SessionUpdated) isEvent()          {}
func (ProtocolError) isEvent()           {}

// Error implements the error interface so a ProtocolError can be surfaced
// through error hooks unchanged.
func (e ProtocolError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "unknown error"
	}
	if e.Code != "" {
		return "realtime: " + e.Code + ": " + msg
	}
	return "realtime: " + msg
}
