package realtime_test

import (
	"testing"

	"github.com/MrWong99/parley/pkg/realtime"
)

func TestDecode_Variants(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want realtime.Event
	}{
		{
			name: "user transcript",
			in:   `{"type":"conversation.item.input_audio_transcription.completed","item_id":"item_1","transcript":"hello there"}`,
			want: realtime.UserTranscriptFinalized{ItemID: "item_1", Transcript: "hello there"},
		},
		{
			name: "audio delta",
			in:   `{"type":"response.audio.delta","response_id":"resp_1","delta":"AAAA"}`,
			want: realtime.AssistantAudioFragment{ResponseID: "resp_1", Delta: "AAAA"},
		},
		{
			name: "transcript done",
			in:   `{"type":"response.audio_transcript.done","response_id":"resp_1","transcript":"Hi!"}`,
			want: realtime.AssistantTextDone{ResponseID: "resp_1", Transcript: "Hi!"},
		},
		{
			name: "response done",
			in:   `{"type":"response.done","response":{"id":"resp_1","status":"completed"}}`,
			want: realtime.ResponseDone{ResponseID: "resp_1", Status: "completed"},
		},
		{
			name: "response cancelled",
			in:   `{"type":"response.cancelled","response":{"id":"resp_2"}}`,
			want: realtime.ResponseCancelled{ResponseID: "resp_2"},
		},
		{
			name: "truncated",
			in:   `{"type":"conversation.item.truncated","item_id":"item_9","audio_end_ms":1500}`,
			want: realtime.ItemTruncated{ItemID: "item_9", AudioEndMs: 1500},
		},
		{
			name: "speech stopped",
			in:   `{"type":"input_audio_buffer.speech_stopped","audio_end_ms":800}`,
			want: realtime.SpeechStopped{AudioEndMs: 800},
		},
		{
			name: "session updated",
			in:   `{"type":"session.updated","session":{"id":"sess_1"}}`,
			want: realtime.SessionUpdated{SessionID: "sess_1"},
		},
		{
			name: "error",
			in:   `{"type":"error","error":{"type":"invalid_request_error","code":"bad_audio","message":"nope"}}`,
			want: realtime.ProtocolError{Type: "invalid_request_error", Code: "bad_audio", Message: "nope"},
		},
		{
			name: "unknown kind",
			in:   `{"type":"response.output_item.added"}`,
			want: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := realtime.Decode([]byte(tt.in))
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if got != tt.want {
				t.Errorf("Decode = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestDecode_Errors(t *testing.T) {
	t.Parallel()

	for _, in := range []string{`{`, `{"delta":"x"}`, `[]`} {
		if _, err := realtime.Decode([]byte(in)); err == nil {
			t.Errorf("Decode(%s): expected error", in)
		}
	}
}

func TestEvent_KindMatchesWireType(t *testing.T) {
	t.Parallel()

	evt, err := realtime.Decode([]byte(`{"type":"input_audio_buffer.speech_started"}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if evt.Kind() != realtime.KindSpeechStarted {
		t.Errorf("Kind() = %q, want %q", evt.Kind(), realtime.KindSpeechStarted)
	}
}

func TestProtocolError_Error(t *testing.T) {
	t.Parallel()

	if got := (realtime.ProtocolError{Code: "x", Message: "boom"}).Error(); got != "realtime: x: boom" {
		t.Errorf("Error() = %q", got)
	}
	if got := (realtime.ProtocolError{}).Error(); got != "realtime: unknown error" {
		t.Errorf("Error() = %q", got)
	}
}
