// Package realtime implements the transport channel to a realtime speech
// dialogue service.
//
// A [Session] is a single full-duplex websocket. Outbound, captured PCM16
// frames are framed as input_audio_buffer.append messages and sent in call
// order. Inbound, every websocket message is one whole protocol event, decoded
// into the closed [Event] union and delivered on [Session.Events] in receipt
// order.
//
// Authentication uses a short-lived per-session credential that travels in the
// websocket subprotocol list instead of an Authorization header, matching how
// browser clients authenticate against the same endpoint.
package realtime

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/coder/websocket"
)

// ErrClosed is returned by send operations after the channel closed.
var ErrClosed = errors.New("realtime: channel closed")

// Session is an open transport channel.
//
// Implementations must be safe for concurrent use: sends may come from the
// capture pump while the event loop issues a response.create.
type Session interface {
	// SendAudio transmits one frame as an input_audio_buffer.append message.
	SendAudio(ctx context.Context, frame audio.AudioFrame) error

	// CreateResponse asks the service to produce an assistant turn now, with
	// optional per-response instructions.
	CreateResponse(ctx context.Context, instructions string) error

	// Events delivers inbound events in receipt order. It is closed when the
	// channel closes.
	Events() <-chan Event

	// Done is closed once the channel has closed for any reason.
	Done() <-chan struct{}

	// Err returns the reason the channel closed, or nil while it is open or
	// after a local Close.
	Err() error

	// Close closes the channel. Idempotent.
	Close() error
}

// Dialer opens sessions. url is the channel URL returned by negotiation and
// credential the ephemeral token scoped to that session.
type Dialer interface {
	Dial(ctx context.Context, url, credential string) (Session, error)
}

// CloseError describes why the remote side or the network ended the channel.
// The owner treats every cause the same way; Code and Reason are for logs.
type CloseError struct {
	Code   websocket.StatusCode
	Reason string
	Err    error
}

func (e *CloseError) Error() string {
	if e.Code == -1 {
		return fmt.Sprintf("realtime: channel closed: %v", e.Err)
	}
	if e.Reason == "" {
		return fmt.Sprintf("realtime: channel closed: %s", e.Code)
	}
	return fmt.Sprintf("realtime: channel closed: %s: %s", e.Code, e.Reason)
}

func (e *CloseError) Unwrap() error { return e.Err }

// Subprotocols returns the handshake subprotocol list that carries credential.
func Subprotocols(credential string) []string {
	return []string{
		"realtime",
		"openai-insecure-api-key." + credential,
		"openai-beta.realtime-v1",
	}
}
