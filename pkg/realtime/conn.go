package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/coder/websocket"
)

// Compile-time assertions.
var (
	_ Session = (*Conn)(nil)
	_ Dialer  = (*WebsocketDialer)(nil)
)

const defaultEventBuffer = 64

// defaultReadLimit accommodates large audio deltas; coder/websocket defaults
// to 32 KiB which a single response.audio.delta can exceed.
const defaultReadLimit = 4 << 20

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a WebsocketDialer.
type Option func(*WebsocketDialer)

// WithHTTPClient sets the HTTP client used for the websocket handshake.
func WithHTTPClient(c *http.Client) Option {
	return func(d *WebsocketDialer) { d.httpClient = c }
}

// WithEventBuffer sets the capacity of the inbound event channel.
func WithEventBuffer(n int) Option {
	return func(d *WebsocketDialer) {
		if n > 0 {
			d.eventBuffer = n
		}
	}
}

// WithReadLimit sets the maximum inbound message size in bytes.
func WithReadLimit(n int64) Option {
	return func(d *WebsocketDialer) {
		if n > 0 {
			d.readLimit = n
		}
	}
}

// ── Dialer ─────────────────────────────────────────────────────────────────────

// WebsocketDialer dials realtime channels with coder/websocket.
type WebsocketDialer struct {
	httpClient  *http.Client
	eventBuffer int
	readLimit   int64
}

// NewDialer creates a WebsocketDialer with the given options.
func NewDialer(opts ...Option) *WebsocketDialer {
	d := &WebsocketDialer{
		eventBuffer: defaultEventBuffer,
		readLimit:   defaultReadLimit,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Dial opens the channel and starts its receive loop. ctx bounds only the
// handshake; the channel lives until Close or a remote close.
func (d *WebsocketDialer) Dial(ctx context.Context, url, credential string) (Session, error) {
	if credential == "" {
		return nil, fmt.Errorf("realtime: dial: empty credential")
	}
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPClient:   d.httpClient,
		Subprotocols: Subprotocols(credential),
	})
	if err != nil {
		return nil, fmt.Errorf("realtime: dial: %w", err)
	}
	conn.SetReadLimit(d.readLimit)

	c := newConn(conn, d.eventBuffer)
	go c.receiveLoop()
	return c, nil
}

// ── Conn ───────────────────────────────────────────────────────────────────────

// Conn is a websocket-backed [Session].
type Conn struct {
	conn   *websocket.Conn
	events chan Event
	done   chan struct{}

	// writeMu serialises frames so outbound order equals call order.
	writeMu sync.Mutex

	mu     sync.Mutex
	errVal error
	closed bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func newConn(conn *websocket.Conn, buffer int) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		conn:   conn,
		events: make(chan Event, buffer),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (c *Conn) writeJSON(ctx context.Context, v any) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("realtime: marshal: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("realtime: write: %w", err)
	}
	return nil
}

// receiveLoop reads events from the WebSocket and dispatches them.
// It owns events and done: it closes both when it exits.
func (c *Conn) receiveLoop() {
	defer c.finish()

	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.setErr(&CloseError{
				Code:   websocket.CloseStatus(err),
				Reason: closeReason(err),
				Err:    err,
			})
			return
		}

		evt, err := Decode(data)
		if err != nil {
			slog.Warn("realtime: dropping undecodable message", "err", err, "bytes", len(data))
			continue
		}
		if evt == nil {
			continue
		}

		select {
		case c.events <- evt:
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Conn) finish() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		c.cancel()
		close(c.events)
		close(c.done)
	})
}

func (c *Conn) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.errVal == nil {
		c.errVal = err
	}
}

func closeReason(err error) string {
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Reason
	}
	return ""
}

// ── Session methods ────────────────────────────────────────────────────────────

// SendAudio implements [Session].
func (c *Conn) SendAudio(ctx context.Context, frame audio.AudioFrame) error {
	if len(frame.Data) == 0 {
		return nil
	}
	return c.writeJSON(ctx, appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: audio.EncodePCM16(frame.Data),
	})
}

// CreateResponse implements [Session].
func (c *Conn) CreateResponse(ctx context.Context, instructions string) error {
	return c.writeJSON(ctx, responseCreateMessage{
		Type: "response.create",
		Response: responseParams{
			Modalities:   []string{"audio", "text"},
			Instructions: instructions,
		},
	})
}

// Events implements [Session].
func (c *Conn) Events() <-chan Event { return c.events }

// Done implements [Session].
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err implements [Session].
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errVal
}

// Close implements [Session]. Idempotent.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	if err := c.conn.Close(websocket.StatusNormalClosure, "session closed"); err != nil {
		slog.Debug("realtime: close handshake did not complete", "err", err)
	}
	<-c.done
	return nil
}
