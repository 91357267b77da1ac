package negotiate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/propagation"

	"github.com/MrWong99/parley/internal/observe"
)

// DefaultTimeout bounds one negotiation round trip.
const DefaultTimeout = 120 * time.Second

// maxErrorBody caps how much of a failed response is echoed into the error.
const maxErrorBody = 4 << 10

// ErrTimeout is returned when the broker does not answer within the timeout.
var ErrTimeout = errors.New("negotiate: request timed out")

// ClientOption configures a [Client].
type ClientOption func(*Client)

// WithHTTPClient replaces the default traced client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithTimeout overrides [DefaultTimeout].
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// Client requests sessions from a broker endpoint.
type Client struct {
	endpoint string
	http     *http.Client
	timeout  time.Duration
}

// NewClient creates a Client posting to endpoint, the full URL of the
// broker's session route.
func NewClient(endpoint string, opts ...ClientOption) *Client {
	c := &Client{endpoint: endpoint, http: defaultHTTPClient(), timeout: DefaultTimeout}
	for _, o := range opts {
		o(c)
	}
	return c
}

// defaultHTTPClient carries the W3C trace context to the broker, whose
// middleware continues the same trace.
func defaultHTTPClient() *http.Client {
	return &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport,
		otelhttp.WithPropagators(propagation.TraceContext{}),
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return "negotiate " + r.Method + " " + r.URL.Path
		}),
	)}
}

// Negotiate requests a new session for topic, which may be nil.
func (c *Client) Negotiate(ctx context.Context, topic *Topic) (Session, error) {
	ctx, span := observe.StartSpan(ctx, "negotiate")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(Request{Topic: topic})
	if err != nil {
		return Session{}, fmt.Errorf("negotiate: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return Session{}, fmt.Errorf("negotiate: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Session{}, fmt.Errorf("%w after %s", ErrTimeout, c.timeout)
		}
		return Session{}, fmt.Errorf("negotiate: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		msg := string(bytes.TrimSpace(raw))
		var eb errorBody
		if json.Unmarshal(raw, &eb) == nil && eb.Error != "" {
			msg = eb.Error
		}
		return Session{}, fmt.Errorf("negotiate: broker returned %d: %s", resp.StatusCode, msg)
	}

	var s Session
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return Session{}, fmt.Errorf("negotiate: decode response: %w", err)
	}
	if s.WebsocketURL == "" || s.EphemeralToken == "" {
		return Session{}, errors.New("negotiate: response missing websocket_url or ephemeral_token")
	}
	return s, nil
}
