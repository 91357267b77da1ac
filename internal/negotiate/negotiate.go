// Package negotiate obtains a short-lived credential for one realtime voice
// session.
//
// [Client] is the session side: it POSTs the chosen topic to a broker and gets
// back the websocket URL and ephemeral token to dial with. [Broker] is the
// server side: it holds the long-lived upstream API key, builds the tutor
// instructions from the prompt file and mints the ephemeral session upstream.
package negotiate

// Topic is a conversation subject preselected by the learner.
type Topic struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

// Request is the body of POST /session.
type Request struct {
	Topic *Topic `json:"topic"`
}

// Session is a negotiated realtime session.
type Session struct {
	SessionID      string `json:"session_id"`
	WebsocketURL   string `json:"websocket_url"`
	EphemeralToken string `json:"ephemeral_token"`
}

// errorBody is the JSON error envelope returned by the broker.
type errorBody struct {
	Error string `json:"error"`
}
