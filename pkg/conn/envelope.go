package conn

import "time"

// Envelope kinds carried over the websocket surface.
const (
	// Control kinds. Only meaningful against a live transport; never queued.
	KindConnected = "connected"
	KindPong      = "pong"
	KindError     = "error"
	KindComplete  = "complete"

	// Content kinds. Queued for replay when the client is away.
	KindMessage = "message"
	KindStream  = "stream"
	KindFinal   = "final"
	KindData    = "data"
)

// Envelope is a single outbound frame. Kind selects which of the optional
// fields are populated.
type Envelope struct {
	Kind      string      `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	Content   string      `json:"content,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// queueable reports whether an envelope carries conversation content that
// must survive a dropped transport. Control frames are point-in-time and
// meaningless after the fact.
func (e Envelope) queueable() bool {
	switch e.Kind {
	case KindMessage, KindStream, KindFinal, KindData:
		return true
	}
	return false
}

// Connected builds the handshake acknowledgement frame.
func Connected(sessionID string) Envelope {
	return Envelope{Kind: KindConnected, SessionID: sessionID, Timestamp: time.Now()}
}

// Pong builds a keepalive reply frame.
func Pong() Envelope {
	return Envelope{Kind: KindPong, Timestamp: time.Now()}
}

// ErrorFrame builds an error control frame.
func ErrorFrame(sessionID, msg string) Envelope {
	return Envelope{Kind: KindError, SessionID: sessionID, Error: msg, Timestamp: time.Now()}
}

// Complete signals that the current request finished and the client may
// re-enable input.
func Complete(sessionID string) Envelope {
	return Envelope{Kind: KindComplete, SessionID: sessionID, Timestamp: time.Now()}
}

// Message builds a whole-message content frame.
func Message(sessionID, content string) Envelope {
	return Envelope{Kind: KindMessage, SessionID: sessionID, Content: content, Timestamp: time.Now()}
}

// Stream builds an incremental content frame.
func Stream(sessionID, chunk string) Envelope {
	return Envelope{Kind: KindStream, SessionID: sessionID, Content: chunk, Timestamp: time.Now()}
}

// Final builds the closing content frame of a streamed response.
func Final(sessionID, content string) Envelope {
	return Envelope{Kind: KindFinal, SessionID: sessionID, Content: content, Timestamp: time.Now()}
}

// DataFrame builds a structured payload frame, used for query results and
// export links.
func DataFrame(sessionID string, payload interface{}) Envelope {
	return Envelope{Kind: KindData, SessionID: sessionID, Data: payload, Timestamp: time.Now()}
}
