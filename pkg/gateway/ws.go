package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/meridian-labs/contactd/internal/tracing"
	"github.com/meridian-labs/contactd/pkg/conn"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

// wsTransport adapts a gorilla websocket connection to the connection
// manager's Transport. Gorilla conns allow one concurrent writer, so every
// write goes through the mutex.
type wsTransport struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (t *wsTransport) WriteEnvelope(env conn.Envelope) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ws.WriteJSON(env)
}

func (t *wsTransport) Close() error {
	return t.ws.Close()
}

// handleWebSocket upgrades the connection and binds it to the session named
// by the token query parameter. A session seen before reconnects and gets
// its queued backlog replayed; a fresh one registers clean. The read loop
// runs chat turns one at a time, so replies arrive in the order the client
// sent messages.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" || !s.auth.Valid(token) {
		writeError(w, http.StatusUnauthorized, "Invalid or missing token")
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade WebSocket")
		return
	}

	connID, err := gonanoid.New()
	if err != nil {
		connID = "unknown"
	}
	logger := s.logger.With().
		Str("conn_id", connID).
		Str("session_id", token).
		Logger()

	t := &wsTransport{ws: ws}
	if _, known := s.registry.Get(token); known {
		if err := s.connMgr.Reconnect(token, t); err != nil {
			logger.Error().Err(err).Msg("Backlog replay failed; client should retry")
			return
		}
	} else {
		s.connMgr.Register(token, t)
	}
	s.connMgr.Send(token, conn.Connected(token))

	logger.Info().Msg("WebSocket client connected")

	defer func() {
		s.connMgr.Disconnect(token, t)
		logger.Info().Msg("WebSocket client disconnected")
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Error().Err(err).Msg("WebSocket read error")
			}
			return
		}

		var frame wsFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.connMgr.Send(token, conn.ErrorFrame(token, "Invalid message frame"))
			continue
		}

		switch frame.Type {
		case "ping":
			s.connMgr.Send(token, conn.Pong())
		case "message":
			s.handleWSMessage(token, frame.Message)
		default:
			s.connMgr.Send(token, conn.ErrorFrame(token, "Unknown message type: "+frame.Type))
		}
	}
}

// handleWSMessage runs one chat turn for a WebSocket client. Results
// stream through the connection manager; runTurn emits the final and
// complete frames itself.
func (s *Server) handleWSMessage(token, message string) {
	if s.shuttingDown() {
		s.connMgr.Send(token, conn.ErrorFrame(token, "Server is shutting down"))
		return
	}

	message = strings.TrimSpace(message)
	if message == "" {
		s.connMgr.Send(token, conn.ErrorFrame(token, "Message is required"))
		return
	}

	s.inFlightReqs.Add(1)
	defer s.inFlightReqs.Done()

	ctx := tracing.NewRequestContext(context.Background())
	ctx = tracing.WithSessionID(ctx, token)

	if _, err := s.runTurn(ctx, token, message); err != nil {
		logger := tracing.LoggerFromContext(ctx, s.logger)
		logger.Error().Err(err).Str("session_id", token).Msg("WebSocket chat turn failed")
		s.connMgr.Send(token, conn.ErrorFrame(token, err.Error()))
	}
}
