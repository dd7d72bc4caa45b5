package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/meridian-labs/contactd/internal/tracing"
	"github.com/meridian-labs/contactd/pkg/agent"
	"github.com/meridian-labs/contactd/pkg/bridge"
	"github.com/meridian-labs/contactd/pkg/conn"
	"github.com/meridian-labs/contactd/pkg/routing"
)

var downloadMarker = regexp.MustCompile(`\[DOWNLOAD:([^\]]+)\]`)

// handleChat runs one conversational turn over plain HTTP. The same turn
// streams progress envelopes through the connection manager, so a client
// holding a WebSocket alongside sees tool activity while the POST blocks.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	if req.Token == "" || !s.auth.Valid(req.Token) {
		writeError(w, http.StatusUnauthorized, "Invalid or missing token")
		return
	}

	message := strings.TrimSpace(req.Message)
	if message == "" {
		writeError(w, http.StatusBadRequest, "Message is required")
		return
	}

	ctx := tracing.NewRequestContext(r.Context())
	ctx = tracing.WithSessionID(ctx, req.Token)
	logger := tracing.LoggerFromContext(ctx, s.logger)

	info, _ := s.auth.Info(req.Token)
	logger.Info().Str("username", info.Username).Msg("Processing chat request")

	result, err := s.runTurn(ctx, req.Token, message)
	if err != nil {
		s.connMgr.Send(req.Token, conn.ErrorFrame(req.Token, err.Error()))
		switch {
		case errors.Is(err, bridge.ErrTimeout):
			writeError(w, http.StatusGatewayTimeout, "Request timed out. Please try again.")
		case isConstruction(err):
			writeError(w, http.StatusServiceUnavailable, "Agent not initialized. Please try again.")
		default:
			logger.Error().Err(err).Msg("Chat turn failed")
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("An error occurred: %v", err))
		}
		return
	}

	writeJSON(w, http.StatusOK, chatResponse{Reply: result.Reply, Status: "success"})
}

// runTurn is the full pipeline behind a chat message: resolve the session,
// classify the utterance, run the chosen agent through the bridge with the
// recover-once policy, and stream envelopes as the turn progresses.
func (s *Server) runTurn(ctx context.Context, token, message string) (agent.Result, error) {
	info, _ := s.auth.Info(token)
	sess, err := s.registry.CreateOrGet(ctx, token, info.Username)
	if err != nil {
		return agent.Result{}, err
	}
	sess.Touch()

	role := agent.RolePrimary
	if s.classifier.Classify(message, token) == routing.Delegate {
		role = agent.RoleData
	}

	sink := func(ev agent.Event) {
		switch ev.Kind {
		case "tool_start":
			s.connMgr.Send(token, conn.Stream(token, "Running "+ev.Tool+"..."))
		case "tool_end":
			if ev.Data != nil {
				s.connMgr.Send(token, conn.DataFrame(token, ev.Data))
			}
		case "chunk":
			if ev.Content != "" {
				s.connMgr.Send(token, conn.Stream(token, ev.Content))
			}
		}
	}

	out, err := s.bridge.Submit(ctx, func(taskCtx context.Context) (interface{}, error) {
		result, err := s.controller.Run(taskCtx,
			func(ctx context.Context) (agent.Result, error) {
				// Re-read the agent set each attempt; a recovery swaps it.
				h, ok := sess.Agents().Handle(role)
				if !ok {
					return agent.Result{}, fmt.Errorf("gateway: session has no %s agent", role)
				}
				return h.Invoke(ctx, token, message, sink)
			},
			func(ctx context.Context, cause error) error {
				return s.registry.Rebuild(ctx, token, agent.IsModelUnavailable(cause))
			},
		)
		if err != nil {
			return nil, err
		}
		return result, nil
	})
	if err != nil {
		return agent.Result{}, err
	}

	result := out.(agent.Result)
	result.Reply = s.rewriteDownloads(token, result.Reply)

	s.connMgr.Send(token, conn.Final(token, result.Reply))
	s.connMgr.Send(token, conn.Complete(token))

	return result, nil
}

// rewriteDownloads turns tool download markers into URLs the client can
// fetch from the files endpoint.
func (s *Server) rewriteDownloads(token, text string) string {
	return downloadMarker.ReplaceAllString(text, "/files/"+token+"/$1")
}

func (s *Server) handleChatClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	if req.Token == "" || !s.auth.Valid(req.Token) {
		writeError(w, http.StatusUnauthorized, "Invalid or missing token")
		return
	}

	if err := s.memoryStore.Clear(r.Context(), req.Token); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.classifier.Forget(req.Token)

	s.logger.Info().Str("session_id", req.Token).Msg("Conversation history cleared")
	writeJSON(w, http.StatusOK, messageResponse{
		Message: "Conversation history cleared",
		Status:  "success",
	})
}

func (s *Server) handleChatHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "healthy",
		"agent_sessions": s.registry.Count(),
	})
}

func isConstruction(err error) bool {
	var ce *agent.ConstructionError
	return errors.As(err, &ce)
}
