package gateway

import (
	"encoding/json"
	"net/http"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token    string `json:"token"`
	Username string `json:"username"`
	Status   string `json:"status"`
}

type tokenRequest struct {
	Token string `json:"token"`
}

type chatRequest struct {
	Token   string `json:"token"`
	Message string `json:"message"`
}

type chatResponse struct {
	Reply  string `json:"reply"`
	Status string `json:"status"`
}

type messageResponse struct {
	Message string `json:"message"`
	Status  string `json:"status"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Status string `json:"status"`
}

// wsFrame is one inbound WebSocket message. Ping frames carry only the
// type; message frames carry the chat text.
type wsFrame struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, Status: "error"})
}
