package gateway

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/meridian-labs/contactd/internal/tracing"
)

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	token, err := s.auth.Login(req.Username, req.Password)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.logger.Info().Str("username", req.Username).Msg("User logged in")
	writeJSON(w, http.StatusOK, loginResponse{
		Token:    token,
		Username: req.Username,
		Status:   "success",
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	if err := s.auth.Logout(req.Token); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid token")
		return
	}

	// The login is gone; release the agent session behind it as well so
	// its workdir and model rotation do not linger until the idle sweep.
	if _, ok := s.registry.Get(req.Token); ok {
		if err := s.registry.Evict(req.Token); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to evict session on logout")
		}
	}
	s.connMgr.Evict(req.Token)
	s.classifier.Forget(req.Token)

	writeJSON(w, http.StatusOK, messageResponse{
		Message: "Logged out successfully",
		Status:  "success",
	})
}

func (s *Server) handleSessionInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	info, ok := s.auth.Info(req.Token)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Invalid token")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"username":   info.Username,
		"login_time": info.LoginTime,
		"status":     "success",
	})
}

// handleFiles serves tool exports out of a session workdir. The path is
// /files/<token>/<relpath>; the token in the path must be a live login.
func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/files/")
	token, relpath, ok := strings.Cut(rest, "/")
	if !ok || relpath == "" {
		writeError(w, http.StatusBadRequest, "file path is required")
		return
	}

	if !s.auth.Valid(token) {
		writeError(w, http.StatusUnauthorized, "Invalid token")
		return
	}

	sess, ok := s.registry.Get(token)
	if !ok {
		writeError(w, http.StatusNotFound, "no session for token")
		return
	}

	// Resolve against the workdir and refuse anything that escapes it.
	full := filepath.Join(sess.WorkDir, filepath.Clean("/"+relpath))
	if !strings.HasPrefix(full, sess.WorkDir+string(os.PathSeparator)) {
		writeError(w, http.StatusBadRequest, "invalid file path")
		return
	}

	info, err := os.Stat(full)
	if err != nil || info.IsDir() {
		writeError(w, http.StatusNotFound, "file not found")
		return
	}

	logger := tracing.LoggerFromContext(r.Context(), s.logger)
	logger.Info().
		Str("session_id", token).
		Str("file", relpath).
		Msg("Serving export file")

	w.Header().Set("Content-Disposition", "attachment; filename="+filepath.Base(full))
	http.ServeFile(w, r, full)
}
