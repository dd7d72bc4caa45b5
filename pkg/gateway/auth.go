package gateway

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SessionInfo describes one authenticated login.
type SessionInfo struct {
	Username  string    `json:"username"`
	LoginTime time.Time `json:"login_time"`
}

// TokenStore issues and tracks auth tokens. The token doubles as the
// session ID and memory thread ID downstream, so logging in again starts a
// fresh conversation. Demo-grade: any username/password pair is accepted.
type TokenStore struct {
	mu       sync.RWMutex
	sessions map[string]SessionInfo
}

// NewTokenStore creates an empty token store.
func NewTokenStore() *TokenStore {
	return &TokenStore{sessions: make(map[string]SessionInfo)}
}

// Login validates the credentials and issues a token.
func (s *TokenStore) Login(username, password string) (string, error) {
	if username == "" {
		return "", fmt.Errorf("username is required")
	}
	if password == "" {
		return "", fmt.Errorf("password is required")
	}

	token := uuid.NewString()

	s.mu.Lock()
	s.sessions[token] = SessionInfo{Username: username, LoginTime: time.Now()}
	s.mu.Unlock()

	return token, nil
}

// Logout invalidates a token. Unknown tokens are an error so the client
// learns its token was already dead.
func (s *TokenStore) Logout(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[token]; !ok {
		return fmt.Errorf("invalid token")
	}
	delete(s.sessions, token)
	return nil
}

// Info returns the login details behind a token.
func (s *TokenStore) Info(token string) (SessionInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info, ok := s.sessions[token]
	return info, ok
}

// Valid reports whether the token belongs to a live login.
func (s *TokenStore) Valid(token string) bool {
	_, ok := s.Info(token)
	return ok
}

// Count returns the number of live logins.
func (s *TokenStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
