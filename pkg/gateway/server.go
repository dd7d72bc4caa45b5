package gateway

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/meridian-labs/contactd/internal/observability"
	"github.com/meridian-labs/contactd/pkg/bridge"
	"github.com/meridian-labs/contactd/pkg/conn"
	"github.com/meridian-labs/contactd/pkg/memory"
	"github.com/meridian-labs/contactd/pkg/registry"
	"github.com/meridian-labs/contactd/pkg/resilience"
	"github.com/meridian-labs/contactd/pkg/routing"
	"github.com/rs/zerolog"
)

// Server is the HTTP/WebSocket surface of contactd. It owns the token
// store; everything else is shared runtime handed in through Config.
type Server struct {
	port           int
	auth           *TokenStore
	registry       *registry.Registry
	bridge         *bridge.Bridge
	classifier     *routing.Classifier
	connMgr        *conn.Manager
	controller     *resilience.Controller
	memoryStore    *memory.Store
	server         *http.Server
	upgrader       websocket.Upgrader
	logger         zerolog.Logger
	isShuttingDown bool
	shutdownMu     sync.RWMutex
	inFlightReqs   sync.WaitGroup
}

// Config holds server configuration
type Config struct {
	Port       int
	Registry   *registry.Registry
	Bridge     *bridge.Bridge
	Classifier *routing.Classifier
	Conn       *conn.Manager
	Controller *resilience.Controller
	Memory     *memory.Store
	Logger     zerolog.Logger
}

// NewServer creates the gateway server.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Port <= 0 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("session registry is required")
	}
	if cfg.Bridge == nil {
		return nil, fmt.Errorf("execution bridge is required")
	}
	if cfg.Classifier == nil {
		return nil, fmt.Errorf("routing classifier is required")
	}
	if cfg.Conn == nil {
		return nil, fmt.Errorf("connection manager is required")
	}
	if cfg.Controller == nil {
		return nil, fmt.Errorf("resilience controller is required")
	}
	if cfg.Memory == nil {
		return nil, fmt.Errorf("memory store is required")
	}

	return &Server{
		port:        cfg.Port,
		auth:        NewTokenStore(),
		registry:    cfg.Registry,
		bridge:      cfg.Bridge,
		classifier:  cfg.Classifier,
		connMgr:     cfg.Conn,
		controller:  cfg.Controller,
		memoryStore: cfg.Memory,
		logger:      cfg.Logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for now
			},
		},
	}, nil
}

// Tokens exposes the token store, for callers that pre-seed logins.
func (s *Server) Tokens() *TokenStore {
	return s.auth
}

// Handler builds the route table. Split out from Start so tests can mount
// it on httptest servers.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth/login", s.tracked(s.handleLogin))
	mux.HandleFunc("/api/auth/logout", s.tracked(s.handleLogout))
	mux.HandleFunc("/api/auth/session", s.tracked(s.handleSessionInfo))
	mux.HandleFunc("/chat", s.tracked(s.handleChat))
	mux.HandleFunc("/chat/clear", s.tracked(s.handleChatClear))
	mux.HandleFunc("/chat/health", s.handleChatHealth)
	mux.HandleFunc("/files/", s.tracked(s.handleFiles))
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return mux
}

// Start starts the gateway server.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: s.Handler(),
	}

	s.logger.Info().Int("port", s.port).Msg("Starting gateway server")

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()

	return nil
}

// Stop gracefully stops the gateway server.
func (s *Server) Stop() error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down gateway server")

	// Wait for in-flight requests with timeout
	done := make(chan struct{})
	go func() {
		s.inFlightReqs.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		s.logger.Warn().Msg("Timed out waiting for in-flight requests")
	}

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shut down http server: %w", err)
		}
	}

	s.logger.Info().Msg("Gateway server stopped")
	return nil
}

func (s *Server) shuttingDown() bool {
	s.shutdownMu.RLock()
	defer s.shutdownMu.RUnlock()
	return s.isShuttingDown
}

// tracked counts the request toward graceful shutdown and rejects new work
// once shutdown has begun.
func (s *Server) tracked(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.shuttingDown() {
			writeError(w, http.StatusServiceUnavailable, "server is shutting down")
			return
		}
		s.inFlightReqs.Add(1)
		defer s.inFlightReqs.Done()
		h(w, r)
	}
}
