package registry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/meridian-labs/contactd/internal/observability"
	"github.com/meridian-labs/contactd/internal/tracing"
	"github.com/meridian-labs/contactd/pkg/agent"
	"github.com/meridian-labs/contactd/pkg/resilience"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Session is one authenticated conversation: an agent set bound to a
// model, a workdir for exports, and the rotation state that decides which
// model a rebuild lands on. The session ID doubles as auth token and
// memory thread ID.
type Session struct {
	ID        string
	User      string
	WorkDir   string
	CreatedAt time.Time
	Rotation  *resilience.ModelRotation

	mu         sync.RWMutex
	agents     *agent.Set
	lastActive time.Time
}

// Agents returns the session's current agent set.
func (s *Session) Agents() *agent.Set {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.agents
}

// Touch records activity, deferring idle eviction.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActive = time.Now()
	s.mu.Unlock()
}

// LastActive returns the time of the session's most recent activity.
func (s *Session) LastActive() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActive
}

func (s *Session) swapAgents(set *agent.Set) {
	s.mu.Lock()
	old := s.agents
	s.agents = set
	s.lastActive = time.Now()
	s.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
}

// Registry owns every live session. Construction is serialized per ID so a
// burst of identical tokens builds exactly one session; distinct IDs build
// in parallel.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	buildsMu sync.Mutex
	builds   map[string]*sync.Mutex

	factory   *agent.Factory
	rootDir   string
	primary   string
	fallbacks []string
	logger    zerolog.Logger

	// onEvict tells the surrounding layers (connection manager, routing
	// classifier) to drop their per-session state.
	onEvict func(sessionID string)
}

// Config holds registry configuration
type Config struct {
	Factory *agent.Factory
	// RootDir is where per-session workdirs are created.
	RootDir string
	// PrimaryModel and FallbackModels seed each session's rotation.
	PrimaryModel   string
	FallbackModels []string
	Logger         zerolog.Logger
	OnEvict        func(sessionID string)
}

// New creates a session registry.
func New(cfg Config) (*Registry, error) {
	observability.EnsureRegistered()

	if cfg.Factory == nil {
		return nil, fmt.Errorf("registry: agent factory is required")
	}
	if cfg.RootDir == "" {
		return nil, fmt.Errorf("registry: root directory is required")
	}
	if cfg.PrimaryModel == "" {
		return nil, fmt.Errorf("registry: primary model is required")
	}
	if err := os.MkdirAll(cfg.RootDir, 0700); err != nil {
		return nil, fmt.Errorf("registry: failed to create root directory: %w", err)
	}

	return &Registry{
		sessions:  make(map[string]*Session),
		builds:    make(map[string]*sync.Mutex),
		factory:   cfg.Factory,
		rootDir:   cfg.RootDir,
		primary:   cfg.PrimaryModel,
		fallbacks: append([]string(nil), cfg.FallbackModels...),
		logger:    cfg.Logger,
		onEvict:   cfg.OnEvict,
	}, nil
}

func validateSessionID(id string) error {
	if id == "" {
		return fmt.Errorf("registry: session id cannot be empty")
	}
	if strings.Contains(id, "..") || strings.ContainsAny(id, "/\\") || strings.Contains(id, "\x00") {
		return fmt.Errorf("registry: session id contains illegal characters")
	}
	return nil
}

// buildLock returns the per-ID construction mutex.
func (r *Registry) buildLock(id string) *sync.Mutex {
	r.buildsMu.Lock()
	defer r.buildsMu.Unlock()

	if lock, ok := r.builds[id]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	r.builds[id] = lock
	return lock
}

// CreateOrGet returns the session for an ID, constructing it on first use.
// Concurrent callers with the same ID serialize on a per-ID lock and all
// receive the single constructed session; a construction failure leaves no
// trace (no map entry, no workdir).
func (r *Registry) CreateOrGet(ctx context.Context, id, user string) (*Session, error) {
	if err := validateSessionID(id); err != nil {
		return nil, err
	}

	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if ok {
		s.Touch()
		return s, nil
	}

	lock := r.buildLock(id)
	lock.Lock()
	defer lock.Unlock()

	// Double-check: another caller may have built it while we waited.
	r.mu.RLock()
	s, ok = r.sessions[id]
	r.mu.RUnlock()
	if ok {
		s.Touch()
		return s, nil
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx = tracing.WithSessionID(ctx, id)
	ctx, span := tracing.StartSpan(
		ctx,
		"contactd.registry",
		"registry.create",
		attribute.String("session_id", id),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, r.logger)

	workDir := filepath.Join(r.rootDir, id)
	if err := os.MkdirAll(filepath.Join(workDir, "outputs"), 0700); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("registry: failed to create session workdir: %w", err)
	}

	rotation := resilience.NewModelRotation(r.primary, r.fallbacks)
	set, err := r.factory.Build(ctx, id, workDir, rotation.Current())
	if err != nil {
		// All-or-nothing: a half-built session must not leave a workdir
		// behind for the next attempt to trip over.
		os.RemoveAll(workDir)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	s = &Session{
		ID:         id,
		User:       user,
		WorkDir:    workDir,
		CreatedAt:  time.Now(),
		Rotation:   rotation,
		agents:     set,
		lastActive: time.Now(),
	}

	r.mu.Lock()
	r.sessions[id] = s
	observability.SetActiveSessions(len(r.sessions))
	r.mu.Unlock()

	logger.Info().
		Str("session_id", id).
		Str("model", set.Model()).
		Msg("Session created")
	return s, nil
}

// Get returns an existing session without constructing one.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Rebuild replaces a session's agent set in place, keeping its workdir,
// rotation state and (shared) memory. With rotate set, the rotation
// advances to the next untried fallback first; rebuild failure leaves the
// old set serving.
func (r *Registry) Rebuild(ctx context.Context, id string, rotate bool) error {
	s, ok := r.Get(id)
	if !ok {
		return fmt.Errorf("registry: session %s not found", id)
	}

	lock := r.buildLock(id)
	lock.Lock()
	defer lock.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}
	ctx = tracing.WithSessionID(ctx, id)
	ctx, span := tracing.StartSpan(
		ctx,
		"contactd.registry",
		"registry.rebuild",
		attribute.String("session_id", id),
		attribute.Bool("rotate", rotate),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, r.logger)

	model := s.Rotation.Current()
	if rotate {
		next, err := s.Rotation.Advance()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
		model = next
	}

	set, err := r.factory.Build(ctx, id, s.WorkDir, model)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("registry: rebuild of session %s failed: %w", id, err)
	}

	s.swapAgents(set)
	logger.Info().
		Str("session_id", id).
		Str("model", model).
		Bool("rotated", rotate).
		Msg("Session rebuilt")
	return nil
}

// Evict tears a session down: agent set released, workdir deleted,
// per-session state in the surrounding layers dropped. Evicting an unknown
// ID is a no-op.
func (r *Registry) Evict(id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	observability.SetActiveSessions(len(r.sessions))
	r.mu.Unlock()

	if !ok {
		return nil
	}

	_ = s.Agents().Close()
	if err := os.RemoveAll(s.WorkDir); err != nil {
		r.logger.Warn().
			Str("session_id", id).
			Err(err).
			Msg("Failed to remove session workdir")
	}

	r.buildsMu.Lock()
	delete(r.builds, id)
	r.buildsMu.Unlock()

	if r.onEvict != nil {
		r.onEvict(id)
	}

	r.logger.Info().Str("session_id", id).Msg("Session evicted")
	return nil
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// IDs returns the IDs of every live session.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Close evicts every session.
func (r *Registry) Close() error {
	for _, id := range r.IDs() {
		_ = r.Evict(id)
	}
	r.logger.Info().Msg("Session registry closed")
	return nil
}
