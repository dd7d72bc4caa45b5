package conn

import (
	"fmt"
	"sync"

	"github.com/meridian-labs/contactd/internal/observability"
	"github.com/rs/zerolog"
)

// Transport is the write half of a client connection. *websocket.Conn
// satisfies it through a thin adapter in the gateway; tests use in-memory
// fakes.
type Transport interface {
	WriteEnvelope(env Envelope) error
	Close() error
}

// entry is the per-session connection state. A session either has a live
// transport or a replay queue of content frames, never both populated with
// pending work at the same time.
type entry struct {
	transport Transport
	queue     []Envelope
	dropped   int
}

// Manager owns the mapping from session IDs to live transports and buffers
// content frames for sessions whose client is away.
//
// A single mutex guards the whole map. Every send, register, and disconnect
// takes it, which makes "flush the queue, then go live" atomic: no frame
// produced during a reconnect can overtake the replayed backlog.
type Manager struct {
	mu         sync.Mutex
	sessions   map[string]*entry
	queueLimit int
	logger     zerolog.Logger
}

// Config holds connection manager configuration
type Config struct {
	// QueueLimit caps the number of content frames buffered per away
	// session. Zero means 256.
	QueueLimit int
	Logger     zerolog.Logger
}

// NewManager creates a connection manager.
func NewManager(cfg Config) *Manager {
	observability.EnsureRegistered()

	if cfg.QueueLimit <= 0 {
		cfg.QueueLimit = 256
	}
	return &Manager{
		sessions:   make(map[string]*entry),
		queueLimit: cfg.QueueLimit,
		logger:     cfg.Logger,
	}
}

// Register attaches a transport for a session seen for the first time (or
// one whose state was evicted). Any previous transport for the ID is closed
// first.
func (m *Manager) Register(sessionID string, t Transport) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.sessions[sessionID]; ok && old.transport != nil {
		_ = old.transport.Close()
	}
	m.sessions[sessionID] = &entry{transport: t}
	m.publishGauges()

	m.logger.Info().Str("session_id", sessionID).Msg("Transport registered")
}

// Reconnect attaches a transport for a session that may hold a replay
// backlog. Queued content frames are written to the new transport before
// the method returns, while the lock is held, so a concurrent SendOrQueue
// observes either the away state (and queues behind the backlog) or the
// fully drained live state.
//
// If frames were dropped while the client was away, a single error control
// frame precedes the replay so the client can tell the history is
// incomplete.
func (m *Manager) Reconnect(sessionID string, t Transport) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.sessions[sessionID]
	if !ok {
		e = &entry{}
		m.sessions[sessionID] = e
	}
	if e.transport != nil {
		_ = e.transport.Close()
		e.transport = nil
	}

	backlog := e.queue
	if e.dropped > 0 {
		notice := ErrorFrame(sessionID, fmt.Sprintf("%d earlier messages were dropped while you were disconnected", e.dropped))
		backlog = append([]Envelope{notice}, backlog...)
	}

	for i, env := range backlog {
		if err := t.WriteEnvelope(env); err != nil {
			// The new transport died mid-replay. Keep the unsent tail
			// (including the frame that failed) for the next reconnect.
			e.queue = backlog[i:]
			e.dropped = 0
			_ = t.Close()
			m.publishGauges()
			return fmt.Errorf("conn: replay to session %s failed: %w", sessionID, err)
		}
	}

	e.queue = nil
	e.dropped = 0
	e.transport = t
	m.publishGauges()

	m.logger.Info().
		Str("session_id", sessionID).
		Int("replayed", len(backlog)).
		Msg("Transport reconnected")
	return nil
}

// Disconnect detaches the transport for a session, if the given transport
// is still the current one. Subsequent content frames are queued. Passing a
// nil transport detaches unconditionally.
func (m *Manager) Disconnect(sessionID string, t Transport) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.sessions[sessionID]
	if !ok {
		return
	}
	if t != nil && e.transport != t {
		// A newer transport already replaced this one.
		return
	}
	if e.transport != nil {
		_ = e.transport.Close()
		e.transport = nil
	}
	m.publishGauges()

	m.logger.Info().Str("session_id", sessionID).Msg("Transport detached")
}

// Send delivers an envelope to the session's live transport, or queues it
// for replay when the client is away and the envelope carries content.
// Control frames against an away session are dropped silently. A write
// failure detaches the transport and, for content frames, queues the
// envelope.
func (m *Manager) Send(sessionID string, env Envelope) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.sessions[sessionID]
	if !ok {
		if !env.queueable() {
			return
		}
		e = &entry{}
		m.sessions[sessionID] = e
	}

	if e.transport != nil {
		if err := e.transport.WriteEnvelope(env); err == nil {
			return
		}
		// Dead transport. Detach and fall through to queueing.
		_ = e.transport.Close()
		e.transport = nil
		m.logger.Warn().
			Str("session_id", sessionID).
			Str("kind", env.Kind).
			Msg("Write failed; transport detached")
	}

	if !env.queueable() {
		m.publishGauges()
		return
	}

	e.queue = append(e.queue, env)
	if len(e.queue) > m.queueLimit {
		over := len(e.queue) - m.queueLimit
		e.queue = e.queue[over:]
		e.dropped += over
		observability.RecordDroppedMessages(over)
		m.logger.Warn().
			Str("session_id", sessionID).
			Int("dropped", over).
			Msg("Replay queue full; oldest frames dropped")
	}
	m.publishGauges()
}

// Live reports whether the session currently has an attached transport.
func (m *Manager) Live(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.sessions[sessionID]
	return ok && e.transport != nil
}

// QueuedCount returns the number of frames awaiting replay for a session.
func (m *Manager) QueuedCount(sessionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.sessions[sessionID]; ok {
		return len(e.queue)
	}
	return 0
}

// Evict removes all connection state for a session, closing any live
// transport and discarding the replay queue. Called when the session itself
// is torn down.
func (m *Manager) Evict(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.sessions[sessionID]; ok {
		if e.transport != nil {
			_ = e.transport.Close()
		}
		delete(m.sessions, sessionID)
	}
	m.publishGauges()
}

// publishGauges updates connection metrics. Caller must hold m.mu.
func (m *Manager) publishGauges() {
	live := 0
	queued := 0
	for _, e := range m.sessions {
		if e.transport != nil {
			live++
		}
		queued += len(e.queue)
	}
	observability.SetLiveTransports(live)
	observability.SetQueuedMessages(queued)
}
