package session

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultTTL is how long an idle session survives before the sweeper
	// evicts it.
	DefaultTTL = 10 * time.Minute

	// sweepInterval is how often the sweeper scans for expired sessions.
	sweepInterval = time.Minute
)

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// Session is the prototype applied to every created session.
	Session Config

	// TTL evicts sessions idle for longer than this. Default: DefaultTTL.
	TTL time.Duration

	Logger *slog.Logger
}

// Manager owns the session table. Sessions are created on connect, looked
// up on reconnect, and evicted after TTL of inactivity. The lock guards the
// map only; session state has its own lock and no provider I/O happens
// under either.
type Manager struct {
	proto  Config
	ttl    time.Duration
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session

	stop     chan struct{}
	stopOnce sync.Once
}

// NewManager builds a Manager and starts its background sweeper.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Session.OrchestratorFactory == nil {
		return nil, fmt.Errorf("session: orchestrator factory is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	m := &Manager{
		proto:    cfg.Session,
		ttl:      cfg.TTL,
		logger:   cfg.Logger,
		sessions: make(map[string]*Session),
		stop:     make(chan struct{}),
	}
	go m.sweep()
	return m, nil
}

// Create builds a new session from the prototype. An empty id gets a fresh
// UUID; a caller-provided id must be unused.
func (m *Manager) Create(id string) (*Session, error) {
	if id == "" {
		id = uuid.NewString()
	}

	s, err := newSession(id, m.proto)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[id]; exists {
		return nil, fmt.Errorf("session: id %q already in use", id)
	}
	m.sessions[id] = s
	m.logger.Info("session created", "session_id", id, "active", len(m.sessions))
	return s, nil
}

// Lookup returns the session for id, or false if it does not exist or has
// already expired. A successful lookup refreshes the session's activity.
func (m *Manager) Lookup(id string) (*Session, bool) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if time.Since(s.LastActivity()) > m.ttl {
		m.evict(id, "expired")
		return nil, false
	}
	s.Touch()
	return s, true
}

// Remove destroys the session immediately, cancelling any active turn.
func (m *Manager) Remove(id string) {
	m.evict(id, "removed")
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Close stops the sweeper and destroys all sessions.
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stop) })

	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}

func (m *Manager) evict(id, reason string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	remaining := len(m.sessions)
	m.mu.Unlock()

	if ok {
		s.Close()
		m.logger.Info("session evicted", "session_id", id, "reason", reason, "active", remaining)
	}
}

// sweep periodically evicts sessions idle for longer than the TTL.
func (m *Manager) sweep() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
		}

		m.mu.RLock()
		var expired []string
		for id, s := range m.sessions {
			if time.Since(s.LastActivity()) > m.ttl {
				expired = append(expired, id)
			}
		}
		m.mu.RUnlock()

		for _, id := range expired {
			m.evict(id, "expired")
		}
	}
}
