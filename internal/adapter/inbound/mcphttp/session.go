package mcphttp

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"dsmcp/internal/domain"

	"github.com/google/uuid"
	mcpGoServer "github.com/mark3labs/mcp-go/server"
)

// Session is one logical protocol session. It owns a dedicated MCP server
// whose registered surface reflects the session user's access, and it
// outlives individual HTTP connections: only an explicit DELETE or idle
// eviction ends it.
type Session struct {
	ID   string
	User domain.Identity

	srv     *mcpGoServer.MCPServer
	created time.Time

	mu         sync.Mutex
	lastActive time.Time
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActive = time.Now()
	s.mu.Unlock()
}

func (s *Session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// SessionManager tracks live sessions by ID.
type SessionManager struct {
	logger      *slog.Logger
	idleTimeout time.Duration

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewSessionManager builds a manager. idleTimeout of zero disables idle
// eviction.
func NewSessionManager(idleTimeout time.Duration, logger *slog.Logger) *SessionManager {
	return &SessionManager{
		logger:      logger.With(slog.String("component", "session_manager")),
		idleTimeout: idleTimeout,
		sessions:    map[string]*Session{},
	}
}

// Create registers a new session around the given per-session server.
func (m *SessionManager) Create(srv *mcpGoServer.MCPServer, user domain.Identity) *Session {
	now := time.Now()
	sess := &Session{
		ID:         uuid.NewString(),
		User:       user,
		srv:        srv,
		created:    now,
		lastActive: now,
	}
	m.mu.Lock()
	m.sessions[sess.ID] = sess
	m.mu.Unlock()
	m.logger.Info("Session created.", slog.String("session_id", sess.ID), slog.String("user", user.Name()))
	return sess
}

// Get returns the session and marks it active.
func (m *SessionManager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	sess, ok := m.sessions[id]
	m.mu.RUnlock()
	if ok {
		sess.touch()
	}
	return sess, ok
}

// Delete removes the session. Reports whether it existed.
func (m *SessionManager) Delete(id string) bool {
	m.mu.Lock()
	_, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if ok {
		m.logger.Info("Session closed.", slog.String("session_id", id))
	}
	return ok
}

// Len reports the number of live sessions.
func (m *SessionManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// StartReaper evicts idle sessions periodically until ctx is done. A no-op
// when idle eviction is disabled.
func (m *SessionManager) StartReaper(ctx context.Context) {
	if m.idleTimeout <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(m.idleTimeout / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.evictIdle()
			}
		}
	}()
}

func (m *SessionManager) evictIdle() {
	cutoff := time.Now().Add(-m.idleTimeout)
	m.mu.Lock()
	var evicted []string
	for id, sess := range m.sessions {
		if sess.idleSince().Before(cutoff) {
			delete(m.sessions, id)
			evicted = append(evicted, id)
		}
	}
	m.mu.Unlock()
	for _, id := range evicted {
		m.logger.Info("Session evicted after idle timeout.", slog.String("session_id", id))
	}
}
