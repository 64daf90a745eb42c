// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package session provides the MCP session manager: TTL cleanup, a hard cap
// with oldest-session eviction, and per-session notification channels for SSE
// streaming.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Defaults.
const (
	DefaultTTL         = 30 * time.Minute
	DefaultMaxSessions = 10000
	// notifyBuffer bounds how many undelivered notifications a session holds
	// before new ones are dropped.
	notifyBuffer = 64
)

// Session is one MCP client session. The key binding is fixed at creation;
// requests arriving on the session with a different key are rejected by the
// proxy layer.
type Session struct {
	ID    string
	KeyID string
	// ClientInfo is the client name/version from the initialize request.
	ClientInfo string

	createdAt time.Time

	mu           sync.Mutex
	lastActivity time.Time
	initialized  bool
	// notify buffers server-to-client notifications until a GET stream
	// drains them. Nil after Close.
	notify chan []byte
	closed bool
}

// Touch updates the session's activity timestamp.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// LastActivity returns the most recent activity time.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// CreatedAt returns the creation time.
func (s *Session) CreatedAt() time.Time {
	return s.createdAt
}

// MarkInitialized records that the session completed the initialize
// handshake.
func (s *Session) MarkInitialized() {
	s.mu.Lock()
	s.initialized = true
	s.mu.Unlock()
}

// Initialized reports whether the handshake completed.
func (s *Session) Initialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}

// Notify queues a notification frame for the session's SSE stream. Frames are
// dropped when the buffer is full or the session is closed.
func (s *Session) Notify(frame []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.notify <- frame:
		return true
	default:
		return false
	}
}

// Notifications returns the channel an SSE handler reads frames from.
func (s *Session) Notifications() <-chan []byte {
	return s.notify
}

func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.notify)
	}
}

// Manager holds sessions with TTL cleanup and a capacity cap.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	ttl      time.Duration
	max      int
	stopCh   chan struct{}
	stopOnce sync.Once
}

// Option configures a Manager.
type Option func(*Manager)

// WithMaxSessions overrides the session cap.
func WithMaxSessions(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.max = n
		}
	}
}

// NewManager creates a session manager and starts its cleanup worker.
func NewManager(ttl time.Duration, opts ...Option) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	m := &Manager{
		sessions: make(map[string]*Session),
		ttl:      ttl,
		max:      DefaultMaxSessions,
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	go m.cleanupRoutine()
	return m
}

func (m *Manager) cleanupRoutine() {
	ticker := time.NewTicker(m.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.CleanupExpired()
		case <-m.stopCh:
			return
		}
	}
}

// Create makes a new session bound to keyID. When the manager is at capacity
// the session with the oldest activity is evicted to make room.
func (m *Manager) Create(keyID, clientInfo string) *Session {
	now := time.Now()
	s := &Session{
		ID:           uuid.NewString(),
		KeyID:        keyID,
		ClientInfo:   clientInfo,
		createdAt:    now,
		lastActivity: now,
		notify:       make(chan []byte, notifyBuffer),
	}

	m.mu.Lock()
	if len(m.sessions) >= m.max {
		m.evictOldestLocked()
	}
	m.sessions[s.ID] = s
	m.mu.Unlock()
	return s
}

func (m *Manager) evictOldestLocked() {
	var oldest *Session
	for _, s := range m.sessions {
		if oldest == nil || s.LastActivity().Before(oldest.LastActivity()) {
			oldest = s
		}
	}
	if oldest != nil {
		delete(m.sessions, oldest.ID)
		oldest.close()
	}
}

// Get retrieves a live session and touches it. An expired session is treated
// as absent and removed.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if time.Since(s.LastActivity()) > m.ttl {
		m.Delete(id)
		return nil, false
	}
	s.Touch()
	return s, true
}

// Delete removes and closes a session. Deleting an unknown ID reports false.
func (m *Manager) Delete(id string) bool {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if ok {
		s.close()
	}
	return ok
}

// CleanupExpired removes every session idle beyond the TTL and returns how
// many were removed.
func (m *Manager) CleanupExpired() int {
	cutoff := time.Now().Add(-m.ttl)

	m.mu.Lock()
	var expired []*Session
	for id, s := range m.sessions {
		if s.LastActivity().Before(cutoff) {
			delete(m.sessions, id)
			expired = append(expired, s)
		}
	}
	m.mu.Unlock()

	for _, s := range expired {
		s.close()
	}
	return len(expired)
}

// Broadcast queues a notification frame on every live session.
func (m *Manager) Broadcast(frame []byte) {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	for _, s := range sessions {
		s.Notify(frame)
	}
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Stop halts the cleanup worker and closes every session.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})

	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
}
