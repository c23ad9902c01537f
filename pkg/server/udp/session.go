// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package udp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrSessionClosed is returned when writing through a closed session.
var ErrSessionClosed = errors.New("session closed")

// Session represents a virtual UDP "connection" for a specific client.
// Since UDP is connectionless, we maintain session state per client address.
type Session struct {
	// ID is a unique identifier for this session
	ID string

	// RemoteAddr is the client's UDP address
	RemoteAddr *net.UDPAddr

	// conn is the shared listening socket
	conn *net.UDPConn

	// ctx and cancel are used to terminate the session
	ctx    context.Context
	cancel context.CancelFunc

	// mu protects lastActivity updates
	mu           sync.Mutex
	lastActivity time.Time
}

// Write sends p to the peer.
func (s *Session) Write(p []byte) error {
	if s.Closed() {
		return ErrSessionClosed
	}
	if _, err := s.conn.WriteToUDP(p, s.RemoteAddr); err != nil {
		return err
	}
	s.UpdateActivity()
	return nil
}

// Context is cancelled when the session closes.
func (s *Session) Context() context.Context {
	return s.ctx
}

// Closed reports whether the session was closed.
func (s *Session) Closed() bool {
	return s.ctx.Err() != nil
}

// UpdateActivity updates the last activity timestamp for this session.
func (s *Session) UpdateActivity() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// LastActivity returns the last activity timestamp.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Close cancels the session. The shared socket stays open.
func (s *Session) Close() {
	s.cancel()
}

// SessionManager manages multiple UDP sessions keyed by client address.
type SessionManager struct {
	sessions    map[string]*Session
	mu          sync.RWMutex
	logger      *slog.Logger
	maxSessions int
}

// NewSessionManager creates a new session manager.
func NewSessionManager(logger *slog.Logger, maxSessions int) *SessionManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionManager{
		sessions:    make(map[string]*Session),
		logger:      logger,
		maxSessions: maxSessions,
	}
}

// GetOrCreate gets an existing session or creates a new one for the given client address.
func (sm *SessionManager) GetOrCreate(ctx context.Context, clientAddr *net.UDPAddr, conn *net.UDPConn) (*Session, bool, error) {
	key := clientAddr.String()

	sm.mu.RLock()
	if sess, ok := sm.sessions[key]; ok {
		sm.mu.RUnlock()
		sess.UpdateActivity()
		return sess, false, nil
	}
	sm.mu.RUnlock()

	sm.mu.Lock()
	defer sm.mu.Unlock()

	// Double-check in case another goroutine created it
	if sess, ok := sm.sessions[key]; ok {
		sess.UpdateActivity()
		return sess, false, nil
	}

	if sm.maxSessions > 0 && len(sm.sessions) >= sm.maxSessions {
		return nil, false, fmt.Errorf("%w (%d)", ErrSessionLimit, sm.maxSessions)
	}

	sessCtx, sessCancel := context.WithCancel(ctx)
	sess := &Session{
		ID:           uuid.New().String(),
		RemoteAddr:   clientAddr,
		conn:         conn,
		ctx:          sessCtx,
		cancel:       sessCancel,
		lastActivity: time.Now(),
	}
	sm.sessions[key] = sess

	sm.logger.Debug("new UDP session created",
		slog.String("session", sess.ID),
		slog.String("client", key))

	return sess, true, nil
}

// Get returns an existing session for the given client address.
func (sm *SessionManager) Get(clientAddr *net.UDPAddr) (*Session, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	sess, ok := sm.sessions[clientAddr.String()]
	return sess, ok
}

// Remove removes a session from the manager without closing it.
func (sm *SessionManager) Remove(clientAddr *net.UDPAddr) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	delete(sm.sessions, clientAddr.String())
}

// Cleanup removes expired sessions until ctx is cancelled.
func (sm *SessionManager) Cleanup(ctx context.Context, timeout time.Duration, onClose func(*Session)) {
	ticker := time.NewTicker(timeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sm.cleanupExpired(timeout, onClose)
		}
	}
}

// cleanupExpired removes sessions that haven't been active within the timeout.
func (sm *SessionManager) cleanupExpired(timeout time.Duration, onClose func(*Session)) int {
	now := time.Now()
	var expired []*Session

	sm.mu.Lock()
	for key, sess := range sm.sessions {
		if now.Sub(sess.LastActivity()) > timeout {
			delete(sm.sessions, key)
			expired = append(expired, sess)
		}
	}
	sm.mu.Unlock()

	for _, sess := range expired {
		sm.logger.Debug("session timeout",
			slog.String("session", sess.ID),
			slog.String("client", sess.RemoteAddr.String()))
		sess.Close()
		if onClose != nil {
			onClose(sess)
		}
	}

	if len(expired) > 0 {
		sm.logger.Debug("cleaned up expired sessions", slog.Int("count", len(expired)))
	}
	return len(expired)
}

// CloseAll closes and removes every session.
func (sm *SessionManager) CloseAll(onClose func(*Session)) {
	sm.mu.Lock()
	all := make([]*Session, 0, len(sm.sessions))
	for key, sess := range sm.sessions {
		all = append(all, sess)
		delete(sm.sessions, key)
	}
	sm.mu.Unlock()

	for _, sess := range all {
		sess.Close()
		if onClose != nil {
			onClose(sess)
		}
	}
}

// Count returns the number of active sessions.
func (sm *SessionManager) Count() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}
