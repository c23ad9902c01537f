// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package udp

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type mockHandler struct {
	mu     sync.Mutex
	err    error
	calls  int
	closed []string
}

func (m *mockHandler) HandlePacket(ctx context.Context, sess *Session, data []byte) error {
	m.mu.Lock()
	m.calls++
	err := m.err
	m.mu.Unlock()

	if err != nil {
		return err
	}
	// Echo back
	return sess.Write(data)
}

func (m *mockHandler) SessionClosed(sess *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = append(m.closed, sess.ID)
}

func (m *mockHandler) closedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.closed)
}

func startServer(t *testing.T, cfg Config, h Handler) (*Server, context.CancelFunc, <-chan error) {
	t.Helper()

	if cfg.Address == "" {
		cfg.Address = "127.0.0.1:0"
	}
	cfg.Logger = discard
	srv := New(cfg, h)
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	return srv, cancel, done
}

func dial(t *testing.T, addr net.Addr) *net.UDPConn {
	t.Helper()
	conn, err := net.DialUDP("udp", nil, addr.(*net.UDPAddr))
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestUDPServer_ListenAndReceive(t *testing.T) {
	h := &mockHandler{}
	srv, cancel, done := startServer(t, Config{WorkerPoolSize: 2}, h)

	conn := dial(t, srv.Addr())
	if _, err := conn.Write([]byte("hello")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	buf := make([]byte, 64)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if string(buf[:n]) != "hello" {
		t.Errorf("Expected echo 'hello', got %q", buf[:n])
	}
	if got := srv.Sessions(); got != 1 {
		t.Errorf("Sessions() = %d, want 1", got)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Serve() returned %v after cancel", err)
	}
	if got := h.closedCount(); got != 1 {
		t.Errorf("Expected 1 closed session on shutdown, got %d", got)
	}
}

func TestUDPServer_HandlerError(t *testing.T) {
	h := &mockHandler{err: errors.New("handler failure")}
	srv, cancel, done := startServer(t, Config{WorkerPoolSize: 1}, h)
	defer func() { cancel(); <-done }()

	conn := dial(t, srv.Addr())
	for i := 0; i < 2; i++ {
		if _, err := conn.Write([]byte("x")); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		h.mu.Lock()
		calls := h.calls
		h.mu.Unlock()
		if calls == 2 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("Expected the server to keep serving after handler errors")
}

func TestUDPServer_InvalidNetwork(t *testing.T) {
	srv := New(Config{Address: "127.0.0.1:0", Network: "tcp", Logger: discard}, &mockHandler{})
	if err := srv.Listen(); err == nil {
		t.Error("Expected error for unsupported network")
	}
}

func TestUDPServer_InvalidAddress(t *testing.T) {
	srv := New(Config{Address: "invalid:address:format", Logger: discard}, &mockHandler{})
	if err := srv.Listen(); err == nil {
		t.Error("Expected error for invalid address")
	}
}

func TestUDPServer_ServeBeforeListen(t *testing.T) {
	srv := New(Config{Logger: discard}, &mockHandler{})
	if err := srv.Serve(context.Background()); !errors.Is(err, ErrNotListening) {
		t.Errorf("Expected ErrNotListening, got %v", err)
	}
}

func TestNew_DefaultConfig(t *testing.T) {
	srv := New(Config{}, &mockHandler{})

	if srv.config.Network != DefaultNetwork {
		t.Errorf("Expected default network %s, got %s", DefaultNetwork, srv.config.Network)
	}
	if srv.config.SessionTimeout != DefaultSessionTimeout {
		t.Errorf("Expected default session timeout %v, got %v", DefaultSessionTimeout, srv.config.SessionTimeout)
	}
	if srv.config.BufferSize != DefaultBufferSize {
		t.Errorf("Expected default buffer size %d, got %d", DefaultBufferSize, srv.config.BufferSize)
	}
	if srv.config.WorkerPoolSize != DefaultWorkerPoolSize {
		t.Errorf("Expected default worker pool size %d, got %d", DefaultWorkerPoolSize, srv.config.WorkerPoolSize)
	}

	srv = New(Config{BufferSize: MaxDatagramSize + 1}, &mockHandler{})
	if srv.config.BufferSize != MaxDatagramSize {
		t.Errorf("Expected buffer size capped at %d, got %d", MaxDatagramSize, srv.config.BufferSize)
	}
}

func TestSessionManager_GetOrCreate(t *testing.T) {
	sm := NewSessionManager(discard, 1)
	ctx := context.Background()
	a := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 10001}
	b := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 10002}

	s1, isNew, err := sm.GetOrCreate(ctx, a, nil)
	if err != nil || !isNew {
		t.Fatalf("GetOrCreate() = %v, %v", isNew, err)
	}

	s2, isNew, err := sm.GetOrCreate(ctx, a, nil)
	if err != nil || isNew || s2 != s1 {
		t.Fatalf("Expected the existing session, got new=%v err=%v", isNew, err)
	}

	if _, _, err := sm.GetOrCreate(ctx, b, nil); !errors.Is(err, ErrSessionLimit) {
		t.Errorf("Expected ErrSessionLimit, got %v", err)
	}

	if got, ok := sm.Get(a); !ok || got != s1 {
		t.Error("Get() should return the session")
	}
	sm.Remove(a)
	if sm.Count() != 0 {
		t.Errorf("Count() = %d after Remove", sm.Count())
	}
}

func TestSessionManager_CleanupExpired(t *testing.T) {
	sm := NewSessionManager(discard, 0)
	h := &mockHandler{}
	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 10003}

	sess, _, _ := sm.GetOrCreate(context.Background(), addr, nil)
	sess.mu.Lock()
	sess.lastActivity = time.Now().Add(-time.Hour)
	sess.mu.Unlock()

	if n := sm.cleanupExpired(time.Minute, h.SessionClosed); n != 1 {
		t.Fatalf("cleanupExpired() = %d, want 1", n)
	}
	if !sess.Closed() {
		t.Error("Expected expired session to be closed")
	}
	if h.closedCount() != 1 {
		t.Error("Expected SessionClosed callback")
	}
	if err := sess.Write([]byte("x")); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Write() on closed session = %v, want ErrSessionClosed", err)
	}
}

func TestSession_UpdateActivity(t *testing.T) {
	sm := NewSessionManager(discard, 0)
	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 10004}
	sess, _, _ := sm.GetOrCreate(context.Background(), addr, nil)

	before := sess.LastActivity()
	time.Sleep(5 * time.Millisecond)
	sess.UpdateActivity()

	if !sess.LastActivity().After(before) {
		t.Error("Expected LastActivity to advance")
	}
}
