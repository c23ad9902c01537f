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
	"sync/atomic"
	"time"

	gwerrors "github.com/edgracilla/coap-gateway/pkg/errors"
)

const (
	// DefaultSessionTimeout is the default timeout for idle UDP sessions.
	DefaultSessionTimeout = 5 * time.Minute

	// MaxDatagramSize is the maximum size of a UDP datagram.
	MaxDatagramSize = 65535

	// DefaultBufferSize is the default buffer size for UDP packets.
	DefaultBufferSize = 8192

	// DefaultWorkerPoolSize is the default number of workers for packet processing.
	DefaultWorkerPoolSize = 100

	// DefaultNetwork is the default socket family.
	DefaultNetwork = "udp4"
)

var (
	// ErrNotListening is returned by Serve before Listen succeeded.
	ErrNotListening = errors.New("server is not listening")

	// ErrSessionLimit is returned when MaxSessions peers are already tracked.
	ErrSessionLimit = errors.New("session limit reached")
)

// Handler processes datagrams read by the server.
type Handler interface {
	// HandlePacket is called from a pool worker for every datagram.
	HandlePacket(ctx context.Context, sess *Session, data []byte) error

	// SessionClosed is called once a session was evicted or the server stopped.
	SessionClosed(sess *Session)
}

// Config holds the UDP server configuration.
type Config struct {
	// Address is the listen address (host:port)
	Address string

	// Network is one of udp, udp4 or udp6.
	Network string

	// SessionTimeout is the idle timeout for UDP sessions.
	SessionTimeout time.Duration

	// MaxSessions is the maximum number of tracked peers. 0 means unlimited.
	MaxSessions int

	// BufferSize is the size of datagram read buffers in bytes.
	// Must not exceed MaxDatagramSize (65535).
	BufferSize int

	// WorkerPoolSize is the number of goroutines in the packet processing pool.
	WorkerPoolSize int

	// ReadBufferSize sets the socket receive buffer size (SO_RCVBUF).
	// If 0, uses system default.
	ReadBufferSize int

	// WriteBufferSize sets the socket send buffer size (SO_SNDBUF).
	// If 0, uses system default.
	WriteBufferSize int

	// Logger for server events
	Logger *slog.Logger
}

// packetJob represents a packet processing job for the worker pool.
type packetJob struct {
	sess *Session
	data []byte
}

// Server reads datagrams, tracks one session per peer and hands every
// datagram to a Handler on a bounded worker pool.
type Server struct {
	config     Config
	handler    Handler
	sessions   *SessionManager
	bufferPool *sync.Pool
	packetCh   chan packetJob
	workerWg   sync.WaitGroup

	conn    *net.UDPConn
	closing atomic.Bool
}

// New creates a new UDP server with the given configuration and handler.
func New(cfg Config, h Handler) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Network == "" {
		cfg.Network = DefaultNetwork
	}
	if cfg.SessionTimeout == 0 {
		cfg.SessionTimeout = DefaultSessionTimeout
	}
	if cfg.BufferSize == 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.BufferSize > MaxDatagramSize {
		cfg.BufferSize = MaxDatagramSize
	}
	if cfg.WorkerPoolSize == 0 {
		cfg.WorkerPoolSize = DefaultWorkerPoolSize
	}

	bufferPool := &sync.Pool{
		New: func() interface{} {
			buf := make([]byte, cfg.BufferSize)
			return &buf
		},
	}

	return &Server{
		config:     cfg,
		handler:    h,
		sessions:   NewSessionManager(cfg.Logger, cfg.MaxSessions),
		bufferPool: bufferPool,
		packetCh:   make(chan packetJob, cfg.WorkerPoolSize*2),
	}
}

// Listen binds the socket. It does not read from it.
func (s *Server) Listen() error {
	switch s.config.Network {
	case "udp", "udp4", "udp6":
	default:
		return fmt.Errorf("unsupported network %q", s.config.Network)
	}

	addr, err := net.ResolveUDPAddr(s.config.Network, s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to resolve address %s: %w", s.config.Address, err)
	}

	conn, err := net.ListenUDP(s.config.Network, addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}

	if s.config.ReadBufferSize > 0 {
		if err := conn.SetReadBuffer(s.config.ReadBufferSize); err != nil {
			s.config.Logger.Warn("failed to set read buffer size",
				slog.String("error", err.Error()))
		}
	}
	if s.config.WriteBufferSize > 0 {
		if err := conn.SetWriteBuffer(s.config.WriteBufferSize); err != nil {
			s.config.Logger.Warn("failed to set write buffer size",
				slog.String("error", err.Error()))
		}
	}

	s.conn = conn
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// Sessions returns the number of tracked peers.
func (s *Server) Sessions() int {
	return s.sessions.Count()
}

// Serve reads datagrams until ctx is cancelled or the socket fails. It
// returns nil after a cancellation and an ErrTransportFault otherwise.
// Workers finish their queued datagrams before Serve returns.
func (s *Server) Serve(ctx context.Context) error {
	if s.conn == nil {
		return ErrNotListening
	}
	conn := s.conn

	s.config.Logger.Info("UDP server started",
		slog.String("address", conn.LocalAddr().String()),
		slog.String("network", s.config.Network),
		slog.Duration("session_timeout", s.config.SessionTimeout),
		slog.Int("worker_pool_size", s.config.WorkerPoolSize),
		slog.Int("buffer_size", s.config.BufferSize))

	s.startWorkerPool(ctx)

	cleanupCtx, cleanupCancel := context.WithCancel(ctx)
	defer cleanupCancel()
	go s.sessions.Cleanup(cleanupCtx, s.config.SessionTimeout, s.handler.SessionClosed)

	readErr := make(chan error, 1)
	go func() {
		readErr <- s.readLoop(ctx, conn)
	}()

	var err error
	select {
	case <-ctx.Done():
		s.config.Logger.Info("shutdown signal received, closing listener")
	case err = <-readErr:
		s.config.Logger.Error("UDP listener failed", slog.String("error", err.Error()))
	}

	s.closing.Store(true)
	if cerr := conn.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
		s.config.Logger.Error("error closing listener", slog.String("error", cerr.Error()))
	}
	if err == nil {
		<-readErr
	}

	close(s.packetCh)
	s.workerWg.Wait()
	s.config.Logger.Info("all workers stopped")

	s.sessions.CloseAll(s.handler.SessionClosed)

	if err != nil {
		return fmt.Errorf("%w: %w", gwerrors.ErrTransportFault, err)
	}
	return nil
}

func (s *Server) readLoop(ctx context.Context, conn *net.UDPConn) error {
	for {
		bufPtr := s.bufferPool.Get().(*[]byte)
		buffer := *bufPtr

		n, clientAddr, err := conn.ReadFromUDP(buffer)
		if err != nil {
			s.bufferPool.Put(bufPtr)
			if s.closing.Load() || ctx.Err() != nil {
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return err
		}

		// Make a copy of the data for processing
		datagram := make([]byte, n)
		copy(datagram, buffer[:n])
		s.bufferPool.Put(bufPtr)

		sess, _, err := s.sessions.GetOrCreate(ctx, clientAddr, conn)
		if err != nil {
			s.config.Logger.Warn("failed to get/create session",
				slog.String("client", clientAddr.String()),
				slog.String("error", err.Error()))
			continue
		}

		select {
		case s.packetCh <- packetJob{sess: sess, data: datagram}:
		case <-ctx.Done():
			return nil
		default:
			s.config.Logger.Warn("worker pool full, dropping packet",
				slog.String("client", clientAddr.String()))
		}
	}
}

// startWorkerPool starts the worker goroutines for packet processing.
func (s *Server) startWorkerPool(ctx context.Context) {
	for i := 0; i < s.config.WorkerPoolSize; i++ {
		s.workerWg.Add(1)
		go func(workerID int) {
			defer s.workerWg.Done()
			s.packetWorker(ctx, workerID)
		}(i)
	}
	s.config.Logger.Info("worker pool started", slog.Int("workers", s.config.WorkerPoolSize))
}

// packetWorker processes packets until the packet channel is closed.
func (s *Server) packetWorker(ctx context.Context, workerID int) {
	for job := range s.packetCh {
		if err := s.handler.HandlePacket(ctx, job.sess, job.data); err != nil {
			s.config.Logger.Debug("packet handler error",
				slog.Int("worker", workerID),
				slog.String("client", job.sess.RemoteAddr.String()),
				slog.String("error", err.Error()))
		}
	}
}
