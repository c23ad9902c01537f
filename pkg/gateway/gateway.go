// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/edgracilla/coap-gateway/pkg/auth"
	"github.com/edgracilla/coap-gateway/pkg/backend"
	"github.com/edgracilla/coap-gateway/pkg/errors"
	"github.com/edgracilla/coap-gateway/pkg/metrics"
	"github.com/edgracilla/coap-gateway/pkg/outbound"
	"github.com/edgracilla/coap-gateway/pkg/parser/coap"
	"github.com/edgracilla/coap-gateway/pkg/ratelimit"
	"github.com/edgracilla/coap-gateway/pkg/resolver"
	"github.com/edgracilla/coap-gateway/pkg/router"
	"github.com/edgracilla/coap-gateway/pkg/server/udp"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/semaphore"
)

const (
	// DefaultFaultGracePeriod is how long Run waits after a transport fault
	// so in-flight logs reach the backend.
	DefaultFaultGracePeriod = 5 * time.Second

	// DefaultMaxInflight bounds requests being served concurrently.
	DefaultMaxInflight = 1024

	housekeepingInterval = 30 * time.Second
)

// State is the gateway lifecycle state.
type State int32

const (
	StateStarting State = iota
	StateListening
	StateClosing
	StateClosed
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateListening:
		return "listening"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// Config holds the gateway configuration.
type Config struct {
	// Address is the listen address (host:port).
	Address string

	// Network is one of udp, udp4 or udp6.
	Network string

	Routes router.Routes

	// Mode selects how device identities are authorized.
	Mode resolver.Mode

	// ResolveTimeout bounds a remote device lookup.
	ResolveTimeout time.Duration

	FaultGracePeriod time.Duration
	SessionTimeout   time.Duration

	// BindingTTL expires outbound bindings. Zero keeps them until consumed
	// or until their session is evicted.
	BindingTTL time.Duration

	// ExchangeLifetime is how long responses are remembered for retransmits.
	ExchangeLifetime time.Duration

	// WorkerPoolSize is the number of goroutines decoding datagrams. Requests
	// are served outside the pool, at most MaxInflight at a time.
	WorkerPoolSize int
	MaxInflight    int

	// Socket and session limits passed to the UDP server.
	MaxSessions     int
	BufferSize      int
	ReadBufferSize  int
	WriteBufferSize int

	RateLimit ratelimit.Config

	Clock   clock.Clock
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Gateway owns the transport, the authorization state and the outbound
// bindings of one CoAP endpoint.
type Gateway struct {
	cfg     Config
	backend backend.Backend
	clock   clock.Clock
	metrics *metrics.Metrics
	logger  *slog.Logger

	store      *auth.Store
	resolver   resolver.Resolver
	remote     *resolver.Remote
	dispatcher *router.Dispatcher
	outbound   *outbound.Channel
	codec      *coap.Codec
	dedup      *coap.Deduplicator
	limiter    *ratelimit.Limiter
	server     *udp.Server

	inflight *semaphore.Weighted
	requests sync.WaitGroup

	state   atomic.Int32
	started atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
}

var (
	_ udp.Handler          = (*Gateway)(nil)
	_ backend.EventHandler = (*Gateway)(nil)
)

// New wires a gateway around b. Nothing is bound until Run.
func New(cfg Config, b backend.Backend) (*Gateway, error) {
	if b == nil {
		return nil, fmt.Errorf("gateway: nil backend")
	}
	if cfg.Mode == "" {
		cfg.Mode = resolver.ModeRemote
	}
	if cfg.Mode != resolver.ModeLocal && cfg.Mode != resolver.ModeRemote {
		return nil, fmt.Errorf("gateway: unknown resolution mode %q", cfg.Mode)
	}
	if cfg.FaultGracePeriod <= 0 {
		cfg.FaultGracePeriod = DefaultFaultGracePeriod
	}
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = DefaultMaxInflight
	}
	if cfg.ExchangeLifetime <= 0 {
		cfg.ExchangeLifetime = coap.DefaultExchangeLifetime
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New("coap_gateway", prometheus.NewRegistry())
	}
	cfg.Routes = cfg.Routes.Normalized()

	g := &Gateway{
		cfg:      cfg,
		backend:  b,
		clock:    cfg.Clock,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		store:    auth.NewStore(cfg.Logger),
		codec:    coap.NewCodec(),
		dedup:    coap.NewDeduplicator(coap.DefaultDedupSize, cfg.ExchangeLifetime),
		limiter:  ratelimit.NewLimiter(cfg.RateLimit),
		inflight: semaphore.NewWeighted(int64(cfg.MaxInflight)),
	}

	switch cfg.Mode {
	case resolver.ModeLocal:
		g.resolver = resolver.NewLocal(g.store)
	case resolver.ModeRemote:
		g.remote = resolver.NewRemote(b, resolver.RemoteConfig{
			Timeout: cfg.ResolveTimeout,
			Clock:   cfg.Clock,
			Logger:  cfg.Logger,
		})
		g.resolver = g.remote
	}

	g.outbound = outbound.New(b, outbound.Config{
		TTL:    cfg.BindingTTL,
		Clock:  cfg.Clock,
		Logger: cfg.Logger,
	})
	g.dispatcher = router.NewDispatcher(cfg.Routes, b, g.outbound, cfg.Logger)
	g.server = udp.New(udp.Config{
		Address:         cfg.Address,
		Network:         cfg.Network,
		SessionTimeout:  cfg.SessionTimeout,
		MaxSessions:     cfg.MaxSessions,
		BufferSize:      cfg.BufferSize,
		WorkerPoolSize:  cfg.WorkerPoolSize,
		ReadBufferSize:  cfg.ReadBufferSize,
		WriteBufferSize: cfg.WriteBufferSize,
		Logger:          cfg.Logger,
	}, g)

	g.setState(StateStarting)
	return g, nil
}

// Run binds the port and serves until ctx is cancelled, a close is
// requested by the backend, or the transport fails. It returns nil after a
// close and an errors.ErrTransportFault after a fault.
func (g *Gateway) Run(ctx context.Context) error {
	if !g.started.CompareAndSwap(false, true) {
		return fmt.Errorf("gateway: already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g.mu.Lock()
	g.cancel = cancel
	g.mu.Unlock()

	if err := g.server.Listen(); err != nil {
		return g.fault(ctx, fmt.Errorf("%w: %w", errors.ErrTransportFault, err))
	}
	if err := g.backend.Subscribe(runCtx, g); err != nil {
		return g.fault(ctx, fmt.Errorf("subscribe to backend events: %w", err))
	}
	if g.cfg.Mode == resolver.ModeLocal {
		g.loadRegistered(runCtx)
	}

	if !g.transition(StateStarting, StateListening) {
		// Closed before the port was announced.
		return g.shutdown(ctx)
	}
	port := g.port()
	g.logEvent(runCtx, backend.Event{Title: fmt.Sprintf("CoAP Gateway initialized on port %d", port)})
	if err := g.backend.NotifyReady(runCtx); err != nil {
		g.logger.Warn("Failed to notify readiness", slog.String("error", err.Error()))
	}

	go g.housekeeping(runCtx)

	err := g.server.Serve(runCtx)

	// Unblock pending lookups and let in-flight requests finish.
	cancel()
	g.requests.Wait()

	if err != nil {
		return g.fault(ctx, err)
	}
	return g.shutdown(ctx)
}

// Close requests a graceful shutdown. It is safe to call at any time.
func (g *Gateway) Close() {
	g.mu.Lock()
	cancel := g.cancel
	g.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// State returns the lifecycle state.
func (g *Gateway) State() State {
	return State(g.state.Load())
}

// Ready reports nil while the gateway is listening.
func (g *Gateway) Ready(context.Context) error {
	if s := g.State(); s != StateListening {
		return fmt.Errorf("gateway is %s", s)
	}
	return nil
}

// Addr returns the bound address, or nil before Run bound it.
func (g *Gateway) Addr() net.Addr {
	return g.server.Addr()
}

// Store exposes the local authorization store.
func (g *Gateway) Store() *auth.Store {
	return g.store
}

func (g *Gateway) loadRegistered(ctx context.Context) {
	recs, err := g.backend.RegisteredDevices(ctx)
	if err != nil {
		g.logger.Warn("Failed to load registered devices", slog.String("error", err.Error()))
		g.backend.ReportException(ctx, errors.Wrap(err, "load registered devices"))
		return
	}
	g.store.BulkLoad(recs)
	g.metrics.AuthorizedDevices.Set(float64(g.store.Len()))
	g.logger.Info("Loaded registered devices", slog.Int("count", g.store.Len()))
}

// fault moves to Faulted, reports err and waits the grace period.
func (g *Gateway) fault(ctx context.Context, err error) error {
	if !g.transition(StateStarting, StateFaulted) && !g.transition(StateListening, StateFaulted) {
		return err
	}

	g.logger.Error("CoAP Gateway Error", slog.String("error", err.Error()))
	g.backend.ReportException(context.WithoutCancel(ctx), err)

	select {
	case <-g.clock.After(g.cfg.FaultGracePeriod):
	case <-ctx.Done():
	}
	return err
}

// shutdown moves to Closed once the listener is gone.
func (g *Gateway) shutdown(ctx context.Context) error {
	if !g.transition(StateListening, StateClosing) && !g.transition(StateStarting, StateClosing) {
		return nil
	}

	// The caller's context is usually what triggered the close.
	nctx := context.WithoutCancel(ctx)
	g.logEvent(nctx, backend.Event{Title: fmt.Sprintf("CoAP Gateway closed on port %d", g.port())})
	if err := g.backend.NotifyClose(nctx); err != nil {
		g.logger.Warn("Failed to notify close", slog.String("error", err.Error()))
	}

	g.setState(StateClosed)
	return nil
}

func (g *Gateway) transition(from, to State) bool {
	if !g.state.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	g.metrics.GatewayState.Set(float64(to))
	g.logger.Debug("gateway state changed",
		slog.String("from", from.String()),
		slog.String("to", to.String()))
	return true
}

func (g *Gateway) setState(s State) {
	g.state.Store(int32(s))
	g.metrics.GatewayState.Set(float64(s))
}

func (g *Gateway) port() int {
	if addr, ok := g.server.Addr().(*net.UDPAddr); ok {
		return addr.Port
	}
	return 0
}

// housekeeping sweeps stale bindings and refreshes gauges.
func (g *Gateway) housekeeping(ctx context.Context) {
	ticker := g.clock.Ticker(housekeepingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := g.outbound.Sweep(); n > 0 {
				g.logger.Debug("swept stale outbound bindings", slog.Int("count", n))
			}
			g.refreshGauges()
		}
	}
}

func (g *Gateway) refreshGauges() {
	g.metrics.OutboundBindings.Set(float64(g.outbound.Len()))
	g.metrics.AuthorizedDevices.Set(float64(g.store.Len()))
	g.metrics.ActiveSessions.Set(float64(g.server.Sessions()))
	if g.remote != nil {
		g.metrics.PendingResolutions.Set(float64(g.remote.Pending()))
	}
}

// logEvent records ev locally and in the backend log sink.
func (g *Gateway) logEvent(ctx context.Context, ev backend.Event) {
	attrs := []any{}
	if ev.Device != "" {
		attrs = append(attrs, slog.String("device", ev.Device))
	}
	g.logger.Info(ev.Title, attrs...)
	g.backend.Log(ctx, ev)
}
