// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package coapgateway holds the process-level configuration of the CoAP gateway.
package coapgateway

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/edgracilla/coap-gateway/pkg/breaker"
	"github.com/edgracilla/coap-gateway/pkg/gateway"
	"github.com/edgracilla/coap-gateway/pkg/metrics"
	"github.com/edgracilla/coap-gateway/pkg/ratelimit"
	"github.com/edgracilla/coap-gateway/pkg/resolver"
	"github.com/edgracilla/coap-gateway/pkg/router"
	"github.com/edgracilla/coap-gateway/pkg/server/udp"
)

// Config holds the gateway configuration read from the environment.
type Config struct {
	// Transport
	Host    string `env:"HOST"    envDefault:""`
	Port    int    `env:"PORT"    envDefault:"5683"`
	Network string `env:"NETWORK" envDefault:"udp4"`

	// Routes
	DataRoute         string `env:"DATA_ROUTE"          envDefault:"/data"`
	MessageRoute      string `env:"MESSAGE_ROUTE"       envDefault:"/messages"`
	GroupMessageRoute string `env:"GROUP_MESSAGE_ROUTE" envDefault:"/groupmessages"`

	// Authorization
	ResolutionMode string        `env:"RESOLUTION_MODE" envDefault:"remote"`
	ResolveTimeout time.Duration `env:"RESOLVE_TIMEOUT" envDefault:"5s"`
	AllowedDevices []string      `env:"ALLOWED_DEVICES" envSeparator:","`

	// Lifecycle and resources
	FaultGracePeriod time.Duration `env:"FAULT_GRACE_PERIOD" envDefault:"5s"`
	SessionTimeout   time.Duration `env:"SESSION_TIMEOUT"    envDefault:"5m"`
	BindingTTL       time.Duration `env:"BINDING_TTL"        envDefault:"10m"`
	ExchangeLifetime time.Duration `env:"EXCHANGE_LIFETIME"  envDefault:"247s"`
	WorkerPoolSize   int           `env:"WORKER_POOL_SIZE"   envDefault:"100"`
	MaxInflight      int           `env:"MAX_INFLIGHT"       envDefault:"1024"`
	ShutdownTimeout  time.Duration `env:"SHUTDOWN_TIMEOUT"   envDefault:"30s"`

	// Socket
	MaxSessions     int `env:"MAX_SESSIONS"      envDefault:"0"`
	BufferSize      int `env:"BUFFER_SIZE"       envDefault:"8192"`
	ReadBufferSize  int `env:"READ_BUFFER_SIZE"  envDefault:"0"`
	WriteBufferSize int `env:"WRITE_BUFFER_SIZE" envDefault:"0"`

	// Rate Limiting
	RateLimitCapacity int64 `env:"RATE_LIMIT_CAPACITY" envDefault:"0"`
	RateLimitRefill   int64 `env:"RATE_LIMIT_REFILL"   envDefault:"0"`

	// Backend
	NATSURL            string        `env:"NATS_URL"             envDefault:""`
	NATSSubjectPrefix  string        `env:"NATS_SUBJECT_PREFIX"  envDefault:"coap-gateway"`
	NATSRequestTimeout time.Duration `env:"NATS_REQUEST_TIMEOUT" envDefault:"5s"`

	// Circuit Breaker
	BreakerMaxFailures  int           `env:"BREAKER_MAX_FAILURES"  envDefault:"5"`
	BreakerResetTimeout time.Duration `env:"BREAKER_RESET_TIMEOUT" envDefault:"30s"`
	BreakerTimeout      time.Duration `env:"BREAKER_TIMEOUT"       envDefault:"5s"`

	// Observability
	MetricsPort int    `env:"METRICS_PORT" envDefault:"9090"`
	HealthPort  int    `env:"HEALTH_PORT"  envDefault:"8080"`
	LogLevel    string `env:"LOG_LEVEL"    envDefault:"info"`
	LogFormat   string `env:"LOG_FORMAT"   envDefault:"json"`
}

// NewConfig parses and validates the configuration.
func NewConfig(opts env.Options) (Config, error) {
	c := Config{}
	if err := env.ParseWithOptions(&c, opts); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks values env tags cannot express.
func (c Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	switch c.Network {
	case "udp", "udp4", "udp6":
	default:
		return fmt.Errorf("invalid network %q, want udp, udp4 or udp6", c.Network)
	}
	switch resolver.Mode(c.ResolutionMode) {
	case resolver.ModeLocal, resolver.ModeRemote:
	default:
		return fmt.Errorf("invalid resolution mode %q, want local or remote", c.ResolutionMode)
	}
	if c.ResolveTimeout <= 0 {
		return fmt.Errorf("resolve timeout must be positive")
	}
	if c.BufferSize < 0 || c.BufferSize > udp.MaxDatagramSize {
		return fmt.Errorf("invalid buffer size %d, want at most %d", c.BufferSize, udp.MaxDatagramSize)
	}
	return nil
}

// Address is the CoAP listen address.
func (c Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Routes returns the normalized route table.
func (c Config) Routes() router.Routes {
	return router.Routes{
		Data:         c.DataRoute,
		Message:      c.MessageRoute,
		GroupMessage: c.GroupMessageRoute,
	}.Normalized()
}

// Breaker returns the backend circuit breaker settings.
func (c Config) Breaker() breaker.Config {
	return breaker.Config{
		MaxFailures:  c.BreakerMaxFailures,
		ResetTimeout: c.BreakerResetTimeout,
		Timeout:      c.BreakerTimeout,
	}
}

// Gateway returns the gateway settings.
func (c Config) Gateway(m *metrics.Metrics, logger *slog.Logger) gateway.Config {
	return gateway.Config{
		Address:          c.Address(),
		Network:          c.Network,
		Routes:           c.Routes(),
		Mode:             resolver.Mode(c.ResolutionMode),
		ResolveTimeout:   c.ResolveTimeout,
		FaultGracePeriod: c.FaultGracePeriod,
		SessionTimeout:   c.SessionTimeout,
		BindingTTL:       c.BindingTTL,
		ExchangeLifetime: c.ExchangeLifetime,
		WorkerPoolSize:   c.WorkerPoolSize,
		MaxInflight:      c.MaxInflight,
		MaxSessions:      c.MaxSessions,
		BufferSize:       c.BufferSize,
		ReadBufferSize:   c.ReadBufferSize,
		WriteBufferSize:  c.WriteBufferSize,
		RateLimit: ratelimit.Config{
			Capacity:   c.RateLimitCapacity,
			RefillRate: c.RateLimitRefill,
		},
		Metrics: m,
		Logger:  logger,
	}
}
