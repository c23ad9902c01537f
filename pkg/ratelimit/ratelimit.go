// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit provides per-peer rate limiting using the token bucket algorithm.
package ratelimit

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	defaultMaxPeers = 10000
	defaultIdleTTL  = 5 * time.Minute
)

// TokenBucket implements the token bucket algorithm for rate limiting.
type TokenBucket struct {
	mu         sync.Mutex
	clock      clock.Clock
	capacity   float64
	tokens     float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

// NewTokenBucket creates a full bucket holding capacity tokens and gaining
// refillRate tokens per second.
func NewTokenBucket(capacity, refillRate int64, clk clock.Clock) *TokenBucket {
	if clk == nil {
		clk = clock.New()
	}
	return &TokenBucket{
		clock:      clk,
		capacity:   float64(capacity),
		tokens:     float64(capacity),
		refillRate: float64(refillRate),
		lastRefill: clk.Now(),
	}
}

// Allow reports whether one request may proceed.
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	return false
}

func (tb *TokenBucket) refill() {
	now := tb.clock.Now()
	elapsed := now.Sub(tb.lastRefill).Seconds()
	tb.lastRefill = now

	tb.tokens += elapsed * tb.refillRate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
}

// Available returns the number of whole tokens available.
func (tb *TokenBucket) Available() int64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	return int64(tb.tokens)
}

// Config configures a Limiter. A zero Capacity disables limiting.
type Config struct {
	Capacity   int64
	RefillRate int64
	MaxPeers   int
	IdleTTL    time.Duration
	Clock      clock.Clock
}

// Limiter keeps one bucket per peer. Buckets of idle peers expire.
type Limiter struct {
	mu      sync.Mutex
	cfg     Config
	buckets *expirable.LRU[string, *TokenBucket]
}

// NewLimiter creates a new per-peer limiter.
func NewLimiter(cfg Config) *Limiter {
	if cfg.MaxPeers <= 0 {
		cfg.MaxPeers = defaultMaxPeers
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = defaultIdleTTL
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}

	return &Limiter{
		cfg:     cfg,
		buckets: expirable.NewLRU[string, *TokenBucket](cfg.MaxPeers, nil, cfg.IdleTTL),
	}
}

// Enabled reports whether the limiter restricts anything.
func (l *Limiter) Enabled() bool {
	return l != nil && l.cfg.Capacity > 0
}

// Allow reports whether a request from peer may proceed.
func (l *Limiter) Allow(peer string) bool {
	if !l.Enabled() {
		return true
	}

	l.mu.Lock()
	tb, ok := l.buckets.Get(peer)
	if !ok {
		tb = NewTokenBucket(l.cfg.Capacity, l.cfg.RefillRate, l.cfg.Clock)
		l.buckets.Add(peer, tb)
	}
	l.mu.Unlock()

	return tb.Allow()
}

// Remove forgets a peer's bucket.
func (l *Limiter) Remove(peer string) {
	if l == nil {
		return
	}
	l.buckets.Remove(peer)
}

// Peers returns the number of tracked peers.
func (l *Limiter) Peers() int {
	if l == nil {
		return 0
	}
	return l.buckets.Len()
}
