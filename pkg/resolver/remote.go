// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/edgracilla/coap-gateway/pkg/errors"
	"github.com/edgracilla/coap-gateway/pkg/payload"
	"github.com/google/uuid"
)

// DefaultTimeout bounds how long a device waits for the backend to answer.
const DefaultTimeout = 5 * time.Second

// Requester issues device info lookups. It must not wait for the answer.
type Requester interface {
	RequestDeviceInfo(ctx context.Context, token, deviceID string) error
}

// RemoteConfig holds the Remote resolver configuration.
type RemoteConfig struct {
	// Timeout is the deadline for a single lookup.
	Timeout time.Duration

	// Clock drives the deadline timers. Defaults to the wall clock.
	Clock clock.Clock

	Logger *slog.Logger
}

type result struct {
	info json.RawMessage
	err  error
}

// pending is one outstanding lookup. Whoever removes it from the map owns
// its completion.
type pending struct {
	device string
	done   chan result
	timer  *clock.Timer
}

// Remote resolves devices by asking the backend and correlating the answer
// by token.
type Remote struct {
	requester Requester
	timeout   time.Duration
	clock     clock.Clock
	logger    *slog.Logger

	mu      sync.Mutex
	pending map[string]*pending
}

var _ Resolver = (*Remote)(nil)

// NewRemote creates a backend-backed resolver.
func NewRemote(r Requester, cfg RemoteConfig) *Remote {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Remote{
		requester: r,
		timeout:   cfg.Timeout,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
		pending:   make(map[string]*pending),
	}
}

// Resolve implements Resolver.
func (r *Remote) Resolve(ctx context.Context, deviceID string) (Device, error) {
	token := uuid.NewString()
	p := &pending{
		device: deviceID,
		done:   make(chan result, 1),
	}

	r.mu.Lock()
	r.pending[token] = p
	p.timer = r.clock.AfterFunc(r.timeout, func() { r.expire(token) })
	r.mu.Unlock()

	if err := r.requester.RequestDeviceInfo(ctx, token, deviceID); err != nil {
		if p := r.take(token); p != nil {
			p.timer.Stop()
		}
		return Device{}, fmt.Errorf("request device info: %w", err)
	}

	select {
	case res := <-p.done:
		if res.err != nil {
			return Device{}, res.err
		}
		return Device{ID: deviceID, Info: res.info}, nil
	case <-ctx.Done():
		if p := r.take(token); p != nil {
			p.timer.Stop()
		}
		return Device{}, ctx.Err()
	}
}

// Complete delivers the backend answer for token. It reports false when the
// token is unknown, already answered or already expired.
func (r *Remote) Complete(token string, info json.RawMessage) bool {
	p := r.take(token)
	if p == nil {
		return false
	}
	p.timer.Stop()

	if payload.IsEmpty(info) {
		p.done <- result{err: errors.ErrUnauthorized}
		return true
	}
	p.done <- result{info: info}
	return true
}

// Pending returns the number of outstanding lookups.
func (r *Remote) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func (r *Remote) expire(token string) {
	p := r.take(token)
	if p == nil {
		return
	}

	r.logger.Warn("device info request timed out",
		slog.String("device", p.device),
		slog.String("token", token),
		slog.Duration("timeout", r.timeout))
	p.done <- result{err: errors.ErrResolutionTimeout}
}

func (r *Remote) take(token string) *pending {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.pending[token]
	if !ok {
		return nil
	}
	delete(r.pending, token)
	return p
}
