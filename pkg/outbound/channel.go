// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package outbound delivers backend-originated messages to devices that are
// still listening on an earlier request.
package outbound

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/edgracilla/coap-gateway/pkg/backend"
)

// DeliveredStatus formats the status echoed to the backend after a delivery.
func DeliveredStatus(device string) string {
	return "Message sent to device " + device
}

// Responder is a held-open response context.
type Responder interface {
	// Notify writes body to the device.
	Notify(ctx context.Context, body []byte) error

	// Closed reports whether the transport context is gone.
	Closed() bool

	// SessionID identifies the transport session the responder writes to.
	SessionID() string
}

// Notifier is the part of the backend a delivery reports to.
type Notifier interface {
	MessageDelivered(ctx context.Context, correlationID, status string) error
	Log(ctx context.Context, ev backend.Event)
}

// Binding associates a device with a responder.
type Binding struct {
	Device    string
	Responder Responder
	CreatedAt time.Time
}

// Config holds the Channel configuration.
type Config struct {
	// TTL expires bindings older than this. Zero keeps them until consumed.
	TTL time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

// Channel maps device identity to at most one live Binding.
type Channel struct {
	notifier Notifier
	ttl      time.Duration
	clock    clock.Clock
	logger   *slog.Logger

	mu       sync.Mutex
	bindings map[string]*Binding
}

// New creates an empty Channel.
func New(n Notifier, cfg Config) *Channel {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Channel{
		notifier: n,
		ttl:      cfg.TTL,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
		bindings: make(map[string]*Binding),
	}
}

// Bind associates device with r unless a live binding already exists.
// Closed or expired bindings are replaced.
func (c *Channel) Bind(device string, r Responder) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if b, ok := c.bindings[device]; ok && c.live(b) {
		return false
	}
	c.bindings[device] = &Binding{
		Device:    device,
		Responder: r,
		CreatedAt: c.clock.Now(),
	}
	return true
}

// Bound reports whether device has a live binding.
func (c *Channel) Bound(device string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.bindings[device]
	return ok && c.live(b)
}

// Deliver writes msg to the device bound to msg.TargetDeviceID and consumes
// the binding. It returns false without error when the device is not
// listening.
func (c *Channel) Deliver(ctx context.Context, msg backend.Message) (bool, error) {
	b := c.take(msg.TargetDeviceID)
	if b == nil {
		return false, nil
	}

	if err := b.Responder.Notify(ctx, []byte(msg.Message)); err != nil {
		return false, fmt.Errorf("deliver message to %s: %w", msg.TargetDeviceID, err)
	}

	if err := c.notifier.MessageDelivered(ctx, msg.CorrelationID, DeliveredStatus(msg.TargetDeviceID)); err != nil {
		return true, fmt.Errorf("acknowledge message %s: %w", msg.CorrelationID, err)
	}

	c.notifier.Log(ctx, backend.Event{
		Title:   "CoAP Gateway - Message Sent",
		Device:  msg.TargetDeviceID,
		Message: msg.Message,
	})
	c.logger.Info("message delivered to device",
		slog.String("device", msg.TargetDeviceID),
		slog.String("correlation_id", msg.CorrelationID))
	return true, nil
}

// EvictSession drops every binding written through the given session.
func (c *Channel) EvictSession(sessionID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for device, b := range c.bindings {
		if b.Responder.SessionID() == sessionID {
			delete(c.bindings, device)
			n++
		}
	}
	return n
}

// Sweep drops closed and expired bindings.
func (c *Channel) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for device, b := range c.bindings {
		if !c.live(b) {
			delete(c.bindings, device)
			n++
		}
	}
	return n
}

// Len returns the number of bindings, live or not.
func (c *Channel) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.bindings)
}

func (c *Channel) take(device string) *Binding {
	c.mu.Lock()
	defer c.mu.Unlock()

	b, ok := c.bindings[device]
	if !ok {
		return nil
	}
	delete(c.bindings, device)
	if !c.live(b) {
		return nil
	}
	return b
}

func (c *Channel) live(b *Binding) bool {
	if b.Responder.Closed() {
		return false
	}
	return c.ttl <= 0 || c.clock.Since(b.CreatedAt) < c.ttl
}
