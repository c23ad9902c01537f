// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package natsio implements backend.Backend on top of NATS subjects.
//
// Every subject lives under a configurable prefix:
//
//	<prefix>.data                      device telemetry (header Coap-Device)
//	<prefix>.messages.device           unicast commands
//	<prefix>.messages.group            group commands
//	<prefix>.messages.delivered        outbound delivery acknowledgements
//	<prefix>.deviceinfo.request        device lookups, answered on the reply subject
//	<prefix>.deviceinfo.reply.<token>  device lookup answers
//	<prefix>.devices.list              request/reply for the registered device set
//	<prefix>.devices.added|removed     registry notifications
//	<prefix>.messages.outbound         messages for devices
//	<prefix>.control.close             close requests
//	<prefix>.logs, <prefix>.exceptions structured logs and errors
//	<prefix>.lifecycle.ready|close     lifecycle notifications
package natsio

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/edgracilla/coap-gateway/pkg/auth"
	"github.com/edgracilla/coap-gateway/pkg/backend"
	"github.com/edgracilla/coap-gateway/pkg/breaker"
	"github.com/edgracilla/coap-gateway/pkg/errors"
	"github.com/edgracilla/coap-gateway/pkg/metrics"
	"github.com/nats-io/nats.go"
)

const (
	// DefaultPrefix is the subject namespace used when none is configured.
	DefaultPrefix = "coap-gateway"

	// DeviceHeader carries the device identity on data messages.
	DeviceHeader = "Coap-Device"

	defaultRequestTimeout = 5 * time.Second
)

var _ backend.Backend = (*Backend)(nil)

// Config holds the NATS backend configuration.
type Config struct {
	URL            string
	Name           string
	Prefix         string
	RequestTimeout time.Duration
	Breaker        breaker.Config
	Metrics        *metrics.Metrics
	Logger         *slog.Logger
}

// Backend publishes gateway traffic to NATS and turns NATS notifications
// into backend events.
type Backend struct {
	nc      *nats.Conn
	prefix  string
	timeout time.Duration
	breaker *breaker.Breaker
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu   sync.Mutex
	subs []*nats.Subscription
}

// Connect dials NATS and returns a ready Backend.
func Connect(cfg Config) (*Backend, error) {
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.Name == "" {
		cfg.Name = "coap-gateway"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger

	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", slog.Any("error", err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", slog.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			attrs := []any{slog.Any("error", err)}
			if sub != nil {
				attrs = append(attrs, slog.String("subject", sub.Subject))
			}
			logger.Error("NATS async error", attrs...)
		}),
	)
	if err != nil {
		return nil, errors.Wrap(err, "connect to NATS")
	}

	return newBackend(nc, cfg), nil
}

func newBackend(nc *nats.Conn, cfg Config) *Backend {
	b := &Backend{
		nc:      nc,
		prefix:  strings.TrimSuffix(cfg.Prefix, "."),
		timeout: cfg.RequestTimeout,
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
	}

	bc := cfg.Breaker
	onChange := bc.OnStateChange
	bc.OnStateChange = func(from, to breaker.State) {
		b.logger.Warn("NATS circuit breaker state changed",
			slog.String("from", from.String()),
			slog.String("to", to.String()))
		if b.metrics != nil {
			b.metrics.CircuitBreakerState.WithLabelValues("nats").Set(float64(to))
			if to == breaker.StateOpen {
				b.metrics.CircuitBreakerTrips.WithLabelValues("nats").Inc()
			}
		}
		if onChange != nil {
			onChange(from, to)
		}
	}
	b.breaker = breaker.New(bc)

	return b
}

func (b *Backend) subject(parts ...string) string {
	return b.prefix + "." + strings.Join(parts, ".")
}

// call runs fn behind the circuit breaker and records metrics.
func (b *Backend) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	guarded := func() error {
		err := b.breaker.Do(ctx, fn)
		if errors.Is(err, breaker.ErrCircuitOpen) {
			return fmt.Errorf("%w: %w", errors.ErrBackendUnavailable, err)
		}
		return err
	}
	if b.metrics != nil {
		return b.metrics.ObserveBackend(op, guarded)
	}
	return guarded()
}

func (b *Backend) publishJSON(ctx context.Context, op, subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", op, err)
	}
	return b.call(ctx, op, func(context.Context) error {
		return b.nc.Publish(subject, data)
	})
}

type groupCommand struct {
	Group       string `json:"group"`
	Message     string `json:"message"`
	DeviceGroup string `json:"deviceGroup,omitempty"`
}

type deviceInfoRequest struct {
	Token  string `json:"token"`
	Device string `json:"device"`
}

type deliveryAck struct {
	CorrelationID string `json:"correlationId"`
	Status        string `json:"status"`
}

type exception struct {
	Error string    `json:"error"`
	Time  time.Time `json:"time"`
}

type lifecycle struct {
	Event string    `json:"event"`
	Time  time.Time `json:"time"`
}

// ProcessData publishes raw telemetry.
func (b *Backend) ProcessData(ctx context.Context, deviceID string, raw []byte) error {
	msg := nats.NewMsg(b.subject("data"))
	msg.Header.Set(DeviceHeader, deviceID)
	msg.Data = raw

	return b.call(ctx, "data", func(context.Context) error {
		return b.nc.PublishMsg(msg)
	})
}

// SendMessageToDevice publishes a unicast command.
func (b *Backend) SendMessageToDevice(ctx context.Context, cmd backend.Command) error {
	return b.publishJSON(ctx, "message", b.subject("messages", "device"), cmd)
}

// SendMessageToGroup publishes a group command.
func (b *Backend) SendMessageToGroup(ctx context.Context, cmd backend.Command) error {
	return b.publishJSON(ctx, "group_message", b.subject("messages", "group"),
		groupCommand{Group: cmd.Target, Message: cmd.Message, DeviceGroup: cmd.DeviceGroup})
}

// RequestDeviceInfo publishes a lookup whose answer is expected on the
// token's reply subject.
func (b *Backend) RequestDeviceInfo(ctx context.Context, token, deviceID string) error {
	data, err := json.Marshal(deviceInfoRequest{Token: token, Device: deviceID})
	if err != nil {
		return fmt.Errorf("encode device info request: %w", err)
	}
	reply := b.subject("deviceinfo", "reply", token)

	return b.call(ctx, "device_info", func(context.Context) error {
		return b.nc.PublishRequest(b.subject("deviceinfo", "request"), reply, data)
	})
}

// RegisteredDevices asks the registry for the full device set.
func (b *Backend) RegisteredDevices(ctx context.Context) ([]auth.Record, error) {
	var recs []auth.Record
	err := b.call(ctx, "devices_list", func(ctx context.Context) error {
		rctx, cancel := context.WithTimeout(ctx, b.timeout)
		defer cancel()

		msg, err := b.nc.RequestWithContext(rctx, b.subject("devices", "list"), nil)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(msg.Data, &recs); err != nil {
			return fmt.Errorf("decode registered devices: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return recs, nil
}

// MessageDelivered acknowledges an outbound delivery.
func (b *Backend) MessageDelivered(ctx context.Context, correlationID, status string) error {
	return b.publishJSON(ctx, "delivered", b.subject("messages", "delivered"),
		deliveryAck{CorrelationID: correlationID, Status: status})
}

// Log publishes a structured event. Failures are only logged locally.
func (b *Backend) Log(ctx context.Context, ev backend.Event) {
	if err := b.publishJSON(ctx, "log", b.subject("logs"), ev); err != nil {
		b.logger.Warn("Failed to publish log event",
			slog.String("title", ev.Title),
			slog.Any("error", err))
	}
}

// ReportException publishes an error. Failures are only logged locally.
func (b *Backend) ReportException(ctx context.Context, err error) {
	if err == nil {
		return
	}
	if perr := b.publishJSON(ctx, "exception", b.subject("exceptions"),
		exception{Error: err.Error(), Time: time.Now().UTC()}); perr != nil {
		b.logger.Warn("Failed to publish exception",
			slog.Any("exception", err),
			slog.Any("error", perr))
	}
}

// NotifyReady publishes the ready lifecycle event.
func (b *Backend) NotifyReady(ctx context.Context) error {
	return b.publishLifecycle(ctx, "ready")
}

// NotifyClose publishes the close lifecycle event and flushes it.
func (b *Backend) NotifyClose(ctx context.Context) error {
	if err := b.publishLifecycle(ctx, "close"); err != nil {
		return err
	}
	return b.nc.FlushTimeout(b.timeout)
}

func (b *Backend) publishLifecycle(ctx context.Context, event string) error {
	return b.publishJSON(ctx, "lifecycle", b.subject("lifecycle", event),
		lifecycle{Event: event, Time: time.Now().UTC()})
}

// Subscribe registers h for every inbound notification subject.
func (b *Backend) Subscribe(ctx context.Context, h backend.EventHandler) error {
	handlers := map[string]nats.MsgHandler{
		b.subject("devices", "added"): func(m *nats.Msg) {
			if rec, ok := b.decodeRecord(m); ok {
				h.OnDeviceAdded(ctx, rec)
			}
		},
		b.subject("devices", "removed"): func(m *nats.Msg) {
			if rec, ok := b.decodeRecord(m); ok {
				h.OnDeviceRemoved(ctx, rec)
			}
		},
		b.subject("deviceinfo", "reply", "*"): func(m *nats.Msg) {
			token := m.Subject[strings.LastIndexByte(m.Subject, '.')+1:]
			h.OnDeviceInfo(ctx, token, json.RawMessage(m.Data))
		},
		b.subject("messages", "outbound"): func(m *nats.Msg) {
			var msg backend.Message
			if err := json.Unmarshal(m.Data, &msg); err != nil {
				b.logger.Warn("Dropping malformed outbound message",
					slog.String("subject", m.Subject),
					slog.Any("error", err))
				return
			}
			h.OnBackendMessage(ctx, msg)
		},
		b.subject("control", "close"): func(*nats.Msg) {
			h.OnCloseRequested(ctx)
		},
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for subj, fn := range handlers {
		sub, err := b.nc.Subscribe(subj, fn)
		if err != nil {
			return errors.Wrap(err, "subscribe to "+subj)
		}
		b.subs = append(b.subs, sub)
	}

	// Make sure the server registered the interest before events are expected.
	if err := b.nc.FlushTimeout(b.timeout); err != nil {
		return errors.Wrap(err, "flush subscriptions")
	}
	return nil
}

func (b *Backend) decodeRecord(m *nats.Msg) (auth.Record, bool) {
	var rec auth.Record
	if err := json.Unmarshal(m.Data, &rec); err != nil {
		b.logger.Warn("Dropping malformed device record",
			slog.String("subject", m.Subject),
			slog.Any("error", err))
		return rec, false
	}
	return rec, true
}

// Ready reports whether the NATS connection is usable.
func (b *Backend) Ready(context.Context) error {
	if s := b.nc.Status(); s != nats.CONNECTED {
		return fmt.Errorf("%w: nats status %v", errors.ErrBackendUnavailable, s)
	}
	return nil
}

// Close unsubscribes and closes the connection.
func (b *Backend) Close() error {
	b.mu.Lock()
	for _, sub := range b.subs {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			b.logger.Debug("Failed to unsubscribe",
				slog.String("subject", sub.Subject),
				slog.Any("error", err))
		}
	}
	b.subs = nil
	b.mu.Unlock()

	b.nc.Close()
	return nil
}
