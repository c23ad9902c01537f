// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/edgracilla/coap-gateway/pkg/backend"
	"github.com/edgracilla/coap-gateway/pkg/errors"
	"github.com/edgracilla/coap-gateway/pkg/outbound"
	"github.com/edgracilla/coap-gateway/pkg/payload"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// BackendUnavailable is the body sent when forwarding failed.
const BackendUnavailable = "Backend unavailable\n"

// DataReceived is the body acknowledging a data request.
func DataReceived(device string, raw []byte) string {
	return fmt.Sprintf("Data Received. Device ID: %s. Data: %s\n", device, raw)
}

// MessageReceived is the body acknowledging a message request.
func MessageReceived(device string, raw []byte) string {
	return fmt.Sprintf("Message Received. Device ID: %s. Message: %s\n", device, raw)
}

// GroupMessageReceived is the body acknowledging a group message request.
func GroupMessageReceived(device string, raw []byte) string {
	return fmt.Sprintf("Group Message Received. Device ID: %s. Message: %s\n", device, raw)
}

// Forwarder is the part of the backend the dispatcher forwards to.
type Forwarder interface {
	ProcessData(ctx context.Context, deviceID string, raw []byte) error
	SendMessageToDevice(ctx context.Context, cmd backend.Command) error
	SendMessageToGroup(ctx context.Context, cmd backend.Command) error
	Log(ctx context.Context, ev backend.Event)
	ReportException(ctx context.Context, err error)
}

// Binder records held-open responders for later push delivery.
type Binder interface {
	Bind(device string, r outbound.Responder) bool
}

// Request is an authorized request ready for dispatch.
type Request struct {
	Method     codes.Code
	Path       string
	URL        string
	RemoteAddr string
	Payload    *payload.Payload

	// Responder is bound for push delivery on data requests. May be nil.
	Responder outbound.Responder
}

// Response is the CoAP response to send back.
type Response struct {
	Code codes.Code
	Body string
}

// Dispatcher routes authorized requests to their operation.
type Dispatcher struct {
	routes   Routes
	backend  Forwarder
	bindings Binder
	logger   *slog.Logger
}

// NewDispatcher creates a dispatcher over the normalized routes.
func NewDispatcher(routes Routes, f Forwarder, b Binder, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		routes:   routes.Normalized(),
		backend:  f,
		bindings: b,
		logger:   logger,
	}
}

// Routes returns the normalized route table.
func (d *Dispatcher) Routes() Routes {
	return d.routes
}

// Dispatch runs the operation matching req and returns the response to send.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (Operation, Response) {
	op := d.routes.Match(req.Path, req.Method)

	switch op {
	case OpData:
		return op, d.data(ctx, req)
	case OpMessage:
		return op, d.message(ctx, req, false)
	case OpGroupMessage:
		return op, d.message(ctx, req, true)
	default:
		return op, d.notFound(ctx, req)
	}
}

func (d *Dispatcher) data(ctx context.Context, req Request) Response {
	p := req.Payload

	if err := d.backend.ProcessData(ctx, p.Device, p.Raw); err != nil {
		return d.unavailable(ctx, req, "data", err)
	}

	ev := backend.Event{
		Title:  "CoAP Gateway - Data Received",
		Device: p.Device,
	}
	if json.Valid(p.Raw) {
		ev.Data = p.Raw
	}
	d.backend.Log(ctx, ev)
	d.logger.Info("data received",
		slog.String("device", p.Device),
		slog.Int("payload_size", len(p.Raw)))

	if req.Responder != nil && d.bindings != nil {
		if d.bindings.Bind(p.Device, req.Responder) {
			d.logger.Debug("device bound for outbound messages",
				slog.String("device", p.Device),
				slog.String("session", req.Responder.SessionID()))
		}
	}

	return Response{Code: codes.Content, Body: DataReceived(p.Device, p.Raw)}
}

func (d *Dispatcher) message(ctx context.Context, req Request, group bool) Response {
	p := req.Payload

	if err := p.ValidateMessage(); err != nil {
		d.backend.ReportException(ctx, errors.New("message", p.Device, req.RemoteAddr, err))
		return Response{Code: codes.BadRequest, Body: payload.MessageRequirement + "\n"}
	}

	cmd := backend.Command{
		Target:      p.Target,
		Message:     p.Message,
		DeviceGroup: p.DeviceGroup,
	}

	var err error
	title, body := "CoAP Gateway - Message Sent", MessageReceived(p.Device, p.Raw)
	if group {
		title, body = "CoAP Gateway - Group Message Sent", GroupMessageReceived(p.Device, p.Raw)
		err = d.backend.SendMessageToGroup(ctx, cmd)
	} else {
		err = d.backend.SendMessageToDevice(ctx, cmd)
	}
	if err != nil {
		return d.unavailable(ctx, req, "message", err)
	}

	d.backend.Log(ctx, backend.Event{
		Title:       title,
		Source:      p.Device,
		Target:      p.Target,
		Message:     p.Message,
		DeviceGroup: p.DeviceGroup,
	})
	d.logger.Info("message sent",
		slog.String("source", p.Device),
		slog.String("target", p.Target),
		slog.String("device_group", p.DeviceGroup),
		slog.Bool("group", group))

	return Response{Code: codes.Content, Body: body}
}

func (d *Dispatcher) notFound(ctx context.Context, req Request) Response {
	device := ""
	if req.Payload != nil {
		device = req.Payload.Device
	}
	err := fmt.Errorf("%w: invalid url specified. URL: %s", errors.ErrRouteNotFound, req.Path)
	d.backend.ReportException(ctx, errors.New("dispatch", device, req.RemoteAddr, err))

	return Response{
		Code: codes.NotFound,
		Body: fmt.Sprintf("Path not found. Kindly check your request path and method. URL: %s\n", req.URL),
	}
}

func (d *Dispatcher) unavailable(ctx context.Context, req Request, op string, err error) Response {
	d.logger.Error("backend forwarding failed",
		slog.String("op", op),
		slog.String("device", req.Payload.Device),
		slog.String("error", err.Error()))
	d.backend.ReportException(ctx, errors.New(op, req.Payload.Device, req.RemoteAddr, fmt.Errorf("%w: %w", errors.ErrBackendUnavailable, err)))

	return Response{Code: codes.ServiceUnavailable, Body: BackendUnavailable}
}
