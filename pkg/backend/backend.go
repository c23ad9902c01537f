// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package backend defines the messaging fabric the gateway forwards to.
//
// The gateway never implements these calls itself; a Backend is injected at
// construction. Forwarding calls are fire-and-forget from the gateway's point
// of view: a nil error means the backend accepted the message, not that it
// was processed. Inbound notifications reach the gateway through an
// EventHandler registered with Subscribe.
package backend

import (
	"context"
	"encoding/json"

	"github.com/edgracilla/coap-gateway/pkg/auth"
)

// Event is a structured log entry sent to the backend log sink.
type Event struct {
	Title   string          `json:"title"`
	Device  string          `json:"device,omitempty"`
	Source  string          `json:"source,omitempty"`
	Target  string          `json:"target,omitempty"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`

	DeviceGroup string `json:"deviceGroup,omitempty"`
}

// Command is a device-originated message for another device or a group.
type Command struct {
	// Target is the device id, or the group id or name for group commands.
	Target  string `json:"target"`
	Message string `json:"message"`

	// DeviceGroup is the optional group hint sent by the device.
	DeviceGroup string `json:"deviceGroup,omitempty"`
}

// Message is a backend-originated message addressed to a device.
type Message struct {
	TargetDeviceID string `json:"targetDeviceId"`
	CorrelationID  string `json:"correlationId"`
	Message        string `json:"message"`
}

// Backend is the collaborator the gateway calls into.
type Backend interface {
	// ProcessData forwards a telemetry payload.
	ProcessData(ctx context.Context, deviceID string, raw []byte) error

	// SendMessageToDevice forwards a unicast command.
	SendMessageToDevice(ctx context.Context, cmd Command) error

	// SendMessageToGroup forwards a command to the group named by cmd.Target.
	SendMessageToGroup(ctx context.Context, cmd Command) error

	// RequestDeviceInfo asks for device info. The answer arrives later
	// through EventHandler.OnDeviceInfo tagged with token.
	RequestDeviceInfo(ctx context.Context, token, deviceID string) error

	// RegisteredDevices returns the initial registered device set.
	RegisteredDevices(ctx context.Context) ([]auth.Record, error)

	// MessageDelivered acknowledges a backend message flushed to a device.
	MessageDelivered(ctx context.Context, correlationID, status string) error

	// Log records a structured event. It never fails the caller.
	Log(ctx context.Context, ev Event)

	// ReportException records an error. It never fails the caller.
	ReportException(ctx context.Context, err error)

	// NotifyReady tells the host the gateway is listening.
	NotifyReady(ctx context.Context) error

	// NotifyClose tells the host the gateway released its resources.
	NotifyClose(ctx context.Context) error

	// Subscribe starts delivering inbound events to h.
	Subscribe(ctx context.Context, h EventHandler) error

	// Close releases the backend connection.
	Close() error
}

// EventHandler receives inbound backend notifications.
type EventHandler interface {
	OnDeviceAdded(ctx context.Context, rec auth.Record)
	OnDeviceRemoved(ctx context.Context, rec auth.Record)
	OnDeviceInfo(ctx context.Context, token string, info json.RawMessage)
	OnBackendMessage(ctx context.Context, msg Message)
	OnCloseRequested(ctx context.Context)
}
