// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/edgracilla/coap-gateway/pkg/auth"
	"github.com/edgracilla/coap-gateway/pkg/backend"
)

type dataCall struct {
	device string
	raw    string
}

type messageCall struct {
	target  string
	message string
}

type mockBackend struct {
	mu sync.Mutex

	// answer, when set, answers device lookups asynchronously. A nil answer
	// leaves the lookup unanswered.
	answer     func(device string) json.RawMessage
	registered []auth.Record
	panicOn    string

	handler    backend.EventHandler
	data       []dataCall
	messages   []messageCall
	groups     []messageCall
	lookups    []string
	delivered  []string
	events     []backend.Event
	exceptions []error
	ready      int
	closed     int
}

func (m *mockBackend) ProcessData(ctx context.Context, deviceID string, raw []byte) error {
	if m.panicOn != "" && deviceID == m.panicOn {
		panic("process data exploded")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = append(m.data, dataCall{device: deviceID, raw: string(raw)})
	return nil
}

func (m *mockBackend) SendMessageToDevice(ctx context.Context, cmd backend.Command) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, messageCall{target: cmd.Target, message: cmd.Message})
	return nil
}

func (m *mockBackend) SendMessageToGroup(ctx context.Context, cmd backend.Command) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groups = append(m.groups, messageCall{target: cmd.Target, message: cmd.Message})
	return nil
}

func (m *mockBackend) RequestDeviceInfo(ctx context.Context, token, deviceID string) error {
	m.mu.Lock()
	m.lookups = append(m.lookups, deviceID)
	answer, h := m.answer, m.handler
	m.mu.Unlock()

	if answer == nil || h == nil {
		return nil
	}
	if info := answer(deviceID); info != nil {
		go h.OnDeviceInfo(context.Background(), token, info)
	}
	return nil
}

func (m *mockBackend) RegisteredDevices(ctx context.Context) ([]auth.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.registered, nil
}

func (m *mockBackend) MessageDelivered(ctx context.Context, correlationID, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delivered = append(m.delivered, correlationID)
	return nil
}

func (m *mockBackend) Log(ctx context.Context, ev backend.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
}

func (m *mockBackend) ReportException(ctx context.Context, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exceptions = append(m.exceptions, err)
}

func (m *mockBackend) NotifyReady(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ready++
	return nil
}

func (m *mockBackend) NotifyClose(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed++
	return nil
}

func (m *mockBackend) Subscribe(ctx context.Context, h backend.EventHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = h
	return nil
}

func (m *mockBackend) Close() error {
	return nil
}

func (m *mockBackend) hasEvent(title, device string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ev := range m.events {
		if ev.Title == title && ev.Device == device {
			return true
		}
	}
	return false
}

func (m *mockBackend) forwardCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.data) + len(m.messages) + len(m.groups)
}
