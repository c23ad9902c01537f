// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package resolver decides whether a claimed device identity is registered.
//
// Two strategies share one interface so the gateway logic above them is
// identical: Local answers from the in-memory authorization store, Remote
// asks the backend asynchronously and waits for the answer up to a deadline.
package resolver

import (
	"context"
	"encoding/json"

	"github.com/edgracilla/coap-gateway/pkg/auth"
	"github.com/edgracilla/coap-gateway/pkg/errors"
)

// Mode names a resolution strategy.
type Mode string

const (
	ModeLocal  Mode = "local"
	ModeRemote Mode = "remote"
)

// Device is a successfully resolved device.
type Device struct {
	ID   string
	Info json.RawMessage
}

// Resolver resolves a device identity.
//
// Resolve returns errors.ErrUnauthorized for unknown devices and
// errors.ErrResolutionTimeout when the answer did not arrive in time.
type Resolver interface {
	Resolve(ctx context.Context, deviceID string) (Device, error)
}

// Local resolves against an auth.Store.
type Local struct {
	store *auth.Store
}

var _ Resolver = (*Local)(nil)

// NewLocal creates a store-backed resolver.
func NewLocal(store *auth.Store) *Local {
	return &Local{store: store}
}

// Resolve implements Resolver.
func (l *Local) Resolve(ctx context.Context, deviceID string) (Device, error) {
	rec, ok := l.store.Get(deviceID)
	if !ok {
		return Device{}, errors.ErrUnauthorized
	}
	return Device{ID: rec.ID, Info: rec.Metadata}, nil
}
