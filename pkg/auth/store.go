// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package auth keeps the set of devices the gateway is allowed to serve.
//
// The store is a cache fed by add/remove notifications from the backend. It
// is not a source of truth: a device is authorized iff its identity is
// currently a key in the store.
package auth

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/edgracilla/coap-gateway/pkg/errors"
)

// Record is a registered device as announced by the backend.
type Record struct {
	// ID is the opaque device identity.
	ID string `json:"_id"`

	// Metadata is whatever the backend attached to the device.
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// Store maps device identity to Record.
type Store struct {
	mu      sync.RWMutex
	devices map[string]Record
	logger  *slog.Logger
}

// NewStore creates an empty store.
func NewStore(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		devices: make(map[string]Record),
		logger:  logger,
	}
}

// Add inserts or overwrites the record keyed by its identity.
func (s *Store) Add(rec Record) error {
	if rec.ID == "" {
		return errors.ErrInvalidRecord
	}

	s.mu.Lock()
	s.devices[rec.ID] = rec
	s.mu.Unlock()

	s.logger.Info("Successfully added device to authorized devices",
		slog.String("device", rec.ID))
	return nil
}

// Remove deletes the record's identity. Removing an unknown identity is not an error.
func (s *Store) Remove(rec Record) error {
	if rec.ID == "" {
		return errors.ErrInvalidRecord
	}

	s.mu.Lock()
	delete(s.devices, rec.ID)
	s.mu.Unlock()

	s.logger.Info("Successfully removed device from authorized devices",
		slog.String("device", rec.ID))
	return nil
}

// IsAuthorized reports whether id is currently registered.
func (s *Store) IsAuthorized(id string) bool {
	s.mu.RLock()
	_, ok := s.devices[id]
	s.mu.RUnlock()
	return ok
}

// Get returns the record for id.
func (s *Store) Get(id string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.devices[id]
	return rec, ok
}

// BulkLoad replaces the whole set with recs. An empty set is a no-op.
func (s *Store) BulkLoad(recs []Record) {
	if len(recs) == 0 {
		return
	}

	devices := make(map[string]Record, len(recs))
	for _, rec := range recs {
		if rec.ID == "" {
			continue
		}
		devices[rec.ID] = rec
	}

	s.mu.Lock()
	s.devices = devices
	s.mu.Unlock()

	s.logger.Info("Loaded registered devices", slog.Int("count", len(devices)))
}

// Len returns the number of authorized devices.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.devices)
}
