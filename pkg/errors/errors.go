// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package errors provides structured error handling for the CoAP gateway.
package errors

import (
	"errors"
	"fmt"
)

// Common error types
var (
	// ErrMalformedRequest indicates a payload that is not valid JSON or lacks
	// a required field.
	ErrMalformedRequest = errors.New("malformed request")

	// ErrUnauthorized indicates the device is not registered.
	ErrUnauthorized = errors.New("device not registered")

	// ErrResolutionTimeout indicates the remote device lookup did not answer in time.
	ErrResolutionTimeout = errors.New("request for device information has timed out")

	// ErrRouteNotFound indicates a path/method that matches no configured operation.
	ErrRouteNotFound = errors.New("route not found")

	// ErrTransportFault indicates the listening socket failed.
	ErrTransportFault = errors.New("transport fault")

	// ErrInvalidRecord indicates a device notification without an identity.
	ErrInvalidRecord = errors.New("invalid device record")

	// ErrBackendUnavailable indicates the backend is unavailable.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrRateLimited indicates rate limit exceeded.
	ErrRateLimited = errors.New("rate limit exceeded")
)

// GatewayError wraps an error with additional context.
type GatewayError struct {
	Op         string // Operation that failed
	Device     string // Device identity, if known
	RemoteAddr string // Peer address
	Err        error  // Underlying error
}

// Error implements the error interface.
func (e *GatewayError) Error() string {
	if e.Device != "" {
		return fmt.Sprintf("coap %s [%s] %s: %v", e.Op, e.Device, e.RemoteAddr, e.Err)
	}
	return fmt.Sprintf("coap %s %s: %v", e.Op, e.RemoteAddr, e.Err)
}

// Unwrap returns the underlying error.
func (e *GatewayError) Unwrap() error {
	return e.Err
}

// New creates a new GatewayError.
func New(op, device, remoteAddr string, err error) error {
	if err == nil {
		return nil
	}
	return &GatewayError{
		Op:         op,
		Device:     device,
		RemoteAddr: remoteAddr,
		Err:        err,
	}
}

// Wrap wraps an error with context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Is reports whether any error in err's tree matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}
