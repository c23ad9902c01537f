// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package gateway is the CoAP endpoint devices talk to.
//
// Every datagram goes through the same pipeline on a UDP worker:
//
//	decode → de-duplicate → rate limit → payload → authorize → dispatch → respond
//
// Authorization uses either the local store, kept in sync by backend
// device added/removed events, or a remote lookup correlated by token and
// bounded by ResolveTimeout. A request that panics is answered with 5.00 and
// reported; it never reaches the read loop.
//
// Data requests bind the device for outbound delivery. A backend message for
// a bound device is pushed as a 2.05 notification carrying the original
// token, and the binding is consumed.
//
// # Lifecycle
//
//	Starting ──bind──→ Listening ──close──→ Closing ──→ Closed
//	    │                  │
//	    └──────fault───────┴──→ Faulted
//
// Only one of the two exits runs. After a fault Run waits FaultGracePeriod
// and returns the error so the process can exit and be restarted.
package gateway
