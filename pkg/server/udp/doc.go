// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package udp implements the datagram transport of the CoAP gateway.
//
// # Architecture
//
//	┌─────────┐         ┌──────────┐         ┌─────────┐
//	│ Device  │ ←─UDP─→ │  Server  │ ──job─→ │ Workers │ ──→ Handler
//	└─────────┘         └──────────┘         └─────────┘
//	                         │
//	                         ↓
//	                    ┌──────────┐
//	                    │ Session  │
//	                    │ Manager  │
//	                    └──────────┘
//
// # Session Management
//
// Since UDP is connectionless, the server tracks one session per peer:
//
//	Session Key: Client IP:Port
//	Session Contents:
//	  - ID: Unique session identifier
//	  - RemoteAddr: Client's UDP address
//	  - LastActivity: Timestamp of last packet in either direction
//
// Responses and notifications are written through Session.Write on the
// shared listening socket. A session whose peer stays silent for
// SessionTimeout is closed and reported to Handler.SessionClosed, so
// anything holding the session (an outbound binding) can be dropped.
//
// # Lifecycle
//
// Listen binds the socket and Serve reads from it. Splitting the two lets a
// caller report readiness only once the port is bound. Serve returns nil
// after its context is cancelled. Any other read failure is returned
// wrapped in errors.ErrTransportFault. In both cases the listener is closed
// and the worker pool is drained before Serve returns.
//
// # Example
//
//	srv := udp.New(udp.Config{Address: ":5683", Network: "udp4"}, handler)
//	if err := srv.Listen(); err != nil {
//		return err
//	}
//	return srv.Serve(ctx)
package udp
