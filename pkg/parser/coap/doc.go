// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package coap adapts the plgd-dev/go-coap/v3 message codec to the gateway.
//
// # Overview
//
// The gateway terminates CoAP itself: the UDP server hands raw datagrams to
// the gateway, which uses Codec to decode requests and encode responses.
//
// # Message Handling
//
//   - CON request: answered with a piggybacked ACK carrying the same message
//     id and token.
//   - NON request: answered with a NON response carrying a fresh message id
//     and the same token.
//   - Empty CON (ping): answered with RST.
//   - ACK / RST from the peer: ignored.
//   - Datagrams carrying a response code: rejected with ErrNotRequest.
//
// # Notifications
//
// Notification builds the NON 2.05 message used to push a backend message to
// a device that is still listening on a token. When the original request
// registered an observation, the Observe option carries an increasing
// sequence number.
//
// # Duplicate Detection
//
// Clients retransmit confirmable requests when the ACK is slow, which is
// common while a device lookup is pending. Deduplicator remembers exchanges
// by peer address and message id for EXCHANGE_LIFETIME: a duplicate seen
// while the original is in flight is dropped, and a duplicate seen after
// completion gets the cached response replayed.
package coap
