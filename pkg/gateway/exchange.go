// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"sync/atomic"

	"github.com/edgracilla/coap-gateway/pkg/outbound"
	"github.com/edgracilla/coap-gateway/pkg/parser/coap"
	"github.com/edgracilla/coap-gateway/pkg/server/udp"
	"github.com/plgd-dev/go-coap/v3/message"
)

// exchange keeps the token of a served request so a backend message can be
// pushed to the same device later as a separate notification.
type exchange struct {
	codec   *coap.Codec
	sess    *udp.Session
	token   message.Token
	observe bool
	seq     atomic.Uint32
}

var _ outbound.Responder = (*exchange)(nil)

func (g *Gateway) newExchange(sess *udp.Session, req *coap.Request) *exchange {
	token := make(message.Token, len(req.Token))
	copy(token, req.Token)

	return &exchange{
		codec:   g.codec,
		sess:    sess,
		token:   token,
		observe: req.Observe,
	}
}

// Notify sends body as a 2.05 notification. Observers get an increasing
// sequence number.
func (e *exchange) Notify(ctx context.Context, body []byte) error {
	var seq uint32
	if e.observe {
		seq = e.seq.Add(1)
	}

	out, err := e.codec.Notification(ctx, e.token, seq, body)
	if err != nil {
		return err
	}
	return e.sess.Write(out)
}

func (e *exchange) Closed() bool {
	return e.sess.Closed()
}

func (e *exchange) SessionID() string {
	return e.sess.ID
}
