// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package coap

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/message/pool"
	"github.com/plgd-dev/go-coap/v3/udp/coder"
)

// ErrNotRequest is returned by Decode for datagrams that carry a response code.
var ErrNotRequest = errors.New("not a CoAP request")

// Request is a decoded CoAP request datagram.
type Request struct {
	Code      codes.Code
	Type      message.Type
	MessageID int32
	Token     message.Token
	Path      string
	Queries   []string
	Payload   []byte

	// Observe is set when the request registers an observation (Observe: 0).
	Observe bool
}

// URL returns the path plus query string.
func (r *Request) URL() string {
	if len(r.Queries) == 0 {
		return r.Path
	}
	var b bytes.Buffer
	b.WriteString(r.Path)
	for i, q := range r.Queries {
		if i == 0 {
			b.WriteByte('?')
		} else {
			b.WriteByte('&')
		}
		b.WriteString(q)
	}
	return b.String()
}

// Confirmable reports whether the request expects an acknowledgement.
func (r *Request) Confirmable() bool {
	return r.Type == message.Confirmable
}

// Empty reports whether the datagram is an empty message (ping, ACK or RST).
func (r *Request) Empty() bool {
	return r.Code == codes.Empty
}

// Codec converts between datagrams and Requests/responses.
type Codec struct {
	mid atomic.Uint32
}

// NewCodec creates a Codec with a random initial message id.
func NewCodec() *Codec {
	c := &Codec{}
	c.mid.Store(rand.Uint32())
	return c
}

// Decode parses one CoAP datagram.
func (c *Codec) Decode(ctx context.Context, data []byte) (*Request, error) {
	msg := pool.NewMessage(ctx)
	defer msg.Reset()

	if _, err := msg.UnmarshalWithDecoder(coder.DefaultCoder, data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal CoAP message: %w", err)
	}

	req := &Request{
		Code:      msg.Code(),
		Type:      msg.Type(),
		MessageID: msg.MessageID(),
		Token:     append(message.Token(nil), msg.Token()...),
	}
	if req.Empty() {
		return req, nil
	}
	if !isRequestCode(req.Code) {
		return req, ErrNotRequest
	}

	path, err := msg.Options().Path()
	if err != nil {
		path = "/"
	}
	req.Path = path

	if queries, err := msg.Options().Queries(); err == nil {
		req.Queries = queries
	}

	if obs, err := msg.Options().Observe(); err == nil && obs == 0 {
		req.Observe = true
	}

	if msg.Body() != nil {
		body, err := msg.ReadBody()
		if err != nil {
			return nil, fmt.Errorf("failed to read CoAP payload: %w", err)
		}
		req.Payload = append([]byte(nil), body...)
	}

	return req, nil
}

// Response encodes the response to req. Confirmable requests get a
// piggybacked ACK, non-confirmable requests a NON response.
func (c *Codec) Response(ctx context.Context, req *Request, code codes.Code, body []byte) ([]byte, error) {
	msg := pool.NewMessage(ctx)
	defer msg.Reset()

	msg.SetCode(code)
	msg.SetToken(req.Token)
	if req.Confirmable() {
		msg.SetType(message.Acknowledgement)
		msg.SetMessageID(req.MessageID)
	} else {
		msg.SetType(message.NonConfirmable)
		msg.SetMessageID(c.nextMessageID())
	}
	if len(body) > 0 {
		msg.SetContentFormat(message.TextPlain)
		msg.SetBody(bytes.NewReader(body))
	}

	return msg.MarshalWithEncoder(coder.DefaultCoder)
}

// Notification encodes a NON 2.05 message carrying body for token. A
// non-zero seq is sent as the Observe option.
func (c *Codec) Notification(ctx context.Context, token message.Token, seq uint32, body []byte) ([]byte, error) {
	msg := pool.NewMessage(ctx)
	defer msg.Reset()

	msg.SetCode(codes.Content)
	msg.SetToken(token)
	msg.SetType(message.NonConfirmable)
	msg.SetMessageID(c.nextMessageID())
	if seq > 0 {
		msg.SetObserve(seq)
	}
	msg.SetContentFormat(message.TextPlain)
	msg.SetBody(bytes.NewReader(body))

	return msg.MarshalWithEncoder(coder.DefaultCoder)
}

// Reset encodes an RST for the given message id.
func (c *Codec) Reset(ctx context.Context, mid int32) ([]byte, error) {
	msg := pool.NewMessage(ctx)
	defer msg.Reset()

	msg.SetCode(codes.Empty)
	msg.SetType(message.Reset)
	msg.SetMessageID(mid)

	return msg.MarshalWithEncoder(coder.DefaultCoder)
}

func (c *Codec) nextMessageID() int32 {
	return int32(uint16(c.mid.Add(1)))
}

// CodeString formats code in dotted class.detail form, e.g. "2.05".
func CodeString(code codes.Code) string {
	return fmt.Sprintf("%d.%02d", uint8(code)>>5, uint8(code)&0x1f)
}

func isRequestCode(code codes.Code) bool {
	return code >= codes.GET && code < 32
}
