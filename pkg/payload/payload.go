// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package payload decodes and validates the JSON body devices send to the gateway.
package payload

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/edgracilla/coap-gateway/pkg/errors"
)

const (
	// DataRequirement describes what every request body must contain.
	DataRequirement = `Invalid data sent. Data must be a valid JSON String with at least a "device" field which corresponds to a registered Device ID.`

	// MessageRequirement describes what message and group message bodies must contain.
	MessageRequirement = `Invalid message or command. Message must be a valid JSON String with "target" and "message" fields. "target" is a registered Device ID. "message" is the payload.`
)

// Payload is a decoded request body.
type Payload struct {
	// Device is the identity of the sender.
	Device string

	// Target is the device id (or group id/name) a message is addressed to.
	Target string

	// Message is the command text. Object and array values are kept as
	// compact JSON text; numbers and booleans count as absent.
	Message string

	// DeviceGroup is an optional group hint sent alongside messages.
	DeviceGroup string

	// Fields holds every top-level member of the body.
	Fields map[string]json.RawMessage

	// Raw is the body exactly as received.
	Raw []byte
}

// Decode parses raw as a JSON object carrying at least a non-empty "device".
// An empty body is treated as "{}".
func Decode(raw []byte) (*Payload, error) {
	body := raw
	if len(bytes.TrimSpace(body)) == 0 {
		body = []byte("{}")
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("%w: %s", errors.ErrMalformedRequest, DataRequirement)
	}
	if fields == nil {
		// literal null
		return nil, fmt.Errorf("%w: %s", errors.ErrMalformedRequest, DataRequirement)
	}

	p := &Payload{
		Fields: fields,
		Raw:    raw,
	}

	p.Device = stringField(fields["device"])
	if p.Device == "" {
		return nil, fmt.Errorf("%w: %s", errors.ErrMalformedRequest, DataRequirement)
	}

	p.Target = stringField(fields["target"])
	p.DeviceGroup = stringField(fields["deviceGroup"])

	p.Message = textField(fields["message"])
	if p.Message == "" {
		p.Message = textField(fields["command"])
	}

	return p, nil
}

// ValidateMessage checks the fields message-class operations need.
func (p *Payload) ValidateMessage() error {
	if p.Target == "" || p.Message == "" {
		return fmt.Errorf("%w: %s", errors.ErrMalformedRequest, MessageRequirement)
	}
	return nil
}

// stringField returns v if it is a JSON string, "" otherwise.
func stringField(v json.RawMessage) string {
	if len(v) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return ""
	}
	return s
}

// textField returns the string value of v, or the compact JSON text of a
// non-empty object or array. Numbers and booleans carry no command and
// yield "".
func textField(v json.RawMessage) string {
	if IsEmpty(v) {
		return ""
	}
	t := bytes.TrimSpace(v)
	switch t[0] {
	case '"':
		return stringField(t)
	case '{', '[':
		var buf bytes.Buffer
		if err := json.Compact(&buf, t); err != nil {
			return ""
		}
		return buf.String()
	default:
		return ""
	}
}

// IsEmpty reports whether v is absent, null, an empty string, an empty
// object or an empty array.
func IsEmpty(v json.RawMessage) bool {
	t := bytes.TrimSpace(v)
	if len(t) == 0 {
		return true
	}
	switch string(t) {
	case "null", `""`, "{}", "[]":
		return true
	}

	switch t[0] {
	case '{':
		var m map[string]json.RawMessage
		return json.Unmarshal(t, &m) == nil && len(m) == 0
	case '[':
		var a []json.RawMessage
		return json.Unmarshal(t, &a) == nil && len(a) == 0
	}
	return false
}
