// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"strings"

	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// Default route paths.
const (
	DefaultDataRoute         = "/data"
	DefaultMessageRoute      = "/messages"
	DefaultGroupMessageRoute = "/groupmessages"
)

// Operation is what a request asks the gateway to do.
type Operation int

const (
	OpNotFound Operation = iota
	OpData
	OpMessage
	OpGroupMessage
)

// String returns a string representation of the operation.
func (o Operation) String() string {
	switch o {
	case OpData:
		return "data"
	case OpMessage:
		return "message"
	case OpGroupMessage:
		return "groupmessage"
	default:
		return "notfound"
	}
}

// Routes maps operations to path segments. Immutable after start.
type Routes struct {
	Data         string
	Message      string
	GroupMessage string
}

// DefaultRoutes returns the built-in route table.
func DefaultRoutes() Routes {
	return Routes{
		Data:         DefaultDataRoute,
		Message:      DefaultMessageRoute,
		GroupMessage: DefaultGroupMessageRoute,
	}
}

// Normalized fills empty routes from the defaults and ensures every route
// starts with "/".
func (r Routes) Normalized() Routes {
	return Routes{
		Data:         Normalize(r.Data, DefaultDataRoute),
		Message:      Normalize(r.Message, DefaultMessageRoute),
		GroupMessage: Normalize(r.GroupMessage, DefaultGroupMessageRoute),
	}
}

// Normalize returns route with a leading "/", or def when route is empty.
func Normalize(route, def string) string {
	route = strings.TrimSpace(route)
	if route == "" {
		return def
	}
	if !strings.HasPrefix(route, "/") {
		route = "/" + route
	}
	return route
}

// Match classifies a request. The first path segment is compared exactly
// with the data, message and group message routes, in that order. Only
// POST requests match.
func (r Routes) Match(path string, method codes.Code) Operation {
	if method != codes.POST {
		return OpNotFound
	}

	switch FirstSegment(path) {
	case r.Data:
		return OpData
	case r.Message:
		return OpMessage
	case r.GroupMessage:
		return OpGroupMessage
	}
	return OpNotFound
}

// FirstSegment returns "/" followed by the first segment of path.
func FirstSegment(path string) string {
	path = strings.TrimPrefix(path, "/")
	if i := strings.IndexByte(path, '/'); i >= 0 {
		path = path[:i]
	}
	return "/" + path
}
