// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/edgracilla/coap-gateway/pkg/backend"
	"github.com/edgracilla/coap-gateway/pkg/errors"
	"github.com/edgracilla/coap-gateway/pkg/parser/coap"
	"github.com/edgracilla/coap-gateway/pkg/payload"
	"github.com/edgracilla/coap-gateway/pkg/router"
	"github.com/edgracilla/coap-gateway/pkg/server/udp"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// Response bodies not produced by the dispatcher.
const (
	InternalError   = "Internal server error\n"
	TooManyRequests = "Too many requests\n"
	GatewayClosing  = "Gateway closing\n"
	Overloaded      = "Gateway overloaded\n"
)

// outcome is what a request produced, before encoding.
type outcome struct {
	op   string
	code codes.Code
	body string
}

// HandlePacket decodes one datagram and serves it on its own goroutine,
// which writes the response.
func (g *Gateway) HandlePacket(ctx context.Context, sess *udp.Session, data []byte) error {
	req, err := g.codec.Decode(ctx, data)
	if err != nil {
		if errors.Is(err, coap.ErrNotRequest) {
			return nil
		}
		g.metrics.DecodeErrors.Inc()
		return err
	}

	switch {
	case req.Empty():
		// CoAP ping.
		if req.Confirmable() {
			rst, err := g.codec.Reset(ctx, req.MessageID)
			if err != nil {
				return err
			}
			return sess.Write(rst)
		}
		return nil
	case req.Type == message.Acknowledgement || req.Type == message.Reset:
		return nil
	}

	peer := sess.RemoteAddr.String()
	cached, first := g.dedup.Begin(peer, req.MessageID)
	if !first {
		g.metrics.Duplicates.Inc()
		if cached != nil {
			return sess.Write(cached)
		}
		return nil
	}

	// Serving may wait on a remote lookup, so it runs off the decode worker.
	if !g.inflight.TryAcquire(1) {
		// Forget the exchange so a retransmission is served once load drops.
		g.dedup.Forget(peer, req.MessageID)
		g.metrics.ObserveRequest("overloaded", coap.CodeString(codes.ServiceUnavailable), len(req.Payload), time.Now())
		g.logger.Warn("too many requests in flight, rejecting", slog.String("client", peer))
		if resp := g.encode(ctx, req, codes.ServiceUnavailable, Overloaded); resp != nil {
			return sess.Write(resp)
		}
		return nil
	}

	g.requests.Add(1)
	go func() {
		defer g.requests.Done()
		defer g.inflight.Release(1)

		resp := g.serve(ctx, sess, req)
		g.dedup.Finish(peer, req.MessageID, resp)
		if resp == nil {
			return
		}
		if err := sess.Write(resp); err != nil {
			g.logger.Debug("failed to write response",
				slog.String("client", peer),
				slog.String("error", err.Error()))
		}
	}()
	return nil
}

// SessionClosed drops state tied to an evicted peer.
func (g *Gateway) SessionClosed(sess *udp.Session) {
	n := g.outbound.EvictSession(sess.ID)
	g.limiter.Remove(sess.RemoteAddr.String())
	if n > 0 {
		g.logger.Debug("dropped outbound bindings of closed session",
			slog.String("session", sess.ID),
			slog.Int("count", n))
	}
}

// serve runs one request inside its own error boundary and returns the
// encoded response.
func (g *Gateway) serve(ctx context.Context, sess *udp.Session, req *coap.Request) (resp []byte) {
	start := time.Now()
	peer := sess.RemoteAddr.String()

	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("panic while handling request",
				slog.String("client", peer),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			g.backend.ReportException(ctx, errors.New("request", "", peer, fmt.Errorf("panic: %v", r)))
			g.metrics.ObserveRequest("panic", coap.CodeString(codes.InternalServerError), len(req.Payload), start)
			resp = g.encode(ctx, req, codes.InternalServerError, InternalError)
		}
	}()

	out := g.handle(ctx, sess, req)
	g.metrics.ObserveRequest(out.op, coap.CodeString(out.code), len(req.Payload), start)
	return g.encode(ctx, req, out.code, out.body)
}

func (g *Gateway) handle(ctx context.Context, sess *udp.Session, req *coap.Request) outcome {
	peer := sess.RemoteAddr.String()

	if !g.limiter.Allow(peer) {
		g.metrics.RateLimitedRequests.Inc()
		err := errors.New("request", "", peer, errors.ErrRateLimited)
		g.logger.Warn("request rejected", slog.String("error", err.Error()))
		return outcome{op: "ratelimited", code: codes.ServiceUnavailable, body: TooManyRequests}
	}

	p, err := payload.Decode(req.Payload)
	if err != nil {
		g.backend.ReportException(ctx, errors.New("decode", "", peer, err))
		return outcome{op: "invalid", code: codes.BadRequest, body: payload.DataRequirement + "\n"}
	}

	if out, ok := g.authorize(ctx, peer, p.Device); !ok {
		return out
	}

	op, res := g.dispatcher.Dispatch(ctx, router.Request{
		Method:     req.Code,
		Path:       req.Path,
		URL:        req.URL(),
		RemoteAddr: peer,
		Payload:    p,
		Responder:  g.newExchange(sess, req),
	})
	return outcome{op: op.String(), code: res.Code, body: res.Body}
}

// authorize resolves device. ok is false when out must be sent instead of
// dispatching.
func (g *Gateway) authorize(ctx context.Context, peer, device string) (out outcome, ok bool) {
	start := time.Now()
	_, err := g.resolver.Resolve(ctx, device)
	g.metrics.ResolutionDuration.WithLabelValues(string(g.cfg.Mode), resolution(err)).
		Observe(time.Since(start).Seconds())

	notRegistered := outcome{
		op:   "unauthorized",
		code: codes.Unauthorized,
		body: fmt.Sprintf("Device not registered. Device ID: %s\n", device),
	}

	switch {
	case err == nil:
		return outcome{}, true

	case errors.Is(err, errors.ErrUnauthorized):
		g.metrics.AuthFailures.WithLabelValues("unregistered").Inc()
		g.logEvent(ctx, backend.Event{
			Title:  "CoAP Gateway - Access Denied. Device not registered.",
			Device: device,
		})
		return notRegistered, false

	case errors.Is(err, errors.ErrResolutionTimeout):
		g.metrics.AuthFailures.WithLabelValues("timeout").Inc()
		g.logger.Warn("device resolution timed out",
			slog.String("device", device),
			slog.String("client", peer))
		g.backend.ReportException(ctx, errors.New("resolve", device, peer, err))
		return notRegistered, false

	case ctx.Err() != nil:
		return outcome{op: "closing", code: codes.ServiceUnavailable, body: GatewayClosing}, false

	default:
		g.logger.Error("device resolution failed",
			slog.String("device", device),
			slog.String("error", err.Error()))
		g.backend.ReportException(ctx, errors.New("resolve", device, peer,
			fmt.Errorf("%w: %w", errors.ErrBackendUnavailable, err)))
		return outcome{op: "unavailable", code: codes.ServiceUnavailable, body: router.BackendUnavailable}, false
	}
}

func resolution(err error) string {
	switch {
	case err == nil:
		return "authorized"
	case errors.Is(err, errors.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, errors.ErrResolutionTimeout):
		return "timeout"
	default:
		return "error"
	}
}

func (g *Gateway) encode(ctx context.Context, req *coap.Request, code codes.Code, body string) []byte {
	out, err := g.codec.Response(ctx, req, code, []byte(body))
	if err != nil {
		g.logger.Error("failed to encode response",
			slog.String("code", coap.CodeString(code)),
			slog.String("error", err.Error()))
		return nil
	}
	return out
}
