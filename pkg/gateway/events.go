// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/edgracilla/coap-gateway/pkg/auth"
	"github.com/edgracilla/coap-gateway/pkg/backend"
	"github.com/edgracilla/coap-gateway/pkg/errors"
)

// OnDeviceAdded authorizes rec.
func (g *Gateway) OnDeviceAdded(ctx context.Context, rec auth.Record) {
	if err := g.store.Add(rec); err != nil {
		g.backend.ReportException(ctx, errors.New("device_added", "", "", err))
		return
	}
	g.metrics.AuthorizedDevices.Set(float64(g.store.Len()))
}

// OnDeviceRemoved revokes rec.
func (g *Gateway) OnDeviceRemoved(ctx context.Context, rec auth.Record) {
	if err := g.store.Remove(rec); err != nil {
		g.backend.ReportException(ctx, errors.New("device_removed", "", "", err))
		return
	}
	g.metrics.AuthorizedDevices.Set(float64(g.store.Len()))
}

// OnDeviceInfo completes the remote lookup registered under token.
func (g *Gateway) OnDeviceInfo(ctx context.Context, token string, info json.RawMessage) {
	if g.remote == nil {
		return
	}
	if !g.remote.Complete(token, info) {
		g.logger.Debug("device info for unknown or expired lookup",
			slog.String("token", token))
	}
}

// OnBackendMessage pushes msg to its target device if it is listening.
func (g *Gateway) OnBackendMessage(ctx context.Context, msg backend.Message) {
	delivered, err := g.outbound.Deliver(ctx, msg)
	switch {
	case err != nil:
		g.metrics.OutboundDeliveries.WithLabelValues("failed").Inc()
		g.logger.Warn("outbound delivery failed",
			slog.String("device", msg.TargetDeviceID),
			slog.String("error", err.Error()))
		g.backend.ReportException(ctx, errors.New("deliver", msg.TargetDeviceID, "", err))
	case delivered:
		g.metrics.OutboundDeliveries.WithLabelValues("delivered").Inc()
	default:
		g.metrics.OutboundDeliveries.WithLabelValues("not_bound").Inc()
	}
	g.metrics.OutboundBindings.Set(float64(g.outbound.Len()))
}

// OnCloseRequested starts a graceful shutdown.
func (g *Gateway) OnCloseRequested(ctx context.Context) {
	g.logger.Info("close requested by backend")
	g.Close()
}
