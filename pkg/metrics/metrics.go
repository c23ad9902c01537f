// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for the CoAP gateway.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the gateway.
type Metrics struct {
	// Request metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	RequestSize     *prometheus.HistogramVec
	Duplicates      prometheus.Counter
	DecodeErrors    prometheus.Counter

	// Authorization metrics
	AuthFailures       *prometheus.CounterVec
	ResolutionDuration *prometheus.HistogramVec
	PendingResolutions prometheus.Gauge
	AuthorizedDevices  prometheus.Gauge

	// Outbound metrics
	OutboundBindings   prometheus.Gauge
	OutboundDeliveries *prometheus.CounterVec

	// Backend metrics
	BackendRequestsTotal *prometheus.CounterVec
	BackendDuration      *prometheus.HistogramVec

	// Circuit breaker metrics
	CircuitBreakerState *prometheus.GaugeVec
	CircuitBreakerTrips *prometheus.CounterVec

	// Rate limiter metrics
	RateLimitedRequests prometheus.Counter

	// Transport metrics
	ActiveSessions prometheus.Gauge
	GatewayState   prometheus.Gauge
}

// New registers all gateway metrics with reg. A nil reg uses the default registerer.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "coap_gateway"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of CoAP requests by operation and response code",
			},
			[]string{"operation", "code"},
		),
		RequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		RequestSize: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_size_bytes",
				Help:      "Request payload size in bytes",
				Buckets:   []float64{16, 64, 256, 1024, 4096, 16384, 65536},
			},
			[]string{"operation"},
		),
		Duplicates: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "duplicate_requests_total",
				Help:      "Total number of retransmitted requests absorbed by de-duplication",
			},
		),
		DecodeErrors: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "decode_errors_total",
				Help:      "Total number of datagrams that could not be decoded as CoAP requests",
			},
		),
		AuthFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auth_failures_total",
				Help:      "Total number of rejected device identities",
			},
			[]string{"reason"},
		),
		ResolutionDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "resolution_duration_seconds",
				Help:      "Device resolution duration in seconds",
				Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 2.5, 5, 10},
			},
			[]string{"mode", "result"},
		),
		PendingResolutions: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pending_resolutions",
				Help:      "Number of outstanding remote device lookups",
			},
		),
		AuthorizedDevices: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "authorized_devices",
				Help:      "Number of devices in the local authorization store",
			},
		),
		OutboundBindings: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "outbound_bindings",
				Help:      "Number of devices bound for outbound delivery",
			},
		),
		OutboundDeliveries: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "outbound_deliveries_total",
				Help:      "Total number of backend messages by delivery status",
			},
			[]string{"status"},
		),
		BackendRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backend_requests_total",
				Help:      "Total number of backend calls",
			},
			[]string{"op", "status"},
		),
		BackendDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "backend_duration_seconds",
				Help:      "Backend call duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"op"},
		),
		CircuitBreakerState: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0=closed, 1=half_open, 2=open)",
			},
			[]string{"backend"},
		),
		CircuitBreakerTrips: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_trips_total",
				Help:      "Total number of circuit breaker trips",
			},
			[]string{"backend"},
		),
		RateLimitedRequests: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limited_requests_total",
				Help:      "Total number of rate limited requests",
			},
		),
		ActiveSessions: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_sessions",
				Help:      "Number of tracked UDP peers",
			},
		),
		GatewayState: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "state",
				Help:      "Gateway lifecycle state (0=starting, 1=listening, 2=closing, 3=closed, 4=faulted)",
			},
		),
	}
}

// ObserveRequest records one handled request.
func (m *Metrics) ObserveRequest(operation, code string, size int, start time.Time) {
	m.RequestsTotal.WithLabelValues(operation, code).Inc()
	m.RequestDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	m.RequestSize.WithLabelValues(operation).Observe(float64(size))
}

// ObserveBackend tracks a backend call.
func (m *Metrics) ObserveBackend(op string, f func() error) error {
	start := time.Now()
	err := f()
	m.BackendDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())

	status := "success"
	if err != nil {
		status = "error"
	}
	m.BackendRequestsTotal.WithLabelValues(op, status).Inc()

	return err
}
