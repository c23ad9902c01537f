// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	coapgateway "github.com/edgracilla/coap-gateway"
	"github.com/edgracilla/coap-gateway/examples/simple"
	"github.com/edgracilla/coap-gateway/pkg/backend"
	"github.com/edgracilla/coap-gateway/pkg/backend/natsio"
	"github.com/edgracilla/coap-gateway/pkg/gateway"
	"github.com/edgracilla/coap-gateway/pkg/health"
	"github.com/edgracilla/coap-gateway/pkg/metrics"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

const envPrefix = "COAP_GATEWAY_"

func main() {
	// .env file is optional
	dotenvErr := godotenv.Load()

	cfg, err := coapgateway.NewConfig(env.Options{Prefix: envPrefix})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse config: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)
	if dotenvErr != nil {
		logger.Debug("no .env file found, using environment variables")
	}

	m := metrics.New("coap_gateway", prometheus.DefaultRegisterer)

	b, backendReady, err := newBackend(cfg, m, logger)
	if err != nil {
		logger.Error("Failed to create backend", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer b.Close()

	gw, err := gateway.New(cfg.Gateway(m, logger), b)
	if err != nil {
		logger.Error("Failed to create gateway", slog.String("error", err.Error()))
		os.Exit(1)
	}

	checker := health.NewChecker(2 * time.Second)
	checker.Register("gateway", gw.Ready)
	if backendReady != nil {
		checker.Register("backend", backendReady)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		// A close requested by the backend ends the process too.
		defer cancel()
		return gw.Run(ctx)
	})

	if cfg.MetricsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		g.Go(func() error {
			return serveHTTP(ctx, "metrics", cfg.MetricsPort, mux, cfg.ShutdownTimeout, logger)
		})
	}

	if cfg.HealthPort > 0 {
		g.Go(func() error {
			return serveHTTP(ctx, "health", cfg.HealthPort, checker.Mux(), cfg.ShutdownTimeout, logger)
		})
	}

	g.Go(func() error {
		return StopSignalHandler(ctx, cancel, logger)
	})

	if err := g.Wait(); err != nil {
		logger.Error(fmt.Sprintf("CoAP gateway terminated with error: %s", err))
		os.Exit(1)
	}
	logger.Info("CoAP gateway stopped")
}

// newBackend connects to NATS, or falls back to the logging backend when no
// URL is configured. The returned check is nil when the backend has none.
func newBackend(cfg coapgateway.Config, m *metrics.Metrics, logger *slog.Logger) (backend.Backend, health.CheckFunc, error) {
	if cfg.NATSURL == "" {
		logger.Warn("NATS URL not configured, using logging backend",
			slog.Int("allowed_devices", len(cfg.AllowedDevices)))
		return simple.New(logger, cfg.AllowedDevices...), nil, nil
	}

	b, err := natsio.Connect(natsio.Config{
		URL:            cfg.NATSURL,
		Prefix:         cfg.NATSSubjectPrefix,
		RequestTimeout: cfg.NATSRequestTimeout,
		Breaker:        cfg.Breaker(),
		Metrics:        m,
		Logger:         logger,
	})
	if err != nil {
		return nil, nil, err
	}
	logger.Info("Connected to NATS",
		slog.String("url", cfg.NATSURL),
		slog.String("prefix", cfg.NATSSubjectPrefix))
	return b, b.Ready, nil
}

// setupLogger creates a structured logger with the specified level and format.
func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// serveHTTP runs an HTTP server until ctx is cancelled.
func serveHTTP(ctx context.Context, name string, port int, h http.Handler, shutdownTimeout time.Duration, logger *slog.Logger) error {
	addr := fmt.Sprintf(":%d", port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      h,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting "+name+" server", slog.String("address", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("%s server: %w", name, err)
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	}
}

func StopSignalHandler(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) error {
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(c)

	select {
	case sig := <-c:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
		return nil
	case <-ctx.Done():
		return nil
	}
}
