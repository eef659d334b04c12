// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/AleutianAI/GeminiBridge/pkg/logging"
	"github.com/AleutianAI/GeminiBridge/services/bridge/cli"
	"github.com/AleutianAI/GeminiBridge/services/bridge/config"
	"github.com/AleutianAI/GeminiBridge/services/bridge/handlers"
	"github.com/AleutianAI/GeminiBridge/services/bridge/middleware"
	"github.com/AleutianAI/GeminiBridge/services/bridge/observability"
	"github.com/AleutianAI/GeminiBridge/services/bridge/queue"
	"github.com/AleutianAI/GeminiBridge/services/bridge/routes"
)

// initTracer wires a stdout trace exporter. The bridge is a single local
// process; traces go to the log stream rather than a collector.
func initTracer() (func(context.Context), error) {
	ctx := context.Background()

	traceExporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("gemini-bridge")))
	if err != nil {
		return nil, err
	}
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(traceExporter))
	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := traceProvider.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown trace provider", "error", err)
		}
	}, nil
}

// runServe assembles the service and blocks until shutdown.
func runServe() error {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if flagLogLevel != "" {
		cfg.LogLevel = flagLogLevel
	}

	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.LogLevel),
		LogDir:  cfg.LogDir,
		Service: "bridge",
		JSON:    true,
	})
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	cleanup, err := initTracer()
	if err != nil {
		return fmt.Errorf("failed to setup tracer: %w", err)
	}
	defer cleanup(context.Background())

	metrics := observability.InitMetrics()

	// Execution core: runner -> executor -> conflict retry.
	runner := cli.NewExecRunner()
	executor := cli.NewExecutor(runner, cli.ExecutorOptions{
		CLIPath: cfg.CLIPath,
		Timeout: cfg.CLITimeout(),
	})
	reclaimer := cli.NewSandboxReclaimer(runner)
	retrier := cli.NewRetryController(executor, reclaimer, cli.RetryOptions{
		MaxRetries:   cfg.CLIMaxRetries,
		ConflictWait: cfg.ConflictWait(),
		Proactive:    cfg.ProactiveCleanup,
	})
	retrier.OnConflictRetry = metrics.RecordConflictRetry

	q := queue.NewManager(queue.Options{
		MaxConcurrent: cfg.MaxConcurrentRequests,
		QueueTimeout:  cfg.QueueTimeout(),
		MinRequestGap: cfg.MinRequestGap(),
	})

	mappings := config.NewModelMappings(cfg.ModelsFile)
	defer mappings.Close()
	if cfg.ModelsFile != "" {
		if err := mappings.Watch(); err != nil {
			slog.Warn("model mapping hot reload unavailable", "error", err)
		}
	}

	rateLimiter := middleware.NewRateLimiter(
		cfg.RateLimitMaxRequests,
		time.Duration(cfg.RateLimitWindowSeconds)*time.Second)
	defer rateLimiter.Close()
	rateLimiter.OnRejected = metrics.RecordRateLimitRejection

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("gemini-bridge"))
	router.Use(middleware.RequestID())

	routes.SetupRoutes(router, routes.Options{
		Chat:        handlers.NewChatHandler(q, retrier, mappings, metrics),
		Models:      handlers.NewModelsHandler(mappings, metrics),
		Health:      handlers.NewHealthHandler(q),
		RateLimiter: rateLimiter,
		BearerToken: cfg.BearerToken,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("bridge server starting",
			"addr", addr,
			"max_concurrent", cfg.MaxConcurrentRequests,
			"cli_path", cfg.CLIPath)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	slog.Info("shutdown signal received, draining requests")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	slog.Info("bridge server stopped")
	return nil
}
