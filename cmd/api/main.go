// Package main is the entry point for the API server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/capitalize-ai/agent-gateway/internal/audit"
	"github.com/capitalize-ai/agent-gateway/internal/breaker"
	"github.com/capitalize-ai/agent-gateway/internal/config"
	"github.com/capitalize-ai/agent-gateway/internal/handler"
	"github.com/capitalize-ai/agent-gateway/internal/middleware"
	natsclient "github.com/capitalize-ai/agent-gateway/internal/nats"
	"github.com/capitalize-ai/agent-gateway/internal/orchestrator"
	"github.com/capitalize-ai/agent-gateway/internal/provider"
	"github.com/capitalize-ai/agent-gateway/internal/session"
	"github.com/capitalize-ai/agent-gateway/pkg/logger"
	"github.com/capitalize-ai/agent-gateway/pkg/tracing"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	log.Info("starting agent gateway")

	// Initialize tracing if enabled
	ctx := context.Background()
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "agent-gateway", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", "error", err)
		} else {
			defer tracing.Shutdown(ctx, tp)
		}
	}

	// Connect to NATS for session bindings and audit records
	natsConn, err := natsclient.Connect(natsclient.Config{
		URL:      cfg.NATSURL,
		CAFile:   cfg.NATSCAFile,
		CertFile: cfg.NATSCertFile,
		KeyFile:  cfg.NATSKeyFile,
		Token:    cfg.NATSToken,
	}, log)
	if err != nil {
		log.Error("failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer natsConn.Close()

	if err := natsclient.EnsureAuditStream(ctx, natsConn.JetStream()); err != nil {
		log.Error("failed to ensure audit stream", "error", err)
		os.Exit(1)
	}
	sessionBucket, err := natsclient.EnsureSessionBucket(ctx, natsConn.JetStream())
	if err != nil {
		log.Error("failed to ensure session bucket", "error", err)
		os.Exit(1)
	}

	// Core components
	registry := provider.NewRegistry(
		provider.NewOpenAIAdapter(),
		provider.NewAnthropicAdapter(),
		provider.NewFastGPTAdapter(),
		provider.NewDifyAdapter(),
	)
	brk := breaker.New(breaker.Config{
		FailureThreshold: cfg.BreakerFailureThreshold,
		Cooldown:         cfg.BreakerCooldown,
	})
	binder := session.NewBinder(session.NewKVStore(sessionBucket))
	auditSink := audit.NewJetStreamSink(natsConn.JetStream(), log)

	orch := orchestrator.New(registry, brk, binder, auditSink, log, orchestrator.Config{
		ConnectRetryLimit: cfg.ConnectRetryLimit,
		BackoffInitial:    cfg.BackoffInitial,
		BackoffMax:        cfg.BackoffMax,
		StreamMaxDuration: cfg.StreamMaxDuration,
	})

	// Initialize handlers
	healthHandler := handler.NewHealthHandler(natsConn)
	providerHandler := handler.NewProviderHandler(cfg, brk)
	streamHandler := handler.NewStreamHandler(orch, cfg, log)

	// Create router
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Requested-With"},
		ExposedHeaders:   []string{"X-Correlation-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health endpoints (no auth required)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	// Metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	// API routes with authentication
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWTSecret))
		r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))
		r.Use(middleware.UserRateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

		r.Get("/providers", providerHandler.List)
		r.With(middleware.RequireScope(middleware.ScopeStream)).
			Post("/sessions/{id}/stream", streamHandler.Stream)
	})

	// Create HTTP server. WriteTimeout stays unset: SSE streams outlive any
	// fixed response deadline and are bounded by the orchestrator instead.
	server := &http.Server{
		Addr:        ":" + cfg.ServerPort,
		Handler:     r,
		ReadTimeout: cfg.ServerReadTimeout,
		IdleTimeout: 120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info("server listening", "port", cfg.ServerPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", "error", err)
	}

	log.Info("server stopped")
}
