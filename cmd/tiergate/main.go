package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tiergate/tiergate/internal/config"
	"github.com/tiergate/tiergate/internal/proxy"
	"github.com/tiergate/tiergate/internal/telemetry"
	"github.com/tiergate/tiergate/internal/tier"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to tiergate.yaml (optional; environment-only when empty)")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	loader := config.NewLoader(*configPath, logger)
	cfg, err := loader.Load()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger = newLogger(cfg.Telemetry)
	slog.SetDefault(logger)

	if stopWatch, err := loader.Watch(); err != nil {
		logger.Warn("failed to start config watcher", "error", err)
	} else {
		defer stopWatch()
	}

	// Duplicate tier models make routing ambiguous; refuse to serve.
	registry, err := tier.BuildRegistry(cfg)
	if err != nil {
		logger.Error("invalid tier configuration", "error", err)
		os.Exit(1)
	}

	for _, t := range tier.All() {
		entry, _ := registry.Entry(t)
		if entry.Provider != nil {
			logger.Info("tier configured",
				"tier", t.String(),
				"model", entry.Model,
				"upstream", entry.Provider.BaseURL,
				"api_key_set", entry.Provider.APIKey != "",
			)
		} else {
			logger.Info("tier configured",
				"tier", t.String(),
				"model", entry.Model,
				"upstream", cfg.Upstream.BaseURL,
				"mode", "oauth_passthrough",
			)
		}
	}

	metrics := telemetry.NewMetrics()
	forwarder := proxy.NewForwarder(cfg.Upstream, metrics)
	handler := proxy.NewHandler(registry, forwarder, cfg.Upstream.BaseURL, metrics)

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)

	r.Post(proxy.MessagesPath, handler.Messages)
	r.Post(proxy.CountTokensPath, handler.CountTokens)
	r.Get("/health", handler.Health)
	r.Handle("/metrics", promhttp.Handler())

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("tiergate starting", "addr", addr, "version", version)
		errCh <- srv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdown)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
		os.Exit(1)
	}
	logger.Info("tiergate stopped")
}

func newLogger(cfg config.TelemetryConfig) *slog.Logger {
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r)
	})
}
