package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/agentworkforce/autosave/internal/autosave"
	_ "github.com/agentworkforce/autosave/internal/autosave/sqlitestore"
	"github.com/agentworkforce/autosave/internal/config"
	"github.com/agentworkforce/autosave/internal/httpapi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const shutdownTimeout = 15 * time.Second

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Str("service", "autosaved").Logger()

	cfg, err := configFromEnv()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	zerolog.SetGlobalLevel(cfg.Level())
	logger := log.Logger

	store, err := autosave.BuildNoteStoreFromDSN(cfg.StoreDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize note store")
	}
	sessions := httpapi.NewSessions()
	opts, err := cfg.EngineOptions(store)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid autosave options")
	}
	opts.SessionCheck = sessions.Check
	opts.Logger = &logger
	engine, err := autosave.NewEngineWithOptions(opts)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize autosave engine")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(autosave.Collectors()...)
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	server := httpapi.NewServerWithConfig(engine, store, sessions, httpapi.ServerConfig{
		JWTSecret:       cfg.JWTSecret,
		RateLimitMax:    cfg.RateLimitMax,
		RateLimitWindow: cfg.RateLimitWindow(),
		MaxBodyBytes:    cfg.MaxBodyBytes,
		Gatherer:        registry,
		Logger:          &logger,
	})
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Str("strategy", string(engine.Strategy())).Msg("autosaved listening")
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server failed")
		}
	case <-rootCtx.Done():
		log.Info().Msg("shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("http shutdown incomplete")
	}
	if err := engine.FlushAll(ctx); err != nil {
		log.Warn().Err(err).Msg("pending saves not flushed")
	}
	_ = engine.Close()
	if closer, ok := store.(io.Closer); ok {
		_ = closer.Close()
	}
}

// configFromEnv starts from the defaults, overlays AUTOSAVE_CONFIG when set
// and lets individual AUTOSAVE_* variables win over both.
func configFromEnv() (config.Config, error) {
	cfg := config.Default()
	if path := strings.TrimSpace(os.Getenv("AUTOSAVE_CONFIG")); path != "" {
		loaded, err := config.Load(path, cfg)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}

	cfg.ListenAddr = envOrDefault("AUTOSAVE_ADDR", cfg.ListenAddr)
	cfg.StoreDSN = envOrDefault("AUTOSAVE_STORE_DSN", cfg.StoreDSN)
	cfg.JWTSecret = envOrDefault("AUTOSAVE_JWT_SECRET", cfg.JWTSecret)
	cfg.LogLevel = envOrDefault("AUTOSAVE_LOG_LEVEL", cfg.LogLevel)
	cfg.RateLimitMax = intEnv("AUTOSAVE_RATE_LIMIT_MAX", cfg.RateLimitMax)
	cfg.RateLimitWindowMs = millisEnv("AUTOSAVE_RATE_LIMIT_WINDOW", cfg.RateLimitWindowMs)
	cfg.MaxBodyBytes = int64Env("AUTOSAVE_MAX_BODY_BYTES", cfg.MaxBodyBytes)

	if raw := strings.TrimSpace(os.Getenv("AUTOSAVE_ENABLED")); raw != "" {
		enabled := boolEnv("AUTOSAVE_ENABLED", true)
		cfg.Autosave.Enabled = &enabled
	}
	cfg.Autosave.DebounceMs = millisEnv("AUTOSAVE_DEBOUNCE", cfg.Autosave.DebounceMs)
	cfg.Autosave.MaxRetries = intEnv("AUTOSAVE_MAX_RETRIES", cfg.Autosave.MaxRetries)
	cfg.Autosave.RetryDelayMs = millisEnv("AUTOSAVE_RETRY_DELAY", cfg.Autosave.RetryDelayMs)
	cfg.Autosave.CommitTimeoutMs = millisEnv("AUTOSAVE_COMMIT_TIMEOUT", cfg.Autosave.CommitTimeoutMs)
	cfg.Autosave.ConflictStrategy = envOrDefault("AUTOSAVE_CONFLICT_STRATEGY", cfg.Autosave.ConflictStrategy)

	if _, err := autosave.ParseStrategy(cfg.Autosave.ConflictStrategy); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func intEnv(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Warn().Str("name", name).Str("value", raw).Int("fallback", fallback).Msg("invalid integer, using fallback")
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Warn().Str("name", name).Str("value", raw).Int64("fallback", fallback).Msg("invalid integer, using fallback")
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Warn().Str("name", name).Str("value", raw).Dur("fallback", fallback).Msg("invalid duration, using fallback")
		return fallback
	}
	return value
}

// millisEnv reads a Go duration ("250ms", "2s") into whole milliseconds.
func millisEnv(name string, fallbackMs int) int {
	fallback := time.Duration(fallbackMs) * time.Millisecond
	return int(durationEnv(name, fallback) / time.Millisecond)
}

func boolEnv(name string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		log.Warn().Str("name", name).Str("value", raw).Bool("fallback", fallback).Msg("invalid boolean, using fallback")
		return fallback
	}
	return value
}
