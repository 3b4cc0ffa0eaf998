package main

import (
	"context"
	"flag"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/agentworkforce/autosave/internal/autosave"
	_ "github.com/agentworkforce/autosave/internal/autosave/sqlitestore"
	"github.com/agentworkforce/autosave/internal/config"
	"github.com/agentworkforce/autosave/internal/notesclient"
	"github.com/agentworkforce/autosave/internal/watch"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	dir := flag.String("dir", strings.TrimSpace(os.Getenv("AUTOSAVE_WATCH_DIR")), "directory of note files to watch")
	storeDSN := flag.String("store", strings.TrimSpace(os.Getenv("AUTOSAVE_STORE_DSN")), "note store DSN (file, sqlite://, postgres://, http(s)://)")
	token := flag.String("token", strings.TrimSpace(os.Getenv("AUTOSAVE_TOKEN")), "bearer token for an http(s) store")
	configPath := flag.String("config", strings.TrimSpace(os.Getenv("AUTOSAVE_CONFIG")), "JSON config file")
	debounce := flag.Duration("debounce", durationEnv("AUTOSAVE_DEBOUNCE", 0), "quiet period before saving (0 keeps the configured value)")
	strategy := flag.String("strategy", strings.TrimSpace(os.Getenv("AUTOSAVE_CONFLICT_STRATEGY")), "conflict strategy: user_wins, server_wins or manual")
	timeout := flag.Duration("timeout", durationEnv("AUTOSAVE_HTTP_TIMEOUT", 15*time.Second), "http store request timeout")
	once := flag.Bool("once", false, "scan once, flush every pending save and exit")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Str("service", "autosave-watch").Logger()
	if *verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
	logger := log.Logger

	if strings.TrimSpace(*dir) == "" {
		log.Fatal().Msg("dir is required (--dir or AUTOSAVE_WATCH_DIR)")
	}
	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath, cfg)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to load configuration")
		}
		cfg = loaded
	}
	if *storeDSN != "" {
		cfg.StoreDSN = *storeDSN
	}
	if *debounce > 0 {
		cfg.Autosave.DebounceMs = int(*debounce / time.Millisecond)
	}
	if *strategy != "" {
		cfg.Autosave.ConflictStrategy = *strategy
	}

	registerRemoteStores(*token, *timeout)
	store, err := autosave.BuildNoteStoreFromDSN(cfg.StoreDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize note store")
	}
	if closer, ok := store.(io.Closer); ok {
		defer closer.Close()
	}
	opts, err := cfg.EngineOptions(store)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid autosave options")
	}
	opts.Logger = &logger
	engine, err := autosave.NewEngineWithOptions(opts)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize autosave engine")
	}
	defer engine.Close()

	watcher, err := watch.New(watch.Options{
		Root:   *dir,
		Engine: engine,
		Store:  store,
		Logger: &logger,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize watcher")
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *once {
		if err := watcher.ScanOnce(rootCtx); err != nil {
			log.Error().Err(err).Msg("scan failed")
		}
		if err := engine.FlushAll(rootCtx); err != nil {
			log.Error().Err(err).Msg("flush failed")
			os.Exit(1)
		}
		log.Info().Msg("scan flushed")
		return
	}

	stopEvents := logStatusEvents(engine)
	defer stopEvents()

	log.Info().Str("dir", *dir).Str("strategy", string(engine.Strategy())).Msg("watching for changes")
	if err := watcher.Run(rootCtx); err != nil {
		log.Error().Err(err).Msg("watcher stopped")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := engine.FlushAll(ctx); err != nil {
		log.Warn().Err(err).Msg("pending saves not flushed")
	}
}

// registerRemoteStores lets http(s) DSNs point at a running autosaved.
func registerRemoteStores(token string, timeout time.Duration) {
	factory := func(dsn string) (autosave.NoteStore, error) {
		return notesclient.New(dsn, token, &http.Client{Timeout: timeout}), nil
	}
	autosave.RegisterNoteStoreFactory("http", factory)
	autosave.RegisterNoteStoreFactory("https", factory)
}

// logStatusEvents reports conflicts and failures, which need a human.
func logStatusEvents(engine *autosave.Engine) func() {
	events, cancel := engine.Subscribe("")
	go func() {
		for ev := range events {
			status := ev.Status
			switch status.State {
			case autosave.StateConflict:
				log.Warn().Str("document_id", status.DocumentID).
					Int64("server_version", status.Conflict.ServerVersion).
					Msg("conflict needs resolution")
			case autosave.StateError:
				log.Error().Str("document_id", status.DocumentID).
					Str("error", status.Failure.LastError).
					Msg("autosave gave up")
			case autosave.StateRetrying:
				log.Debug().Str("document_id", status.DocumentID).Int("attempt", status.Retry.Attempt).Msg("retrying")
			}
		}
	}()
	return cancel
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
