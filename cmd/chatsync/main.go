package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"chat-sync/internal/cache"
	"chat-sync/internal/chat"
	"chat-sync/internal/config"
	"chat-sync/internal/diagnostics"
	"chat-sync/internal/logger"
	"chat-sync/internal/realtime"
	"chat-sync/internal/telemetry"
)

func main() {
	mode := flag.String("mode", "client", "client (interactive) or relay")
	addr := flag.String("addr", ":8080", "relay listen address")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		bootLog := zerolog.New(os.Stderr)
		bootLog.Fatal().Err(err).Msg("invalid configuration")
	}
	log := logger.New(cfg.Env, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStack(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("backend setup failed")
	}
	defer st.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rec := telemetry.NewRecorder(cfg.TelemetryMaxSamples, telemetry.WithRegisterer(reg))
	c := cache.New(
		cache.WithMaxConversations(cfg.CacheMaxConversations),
		cache.WithMaxMessages(cfg.CacheMaxMessages),
	)

	opts := diagnostics.Options{Recorder: rec, Cache: c, Gatherer: reg}
	if st.validator.Verifies() {
		opts.Validator = st.validator
	}

	switch *mode {
	case "relay":
		if !st.validator.Verifies() {
			log.Warn().Msg("JWT_SECRET not set, relay accepts unsigned tokens")
		}
		relay := realtime.NewServer(st.feed, st.validator, log.With().Str("component", "relay").Logger())
		opts.Mount = func(r chi.Router) { r.Handle("/realtime", relay) }
		serve(ctx, log, *addr, diagnostics.NewRouter(log, opts))

	case "client":
		if cfg.DiagnosticsAddr != "" {
			go serve(ctx, log, cfg.DiagnosticsAddr, diagnostics.NewRouter(log, opts))
		}
		cl := chat.NewClient(st.identity, st.store, st.feed, c, rec,
			chat.WithLogger(log.With().Str("component", "chat").Logger()),
			chat.WithObserver(&printer{out: os.Stdout}),
		)
		defer cl.Close()
		runConsole(ctx, cl, os.Stdin, os.Stdout)

	default:
		log.Fatal().Str("mode", *mode).Msg("unknown mode")
	}
}

// serve runs srv until ctx is done, then shuts it down gracefully.
func serve(ctx context.Context, log zerolog.Logger, addr string, h http.Handler) {
	srv := &http.Server{
		Addr:        addr,
		Handler:     h,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("starting HTTP server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	log.Info().Msg("server stopped")
}
