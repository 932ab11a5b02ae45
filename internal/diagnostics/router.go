// Package diagnostics serves the client's health, telemetry and metrics over
// HTTP for operators and the load generator.
package diagnostics

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"chat-sync/internal/cache"
	myMiddleware "chat-sync/internal/middleware"
	"chat-sync/internal/telemetry"
)

type Options struct {
	Recorder *telemetry.Recorder
	Cache    *cache.Cache
	Gatherer prometheus.Gatherer
	// Validator guards everything except /health. Nil leaves it open.
	Validator myMiddleware.TokenValidator
	// Mount adds extra routes, such as the realtime relay.
	Mount func(r chi.Router)
}

type handler struct {
	recorder *telemetry.Recorder
	cache    *cache.Cache
	started  time.Time
}

// NewRouter creates and configures the HTTP router.
func NewRouter(logger zerolog.Logger, opts Options) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(Logger(logger))
	r.Use(chimw.Recoverer)

	h := &handler{recorder: opts.Recorder, cache: opts.Cache, started: time.Now()}

	r.Get("/health", h.health)

	r.Group(func(r chi.Router) {
		if opts.Validator != nil {
			r.Use(myMiddleware.NewAuthMiddleware(opts.Validator).Handle)
		}

		if opts.Gatherer != nil {
			r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
		}
		if opts.Recorder != nil {
			r.Get("/stats", h.stats)
			r.Get("/stats/trends", h.trends)
			r.Delete("/stats", h.reset)
			r.Post("/stats/prune", h.prune)
		}
		if opts.Cache != nil {
			r.Get("/cache", h.cacheStats)
		}
		if opts.Mount != nil {
			opts.Mount(r)
		}
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(h.started).Round(time.Second).String(),
	})
}

func (h *handler) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.recorder.Export())
}

// trends reads ?window=<duration>, five minutes by default.
func (h *handler) trends(w http.ResponseWriter, r *http.Request) {
	window := telemetry.DefaultTrendWindow
	if raw := r.URL.Query().Get("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "window must be a positive duration")
			return
		}
		window = d
	}
	writeJSON(w, http.StatusOK, h.recorder.RecentTrends(window))
}

func (h *handler) reset(w http.ResponseWriter, r *http.Request) {
	h.recorder.Reset()
	w.WriteHeader(http.StatusNoContent)
}

// prune reads ?older_than=<duration>, one hour by default.
func (h *handler) prune(w http.ResponseWriter, r *http.Request) {
	age := time.Hour
	if raw := r.URL.Query().Get("older_than"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			writeError(w, http.StatusBadRequest, "older_than must be a duration")
			return
		}
		age = d
	}
	h.recorder.ClearOlderThan(age)
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) cacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.cache.Stats())
}
