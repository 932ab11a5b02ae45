package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics mirrors recorder samples into Prometheus. A nil *metrics is valid
// and records nothing.
type metrics struct {
	messageLatency *prometheus.HistogramVec
	apiDuration    *prometheus.HistogramVec
	cacheLookups   *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		messageLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chatsync_message_latency_seconds",
				Help:    "Round trip of an optimistic send, from tap to confirmation or rollback",
				Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"status"},
		),
		apiDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chatsync_backend_call_duration_seconds",
				Help:    "Duration of backend calls",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
			[]string{"operation", "status"},
		),
		cacheLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatsync_cache_lookups_total",
				Help: "Conversation cache lookups on open",
			},
			[]string{"result"}, // "hit" or "miss"
		),
	}
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func (m *metrics) observeMessage(s Sample) {
	if m == nil {
		return
	}
	m.messageLatency.WithLabelValues(status(s.Success)).Observe(s.Duration.Seconds())
}

func (m *metrics) observeAPI(s Sample) {
	if m == nil {
		return
	}
	m.apiDuration.WithLabelValues(s.Operation, status(s.Success)).Observe(s.Duration.Seconds())
}

func (m *metrics) observeCache(result string) {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}
