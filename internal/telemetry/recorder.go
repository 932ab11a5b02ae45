// Package telemetry records timing samples for message sends, backend calls
// and cache lookups. It only observes: nothing it records feeds back into
// control flow.
package telemetry

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	DefaultMaxSamples  = 100
	DefaultTrendWindow = 5 * time.Minute

	// Recent averages above this multiple of the overall average count as degradation.
	degradationFactor = 1.5
	lowHitRatePercent = 50
)

// Sample is one timing measurement.
type Sample struct {
	Operation string        `json:"operation"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
	Success   bool          `json:"success"`
}

// ring is a fixed capacity buffer that overwrites its oldest sample.
type ring struct {
	buf   []Sample
	start int
	n     int
}

func newRing(capacity int) ring {
	return ring{buf: make([]Sample, capacity)}
}

func (r *ring) push(s Sample) {
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = s
		r.n++
		return
	}
	r.buf[r.start] = s
	r.start = (r.start + 1) % len(r.buf)
}

// samples returns the contents oldest first.
func (r *ring) samples() []Sample {
	out := make([]Sample, r.n)
	for i := 0; i < r.n; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}

func (r *ring) reset() {
	r.start, r.n = 0, 0
}

// keepAfter drops samples not newer than cutoff.
func (r *ring) keepAfter(cutoff time.Time) {
	kept := since(r.samples(), cutoff)
	r.reset()
	for _, s := range kept {
		r.push(s)
	}
}

// Recorder keeps the last N message latencies and backend call durations,
// plus cache hit/miss counters. Safe for concurrent use.
type Recorder struct {
	mu      sync.Mutex
	latency ring
	api     ring
	hits    uint64
	misses  uint64

	now     func() time.Time
	metrics *metrics
}

type Option func(*Recorder)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

// WithRegisterer mirrors samples into Prometheus collectors on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(r *Recorder) { r.metrics = newMetrics(reg) }
}

func NewRecorder(maxSamples int, opts ...Option) *Recorder {
	if maxSamples <= 0 {
		maxSamples = DefaultMaxSamples
	}
	r := &Recorder{
		latency: newRing(maxSamples),
		api:     newRing(maxSamples),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// TrackMessageLatency records one send round trip, from tap to confirmation
// or rollback.
func (r *Recorder) TrackMessageLatency(start, end time.Time, success bool) {
	s := Sample{Operation: "message", Duration: end.Sub(start), Success: success}
	r.mu.Lock()
	s.Timestamp = r.now()
	r.latency.push(s)
	r.mu.Unlock()

	r.metrics.observeMessage(s)
}

// TrackAPI records one backend call.
func (r *Recorder) TrackAPI(operation string, start, end time.Time, success bool) {
	s := Sample{Operation: operation, Duration: end.Sub(start), Success: success}
	r.mu.Lock()
	s.Timestamp = r.now()
	r.api.push(s)
	r.mu.Unlock()

	r.metrics.observeAPI(s)
}

func (r *Recorder) TrackCacheHit() {
	r.mu.Lock()
	r.hits++
	r.mu.Unlock()
	r.metrics.observeCache("hit")
}

func (r *Recorder) TrackCacheMiss() {
	r.mu.Lock()
	r.misses++
	r.mu.Unlock()
	r.metrics.observeCache("miss")
}

// Summary aggregates durations.
type Summary struct {
	Average time.Duration `json:"average"`
	Min     time.Duration `json:"min"`
	Max     time.Duration `json:"max"`
	Count   int           `json:"count"`
}

type CacheStats struct {
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	HitRate float64 `json:"hit_rate"` // percent; 0 when nothing was looked up
}

type Stats struct {
	MessageLatency Summary    `json:"message_latency"`
	APIResponse    Summary    `json:"api_response"`
	Cache          CacheStats `json:"cache"`
}

type Trends struct {
	MessageLatency time.Duration `json:"recent_message_latency"`
	APIResponse    time.Duration `json:"recent_api_response"`
	Count          int           `json:"recent_count"`
}

type Degradation struct {
	MessageLatencyDegrading bool `json:"message_latency_degrading"`
	APIResponseDegrading    bool `json:"api_response_degrading"`
	CacheHitRateLow         bool `json:"cache_hit_rate_low"`
}

func (r *Recorder) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statsLocked()
}

func (r *Recorder) statsLocked() Stats {
	cs := CacheStats{Hits: r.hits, Misses: r.misses}
	if total := r.hits + r.misses; total > 0 {
		cs.HitRate = float64(r.hits) / float64(total) * 100
	}
	return Stats{
		MessageLatency: summarize(r.latency.samples()),
		APIResponse:    summarize(r.api.samples()),
		Cache:          cs,
	}
}

// RecentTrends averages the samples recorded within window.
func (r *Recorder) RecentTrends(window time.Duration) Trends {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.trendsLocked(window)
}

func (r *Recorder) trendsLocked(window time.Duration) Trends {
	cutoff := r.now().Add(-window)
	recentLatency := since(r.latency.samples(), cutoff)
	return Trends{
		MessageLatency: summarize(recentLatency).Average,
		APIResponse:    summarize(since(r.api.samples(), cutoff)).Average,
		Count:          len(recentLatency),
	}
}

// Degradation compares the last DefaultTrendWindow against the whole buffer.
func (r *Recorder) Degradation() Degradation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.degradationLocked()
}

func (r *Recorder) degradationLocked() Degradation {
	stats := r.statsLocked()
	trends := r.trendsLocked(DefaultTrendWindow)
	lookups := stats.Cache.Hits + stats.Cache.Misses
	return Degradation{
		MessageLatencyDegrading: float64(trends.MessageLatency) > float64(stats.MessageLatency.Average)*degradationFactor,
		APIResponseDegrading:    float64(trends.APIResponse) > float64(stats.APIResponse.Average)*degradationFactor,
		CacheHitRateLow:         lookups > 0 && stats.Cache.HitRate < lowHitRatePercent,
	}
}

// ClearOlderThan drops samples recorded more than age ago.
func (r *Recorder) ClearOlderThan(age time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.now().Add(-age)
	r.latency.keepAfter(cutoff)
	r.api.keepAfter(cutoff)
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.latency.reset()
	r.api.reset()
	r.hits, r.misses = 0, 0
}

// Export is the full snapshot served by the diagnostics surface.
type Export struct {
	MessageLatency []Sample    `json:"message_latency_samples"`
	APIResponse    []Sample    `json:"api_response_samples"`
	Stats          Stats       `json:"stats"`
	Trends         Trends      `json:"trends"`
	Issues         Degradation `json:"performance_issues"`
}

func (r *Recorder) Export() Export {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Export{
		MessageLatency: r.latency.samples(),
		APIResponse:    r.api.samples(),
		Stats:          r.statsLocked(),
		Trends:         r.trendsLocked(DefaultTrendWindow),
		Issues:         r.degradationLocked(),
	}
}

func summarize(samples []Sample) Summary {
	if len(samples) == 0 {
		return Summary{}
	}
	s := Summary{Min: samples[0].Duration, Max: samples[0].Duration, Count: len(samples)}
	var total time.Duration
	for _, sample := range samples {
		total += sample.Duration
		s.Min = min(s.Min, sample.Duration)
		s.Max = max(s.Max, sample.Duration)
	}
	s.Average = total / time.Duration(len(samples))
	return s
}

func since(samples []Sample, cutoff time.Time) []Sample {
	out := samples[:0]
	for _, s := range samples {
		if s.Timestamp.After(cutoff) {
			out = append(out, s)
		}
	}
	return out
}
