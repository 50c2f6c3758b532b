package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mediaforge"

// Recorder owns the Prometheus collectors for HTTP traffic, the job pipeline,
// the live notifier, and range streaming. Each Recorder registers against its
// own registry so tests can observe values in isolation.
type Recorder struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	jobs         *prometheus.CounterVec
	jobsRunning  *prometheus.GaugeVec
	jobDuration  *prometheus.HistogramVec
	queueDepth   *prometheus.GaugeVec
	allowedSlots *prometheus.GaugeVec

	chunks       *prometheus.CounterVec
	subscribers  prometheus.Gauge
	events       *prometheus.CounterVec
	streamBytes  prometheus.Counter
	cacheLookups *prometheus.CounterVec
}

var (
	defaultMu       sync.RWMutex
	defaultRecorder = New()
)

// New constructs a Recorder backed by a fresh registry that also exports the
// Go runtime and process collectors.
func New() *Recorder {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)
	return &Recorder{
		registry: registry,
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, normalised path and status.",
		}, []string{"method", "path", "status"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
		jobs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Pipeline job transitions by class and outcome.",
		}, []string{"class", "outcome"}),
		jobsRunning: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_running",
			Help:      "Pipeline jobs currently executing.",
		}, []string{"class"}),
		jobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Wall time of a single job attempt.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800},
		}, []string{"class"}),
		queueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Jobs waiting for a worker slot.",
		}, []string{"class"}),
		allowedSlots: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "governor_allowed_concurrency",
			Help:      "Concurrency ceiling last yielded by the resource governor.",
		}, []string{"class"}),
		chunks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_chunks_total",
			Help:      "Upload chunks by result.",
		}, []string{"result"}),
		subscribers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "notifier_subscribers",
			Help:      "Live channel subscribers currently connected.",
		}),
		events: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifier_events_total",
			Help:      "Events broadcast to live subscribers by kind.",
		}, []string{"kind"}),
		streamBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_bytes_total",
			Help:      "Bytes written by the range streamer.",
		}),
		cacheLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_cache_lookups_total",
			Help:      "Rendition path cache lookups by result.",
		}, []string{"result"}),
	}
}

// Default returns the process-wide recorder.
func Default() *Recorder {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultRecorder
}

// SetDefault replaces the process-wide recorder. A nil recorder is ignored.
func SetDefault(r *Recorder) {
	if r == nil {
		return
	}
	defaultMu.Lock()
	defaultRecorder = r
	defaultMu.Unlock()
}

// Registry exposes the underlying registry for tests and custom exporters.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus text exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	if r == nil {
		return
	}
	normalized := normalizePath(path)
	r.requests.WithLabelValues(strings.ToUpper(method), normalized, strconv.Itoa(status)).Inc()
	r.requestDuration.WithLabelValues(strings.ToUpper(method), normalized).Observe(duration.Seconds())
}

func (r *Recorder) JobStarted(class string) {
	if r == nil {
		return
	}
	class = normalizeName(class)
	r.jobs.WithLabelValues(class, "started").Inc()
	r.jobsRunning.WithLabelValues(class).Inc()
}

// JobFinished records the end of one attempt. Outcome is one of succeeded,
// retried, failed, cancelled or interrupted.
func (r *Recorder) JobFinished(class, outcome string, duration time.Duration) {
	if r == nil {
		return
	}
	class = normalizeName(class)
	r.jobs.WithLabelValues(class, normalizeName(outcome)).Inc()
	r.jobsRunning.WithLabelValues(class).Dec()
	r.jobDuration.WithLabelValues(class).Observe(duration.Seconds())
}

// JobCancelled counts a queued job dropped before it started.
func (r *Recorder) JobCancelled(class string) {
	if r == nil {
		return
	}
	r.jobs.WithLabelValues(normalizeName(class), "cancelled").Inc()
}

func (r *Recorder) SetQueueDepth(class string, depth int) {
	if r == nil {
		return
	}
	r.queueDepth.WithLabelValues(normalizeName(class)).Set(float64(depth))
}

func (r *Recorder) SetAllowedConcurrency(class string, allowed int) {
	if r == nil {
		return
	}
	r.allowedSlots.WithLabelValues(normalizeName(class)).Set(float64(allowed))
}

func (r *Recorder) ObserveChunk(result string) {
	if r == nil {
		return
	}
	r.chunks.WithLabelValues(normalizeName(result)).Inc()
}

func (r *Recorder) SetSubscribers(count int) {
	if r == nil {
		return
	}
	r.subscribers.Set(float64(count))
}

func (r *Recorder) ObserveEvent(kind string) {
	if r == nil {
		return
	}
	r.events.WithLabelValues(kind).Inc()
}

func (r *Recorder) AddStreamBytes(n int64) {
	if r == nil || n <= 0 {
		return
	}
	r.streamBytes.Add(float64(n))
}

func (r *Recorder) ObserveCacheLookup(hit bool) {
	if r == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	r.cacheLookups.WithLabelValues(result).Inc()
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

// looksLikeIdentifier keeps label cardinality bounded by collapsing UUIDs and
// other opaque tokens.
func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 16 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
