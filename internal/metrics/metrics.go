package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dropcast_http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dropcast_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	pipelineRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dropcast_pipeline_runs_total",
			Help: "Pipeline runs by trigger and result",
		},
		[]string{"trigger", "result"},
	)

	pipelineRunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dropcast_pipeline_run_duration_seconds",
			Help:    "Wall time of one pipeline run",
			Buckets: []float64{.05, .1, .5, 1, 5, 15, 30, 60, 120},
		},
	)

	dropsSelected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dropcast_drops_selected_total",
			Help: "Due drops returned by the selector",
		},
	)

	dropsExpanded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dropcast_drops_expanded_total",
			Help: "Drops transitioned from pending to expanded",
		},
	)

	dropsSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dropcast_drops_skipped_total",
			Help: "Selected drops that were no longer pending when expanded",
		},
	)

	dropFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dropcast_drop_failures_total",
			Help: "Drop expansions rolled back by a storage or unit-of-work error",
		},
	)

	jobsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dropcast_send_jobs_created_total",
			Help: "Send jobs created by channel",
		},
		[]string{"channel"},
	)

	jobsDuplicate = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dropcast_send_jobs_duplicate_total",
			Help: "Send job keys that already existed in the ledger",
		},
		[]string{"channel"},
	)

	dispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dropcast_dispatch_total",
			Help: "Dispatch attempts by channel and result",
		},
		[]string{"channel", "result"},
	)

	dispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dropcast_dispatch_duration_seconds",
			Help:    "Channel provider call latency",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2, 5, 10},
		},
		[]string{"channel"},
	)

	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dropcast_circuit_breaker_state",
			Help: "Circuit breaker state per channel (0=closed, 1=open, 2=half-open)",
		},
		[]string{"channel"},
	)

	eventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dropcast_events_published_total",
			Help: "Lifecycle events sent to the events queue by result",
		},
		[]string{"result"},
	)

	idempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dropcast_idempotency_hits_total",
			Help: "Trigger requests served from the idempotency cache",
		},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dropcast_rate_limit_rejections_total",
			Help: "API requests rejected by the rate limiter",
		},
		[]string{"scope"},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordPipelineRun records the outcome of one pipeline run
func RecordPipelineRun(trigger string, err error, duration time.Duration) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	pipelineRuns.WithLabelValues(trigger, result).Inc()
	pipelineRunDuration.Observe(duration.Seconds())
}

// RecordDropsSelected adds n to the selected drops counter
func RecordDropsSelected(n int) {
	dropsSelected.Add(float64(n))
}

func RecordDropExpanded() {
	dropsExpanded.Inc()
}

func RecordDropSkipped() {
	dropsSkipped.Inc()
}

func RecordDropFailure() {
	dropFailures.Inc()
}

// RecordJob records a ledger getOrCreate result
func RecordJob(channel string, created bool) {
	if created {
		jobsCreated.WithLabelValues(channel).Inc()
		return
	}
	jobsDuplicate.WithLabelValues(channel).Inc()
}

// RecordDispatch records a channel send result and its latency
func RecordDispatch(channel string, success bool, duration time.Duration) {
	result := "success"
	if !success {
		result = "failure"
	}
	dispatchTotal.WithLabelValues(channel, result).Inc()
	dispatchDuration.WithLabelValues(channel).Observe(duration.Seconds())
}

// SetBreakerState exports a breaker state as its numeric value
func SetBreakerState(channel string, state int) {
	breakerState.WithLabelValues(channel).Set(float64(state))
}

// RecordEventPublished records a lifecycle event publish attempt
func RecordEventPublished(err error) {
	if err != nil {
		eventsPublished.WithLabelValues("error").Inc()
		return
	}
	eventsPublished.WithLabelValues("ok").Inc()
}

// RecordIdempotencyHit records a cache hit for idempotency
func RecordIdempotencyHit() {
	idempotencyHits.Inc()
}

// RecordRateLimitRejection records a rate limit rejection. scope is the key
// kind, e.g. "ip", never the raw key.
func RecordRateLimitRejection(scope string) {
	rateLimitRejections.WithLabelValues(scope).Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics. Paths are
// labelled with the chi route pattern so drop IDs do not explode cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, routePattern(r), wrapped.status, time.Since(start))
	})
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}
