package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"warden.id/internal/ids"
)

// HTTP transport metrics
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	ready = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "warden_ready",
		Help: "1 when the service passed its last readiness check.",
	})
)

// Session engine metrics
var (
	introspectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_introspections_total",
			Help: "Token introspections by outcome.",
		},
		[]string{"outcome"},
	)

	sessionCacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_session_cache_lookups_total",
			Help: "Session cache lookups by result (hit, miss, expired, error).",
		},
		[]string{"result"},
	)

	sessionRenewals = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "warden_session_renewals_total",
		Help: "Sessions whose activity timestamp was renewed.",
	})

	sessionsRevoked = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_sessions_revoked_total",
			Help: "Revoked sessions by reason.",
		},
		[]string{"reason"},
	)

	loginsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_logins_total",
			Help: "Login attempts by result.",
		},
		[]string{"result"},
	)

	permissionsSynced = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_permissions_synced_total",
			Help: "Permissions registered through service synchronization.",
		},
		[]string{"service"},
	)

	eventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_events_published_total",
			Help: "Outbound events by type and result.",
		},
		[]string{"type", "result"},
	)

	janitorRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_janitor_runs_total",
			Help: "Scheduled maintenance runs by job and result.",
		},
		[]string{"job", "result"},
	)
)

var initOnce sync.Once

// Init registers all metrics in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration, ready,
			introspectionsTotal, sessionCacheLookups, sessionRenewals, sessionsRevoked,
			loginsTotal, permissionsSynced, eventsPublished, janitorRuns,
		)
	})
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument records RPS, latency and in-flight requests.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// CanonicalPath collapses identifiers in a request path so metric labels stay bounded.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, p := range parts {
		switch {
		case ids.Valid(p):
			parts[i] = ":id"
		case i > 0 && parts[i-1] == "services" && i+1 < len(parts) && parts[i+1] == "sync":
			parts[i] = ":text_id"
		}
	}
	return strings.Join(parts, "/")
}

// SetReady records the outcome of the latest readiness probe.
func SetReady(ok bool) {
	if ok {
		ready.Set(1)
		return
	}
	ready.Set(0)
}

// ObserveIntrospection counts one introspection outcome.
func ObserveIntrospection(outcome string) {
	introspectionsTotal.WithLabelValues(outcome).Inc()
}

// ObserveCacheLookup counts one session cache lookup.
func ObserveCacheLookup(result string) {
	sessionCacheLookups.WithLabelValues(result).Inc()
}

// ObserveRenewal counts a session renewal.
func ObserveRenewal() {
	sessionRenewals.Inc()
}

// ObserveRevocation counts n revoked sessions.
func ObserveRevocation(reason string, n int) {
	if n <= 0 {
		return
	}
	sessionsRevoked.WithLabelValues(reason).Add(float64(n))
}

// ObserveLogin counts a login attempt.
func ObserveLogin(result string) {
	loginsTotal.WithLabelValues(result).Inc()
}

// ObservePermissionSync counts permissions added for a service.
func ObservePermissionSync(service string, added int) {
	if added <= 0 {
		return
	}
	permissionsSynced.WithLabelValues(service).Add(float64(added))
}

// ObserveEvent counts one publish attempt.
func ObserveEvent(eventType, result string) {
	eventsPublished.WithLabelValues(eventType, result).Inc()
}

// ObserveJanitorRun counts one scheduled job execution.
func ObserveJanitorRun(job, result string) {
	janitorRuns.WithLabelValues(job, result).Inc()
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
