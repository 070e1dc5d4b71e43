package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

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

	sessionTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portal_session_transitions_total",
			Help: "Session state machine transitions.",
		},
		[]string{"from", "to"},
	)

	sessionFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portal_session_failures_total",
			Help: "Rejected session operations by step and reason.",
		},
		[]string{"step", "reason"},
	)

	authzDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portal_authz_decisions_total",
			Help: "Authorization decisions by action and outcome.",
		},
		[]string{"action", "outcome"},
	)

	ledgerOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portal_ledger_operations_total",
			Help: "Ledger operations by kind and result.",
		},
		[]string{"op", "result"},
	)

	moderationDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portal_moderation_transitions_total",
			Help: "Moderation request transitions by target status.",
		},
		[]string{"status"},
	)

	readyGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "portal_ready",
		Help: "1 when the last readiness probe succeeded.",
	})

	initOnce sync.Once
)

// Init registers metrics in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			sessionTransitions, sessionFailures, authzDecisions,
			ledgerOperations, moderationDecisions, readyGauge,
		)
	})
}

// Handler exposes the Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveSessionTransition counts one state machine transition.
func ObserveSessionTransition(from, to string) {
	sessionTransitions.WithLabelValues(from, to).Inc()
}

// ObserveSessionFailure counts a rejected session step.
func ObserveSessionFailure(step, reason string) {
	sessionFailures.WithLabelValues(step, reason).Inc()
}

// ObserveAuthz counts an authorization decision; outcome is "allow" or the deny reason.
func ObserveAuthz(action, outcome string) {
	authzDecisions.WithLabelValues(action, outcome).Inc()
}

// ObserveLedger counts a ledger operation; result is "ok" or an error class.
func ObserveLedger(op, result string) {
	ledgerOperations.WithLabelValues(op, result).Inc()
}

// ObserveModeration counts a moderation request entering status.
func ObserveModeration(status string) {
	moderationDecisions.WithLabelValues(status).Inc()
}

// SetReady records the last readiness probe result.
func SetReady(ok bool) {
	if ok {
		readyGauge.Set(1)
		return
	}
	readyGauge.Set(0)
}

// Instrument measures RPS, latency and in-flight requests.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// CanonicalPath collapses identifiers in known routes so label cardinality stays bounded.
func CanonicalPath(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		raw = raw[:i]
	}
	if raw == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(raw, "/"), "/")
	switch {
	case len(parts) >= 4 && parts[0] == "v1" && parts[1] == "ledger" && parts[2] == "accounts":
		parts[3] = ":id"
	case len(parts) >= 4 && parts[0] == "v1" && parts[1] == "moderation" && parts[2] == "requests":
		parts[3] = ":id"
	case len(parts) >= 4 && parts[0] == "v1" && parts[1] == "notifications" && parts[3] == "read":
		parts[2] = ":id"
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "ledger" && parts[2] == "transactions":
		parts[3] = ":id"
	case len(parts) >= 4 && parts[0] == "v1" && parts[1] == "resources":
		parts[3] = ":id"
	default:
		return raw
	}
	return "/" + strings.Join(parts, "/")
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
