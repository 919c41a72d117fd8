package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "sitcoin",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sitcoin",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sitcoin",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	ledgerOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sitcoin",
			Subsystem: "ledger",
			Name:      "operations_total",
			Help:      "Ledger operations by kind and outcome code.",
		},
		[]string{"operation", "outcome"},
	)

	ledgerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sitcoin",
			Subsystem: "ledger",
			Name:      "operation_duration_seconds",
			Help:      "Duration of ledger operations including lock waits.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms to ~4s
		},
		[]string{"operation"},
	)

	lockWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "sitcoin",
			Subsystem: "ledger",
			Name:      "lock_wait_seconds",
			Help:      "Time spent acquiring record locks.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 16),
		},
	)

	inconsistencies = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sitcoin",
			Subsystem: "ledger",
			Name:      "inconsistencies_total",
			Help:      "Balance changes whose log write failed after all retries.",
		},
	)

	reversalDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sitcoin",
			Subsystem: "reversals",
			Name:      "decisions_total",
			Help:      "Reversal request decisions by resulting status.",
		},
		[]string{"status"},
	)

	reconcileRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sitcoin",
			Subsystem: "reconcile",
			Name:      "runs_total",
			Help:      "Reconciliation passes by result.",
		},
		[]string{"result"},
	)

	reconcileDrift = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "sitcoin",
			Subsystem: "reconcile",
			Name:      "drifting_accounts",
			Help:      "Accounts whose balance disagreed with the log in the last pass.",
		},
	)

	unloggedMovements = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "sitcoin",
			Subsystem: "reconcile",
			Name:      "unlogged_movements",
			Help:      "Applied movements still waiting for a log entry.",
		},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		ledgerOperations,
		ledgerDuration,
		lockWait,
		inconsistencies,
		reversalDecisions,
		reconcileRuns,
		reconcileDrift,
		unloggedMovements,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// RecordLedgerOperation records the outcome of one coordinator or workflow
// call. outcome is "ok" or the error code.
func RecordLedgerOperation(operation, outcome string, duration time.Duration) {
	if outcome == "" {
		outcome = "ok"
	}
	if duration <= 0 {
		duration = time.Microsecond
	}
	ledgerOperations.WithLabelValues(operation, outcome).Inc()
	ledgerDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordLockWait records how long a caller waited for record locks.
func RecordLockWait(d time.Duration) {
	lockWait.Observe(d.Seconds())
}

// RecordInconsistency counts a movement left without its log entry.
func RecordInconsistency() {
	inconsistencies.Inc()
}

// RecordReversalDecision counts an applied reversal decision.
func RecordReversalDecision(status string) {
	reversalDecisions.WithLabelValues(status).Inc()
}

// RecordReconciliation records one reconciliation pass.
func RecordReconciliation(clean bool, drifting, unlogged int) {
	result := "clean"
	if !clean {
		result = "drift"
	}
	reconcileRuns.WithLabelValues(result).Inc()
	reconcileDrift.Set(float64(drifting))
	unloggedMovements.Set(float64(unlogged))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// canonicalPath collapses record ids so label cardinality stays bounded:
// /api/accounts/SITC0000001/balance becomes /api/accounts/:id/balance.
func canonicalPath(raw string) string {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	if parts[0] != "api" {
		return "/" + parts[0]
	}
	out := []string{"api"}
	rest := parts[1:]
	if len(rest) > 0 && rest[0] == "admin" {
		out = append(out, "admin")
		rest = rest[1:]
	}
	if len(rest) == 0 {
		return "/" + strings.Join(out, "/")
	}
	out = append(out, rest[0])
	if len(rest) > 1 {
		if rest[1] == "mine" {
			out = append(out, "mine")
		} else {
			out = append(out, ":id")
		}
	}
	if len(rest) > 2 {
		out = append(out, rest[2])
	}
	return "/" + strings.Join(out, "/")
}
