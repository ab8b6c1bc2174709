package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "donation_ledger"

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	donationsSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "donations",
			Name:      "submitted_total",
			Help:      "Donation submissions by outcome.",
		},
		[]string{"outcome"},
	)

	donationAmount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "donations",
			Name:      "amount_total",
			Help:      "Sum of accepted donation amounts in base units.",
		},
		[]string{"currency"},
	)

	transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transactions",
			Name:      "transitions_total",
			Help:      "Transaction status transitions.",
		},
		[]string{"from", "to"},
	)

	verifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transactions",
			Name:      "verifications_total",
			Help:      "Ledger verifications by result.",
		},
		[]string{"result"},
	)

	compensations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "campaigns",
			Name:      "compensations_total",
			Help:      "Reversals of optimistic campaign totals.",
		},
		[]string{"result"},
	)

	deployments = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "campaigns",
			Name:      "deployments_total",
			Help:      "Campaign contract deployments by outcome.",
		},
		[]string{"outcome"},
	)

	ledgerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "call_duration_seconds",
			Help:      "Duration of ledger operations.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~80s
		},
		[]string{"operation", "success"},
	)

	sweeps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweeper",
			Name:      "runs_total",
			Help:      "Pending sweeper runs.",
		},
		[]string{"success"},
	)

	sweepBatch = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sweeper",
			Name:      "last_batch_size",
			Help:      "Pending transactions examined by the last sweep.",
		},
	)

	eventsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Events dropped because a subscriber was not keeping up.",
		},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		donationsSubmitted,
		donationAmount,
		transitions,
		verifications,
		compensations,
		deployments,
		ledgerDuration,
		sweeps,
		sweepBatch,
		eventsDropped,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
// Installed with router.Use, it labels requests by route template.
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
		path := routePath(r)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// RecordDonation records a submission outcome: accepted, pending_unknown or
// rejected. The amount is only added for records that were created.
func RecordDonation(outcome, currency string, amount float64) {
	donationsSubmitted.WithLabelValues(outcome).Inc()
	if outcome != "rejected" && amount > 0 {
		donationAmount.WithLabelValues(currency).Add(amount)
	}
}

// RecordTransition counts a transaction status change.
func RecordTransition(from, to string) {
	if from == "" {
		from = "none"
	}
	transitions.WithLabelValues(from, to).Inc()
}

// RecordVerification counts a verification result such as pending,
// confirmed, failed, expired, unchanged or error.
func RecordVerification(result string) {
	verifications.WithLabelValues(result).Inc()
}

// RecordCompensation counts a totals reversal attempt.
func RecordCompensation(success bool) {
	result := "applied"
	if !success {
		result = "failed"
	}
	compensations.WithLabelValues(result).Inc()
}

// RecordDeployment counts a contract deployment attempt.
func RecordDeployment(success bool) {
	outcome := "deployed"
	if !success {
		outcome = "failed"
	}
	deployments.WithLabelValues(outcome).Inc()
}

// RecordLedgerCall records the duration of one ledger operation.
func RecordLedgerCall(operation string, duration time.Duration, success bool) {
	if duration <= 0 {
		duration = time.Millisecond
	}
	ledgerDuration.WithLabelValues(operation, strconv.FormatBool(success)).Observe(duration.Seconds())
}

// RecordSweep records one sweeper run and the size of its batch.
func RecordSweep(batch int, success bool) {
	sweeps.WithLabelValues(strconv.FormatBool(success)).Inc()
	sweepBatch.Set(float64(batch))
}

// RecordDroppedEvent counts an event a slow subscriber missed.
func RecordDroppedEvent() {
	eventsDropped.Inc()
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

// Hijack lets the websocket upgrader take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func routePath(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return canonicalPath(r.URL.Path)
}

// canonicalPath collapses ids so unmatched paths do not explode label
// cardinality.
func canonicalPath(raw string) string {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	if parts[0] != "api" || len(parts) == 1 {
		return "/" + parts[0]
	}
	switch parts[1] {
	case "campaigns", "transactions":
	default:
		return "/api/" + parts[1]
	}
	path := "/api/" + parts[1]
	if len(parts) == 2 {
		return path
	}
	path += "/{id}"
	if len(parts) > 3 {
		path += "/" + parts[3]
	}
	return path
}
