package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	activeConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "http_active_connections",
			Help: "Number of active HTTP connections",
		},
	)

	leadsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leads_ingested_total",
			Help: "Leads processed by ingestion, by action (created, updated, failed)",
		},
		[]string{"action"},
	)

	statusWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lead_status_writes_total",
			Help: "Status write-through results by outcome",
		},
		[]string{"outcome"},
	)

	syncSweepEntries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_sweep_entries_total",
			Help: "Pending writes handled by the sync sweep, by result",
		},
		[]string{"result"},
	)

	outboxBacklog = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "outbox_events",
			Help: "Outbox events by status",
		},
		[]string{"status"},
	)

	automationDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "automation_deliveries_total",
			Help: "Automation queue deliveries by result (ack, retry, dead)",
		},
		[]string{"result"},
	)

	integrationErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "integration_errors_total",
			Help: "Total number of integration errors",
		},
		[]string{"service"},
	)
)

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func Metrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		activeConnections.Inc()
		defer activeConnections.Dec()

		rw := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(rw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(rw.statusCode)
		path := routePattern(r)

		httpRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// routePattern keeps lead ids out of the label set.
func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}

func RecordLeadIngested(action string) {
	leadsIngested.WithLabelValues(action).Inc()
}

func RecordStatusWrite(outcome string) {
	statusWrites.WithLabelValues(outcome).Inc()
}

// RecordSweep adds one sweep's counts.
func RecordSweep(synced, failed, deadLettered, adopted int) {
	syncSweepEntries.WithLabelValues("synced").Add(float64(synced))
	syncSweepEntries.WithLabelValues("failed").Add(float64(failed))
	syncSweepEntries.WithLabelValues("dead_lettered").Add(float64(deadLettered))
	syncSweepEntries.WithLabelValues("adopted").Add(float64(adopted))
}

func SetOutboxBacklog(counts map[string]int) {
	for status, n := range counts {
		outboxBacklog.WithLabelValues(status).Set(float64(n))
	}
}

func RecordAutomationDelivery(result string) {
	automationDeliveries.WithLabelValues(result).Inc()
}

func RecordIntegrationError(service string) {
	integrationErrors.WithLabelValues(service).Inc()
}
