package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// Registry is the dedicated Prometheus registry for the service
	Registry = prometheus.NewRegistry()
	// HTTPRequests counts requests by method, path, and status
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
		[]string{"method", "path", "status"},
	)
	// HTTPDuration records request durations in seconds
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
		[]string{"method", "path", "status"},
	)

	// TelemetrySamples counts submitted samples by outcome (ok, rejected, error).
	TelemetrySamples = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "telemetry_samples_total", Help: "Telemetry samples by result."},
		[]string{"result"},
	)
	// ComplianceEvents counts newly persisted events.
	ComplianceEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "compliance_events_total", Help: "Compliance events persisted by type and severity."},
		[]string{"type", "severity"},
	)
	SessionApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "session_apply_duration_seconds", Help: "Time to apply one evaluation to a session.", Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1}},
	)
	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "active_sessions", Help: "Sessions currently ACTIVE as of the last sweep."},
	)

	// AlertDeliveries counts alert delivery outcomes by channel and status
	AlertDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "alert_deliveries_total", Help: "Alert deliveries by channel and status."},
		[]string{"channel", "status"},
	)
	// AlertLatency tracks delivery latencies in milliseconds
	AlertLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "alert_delivery_latency_ms", Help: "Alert delivery latency in ms.", Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000, 5000}},
		[]string{"channel"},
	)

	EmergencySteps = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "emergency_steps_total", Help: "Emergency workflow steps by outcome."},
		[]string{"step", "outcome"},
	)
)

// RegisterDefault registers collectors to the service registry.
func RegisterDefault() {
	regOnce.Do(func() {
		Registry.MustRegister(HTTPRequests)
		Registry.MustRegister(HTTPDuration)
		Registry.MustRegister(TelemetrySamples)
		Registry.MustRegister(ComplianceEvents)
		Registry.MustRegister(SessionApplyDuration)
		Registry.MustRegister(ActiveSessions)
		Registry.MustRegister(AlertDeliveries)
		Registry.MustRegister(AlertLatency)
		Registry.MustRegister(EmergencySteps)
		// Go/process collectors on our registry
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

var regOnce sync.Once
