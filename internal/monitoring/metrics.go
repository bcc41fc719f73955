// Package monitoring registers the Prometheus metrics the components
// record into. The /metrics endpoint serves them; /api/monitor serves
// the composite JSON health view assembled by the API layer.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the control plane.
type Metrics struct {
	// Booking lifecycle
	BookingsTotal   *prometheus.CounterVec
	BookingAmount   *prometheus.HistogramVec
	ExportedRecords *prometheus.CounterVec

	// LLM queue
	LLMActive     prometheus.Gauge
	LLMQueueDepth prometheus.Gauge
	LLMRequests   *prometheus.CounterVec
	LLMDuration   prometheus.Histogram

	// Sessions
	SessionsActive prometheus.Gauge

	// HTTP surface
	HTTPDuration *prometheus.HistogramVec
	HTTPErrors   *prometheus.CounterVec

	// Safety
	SafetyBlocks *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		BookingsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nyx_bookings_total",
				Help: "Booking proposals by outcome",
			},
			[]string{"outcome"}, // submitted, approved, rejected, corrected, exported
		),
		BookingAmount: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nyx_booking_amount_eur",
				Help:    "Proposal totals in EUR",
				Buckets: []float64{10, 50, 100, 500, 1000, 5000, 10000, 50000},
			},
			[]string{"client"},
		),
		ExportedRecords: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nyx_exported_records_total",
				Help: "Records exported per ERP target",
			},
			[]string{"erp"},
		),
		LLMActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "nyx_llm_active_dispatches",
				Help: "LLM calls currently in flight",
			},
		),
		LLMQueueDepth: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "nyx_llm_queue_depth",
				Help: "Requests waiting for an LLM slot",
			},
		),
		LLMRequests: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nyx_llm_requests_total",
				Help: "LLM submissions by result",
			},
			[]string{"result"}, // completed, rejected, timed_out, blocked
		),
		LLMDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "nyx_llm_duration_seconds",
				Help:    "End-to-end LLM request duration including queue wait",
				Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
		),
		SessionsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "nyx_sessions_active",
				Help: "Live operator sessions",
			},
		),
		HTTPDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nyx_http_duration_seconds",
				Help:    "HTTP handler latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		HTTPErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nyx_http_errors_total",
				Help: "Error responses by kind",
			},
			[]string{"kind"},
		),
		SafetyBlocks: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nyx_safety_blocks_total",
				Help: "Hard-boundary rejections by boundary type",
			},
			[]string{"boundary"},
		),
	}
}

// RecordBooking records a lifecycle outcome.
func (m *Metrics) RecordBooking(outcome string) {
	m.BookingsTotal.WithLabelValues(outcome).Inc()
}

// RecordBookingAmount records a submitted proposal's total in EUR.
func (m *Metrics) RecordBookingAmount(client string, eur float64) {
	m.BookingAmount.WithLabelValues(client).Observe(eur)
}

// LLMQueueState mirrors the queue's live occupancy; the queue calls it
// on every dispatch and release.
func (m *Metrics) LLMQueueState(active, depth int) {
	m.LLMActive.Set(float64(active))
	m.LLMQueueDepth.Set(float64(depth))
}

// RecordLLMResult records a finished LLM submission by outcome.
func (m *Metrics) RecordLLMResult(result string) {
	m.LLMRequests.WithLabelValues(result).Inc()
}

// RecordHTTP records one handled request.
func (m *Metrics) RecordHTTP(route string, seconds float64) {
	m.HTTPDuration.WithLabelValues(route).Observe(seconds)
}

// RecordError records an error response.
func (m *Metrics) RecordError(kind string) {
	m.HTTPErrors.WithLabelValues(kind).Inc()
}

// RecordSafetyBlock records a hard-boundary rejection.
func (m *Metrics) RecordSafetyBlock(boundary string) {
	m.SafetyBlocks.WithLabelValues(boundary).Inc()
}
