// Package metrics provides Prometheus metrics for the escalation pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Exporter registers and records pipeline metrics on a private registry.
// It implements relay.Observer.
type Exporter struct {
	registry *prometheus.Registry

	// Gate metrics
	gateDecisions *prometheus.CounterVec

	// Publisher metrics
	messagesEnqueued    *prometheus.CounterVec
	duplicatesSuppressed prometheus.Counter
	publishes           *prometheus.CounterVec
	publishFailures     *prometheus.CounterVec
	batchSize           prometheus.Histogram

	// Inference metrics
	inferenceRequests *prometheus.CounterVec
	inferenceErrors   *prometheus.CounterVec
	inferenceLatency  prometheus.Histogram
}

// NewExporter creates an exporter with its own registry.
func NewExporter() *Exporter {
	e := &Exporter{
		registry: prometheus.NewRegistry(),

		gateDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intentrelay_gate_decisions_total",
			Help: "Escalation gate decisions by outcome and trigger reason.",
		}, []string{"outcome", "reason"}),

		messagesEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intentrelay_messages_enqueued_total",
			Help: "Escalation messages accepted by the publisher.",
		}, []string{"priority"}),

		duplicatesSuppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "intentrelay_duplicates_suppressed_total",
			Help: "Enqueues suppressed by the idempotency guard.",
		}),

		publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intentrelay_publishes_total",
			Help: "Successful broker publishes by kind (message or batch).",
		}, []string{"kind"}),

		publishFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intentrelay_publish_failures_total",
			Help: "Failed broker publishes by kind.",
		}, []string{"kind"}),

		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "intentrelay_batch_size",
			Help:    "Messages per published batch.",
			Buckets: []float64{1, 2, 5, 10, 20, 50, 100},
		}),

		inferenceRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intentrelay_inference_requests_total",
			Help: "Inference requests by terminal status.",
		}, []string{"status"}),

		inferenceErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intentrelay_inference_errors_total",
			Help: "Classified inference failures by error code.",
		}, []string{"code"}),

		inferenceLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "intentrelay_inference_latency_seconds",
			Help:    "End-to-end inference call latency including retries.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	e.registry.MustRegister(
		e.gateDecisions,
		e.messagesEnqueued,
		e.duplicatesSuppressed,
		e.publishes,
		e.publishFailures,
		e.batchSize,
		e.inferenceRequests,
		e.inferenceErrors,
		e.inferenceLatency,
	)
	return e
}

// Handler returns the scrape endpoint handler.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

// RecordGateDecision counts one gate evaluation.
func (e *Exporter) RecordGateDecision(outcome, reason string) {
	if reason == "" {
		reason = "none"
	}
	e.gateDecisions.WithLabelValues(outcome, reason).Inc()
}

// RecordInference counts one terminal inference outcome.
func (e *Exporter) RecordInference(latency time.Duration, errCode string) {
	e.inferenceLatency.Observe(latency.Seconds())
	if errCode == "" {
		e.inferenceRequests.WithLabelValues("success").Inc()
		return
	}
	e.inferenceRequests.WithLabelValues("error").Inc()
	e.inferenceErrors.WithLabelValues(errCode).Inc()
}

// MessageEnqueued implements relay.Observer.
func (e *Exporter) MessageEnqueued(priority string) {
	e.messagesEnqueued.WithLabelValues(priority).Inc()
}

// DuplicateSuppressed implements relay.Observer.
func (e *Exporter) DuplicateSuppressed() {
	e.duplicatesSuppressed.Inc()
}

// PublishSucceeded implements relay.Observer.
func (e *Exporter) PublishSucceeded(kind string, messages int) {
	e.publishes.WithLabelValues(kind).Inc()
	if kind == "batch" {
		e.batchSize.Observe(float64(messages))
	}
}

// PublishFailed implements relay.Observer.
func (e *Exporter) PublishFailed(kind string) {
	e.publishFailures.WithLabelValues(kind).Inc()
}
