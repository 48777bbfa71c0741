package observability

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type httpMetrics struct {
	requests  *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	httpMetricsOnce sync.Once
	httpRegistry    *httpMetrics

	canvassMetricsOnce sync.Once
	canvassRegistry    *CanvassMetrics

	reconMetricsOnce sync.Once
	reconRegistry    *ReconMetrics
)

// HTTP returns the lazily-initialised registry recording API activity.
func HTTP() *httpMetrics {
	httpMetricsOnce.Do(func() {
		httpRegistry = &httpMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "canvass",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total API requests segmented by route and status code.",
			}, []string{"route", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "canvass",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "canvass",
				Subsystem: "http",
				Name:      "throttles_total",
				Help:      "Count of requests rejected by the per-client rate limiter.",
			}, []string{"route"}),
		}
		prometheus.MustRegister(
			httpRegistry.requests,
			httpRegistry.latency,
			httpRegistry.throttles,
		)
	})
	return httpRegistry
}

// Observe records the outcome of a request. The status code should be the
// HTTP status that was ultimately written to the response writer.
func (m *httpMetrics) Observe(route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	route = labelOr(route, "unknown")
	m.requests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	m.latency.WithLabelValues(route).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for route.
func (m *httpMetrics) RecordThrottle(route string) {
	if m == nil {
		return
	}
	m.throttles.WithLabelValues(labelOr(route, "unknown")).Inc()
}

// CanvassMetrics tracks the eligibility protocol: webhook intake, signature
// issuance and claim/screen flows.
type CanvassMetrics struct {
	webhooks      *prometheus.CounterVec
	signatures    *prometheus.CounterVec
	flows         *prometheus.CounterVec
	flowLatency   *prometheus.HistogramVec
	reverts       *prometheus.CounterVec
	pendingClaims prometheus.Gauge
}

// Canvass exposes the protocol metrics registry.
func Canvass() *CanvassMetrics {
	canvassMetricsOnce.Do(func() {
		canvassRegistry = &CanvassMetrics{
			webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "canvass",
				Subsystem: "webhook",
				Name:      "deliveries_total",
				Help:      "Form webhook deliveries segmented by outcome (created, duplicate, rejected, failed).",
			}, []string{"outcome"}),
			signatures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "canvass",
				Subsystem: "signer",
				Name:      "signatures_total",
				Help:      "Authorization signatures segmented by action kind and outcome.",
			}, []string{"kind", "outcome"}),
			flows: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "canvass",
				Subsystem: "flow",
				Name:      "outcomes_total",
				Help:      "Claim and screening flow outcomes segmented by flow and error class.",
			}, []string{"flow", "outcome"}),
			flowLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "canvass",
				Subsystem: "flow",
				Name:      "duration_seconds",
				Help:      "End-to-end latency of successful claim and screening flows.",
				Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			}, []string{"flow"}),
			reverts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "canvass",
				Subsystem: "contract",
				Name:      "reverts_total",
				Help:      "Contract revert conditions observed during simulation or execution.",
			}, []string{"reason"}),
			pendingClaims: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "canvass",
				Subsystem: "flow",
				Name:      "in_flight",
				Help:      "Number of claim or screening flows currently in flight.",
			}),
		}
		prometheus.MustRegister(
			canvassRegistry.webhooks,
			canvassRegistry.signatures,
			canvassRegistry.flows,
			canvassRegistry.flowLatency,
			canvassRegistry.reverts,
			canvassRegistry.pendingClaims,
		)
	})
	return canvassRegistry
}

func (m *CanvassMetrics) RecordWebhook(outcome string) {
	if m == nil {
		return
	}
	m.webhooks.WithLabelValues(labelOr(outcome, "unspecified")).Inc()
}

func (m *CanvassMetrics) RecordSignature(kind string, success bool) {
	if m == nil {
		return
	}
	outcome := "issued"
	if !success {
		outcome = "failed"
	}
	m.signatures.WithLabelValues(labelOr(kind, "unknown"), outcome).Inc()
}

// RecordFlow counts a finished flow. Successful flows also feed the latency
// histogram.
func (m *CanvassMetrics) RecordFlow(flow, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	flow = labelOr(flow, "unknown")
	outcome = labelOr(outcome, "unspecified")
	m.flows.WithLabelValues(flow, outcome).Inc()
	if outcome == "success" {
		m.flowLatency.WithLabelValues(flow).Observe(d.Seconds())
	}
}

func (m *CanvassMetrics) RecordRevert(reason string) {
	if m == nil {
		return
	}
	m.reverts.WithLabelValues(labelOr(reason, "unknown")).Inc()
}

// FlowStarted and FlowFinished bracket an in-flight flow.
func (m *CanvassMetrics) FlowStarted() {
	if m == nil {
		return
	}
	m.pendingClaims.Inc()
}

func (m *CanvassMetrics) FlowFinished() {
	if m == nil {
		return
	}
	m.pendingClaims.Dec()
}

// ReconMetrics bundles collectors for ledger reconciliation runs.
type ReconMetrics struct {
	anomalies *prometheus.GaugeVec
	repaired  prometheus.Counter
	lastRun   prometheus.Gauge
}

// Recon exposes the reconciliation metrics registry.
func Recon() *ReconMetrics {
	reconMetricsOnce.Do(func() {
		reconRegistry = &ReconMetrics{
			anomalies: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "canvass",
				Subsystem: "recon",
				Name:      "anomalies",
				Help:      "Anomalies found by the latest reconciliation run segmented by kind.",
			}, []string{"kind"}),
			repaired: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "canvass",
				Subsystem: "recon",
				Name:      "repaired_total",
				Help:      "Reward entries repaired from contract events.",
			}),
			lastRun: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "canvass",
				Subsystem: "recon",
				Name:      "last_run_timestamp_seconds",
				Help:      "Unix timestamp of the latest completed reconciliation run.",
			}),
		}
		prometheus.MustRegister(reconRegistry.anomalies, reconRegistry.repaired, reconRegistry.lastRun)
	})
	return reconRegistry
}

// RecordRun publishes the anomaly counts of a finished run.
func (m *ReconMetrics) RecordRun(counts map[string]int, repaired int, at time.Time) {
	if m == nil {
		return
	}
	m.anomalies.Reset()
	for kind, n := range counts {
		m.anomalies.WithLabelValues(labelOr(kind, "unknown")).Set(float64(n))
	}
	if repaired > 0 {
		m.repaired.Add(float64(repaired))
	}
	m.lastRun.Set(float64(at.Unix()))
}

func labelOr(value, fallback string) string {
	trimmed := strings.ToLower(strings.TrimSpace(value))
	if trimmed == "" {
		return fallback
	}
	return trimmed
}
