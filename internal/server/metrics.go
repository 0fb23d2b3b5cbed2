package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics carries every collector the service exports. They live on a
// private registry so nothing else in the process can pollute /metrics.
type Metrics struct {
	registry *prometheus.Registry

	Webhooks       *prometheus.CounterVec
	Reviews        *prometheus.CounterVec
	ReviewDuration prometheus.Histogram
	IndexDuration  *prometheus.HistogramVec
	LLMRequests    *prometheus.CounterVec
	CommentsPosted prometheus.Counter
	GraphSymbols   *prometheus.GaugeVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reviewd_webhooks_total",
			Help: "Webhook deliveries received, by platform and event type.",
		}, []string{"platform", "event"}),
		Reviews: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reviewd_reviews_total",
			Help: "Review runs, by trigger and outcome.",
		}, []string{"trigger", "outcome"}),
		ReviewDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "reviewd_review_duration_seconds",
			Help:    "Wall time of one review run.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
		IndexDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "reviewd_index_duration_seconds",
			Help:    "Wall time of one index run, by mode.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"mode"}),
		LLMRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reviewd_llm_requests_total",
			Help: "Completion calls, by provider and outcome.",
		}, []string{"provider", "outcome"}),
		CommentsPosted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reviewd_comments_posted_total",
			Help: "Inline comments that survived filtering and were posted.",
		}),
		GraphSymbols: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "reviewd_graph_symbols",
			Help: "Symbols in the indexed graph, by repo and branch.",
		}, []string{"repo", "branch"}),
	}
	m.registry.MustRegister(
		m.Webhooks,
		m.Reviews,
		m.ReviewDuration,
		m.IndexDuration,
		m.LLMRequests,
		m.CommentsPosted,
		m.GraphSymbols,
	)
	return m
}

// Handler serves the private registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
