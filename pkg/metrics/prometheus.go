package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors for the harness.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	LatencyHistogram *prometheus.HistogramVec

	TokensInputTotal  *prometheus.CounterVec
	TokensOutputTotal *prometheus.CounterVec

	RetriesTotal      *prometheus.CounterVec
	FallbacksTotal    *prometheus.CounterVec
	EmptyContentTotal *prometheus.CounterVec

	CacheHitsTotal   prometheus.Counter
	CacheMissesTotal prometheus.Counter

	TasksSkippedTotal  prometheus.Counter
	TasksExecutedTotal prometheus.Counter
	SamplesScoredTotal prometheus.Counter
}

// New creates the harness metrics and registers them on reg. Using an
// explicit registry keeps tests and repeated constructions from colliding
// on the global default.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "inference_requests_total",
				Help: "Total number of model invocations",
			},
			[]string{"provider", "model", "status"},
		),
		LatencyHistogram: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "inference_latency_seconds",
				Help:    "Model invocation latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"provider", "model"},
		),
		TokensInputTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "inference_tokens_input_total",
				Help: "Total input tokens consumed",
			},
			[]string{"provider", "model"},
		),
		TokensOutputTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "inference_tokens_output_total",
				Help: "Total output tokens generated",
			},
			[]string{"provider", "model"},
		),
		RetriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "inference_retries_total",
				Help: "Total retries after throttling",
			},
			[]string{"provider", "model"},
		),
		FallbacksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "inference_fallbacks_total",
				Help: "Total converse-style invocation fallbacks",
			},
			[]string{"provider", "model"},
		),
		EmptyContentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "inference_empty_content_total",
				Help: "Responses from which no answer text could be extracted",
			},
			[]string{"provider", "model"},
		),
		CacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "response_cache_hits_total",
			Help: "Response cache hits",
		}),
		CacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "response_cache_misses_total",
			Help: "Response cache misses",
		}),
		TasksSkippedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "experiment_tasks_skipped_total",
			Help: "Tasks skipped because their fingerprint was unchanged",
		}),
		TasksExecutedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "experiment_tasks_executed_total",
			Help: "Tasks executed because they were changed or missing",
		}),
		SamplesScoredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "experiment_samples_scored_total",
			Help: "Samples that received a non-null score",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.RequestsTotal, m.LatencyHistogram,
			m.TokensInputTotal, m.TokensOutputTotal,
			m.RetriesTotal, m.FallbacksTotal, m.EmptyContentTotal,
			m.CacheHitsTotal, m.CacheMissesTotal,
			m.TasksSkippedTotal, m.TasksExecutedTotal, m.SamplesScoredTotal,
		)
	}
	return m
}

// ObserveRequest records one completed invocation.
func (m *Metrics) ObserveRequest(provider, model, status string, duration time.Duration, inputTokens, outputTokens int) {
	m.RequestsTotal.WithLabelValues(provider, model, status).Inc()
	m.LatencyHistogram.WithLabelValues(provider, model).Observe(duration.Seconds())
	m.TokensInputTotal.WithLabelValues(provider, model).Add(float64(inputTokens))
	m.TokensOutputTotal.WithLabelValues(provider, model).Add(float64(outputTokens))
}
