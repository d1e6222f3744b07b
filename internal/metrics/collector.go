// Package metrics provides the learner's Prometheus collector and scrape
// handler.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Collector owns the learner's metrics. Each collector carries its own
// registry so instances can coexist in tests.
type Collector struct {
	registry *prometheus.Registry
	logger   *zap.Logger

	samplesTotal          *prometheus.CounterVec
	sampleLatency         prometheus.Histogram
	sgdStepsTotal         prometheus.Counter
	policyLoss            prometheus.Gauge
	valueLoss             prometheus.Gauge
	entropy               prometheus.Gauge
	checkpointDuration    prometheus.Histogram
	weightsPublishedTotal prometheus.Counter
}

// NewCollector creates the learner metrics collector.
func NewCollector(logger *zap.Logger) *Collector {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Collector{
		registry: registry,
		logger:   logger.With(zap.String("component", "metrics")),
		samplesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "learner_samples_total",
			Help: "Number of samples processed",
		}, []string{"status"}),
		sampleLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "learner_sample_latency_seconds",
			Help:    "Latency of replay sampling requests",
			Buckets: prometheus.DefBuckets,
		}),
		sgdStepsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "learner_sgd_steps_total",
			Help: "Number of SGD steps executed",
		}),
		policyLoss: factory.NewGauge(prometheus.GaugeOpts{
			Name: "learner_policy_loss",
			Help: "Latest policy loss",
		}),
		valueLoss: factory.NewGauge(prometheus.GaugeOpts{
			Name: "learner_value_loss",
			Help: "Latest value loss",
		}),
		entropy: factory.NewGauge(prometheus.GaugeOpts{
			Name: "learner_entropy",
			Help: "Latest policy entropy",
		}),
		checkpointDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "learner_checkpoint_duration_seconds",
			Help:    "Duration of checkpoint operations",
			Buckets: prometheus.DefBuckets,
		}),
		weightsPublishedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "learner_weights_publish_total",
			Help: "Number of weight updates published",
		}),
	}
}

// ObserveSample records one sampling call and, on success, its latency.
func (c *Collector) ObserveSample(status string, latency time.Duration) {
	c.samplesTotal.WithLabelValues(status).Inc()
	if status == "ok" {
		c.sampleLatency.Observe(latency.Seconds())
	}
}

// RecordUpdate records the diagnostics of one algorithm step.
func (c *Collector) RecordUpdate(policyLoss, valueLoss, entropy float64) {
	c.sgdStepsTotal.Inc()
	c.policyLoss.Set(policyLoss)
	c.valueLoss.Set(valueLoss)
	c.entropy.Set(entropy)
}

// ObserveCheckpoint records the duration of one checkpoint save.
func (c *Collector) ObserveCheckpoint(d time.Duration) {
	c.checkpointDuration.Observe(d.Seconds())
}

// IncWeightsPublished counts one weight publication.
func (c *Collector) IncWeightsPublished() {
	c.weightsPublishedTotal.Inc()
}

// Handler returns the scrape handler for this collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
