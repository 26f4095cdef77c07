// Package metrics exposes Prometheus collectors for the indexer and the upload driver.
// A nil *Collector is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dataaccount"

// Collector owns a private registry so several instances can coexist in one process.
type Collector struct {
	registry *prometheus.Registry

	indexerPasses       prometheus.Counter
	indexerPassDuration prometheus.Histogram
	indexerCandidates   prometheus.Counter
	indexerRows         *prometheus.CounterVec
	indexerDecodeErrors prometheus.Counter
	indexerSkipped      *prometheus.CounterVec

	uploadParts     *prometheus.CounterVec
	uploadBytes     prometheus.Counter
	confirmDuration prometheus.Histogram
}

func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		indexerPasses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "indexer_passes_total",
			Help:      "Completed indexer passes.",
		}),
		indexerPassDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "indexer_pass_duration_seconds",
			Help:      "Wall time of one indexer pass.",
			Buckets:   prometheus.DefBuckets,
		}),
		indexerCandidates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "indexer_candidates_total",
			Help:      "Committed UploadPart instructions selected for reconciliation.",
		}),
		indexerRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "indexer_rows_total",
			Help:      "Mirror upserts by outcome.",
		}, []string{"outcome"}),
		indexerDecodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "indexer_decode_errors_total",
			Help:      "Transactions or instructions that could not be decoded.",
		}),
		indexerSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "indexer_skipped_total",
			Help:      "Candidates skipped before persisting, by reason.",
		}, []string{"reason"}),
		uploadParts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_parts_total",
			Help:      "UploadPart transactions by result.",
		}, []string{"result"}),
		uploadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_bytes_total",
			Help:      "Payload bytes in confirmed UploadPart transactions.",
		}),
		confirmDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "confirm_duration_seconds",
			Help:      "Time spent waiting for transaction confirmation.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}),
	}
	c.registry.MustRegister(
		c.indexerPasses,
		c.indexerPassDuration,
		c.indexerCandidates,
		c.indexerRows,
		c.indexerDecodeErrors,
		c.indexerSkipped,
		c.uploadParts,
		c.uploadBytes,
		c.confirmDuration,
	)
	return c
}

// Registry returns the collector's registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *Collector) ObservePass(duration time.Duration) {
	if c == nil {
		return
	}
	c.indexerPasses.Inc()
	c.indexerPassDuration.Observe(duration.Seconds())
}

func (c *Collector) AddCandidates(count int) {
	if c == nil || count <= 0 {
		return
	}
	c.indexerCandidates.Add(float64(count))
}

func (c *Collector) ObserveRow(outcome string) {
	if c == nil {
		return
	}
	c.indexerRows.WithLabelValues(outcome).Inc()
}

func (c *Collector) ObserveDecodeError() {
	if c == nil {
		return
	}
	c.indexerDecodeErrors.Inc()
}

func (c *Collector) ObserveSkip(reason string) {
	if c == nil {
		return
	}
	c.indexerSkipped.WithLabelValues(reason).Inc()
}

func (c *Collector) ObserveUploadPart(size int, err error) {
	if c == nil {
		return
	}
	if err != nil {
		c.uploadParts.WithLabelValues("failed").Inc()
		return
	}
	c.uploadParts.WithLabelValues("confirmed").Inc()
	c.uploadBytes.Add(float64(size))
}

func (c *Collector) ObserveConfirm(duration time.Duration) {
	if c == nil {
		return
	}
	c.confirmDuration.Observe(duration.Seconds())
}
