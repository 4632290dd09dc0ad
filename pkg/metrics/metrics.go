// Package metrics provides optional Prometheus observability for the
// pipeline.
//
// Stages accept a Collector and treat nil as "metrics disabled" with zero
// overhead, so tests and minimal deployments pay nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector receives pipeline measurements. A nil Collector is valid and
// means metrics are disabled.
type Collector interface {
	// ObserveUpload records one completed (or failed) batch upload.
	ObserveUpload(bytes int64, duration time.Duration, err error)

	// ObserveBatch records the measured sizes of a compressed batch.
	ObserveBatch(rawSize, compressedSize int64)

	// SetTargetBatchSize records the compressor's adaptive target.
	SetTargetBatchSize(n int)

	// SetFrameCounts records the current produced/secured frame counts.
	SetFrameCounts(produced, secured int)
}

// PrometheusCollector implements Collector on a prometheus registry.
type PrometheusCollector struct {
	uploadBytes     prometheus.Counter
	uploadFailures  prometheus.Counter
	uploadDuration  prometheus.Histogram
	rawBytes        prometheus.Counter
	compressedBytes prometheus.Counter
	targetBatchSize prometheus.Gauge
	producedFrames  prometheus.Gauge
	securedFrames   prometheus.Gauge
}

// NewPrometheusCollector registers the pipeline's collectors on reg and
// returns the Collector.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	c := &PrometheusCollector{
		uploadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cachestream_upload_bytes_total",
			Help: "Compressed bytes successfully uploaded to object storage.",
		}),
		uploadFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cachestream_upload_failures_total",
			Help: "Batch uploads that ended in failure.",
		}),
		uploadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "cachestream_upload_duration_seconds",
			Help:    "Duration of batch uploads.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		rawBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cachestream_batch_raw_bytes_total",
			Help: "Raw bytes accumulated into compressed batches.",
		}),
		compressedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cachestream_batch_compressed_bytes_total",
			Help: "Compressed bytes produced by the batch compressor.",
		}),
		targetBatchSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cachestream_target_batch_size",
			Help: "Current adaptive batch-size target in frames.",
		}),
		producedFrames: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cachestream_produced_frames",
			Help: "Frames observed on disk so far.",
		}),
		securedFrames: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cachestream_secured_frames",
			Help: "Frames durably uploaded so far.",
		}),
	}

	reg.MustRegister(
		c.uploadBytes,
		c.uploadFailures,
		c.uploadDuration,
		c.rawBytes,
		c.compressedBytes,
		c.targetBatchSize,
		c.producedFrames,
		c.securedFrames,
	)

	return c
}

// ObserveUpload records one completed or failed batch upload.
func (c *PrometheusCollector) ObserveUpload(bytes int64, duration time.Duration, err error) {
	if err != nil {
		c.uploadFailures.Inc()
		return
	}
	c.uploadBytes.Add(float64(bytes))
	c.uploadDuration.Observe(duration.Seconds())
}

// ObserveBatch records the measured sizes of a compressed batch.
func (c *PrometheusCollector) ObserveBatch(rawSize, compressedSize int64) {
	c.rawBytes.Add(float64(rawSize))
	c.compressedBytes.Add(float64(compressedSize))
}

// SetTargetBatchSize records the compressor's adaptive target.
func (c *PrometheusCollector) SetTargetBatchSize(n int) {
	c.targetBatchSize.Set(float64(n))
}

// SetFrameCounts records the current produced/secured frame counts.
func (c *PrometheusCollector) SetFrameCounts(produced, secured int) {
	c.producedFrames.Set(float64(produced))
	c.securedFrames.Set(float64(secured))
}

// Handler returns an http.Handler exposing the registry in Prometheus
// exposition format, for mounting on a metrics listener.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
