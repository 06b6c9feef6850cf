// Package metrics exposes the engine's per-fetch events as Prometheus
// metrics. It implements fetch.Sink directly so a Collector can be handed
// to Controller.Fetch alongside (or instead of) a HUD/JSON renderer.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/fluxion-net/fluxion/pkg/fetch"
)

// Collector aggregates counters/gauges/histograms across every fetch
// driven through it. Unlike the per-fetch estimator/chunker/optimizer
// instances, a Collector is meant to be long-lived and shared across many
// Controller.Fetch calls, registered once with a prometheus.Registerer.
type Collector struct {
	fetch.NopSink

	bytesLanded     prometheus.Counter
	chunkDuration   prometheus.Histogram
	concurrency     prometheus.Gauge
	retries         *prometheus.CounterVec
	completions     *prometheus.CounterVec
	fetchDuration   prometheus.Histogram
	throughputGauge prometheus.Gauge
}

// NewCollector builds a Collector with its metrics registered under reg.
// Pass prometheus.DefaultRegisterer for the global registry.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		bytesLanded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fluxion",
			Name:      "bytes_landed_total",
			Help:      "Total bytes written to assembly files across all fetches.",
		}),
		chunkDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "fluxion",
			Name:      "chunk_land_duration_seconds",
			Help:      "Time to land a single chunk, from read-range issue to write complete.",
			Buckets:   prometheus.DefBuckets,
		}),
		concurrency: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fluxion",
			Name:      "scheduler_concurrency",
			Help:      "Current target concurrency N of the most recently active scheduler.",
		}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fluxion",
			Name:      "retries_total",
			Help:      "Retry decisions observed, labeled by classifier category.",
		}, []string{"category"}),
		completions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fluxion",
			Name:      "fetch_completions_total",
			Help:      "Terminal fetch outcomes, labeled by result (success or a failure kind).",
		}, []string{"outcome"}),
		fetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "fluxion",
			Name:      "fetch_duration_seconds",
			Help:      "Wall-clock duration of completed fetches.",
			Buckets:   []float64{.1, .5, 1, 5, 15, 30, 60, 180, 600, 1800},
		}),
		throughputGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fluxion",
			Name:      "last_fetch_throughput_bytes_per_second",
			Help:      "Average throughput of the most recently completed fetch.",
		}),
	}
	reg.MustRegister(c.bytesLanded, c.chunkDuration, c.concurrency, c.retries, c.completions, c.fetchDuration, c.throughputGauge)
	return c
}

// OnChunkLanded records a landed chunk's size and duration.
func (c *Collector) OnChunkLanded(offset, length int64, duration time.Duration) {
	c.bytesLanded.Add(float64(length))
	c.chunkDuration.Observe(duration.Seconds())
}

// OnConcurrencyChanged updates the live concurrency gauge.
func (c *Collector) OnConcurrencyChanged(n int, reason string) {
	c.concurrency.Set(float64(n))
}

// OnRetry increments the retry counter for the failure's category.
func (c *Collector) OnRetry(category string, delay time.Duration, attempt int) {
	c.retries.WithLabelValues(category).Inc()
}

// OnComplete records the terminal outcome and, on success, the fetch's
// duration and average throughput.
func (c *Collector) OnComplete(r fetch.Result) {
	if r.Failure != nil {
		c.completions.WithLabelValues(string(r.Failure.Kind)).Inc()
		return
	}
	c.completions.WithLabelValues("success").Inc()
	c.fetchDuration.Observe(r.Success.Duration.Seconds())
	c.throughputGauge.Set(r.Success.AvgThroughput)
}
