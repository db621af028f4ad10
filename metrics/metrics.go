// Package metrics exposes the service's Prometheus collectors.
/*
 * Counter/size/latency naming translated into Prometheus's own
 * label/unit idioms (count/_total, duration_seconds) rather than a
 * flat StatsD-style key string.
 */
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every collector registered for a running daemon.
type Metrics struct {
	PagesServed      *prometheus.CounterVec
	BytesDownloaded  prometheus.Counter
	ReconcileSeconds prometheus.Histogram
	WatchEvents      *prometheus.CounterVec
	DownloadRetries  prometheus.Counter
	MountsActive     prometheus.Gauge
}

// New constructs and registers every collector against reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PagesServed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vfscore",
			Name:      "pages_served_total",
			Help:      "Children pages served, partitioned by source.",
		}, []string{"source"}), // "cache" | "provider" | "local"

		BytesDownloaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vfscore",
			Name:      "bytes_downloaded_total",
			Help:      "Bytes written to local content files by the syncer.",
		}),

		ReconcileSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "vfscore",
			Name:      "reconcile_duration_seconds",
			Help:      "Wall-clock duration of a full metadata reconcile.",
			Buckets:   prometheus.DefBuckets,
		}),

		WatchEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vfscore",
			Name:      "watch_events_total",
			Help:      "Provider watch events processed, partitioned by type.",
		}, []string{"type"}), // "add" | "update_metadata" | "update_content" | "delete"

		DownloadRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vfscore",
			Name:      "download_retries_total",
			Help:      "Resumed downloads that were restarted from scratch after a resume error.",
		}),

		MountsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vfscore",
			Name:      "mounts_active",
			Help:      "Number of currently mounted roots.",
		}),
	}

	reg.MustRegister(m.PagesServed, m.BytesDownloaded, m.ReconcileSeconds, m.WatchEvents, m.DownloadRetries, m.MountsActive)
	return m
}

// ObservePageServed records one children page served from source
// ("cache", "provider", or "local").
func (m *Metrics) ObservePageServed(source string) {
	m.PagesServed.WithLabelValues(source).Inc()
}

// ObserveWatchEvent records one processed provider watch event.
func (m *Metrics) ObserveWatchEvent(eventType string) {
	m.WatchEvents.WithLabelValues(eventType).Inc()
}
