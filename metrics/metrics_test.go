package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestObservePageServedIncrementsBySource(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObservePageServed("cache")
	m.ObservePageServed("cache")
	m.ObservePageServed("provider")

	if got := counterValue(t, m.PagesServed.WithLabelValues("cache")); got != 2 {
		t.Fatalf("expected 2 cache hits, got %v", got)
	}
	if got := counterValue(t, m.PagesServed.WithLabelValues("provider")); got != 1 {
		t.Fatalf("expected 1 provider fetch, got %v", got)
	}
}

func TestObserveWatchEventIncrementsByType(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveWatchEvent("add")
	m.ObserveWatchEvent("delete")
	m.ObserveWatchEvent("delete")

	if got := counterValue(t, m.WatchEvents.WithLabelValues("delete")); got != 2 {
		t.Fatalf("expected 2 delete events, got %v", got)
	}
}

func TestNewRegistersAllCollectorsWithoutPanic(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.BytesDownloaded.Add(10)
	m.DownloadRetries.Inc()
	m.MountsActive.Set(3)
	m.ReconcileSeconds.Observe(0.5)

	if got := counterValue(t, m.BytesDownloaded); got != 10 {
		t.Fatalf("expected 10 bytes downloaded, got %v", got)
	}
}
