package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.CacheLookup("session", "hit")
	m.Save("saved")
	m.SetStreamState(2)
	m.FieldUpdate("applied", 3)
}

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.CacheLookup("session", "hit")
	m.CacheLookup("session", "hit")
	m.CacheLookup("existence", "miss")
	m.FieldUpdate("applied", 2)
	m.FieldUpdate("rejected", 0)
	m.SetStreamState(3)

	if got := testutil.ToFloat64(m.CacheLookups.WithLabelValues("session", "hit")); got != 2 {
		t.Fatalf("expected 2 session hits, got %v", got)
	}
	if got := testutil.ToFloat64(m.FieldUpdates.WithLabelValues("applied")); got != 2 {
		t.Fatalf("expected 2 applied updates, got %v", got)
	}
	if got := testutil.ToFloat64(m.StreamState); got != 3 {
		t.Fatalf("expected stream state 3, got %v", got)
	}
	if n := testutil.CollectAndCount(m.CacheLookups); n != 2 {
		t.Fatalf("expected 2 cache lookup series, got %d", n)
	}
}
