package metrics

import (
	"testing"
	"time"

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

func TestRegistry_CountersIncrementIndependently(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := New(reg)

	r.MessagesAppendedTotal.WithLabelValues("1", "1").Add(3)
	r.BytesAppendedTotal.WithLabelValues("1", "1").Add(128)
	r.FlushFailuresTotal.WithLabelValues("1", "1", "0").Inc()

	if got := counterValue(t, r.MessagesAppendedTotal.WithLabelValues("1", "1")); got != 3 {
		t.Fatalf("MessagesAppendedTotal = %v, want 3", got)
	}
	if got := counterValue(t, r.BytesAppendedTotal.WithLabelValues("1", "1")); got != 128 {
		t.Fatalf("BytesAppendedTotal = %v, want 128", got)
	}
	if got := counterValue(t, r.FlushFailuresTotal.WithLabelValues("1", "1", "0")); got != 1 {
		t.Fatalf("FlushFailuresTotal = %v, want 1", got)
	}
}

func TestRegistry_ObserveReplayDuration(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := New(reg)
	r.ObserveReplayDuration(250 * time.Millisecond)

	var m dto.Metric
	if err := r.StateLogReplaySeconds.(prometheus.Histogram).Write(&m); err != nil {
		t.Fatalf("write histogram: %v", err)
	}
	if m.GetHistogram().GetSampleCount() != 1 {
		t.Fatalf("expected one observed sample, got %d", m.GetHistogram().GetSampleCount())
	}
}

func TestRegistry_SnapshotSumsAcrossLabels(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := New(reg)

	r.MessagesAppendedTotal.WithLabelValues("1", "1").Add(3)
	r.MessagesAppendedTotal.WithLabelValues("1", "2").Add(4)
	r.ArchiverSuccessTotal.WithLabelValues("disk").Inc()
	r.ArchiverFailureTotal.WithLabelValues("object-store").Inc()
	r.DegradedPartitions.Set(2)
	r.ObserveReplayDuration(100 * time.Millisecond)

	snap := r.Snapshot()
	if snap.MessagesAppendedTotal != 7 {
		t.Fatalf("MessagesAppendedTotal = %v, want 7", snap.MessagesAppendedTotal)
	}
	if snap.ArchiverSuccessTotal != 1 {
		t.Fatalf("ArchiverSuccessTotal = %v, want 1", snap.ArchiverSuccessTotal)
	}
	if snap.ArchiverFailureTotal != 1 {
		t.Fatalf("ArchiverFailureTotal = %v, want 1", snap.ArchiverFailureTotal)
	}
	if snap.DegradedPartitions != 2 {
		t.Fatalf("DegradedPartitions = %v, want 2", snap.DegradedPartitions)
	}
	if snap.ReplayCount != 1 {
		t.Fatalf("ReplayCount = %d, want 1", snap.ReplayCount)
	}
}

func TestRegistry_DegradedPartitionsGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := New(reg)
	r.DegradedPartitions.Set(2)
	r.DegradedPartitions.Inc()

	var m dto.Metric
	if err := r.DegradedPartitions.Write(&m); err != nil {
		t.Fatalf("write gauge: %v", err)
	}
	if m.GetGauge().GetValue() != 3 {
		t.Fatalf("DegradedPartitions = %v, want 3", m.GetGauge().GetValue())
	}
}
