package goIdP

import (
	"sync"
	"testing"
	"time"
)

func TestMetricsDisabledCollectorIgnoresUpdates(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: false, EnableLatencyHistograms: true})
	m.Inc(MetricCodeReplay)
	m.Observe(MetricValidateLatency, time.Millisecond)

	if got := m.Value(MetricCodeReplay); got != 0 {
		t.Fatalf("expected 0, got %d", got)
	}
	if m.LatencyEnabled() {
		t.Fatal("histograms must follow the collector switch")
	}
	snap := m.Snapshot()
	if len(snap.Counters) != 0 || len(snap.Histograms) != 0 {
		t.Fatalf("disabled snapshot must be empty, got %+v", snap)
	}
}

func TestMetricsConcurrentInc(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: true})

	const workers = 16
	const perWorker = 2500

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				m.Inc(MetricRefreshRotated)
				m.Inc(MetricSessionCreated)
			}
		}()
	}
	wg.Wait()

	for _, id := range []MetricID{MetricRefreshRotated, MetricSessionCreated} {
		if got := m.Value(id); got != workers*perWorker {
			t.Fatalf("metric %d = %d, want %d", id, got, workers*perWorker)
		}
	}
}

func TestLatencyBucketBoundaries(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want int
	}{
		{0, 0},
		{5 * time.Millisecond, 0},
		{5*time.Millisecond + time.Microsecond, 1},
		{25 * time.Millisecond, 2},
		{99 * time.Millisecond, 4},
		{500 * time.Millisecond, 6},
		{2 * time.Second, 7},
	}
	for _, tc := range tests {
		if got := latencyBucket(tc.d); got != tc.want {
			t.Errorf("latencyBucket(%v) = %d, want %d", tc.d, got, tc.want)
		}
	}
}

func TestMetricsSnapshotSeparatesHistograms(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: true, EnableLatencyHistograms: true})
	m.Inc(MetricLoginFailure)
	m.Inc(MetricLoginFailure)
	m.Observe(MetricValidateLatency, 2*time.Millisecond)
	m.Observe(MetricTokenVerifyLatency, time.Second)
	// Counter ids are not histograms.
	m.Observe(MetricLoginFailure, time.Millisecond)

	snap := m.Snapshot()
	if snap.Counters[MetricLoginFailure] != 2 {
		t.Fatalf("login failures = %d, want 2", snap.Counters[MetricLoginFailure])
	}
	if _, ok := snap.Counters[MetricValidateLatency]; ok {
		t.Fatal("histogram ids must not appear among counters")
	}

	validate := snap.Histograms[MetricValidateLatency]
	verify := snap.Histograms[MetricTokenVerifyLatency]
	if len(validate) != latencyBucketCount || len(verify) != latencyBucketCount {
		t.Fatalf("unexpected bucket counts %d %d", len(validate), len(verify))
	}
	if validate[0] != 1 || verify[latencyBucketCount-1] != 1 {
		t.Fatalf("unexpected buckets validate=%v verify=%v", validate, verify)
	}
	if _, ok := snap.Histograms[MetricLoginFailure]; ok {
		t.Fatal("counter observed as histogram")
	}
}

func TestMetricsHistogramsOffByDefault(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: true})
	m.Observe(MetricValidateLatency, time.Millisecond)

	if len(m.Snapshot().Histograms) != 0 {
		t.Fatal("histograms recorded without EnableLatencyHistograms")
	}
}
