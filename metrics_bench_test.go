package goIdP

import (
	"testing"
	"time"
)

// hotMetrics are the counters bumped on every login and token request.
var hotMetrics = [...]MetricID{
	MetricLoginSuccess,
	MetricSessionCreated,
	MetricCodeIssued,
	MetricTokenIssued,
	MetricRefreshRotated,
	MetricSessionInvalid,
}

func BenchmarkMetricsInc(b *testing.B) {
	for _, enabled := range []bool{true, false} {
		name := "enabled"
		if !enabled {
			name = "disabled"
		}
		b.Run(name, func(b *testing.B) {
			m := NewMetrics(MetricsConfig{Enabled: enabled})
			b.ReportAllocs()
			b.RunParallel(func(pb *testing.PB) {
				for pb.Next() {
					m.Inc(MetricLoginSuccess)
				}
			})
		})
	}
}

func BenchmarkMetricsIncMixed(b *testing.B) {
	m := NewMetrics(MetricsConfig{Enabled: true})
	b.ReportAllocs()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			m.Inc(hotMetrics[i%len(hotMetrics)])
			i++
		}
	})
}

func BenchmarkMetricsObserve(b *testing.B) {
	m := NewMetrics(MetricsConfig{Enabled: true, EnableLatencyHistograms: true})
	b.ReportAllocs()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			m.Observe(MetricTokenVerifyLatency, 12*time.Millisecond)
		}
	})
}
