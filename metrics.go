package goIdP

import (
	"sync/atomic"
	"time"
)

// MetricID identifies one engine counter or latency histogram. Exporters map
// ids to names; the numeric values are not stable across releases.
type MetricID uint16

const (
	// MetricLoginSuccess counts completed primary logins that produced a session or a step-up challenge.
	MetricLoginSuccess MetricID = iota
	MetricLoginFailure
	MetricRateLimitHit
	MetricSessionCreated
	// MetricSessionInvalid counts session validations collapsed into ErrInvalidSession.
	MetricSessionInvalid
	MetricSessionRevoked
	MetricFingerprintMismatch
	MetricStepUpRequired
	MetricStepUpSuccess
	MetricStepUpFailure
	MetricMagicLinkIssued
	MetricMagicLinkRedeemed
	MetricMagicLinkRejected
	MetricCodeIssued
	// MetricCodeReplay counts second redemptions of an authorization code.
	MetricCodeReplay
	MetricTokenIssued
	MetricRefreshRotated
	MetricRefreshFailure
	MetricTokenRevoked
	MetricTokenInvalid
	MetricConsentGranted
	MetricConsentRevoked
	MetricAccountCreated
	MetricProviderLinked
	MetricMethodUnlinked
	MetricUnlinkRejected
	MetricPasswordResetRequest
	MetricPasswordResetSuccess
	MetricPasswordResetFailure
	MetricAccountDisabled
	MetricMailEnqueueFailed
	// MetricValidateLatency is the session validation latency histogram.
	MetricValidateLatency
	// MetricTokenVerifyLatency is the access token verification latency histogram.
	MetricTokenVerifyLatency
	metricIDCount
)

// LatencyBuckets are the inclusive upper bounds of the histogram buckets.
// Observations above the last bound land in one extra overflow bucket.
var LatencyBuckets = [...]time.Duration{
	5 * time.Millisecond,
	10 * time.Millisecond,
	25 * time.Millisecond,
	50 * time.Millisecond,
	100 * time.Millisecond,
	250 * time.Millisecond,
	500 * time.Millisecond,
}

const (
	latencyBucketCount = len(LatencyBuckets) + 1
	cacheLineSize      = 64
)

// histogramIDs lists the ids Observe accepts, in snapshot order.
var histogramIDs = [...]MetricID{MetricValidateLatency, MetricTokenVerifyLatency}

type latencyHistogram struct {
	buckets [latencyBucketCount]uint64
}

// counterSlot keeps each counter on its own cache line so hot counters
// updated from different cores do not contend.
type counterSlot struct {
	value uint64
	_     [cacheLineSize - 8]byte
}

// Metrics holds lock-free engine counters. Exporters read it through
// Engine.MetricsSnapshot.
type Metrics struct {
	enabled    bool
	latency    bool
	counters   [metricIDCount]counterSlot
	histograms [len(histogramIDs)]latencyHistogram
}

// MetricsSnapshot is a point-in-time copy of every counter. Histograms holds
// per-bucket (not cumulative) counts, one slice per histogram id, and is
// empty unless latency histograms are enabled.
type MetricsSnapshot struct {
	Counters   map[MetricID]uint64
	Histograms map[MetricID][]uint64
}

// NewMetrics returns a collector. A disabled collector ignores every update.
func NewMetrics(cfg MetricsConfig) *Metrics {
	return &Metrics{
		enabled: cfg.Enabled,
		latency: cfg.Enabled && cfg.EnableLatencyHistograms,
	}
}

// Enabled reports whether counters are being recorded.
func (m *Metrics) Enabled() bool {
	return m != nil && m.enabled
}

// LatencyEnabled reports whether latency histograms are recorded.
func (m *Metrics) LatencyEnabled() bool {
	return m != nil && m.latency
}

// Inc adds one to the counter id. Safe for concurrent use.
func (m *Metrics) Inc(id MetricID) {
	if !m.Enabled() || id >= metricIDCount {
		return
	}
	atomic.AddUint64(&m.counters[id].value, 1)
}

// Observe records d in the histogram id. Counter ids are ignored.
func (m *Metrics) Observe(id MetricID, d time.Duration) {
	if !m.LatencyEnabled() {
		return
	}
	slot := histogramSlot(id)
	if slot < 0 {
		return
	}
	atomic.AddUint64(&m.histograms[slot].buckets[latencyBucket(d)], 1)
}

// Value returns the current counter value.
func (m *Metrics) Value(id MetricID) uint64 {
	if m == nil || id >= metricIDCount {
		return 0
	}
	return atomic.LoadUint64(&m.counters[id].value)
}

// Snapshot copies every counter, and the histograms when latency is enabled.
func (m *Metrics) Snapshot() MetricsSnapshot {
	s := MetricsSnapshot{
		Counters:   map[MetricID]uint64{},
		Histograms: map[MetricID][]uint64{},
	}
	if !m.Enabled() {
		return s
	}

	for id := MetricID(0); id < metricIDCount; id++ {
		if histogramSlot(id) >= 0 {
			continue
		}
		s.Counters[id] = atomic.LoadUint64(&m.counters[id].value)
	}
	if !m.latency {
		return s
	}
	for slot, id := range histogramIDs {
		buckets := make([]uint64, latencyBucketCount)
		for i := range buckets {
			buckets[i] = atomic.LoadUint64(&m.histograms[slot].buckets[i])
		}
		s.Histograms[id] = buckets
	}
	return s
}

func histogramSlot(id MetricID) int {
	for slot, h := range histogramIDs {
		if h == id {
			return slot
		}
	}
	return -1
}

func latencyBucket(d time.Duration) int {
	for i, bound := range LatencyBuckets {
		if d <= bound {
			return i
		}
	}
	return len(LatencyBuckets)
}
