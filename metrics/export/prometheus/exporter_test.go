package prometheus

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	goIdP "github.com/MrEthical07/goIdP"
	"github.com/MrEthical07/goIdP/mail"
)

type fakeSource struct {
	snapshot goIdP.MetricsSnapshot
	dropped  uint64
	mail     mail.Stats
}

func (f fakeSource) MetricsSnapshot() goIdP.MetricsSnapshot { return f.snapshot }
func (f fakeSource) AuditDropped() uint64                   { return f.dropped }
func (f fakeSource) MailStats() mail.Stats                  { return f.mail }

func TestRenderEmptyWhenMetricsDisabled(t *testing.T) {
	exp := NewExporterFromSource(fakeSource{
		snapshot: goIdP.MetricsSnapshot{
			Counters:   map[goIdP.MetricID]uint64{},
			Histograms: map[goIdP.MetricID][]uint64{},
		},
	})

	if got := exp.Render(); got != "" {
		t.Fatalf("expected empty output for disabled metrics, got:\n%s", got)
	}
}

func TestRenderDeterministicIncludesCounterAndHistogram(t *testing.T) {
	exp := NewExporterFromSource(fakeSource{
		snapshot: goIdP.MetricsSnapshot{
			Counters: map[goIdP.MetricID]uint64{
				goIdP.MetricLoginSuccess: 7,
				goIdP.MetricCodeReplay:   2,
			},
			Histograms: map[goIdP.MetricID][]uint64{
				goIdP.MetricValidateLatency: {1, 2, 3, 4, 5, 6, 7, 8},
			},
		},
		dropped: 2,
		mail:    mail.Stats{Sent: 5, Retried: 1},
	})

	out := exp.Render()
	for _, want := range []string{
		"goidp_login_success_total 7",
		"goidp_authorization_code_replay_total 2",
		"goidp_session_validate_latency_seconds_bucket{le=\"0.005\"} 1",
		"goidp_session_validate_latency_seconds_bucket{le=\"+Inf\"} 36",
		"goidp_audit_dropped_total 2",
		"goidp_mail_sent_total 5",
		"goidp_mail_retried_total 1",
		"# TYPE goidp_token_issued_total counter",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output, got:\n%s", want, out)
		}
	}
}

func TestRenderSideCountersAloneAreEnough(t *testing.T) {
	exp := NewExporterFromSource(fakeSource{mail: mail.Stats{Failed: 1}})

	if out := exp.Render(); !strings.Contains(out, "goidp_mail_failed_total 1") {
		t.Fatalf("expected mail failure counter, got:\n%s", out)
	}
}

func TestHandlerWritesPrometheusContentType(t *testing.T) {
	exp := NewExporterFromSource(fakeSource{
		snapshot: goIdP.MetricsSnapshot{
			Counters:   map[goIdP.MetricID]uint64{goIdP.MetricLoginSuccess: 1},
			Histograms: map[goIdP.MetricID][]uint64{},
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	exp.Handler().ServeHTTP(rec, req)

	if got := rec.Header().Get("Content-Type"); !strings.Contains(got, "text/plain") {
		t.Fatalf("expected prometheus content type, got %q", got)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func BenchmarkRender(b *testing.B) {
	exp := NewExporterFromSource(fakeSource{
		snapshot: goIdP.MetricsSnapshot{
			Counters: map[goIdP.MetricID]uint64{
				goIdP.MetricLoginSuccess:   1000,
				goIdP.MetricLoginFailure:   40,
				goIdP.MetricTokenIssued:    800,
				goIdP.MetricRefreshFailure: 10,
				goIdP.MetricSessionCreated: 800,
				goIdP.MetricSessionInvalid: 20,
			},
			Histograms: map[goIdP.MetricID][]uint64{
				goIdP.MetricValidateLatency: {10, 20, 30, 40, 50, 60, 70, 80},
			},
		},
	})

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = exp.Render()
	}
}
