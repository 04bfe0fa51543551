package internaldefs

import (
	"strconv"
	"strings"

	goIdP "github.com/MrEthical07/goIdP"
	"github.com/MrEthical07/goIdP/mail"
)

// CounterDef names one engine counter.
type CounterDef struct {
	ID   goIdP.MetricID
	Name string
	Help string
}

// HistogramDef names one engine latency histogram.
type HistogramDef struct {
	ID   goIdP.MetricID
	Name string
	Help string
}

// SideCounterDef names a counter that lives outside the engine snapshot,
// such as audit drops and mail delivery totals.
type SideCounterDef struct {
	Name  string
	Help  string
	Value func(Source) uint64
}

// Source is what every exporter reads from. *goIdP.Engine implements it.
type Source interface {
	MetricsSnapshot() goIdP.MetricsSnapshot
	AuditDropped() uint64
	MailStats() mail.Stats
}

var CounterDefs = []CounterDef{
	{ID: goIdP.MetricLoginSuccess, Name: "goidp_login_success_total", Help: "Primary logins that produced a session or a step-up challenge."},
	{ID: goIdP.MetricLoginFailure, Name: "goidp_login_failure_total", Help: "Failed primary logins."},
	{ID: goIdP.MetricRateLimitHit, Name: "goidp_rate_limit_hit_total", Help: "Requests denied by an IP rate-limit tier."},
	{ID: goIdP.MetricSessionCreated, Name: "goidp_session_created_total", Help: "Created sessions."},
	{ID: goIdP.MetricSessionInvalid, Name: "goidp_session_invalid_total", Help: "Session validations rejected."},
	{ID: goIdP.MetricSessionRevoked, Name: "goidp_session_revoked_total", Help: "Revoked sessions."},
	{ID: goIdP.MetricFingerprintMismatch, Name: "goidp_session_fingerprint_mismatch_total", Help: "Session validations from a different IP or user agent."},
	{ID: goIdP.MetricStepUpRequired, Name: "goidp_step_up_required_total", Help: "Logins that required a PIN step-up."},
	{ID: goIdP.MetricStepUpSuccess, Name: "goidp_step_up_success_total", Help: "Successful PIN verifications."},
	{ID: goIdP.MetricStepUpFailure, Name: "goidp_step_up_failure_total", Help: "Failed PIN verifications."},
	{ID: goIdP.MetricMagicLinkIssued, Name: "goidp_magic_link_issued_total", Help: "Magic links emailed."},
	{ID: goIdP.MetricMagicLinkRedeemed, Name: "goidp_magic_link_redeemed_total", Help: "Magic links redeemed."},
	{ID: goIdP.MetricMagicLinkRejected, Name: "goidp_magic_link_rejected_total", Help: "Magic link redemptions rejected."},
	{ID: goIdP.MetricCodeIssued, Name: "goidp_authorization_code_issued_total", Help: "Authorization codes issued."},
	{ID: goIdP.MetricCodeReplay, Name: "goidp_authorization_code_replay_total", Help: "Second redemptions of an authorization code."},
	{ID: goIdP.MetricTokenIssued, Name: "goidp_token_issued_total", Help: "Token responses issued."},
	{ID: goIdP.MetricRefreshRotated, Name: "goidp_refresh_rotated_total", Help: "Refresh tokens rotated."},
	{ID: goIdP.MetricRefreshFailure, Name: "goidp_refresh_failure_total", Help: "Refresh requests rejected."},
	{ID: goIdP.MetricTokenRevoked, Name: "goidp_token_revoked_total", Help: "Tokens revoked through the revocation endpoint."},
	{ID: goIdP.MetricTokenInvalid, Name: "goidp_token_invalid_total", Help: "Access tokens and codes rejected."},
	{ID: goIdP.MetricConsentGranted, Name: "goidp_consent_granted_total", Help: "Consents granted."},
	{ID: goIdP.MetricConsentRevoked, Name: "goidp_consent_revoked_total", Help: "Consents revoked."},
	{ID: goIdP.MetricAccountCreated, Name: "goidp_account_created_total", Help: "Accounts created."},
	{ID: goIdP.MetricProviderLinked, Name: "goidp_provider_linked_total", Help: "Social providers linked to an account."},
	{ID: goIdP.MetricMethodUnlinked, Name: "goidp_method_unlinked_total", Help: "Login methods removed from an account."},
	{ID: goIdP.MetricUnlinkRejected, Name: "goidp_unlink_rejected_total", Help: "Unlink requests refused."},
	{ID: goIdP.MetricPasswordResetRequest, Name: "goidp_password_reset_request_total", Help: "Password reset emails sent."},
	{ID: goIdP.MetricPasswordResetSuccess, Name: "goidp_password_reset_success_total", Help: "Completed password resets."},
	{ID: goIdP.MetricPasswordResetFailure, Name: "goidp_password_reset_failure_total", Help: "Rejected password reset confirmations."},
	{ID: goIdP.MetricAccountDisabled, Name: "goidp_account_disabled_total", Help: "Accounts disabled."},
	{ID: goIdP.MetricMailEnqueueFailed, Name: "goidp_mail_enqueue_failed_total", Help: "Messages the engine could not hand to the mail dispatcher."},
}

var HistogramDefs = []HistogramDef{
	{ID: goIdP.MetricValidateLatency, Name: "goidp_session_validate_latency_seconds", Help: "Session validation latency."},
	{ID: goIdP.MetricTokenVerifyLatency, Name: "goidp_access_token_verify_latency_seconds", Help: "Access token verification latency."},
}

var SideCounterDefs = []SideCounterDef{
	{
		Name:  "goidp_audit_dropped_total",
		Help:  "Audit events dropped by dispatcher backpressure.",
		Value: func(s Source) uint64 { return s.AuditDropped() },
	},
	{
		Name:  "goidp_mail_sent_total",
		Help:  "Messages delivered by the mail sender.",
		Value: func(s Source) uint64 { return s.MailStats().Sent },
	},
	{
		Name:  "goidp_mail_failed_total",
		Help:  "Messages abandoned after the last retry.",
		Value: func(s Source) uint64 { return s.MailStats().Failed },
	},
	{
		Name:  "goidp_mail_retried_total",
		Help:  "Mail delivery retries.",
		Value: func(s Source) uint64 { return s.MailStats().Retried },
	},
	{
		Name:  "goidp_mail_dropped_total",
		Help:  "Messages dropped because the mail queue was full or closed.",
		Value: func(s Source) uint64 { return s.MailStats().Dropped },
	},
}

// Bucket is one cumulative histogram bucket ready for export.
type Bucket struct {
	// Le is the upper bound in seconds as Prometheus prints it.
	Le string
	// Suffix is Le made safe for an instrument name.
	Suffix string
	Count  uint64
}

// CumulativeBuckets turns the per-bucket counts of one snapshot histogram
// into the running totals both exposition formats expect. Missing buckets
// count as zero, so CumulativeBuckets(nil) yields the labels alone.
func CumulativeBuckets(raw []uint64) []Bucket {
	bounds := goIdP.LatencyBuckets
	out := make([]Bucket, 0, len(bounds)+1)
	var running uint64
	for i := 0; i <= len(bounds); i++ {
		if i < len(raw) {
			running += raw[i]
		}
		b := Bucket{Le: "+Inf", Suffix: "inf", Count: running}
		if i < len(bounds) {
			b.Le = strconv.FormatFloat(bounds[i].Seconds(), 'g', -1, 64)
			b.Suffix = strings.ReplaceAll(b.Le, ".", "_")
		}
		out = append(out, b)
	}
	return out
}
