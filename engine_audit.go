package goIdP

import (
	"context"
	"time"
)

const (
	auditLoginSuccess          = "login_success"
	auditLoginFailure          = "login_failure"
	auditStepUpRequired        = "step_up_required"
	auditStepUpSuccess         = "step_up_success"
	auditStepUpFailure         = "step_up_failure"
	auditStepUpToggled         = "step_up_toggled"
	auditMagicLinkRequested    = "magic_link_requested"
	auditMagicLinkRedeemed     = "magic_link_redeemed"
	auditMagicLinkRejected     = "magic_link_rejected"
	auditSessionCreated        = "session_created"
	auditSessionInvalid        = "session_invalid"
	auditFingerprintMismatch   = "session_fingerprint_mismatch"
	auditSessionRevoked        = "session_revoked"
	auditSessionsRevokedAll    = "sessions_revoked_all"
	auditAccountRegistered     = "account_registered"
	auditPasswordAdded         = "password_added"
	auditProviderAutoLinked    = "provider_auto_linked"
	auditProviderLinked        = "provider_linked"
	auditMethodUnlinked        = "method_unlinked"
	auditUnlinkRejected        = "unlink_rejected"
	auditUserStatusChanged     = "user_status_changed"
	auditRateLimited           = "rate_limited"
	auditCodeIssued            = "authorization_code_issued"
	auditAuthorizeDenied       = "authorization_denied"
	auditCodeExchanged         = "authorization_code_exchanged"
	auditCodeReplay            = "authorization_code_replay"
	auditTokenRefreshed        = "token_refreshed"
	auditRefreshRejected       = "refresh_rejected"
	auditTokenRevoked          = "token_revoked"
	auditConsentGranted        = "consent_granted"
	auditConsentRevoked        = "consent_revoked"
	auditClientRegistered      = "client_registered"
	auditClientStatusChanged   = "client_status_changed"
	auditAppAccessRequested    = "app_access_requested"
	auditAppAccessApproved     = "app_access_approved"
	auditAppAccessRevoked      = "app_access_revoked"
	auditPasswordResetRequest  = "password_reset_requested"
	auditPasswordResetComplete = "password_reset_completed"
	auditPasswordResetRejected = "password_reset_rejected"
)

// auditEntry is the engine-side view of one audit event. metadata is a
// builder so disabled auditing never pays for map construction.
type auditEntry struct {
	action   string
	actorID  string
	userID   string
	resource string
	meta     SessionMetadata
	success  bool
	err      error
	before   map[string]any
	after    map[string]any
	metadata func() map[string]string
}

func (e *Engine) emitAudit(ctx context.Context, entry auditEntry) {
	if e == nil || e.audit == nil {
		return
	}

	ip, ua := entry.meta.IP, entry.meta.UserAgent
	if ip == "" || ua == "" {
		fromCtx := MetadataFromContext(ctx)
		if ip == "" {
			ip = fromCtx.IP
		}
		if ua == "" {
			ua = fromCtx.UserAgent
		}
	}
	actor := entry.actorID
	if actor == "" {
		actor = ActorFromContext(ctx)
	}

	event := AuditEvent{
		Timestamp: e.now().UTC(),
		Action:    entry.action,
		ActorID:   actor,
		UserID:    entry.userID,
		Resource:  entry.resource,
		IP:        ip,
		UserAgent: ua,
		Success:   entry.success,
		Before:    entry.before,
		After:     entry.after,
	}
	if entry.err != nil {
		event.Error = CodeOf(entry.err)
	}
	if entry.metadata != nil {
		event.Metadata = entry.metadata()
	}

	// Audit delivery must not be cut short by the request that caused it.
	e.audit.Emit(context.WithoutCancel(ctx), event)
}

func methodsSnapshot(methods []string) map[string]any {
	return map[string]any{"login_methods": append([]string{}, methods...)}
}

func timeOrEmpty(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
