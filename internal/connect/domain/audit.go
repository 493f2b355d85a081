package domain

import "time"

// AuditAction enumerates the verbs the audit trail records.
type AuditAction string

const (
	AuditConnect             AuditAction = "CONNECT"
	AuditDisconnect          AuditAction = "DISCONNECT"
	AuditTokenRefreshed      AuditAction = "TOKEN_REFRESHED"
	AuditConsentCheck        AuditAction = "CONSENT_CHECK"
	AuditSanitizationBlocked AuditAction = "SANITIZATION_BLOCKED"
	AuditRateLimited         AuditAction = "RATE_LIMITED"
)

// AuditRecord is one immutable, append-only trail entry. ResourceID is an
// opaque string rather than a foreign key so deleting nothing can ever
// cascade into audit history.
type AuditRecord struct {
	ID           string
	OwnerID      string
	Action       AuditAction
	ResourceType string
	ResourceID   string
	Metadata     string // JSON, redacted before persisting
	CreatedAt    time.Time
}

// AuditMetadata is the closed set of per-action metadata payloads. Each
// action kind carries fixed fields so redaction and querying stay tractable;
// arbitrary maps are not accepted into the trail.
type AuditMetadata interface {
	Action() AuditAction
	Attrs() map[string]any
}

// ConnectMetadata records a successful account connection.
type ConnectMetadata struct {
	ExternalAccountID string
	ExternalHandle    string
	TargetDomain      string
	Scopes            []string
}

func (ConnectMetadata) Action() AuditAction { return AuditConnect }

func (m ConnectMetadata) Attrs() map[string]any {
	return map[string]any{
		"external_account_id": m.ExternalAccountID,
		"external_handle":     m.ExternalHandle,
		"target_domain":       m.TargetDomain,
		"scopes":              m.Scopes,
	}
}

// DisconnectMetadata records a credential revocation.
type DisconnectMetadata struct {
	ProviderRevoked bool // whether the platform-side revoke call succeeded
}

func (DisconnectMetadata) Action() AuditAction { return AuditDisconnect }

func (m DisconnectMetadata) Attrs() map[string]any {
	return map[string]any{"provider_revoked": m.ProviderRevoked}
}

// TokenRefreshedMetadata records a token rotation. AccessTokenFP is a
// SHA-256 fingerprint of the new access token, enough to correlate support
// reports against provider logs without the trail ever holding plaintext.
type TokenRefreshedMetadata struct {
	OldExpiresAt  time.Time
	NewExpiresAt  time.Time
	Proactive     bool // true when triggered by the background sweep
	AccessTokenFP string
}

func (TokenRefreshedMetadata) Action() AuditAction { return AuditTokenRefreshed }

func (m TokenRefreshedMetadata) Attrs() map[string]any {
	return map[string]any{
		"old_expires_at":  m.OldExpiresAt.UTC().Format(time.RFC3339),
		"new_expires_at":  m.NewExpiresAt.UTC().Format(time.RFC3339),
		"proactive":       m.Proactive,
		"access_token_fp": m.AccessTokenFP,
	}
}

// ConsentCheckMetadata records the outcome of a consent gate evaluation.
type ConsentCheckMetadata struct {
	Allowed bool
	Reason  string // empty when allowed
}

func (ConsentCheckMetadata) Action() AuditAction { return AuditConsentCheck }

func (m ConsentCheckMetadata) Attrs() map[string]any {
	return map[string]any{
		"allowed": m.Allowed,
		"reason":  m.Reason,
	}
}

// SanitizationBlockedMetadata records an aborted AI call whose input still
// contained sensitive patterns after redaction.
type SanitizationBlockedMetadata struct {
	TargetAPI string
}

func (SanitizationBlockedMetadata) Action() AuditAction { return AuditSanitizationBlocked }

func (m SanitizationBlockedMetadata) Attrs() map[string]any {
	return map[string]any{"target_api": m.TargetAPI}
}

// RateLimitedMetadata records a throttled outbound call.
type RateLimitedMetadata struct {
	TargetAPI  string
	RetryAfter time.Duration
}

func (RateLimitedMetadata) Action() AuditAction { return AuditRateLimited }

func (m RateLimitedMetadata) Attrs() map[string]any {
	return map[string]any{
		"target_api":       m.TargetAPI,
		"retry_after_secs": int(m.RetryAfter.Seconds()),
	}
}
