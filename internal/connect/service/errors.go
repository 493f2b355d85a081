package service

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownDomain means the requested dashboard domain has no OAuth
	// app registration. This is a deployment configuration problem, not a
	// user mistake.
	ErrUnknownDomain = errors.New("unknown_domain")

	// ErrInvalidState covers a missing, expired, or replayed handshake
	// state. The three cases are deliberately indistinguishable.
	ErrInvalidState = errors.New("invalid_state")

	// ErrExchangeFailed means the provider rejected the code exchange.
	// The flow must be restarted from Initiate.
	ErrExchangeFailed = errors.New("exchange_failed")

	// ErrRefreshFailed means a valid access token could not be produced.
	// The credential has been deactivated and the owner must reconnect.
	ErrRefreshFailed = errors.New("refresh_failed")

	// ErrSanitizationBlocked means redacted text still tripped the
	// residual PII scan. Never retried; the input itself is the problem.
	ErrSanitizationBlocked = errors.New("sanitization_blocked")
)

// Consent denial reasons, in the order the gate evaluates them.
const (
	DeniedReasonRevoked              = "revoked"
	DeniedReasonInactiveSubscription = "inactive_subscription"
	DeniedReasonConsentExpired       = "consent_expired"
)

// DeniedError is a consent gate refusal with its first failing reason.
type DeniedError struct {
	Reason string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("consent denied: %s", e.Reason)
}
