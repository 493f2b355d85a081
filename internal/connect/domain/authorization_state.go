package domain

import "time"

// AuthorizationState is the server-side half of an in-flight PKCE handshake:
// the random state parameter sent to the platform and the code verifier that
// must accompany the eventual code exchange. One-time use; consumed atomically
// at callback or swept once expired.
type AuthorizationState struct {
	StateID           string
	OwnerID           string // session owner that opened the handshake
	CodeVerifier      string
	TargetDomain      string
	RedirectAfterAuth string
	CreatedAt         time.Time
	ExpiresAt         time.Time
	ConsumedAt        *time.Time
}
