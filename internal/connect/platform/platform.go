// Package platform talks to the social platform: the OAuth2/PKCE token
// endpoints and the small slice of the v2 API this service needs. Plaintext
// tokens only ever pass through here as call arguments; they are never
// stored or logged by this package.
package platform

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/repazoo/connect/internal/connect/domain"
)

// ErrInvalidGrant means the provider rejected the refresh token outright.
// The credential backing it is dead and must be reconnected by the owner.
var ErrInvalidGrant = errors.New("platform: grant rejected by provider")

// TokenSet is one issued access/refresh pair, plaintext. Callers encrypt
// before persisting.
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Scopes       []string
}

// Tweet is the subset of post fields the service consumes.
type Tweet struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	AuthorID  string `json:"author_id,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
}

// RateInfo carries the provider's own rate budget headers from a response.
// Present is false when the provider sent none.
type RateInfo struct {
	Present   bool
	Remaining int
	ResetAt   time.Time
}

// APIError is a non-2xx provider response. The body is deliberately not
// carried; provider error bodies can embed user content.
type APIError struct {
	StatusCode int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("platform: api responded with status %d", e.StatusCode)
}

// Retryable reports whether the failure is transient. Client errors other
// than 429 indicate a broken request and must not be retried.
func (e *APIError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Client is one configured platform integration.
type Client interface {
	// AuthorizationURL builds the user-facing consent URL for a prepared
	// state and S256 code challenge.
	AuthorizationURL(state, codeChallenge string) string

	// Exchange redeems an authorization code with its PKCE verifier.
	// Never retried; a spent code cannot be redeemed twice.
	Exchange(ctx context.Context, code, codeVerifier string) (TokenSet, error)

	// Refresh runs the refresh grant. Providers rotate the refresh token,
	// so the returned set replaces both stored ciphertexts. A rejected
	// grant yields ErrInvalidGrant.
	Refresh(ctx context.Context, refreshToken string) (TokenSet, error)

	// Revoke invalidates the token provider-side. Best effort.
	Revoke(ctx context.Context, accessToken string) error

	FetchMe(ctx context.Context, accessToken string) (domain.ExternalAccount, RateInfo, error)
	FetchMentions(ctx context.Context, accessToken, accountID string, maxResults int) ([]Tweet, RateInfo, error)
	PostTweet(ctx context.Context, accessToken, text string) (Tweet, RateInfo, error)
}

// Registry maps a dashboard target domain onto its platform client. Each
// domain carries its own OAuth app registration and callback URL.
type Registry map[string]Client

func (r Registry) For(targetDomain string) (Client, bool) {
	c, ok := r[targetDomain]
	return c, ok
}
