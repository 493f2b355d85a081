package cryptox

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// Token size constants (in bytes before encoding).
const (
	// TokenSize256 provides 256 bits of entropy (43 chars base64url).
	// Used for OAuth state parameters.
	TokenSize256 = 32
	// TokenSize768 provides 768 bits of entropy (128 chars base64url).
	// Used for PKCE code verifiers, which RFC 7636 caps at 128 characters.
	TokenSize768 = 96
)

// GenerateToken creates a cryptographically secure random token of the
// specified byte length, returned as base64url without padding.
func GenerateToken(size int) (string, error) {
	if size <= 0 {
		return "", fmt.Errorf("token size must be positive, got %d", size)
	}

	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate random token: %w", err)
	}

	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// S256Challenge derives the PKCE code challenge for a verifier:
// base64url(SHA-256(verifier)) without padding, per RFC 7636.
func S256Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// FingerprintToken returns a deterministic SHA-256 fingerprint of a token,
// base64url encoded. Useful for correlating a token in logs or audit
// metadata without ever recording its value.
func FingerprintToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
