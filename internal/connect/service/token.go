package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/repazoo/connect/internal/connect/domain"
	"github.com/repazoo/connect/internal/connect/platform"
	"github.com/repazoo/connect/internal/connect/store"
	"github.com/repazoo/connect/pkg/cryptox"
	"github.com/repazoo/connect/pkg/slogx"
)

// DefaultRefreshMargin is how close to expiry a token may get before it is
// refreshed rather than handed out.
const DefaultRefreshMargin = 5 * time.Minute

// TokenService owns the encrypted token lifecycle. It is the only component
// besides the flow that ever sees plaintext tokens, and only transiently.
type TokenService struct {
	Store         store.Store
	Platforms     platform.Registry
	Cipher        *cryptox.Cipher
	Audit         *AuditService
	RefreshMargin time.Duration

	// Now is exposed for tests; nil means time.Now.
	Now func() time.Time

	group singleflight.Group
}

func (s *TokenService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

func (s *TokenService) margin() time.Duration {
	if s.RefreshMargin > 0 {
		return s.RefreshMargin
	}
	return DefaultRefreshMargin
}

// GetValidAccessToken returns a plaintext access token guaranteed to live
// longer than the refresh margin, refreshing first if it would not.
// Concurrent callers for the same credential share one refresh.
func (s *TokenService) GetValidAccessToken(ctx context.Context, credentialID string) (string, error) {
	cred, err := s.Store.Credentials().GetCredentialByID(ctx, credentialID)
	if err != nil {
		return "", err
	}
	if !cred.Usable() {
		return "", fmt.Errorf("%w: credential is revoked or inactive", ErrRefreshFailed)
	}

	if s.fresh(cred) {
		return s.Cipher.DecryptString(cred.AccessTokenCT)
	}

	token, err, _ := s.group.Do(credentialID, func() (any, error) {
		return s.refresh(ctx, credentialID, false)
	})
	if err != nil {
		return "", err
	}
	return token.(string), nil
}

// RefreshExpiring proactively rotates credentials whose access token expires
// within the given horizon. Used by housekeeping; failures on one credential
// never stop the sweep.
func (s *TokenService) RefreshExpiring(ctx context.Context, within time.Duration) {
	log := slogx.FromContext(ctx)

	creds, err := s.Store.Credentials().ListCredentialsExpiringBefore(ctx, s.now().Add(within))
	if err != nil {
		log.Error("refresh sweep listing failed", "error", err)
		return
	}

	for _, cred := range creds {
		id := cred.ID
		_, err, _ := s.group.Do(id, func() (any, error) {
			return s.refresh(ctx, id, true)
		})
		if err != nil {
			log.Warn("proactive refresh failed", "credential_id", id, "error", err)
		}
	}
}

func (s *TokenService) fresh(cred domain.Credential) bool {
	return cred.ExpiresAt.After(s.now().Add(s.margin()))
}

// refresh re-reads the credential inside the flight so a caller that queued
// behind a completed refresh does not trigger a second one.
func (s *TokenService) refresh(ctx context.Context, credentialID string, proactive bool) (string, error) {
	cred, err := s.Store.Credentials().GetCredentialByID(ctx, credentialID)
	if err != nil {
		return "", err
	}
	if !cred.Usable() {
		return "", fmt.Errorf("%w: credential is revoked or inactive", ErrRefreshFailed)
	}
	if s.fresh(cred) {
		return s.Cipher.DecryptString(cred.AccessTokenCT)
	}

	client, ok := s.Platforms.For(cred.TargetDomain)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownDomain, cred.TargetDomain)
	}

	refreshToken, err := s.Cipher.DecryptString(cred.RefreshTokenCT)
	if err != nil {
		return "", fmt.Errorf("decrypt refresh token: %w", err)
	}

	tokens, err := client.Refresh(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, platform.ErrInvalidGrant) {
			// The provider will never honor this refresh token again.
			if deactivateErr := s.Store.Credentials().DeactivateCredential(ctx, credentialID); deactivateErr != nil {
				slogx.FromContext(ctx).Error("credential deactivation failed",
					"credential_id", credentialID, "error", deactivateErr)
			}
			return "", fmt.Errorf("%w: provider rejected refresh token", ErrRefreshFailed)
		}
		return "", fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}

	accessCT, err := s.Cipher.EncryptString(tokens.AccessToken)
	if err != nil {
		return "", fmt.Errorf("encrypt access token: %w", err)
	}
	refreshCT, err := s.Cipher.EncryptString(tokens.RefreshToken)
	if err != nil {
		return "", fmt.Errorf("encrypt refresh token: %w", err)
	}

	if err := s.Store.Credentials().UpdateCredentialTokens(ctx, credentialID, accessCT, refreshCT, tokens.ExpiresAt); err != nil {
		return "", fmt.Errorf("persist rotated tokens: %w", err)
	}

	s.Audit.RecordBestEffort(ctx, cred.OwnerID, "credential", credentialID, domain.TokenRefreshedMetadata{
		OldExpiresAt:  cred.ExpiresAt,
		NewExpiresAt:  tokens.ExpiresAt,
		Proactive:     proactive,
		AccessTokenFP: cryptox.FingerprintToken(tokens.AccessToken),
	})

	return tokens.AccessToken, nil
}
