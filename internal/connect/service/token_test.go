package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/repazoo/connect/internal/connect/domain"
	"github.com/repazoo/connect/internal/connect/platform"
	"github.com/repazoo/connect/internal/connect/store"
	"github.com/repazoo/connect/pkg/cryptox"
)

func newTokenService(t *testing.T, fake *fakePlatform) (*TokenService, store.Store, *cryptox.Cipher) {
	t.Helper()

	st := newTestStore(t)
	cipher := newTestCipher(t)

	svc := &TokenService{
		Store:     st,
		Platforms: platform.Registry{testDomain: fake},
		Cipher:    cipher,
		Audit:     &AuditService{Store: st},
	}
	return svc, st, cipher
}

func TestGetValidAccessToken(t *testing.T) {
	ctx := context.Background()

	t.Run("FreshTokenReturnedWithoutRefresh", func(t *testing.T) {
		fake := &fakePlatform{}
		svc, st, cipher := newTokenService(t, fake)
		cred := seedCredential(t, st, cipher, "owner-1", nil)

		token, err := svc.GetValidAccessToken(ctx, cred.ID)
		require.NoError(t, err)
		require.Equal(t, "plain-access", token)
		require.Zero(t, fake.refreshCalls)
	})

	t.Run("WithinMarginTriggersRotation", func(t *testing.T) {
		fake := &fakePlatform{
			refreshFn: func(refreshToken string) (platform.TokenSet, error) {
				require.Equal(t, "plain-refresh", refreshToken)
				return platform.TokenSet{
					AccessToken:  "rotated-access",
					RefreshToken: "rotated-refresh",
					ExpiresAt:    time.Now().UTC().Add(2 * time.Hour),
				}, nil
			},
		}
		svc, st, cipher := newTokenService(t, fake)
		cred := seedCredential(t, st, cipher, "owner-1", func(c *domain.Credential) {
			c.ExpiresAt = time.Now().UTC().Add(time.Minute) // inside the 5-minute margin
		})

		token, err := svc.GetValidAccessToken(ctx, cred.ID)
		require.NoError(t, err)
		require.Equal(t, "rotated-access", token)
		require.Equal(t, 1, fake.refreshCalls)

		// Both ciphertexts rotated in place.
		got, err := st.Credentials().GetCredentialByID(ctx, cred.ID)
		require.NoError(t, err)
		access, err := cipher.DecryptString(got.AccessTokenCT)
		require.NoError(t, err)
		require.Equal(t, "rotated-access", access)
		refresh, err := cipher.DecryptString(got.RefreshTokenCT)
		require.NoError(t, err)
		require.Equal(t, "rotated-refresh", refresh)

		rec := lastAudit(t, st, "owner-1")
		require.Equal(t, domain.AuditTokenRefreshed, rec.Action)

		// The trail carries a fingerprint of the new token, never the
		// token itself.
		require.Contains(t, rec.Metadata, cryptox.FingerprintToken("rotated-access"))
		require.NotContains(t, rec.Metadata, "rotated-access")
	})

	t.Run("ConcurrentCallersShareOneRefresh", func(t *testing.T) {
		fake := &fakePlatform{
			refreshFn: func(string) (platform.TokenSet, error) {
				time.Sleep(30 * time.Millisecond)
				return platform.TokenSet{
					AccessToken:  "rotated-access",
					RefreshToken: "rotated-refresh",
					ExpiresAt:    time.Now().UTC().Add(2 * time.Hour),
				}, nil
			},
		}
		svc, st, cipher := newTokenService(t, fake)
		cred := seedCredential(t, st, cipher, "owner-1", func(c *domain.Credential) {
			c.ExpiresAt = time.Now().UTC().Add(time.Minute)
		})

		const n = 8
		var (
			mu     sync.Mutex
			tokens []string
			errs   []error
		)

		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				token, err := svc.GetValidAccessToken(ctx, cred.ID)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					errs = append(errs, err)
					return
				}
				tokens = append(tokens, token)
			}()
		}
		wg.Wait()

		require.Empty(t, errs)
		require.Len(t, tokens, n)
		for _, token := range tokens {
			require.Equal(t, "rotated-access", token)
		}
		require.Equal(t, 1, fake.refreshCalls)
	})

	t.Run("InvalidGrantDeactivatesCredential", func(t *testing.T) {
		fake := &fakePlatform{
			refreshFn: func(string) (platform.TokenSet, error) {
				return platform.TokenSet{}, platform.ErrInvalidGrant
			},
		}
		svc, st, cipher := newTokenService(t, fake)
		cred := seedCredential(t, st, cipher, "owner-1", func(c *domain.Credential) {
			c.ExpiresAt = time.Now().UTC().Add(time.Minute)
		})

		_, err := svc.GetValidAccessToken(ctx, cred.ID)
		require.ErrorIs(t, err, ErrRefreshFailed)

		got, err := st.Credentials().GetCredentialByID(ctx, cred.ID)
		require.NoError(t, err)
		require.False(t, got.IsActive)
		require.False(t, got.Revoked)
	})

	t.Run("TransientFailureNeverReturnsStaleToken", func(t *testing.T) {
		fake := &fakePlatform{
			refreshFn: func(string) (platform.TokenSet, error) {
				return platform.TokenSet{}, &platform.APIError{StatusCode: 503}
			},
		}
		svc, st, cipher := newTokenService(t, fake)
		cred := seedCredential(t, st, cipher, "owner-1", func(c *domain.Credential) {
			c.ExpiresAt = time.Now().UTC().Add(time.Minute)
		})

		token, err := svc.GetValidAccessToken(ctx, cred.ID)
		require.ErrorIs(t, err, ErrRefreshFailed)
		require.Empty(t, token)

		// A transient failure must not kill the credential.
		got, err := st.Credentials().GetCredentialByID(ctx, cred.ID)
		require.NoError(t, err)
		require.True(t, got.IsActive)
	})

	t.Run("RevokedCredentialRefused", func(t *testing.T) {
		fake := &fakePlatform{}
		svc, st, cipher := newTokenService(t, fake)
		cred := seedCredential(t, st, cipher, "owner-1", func(c *domain.Credential) {
			c.Revoked = true
			c.IsActive = false
		})

		_, err := svc.GetValidAccessToken(ctx, cred.ID)
		require.ErrorIs(t, err, ErrRefreshFailed)
		require.Zero(t, fake.refreshCalls)
	})

	t.Run("UnknownCredential", func(t *testing.T) {
		svc, _, _ := newTokenService(t, &fakePlatform{})

		_, err := svc.GetValidAccessToken(ctx, "no-such-credential")
		require.ErrorIs(t, err, store.ErrNotFound)
	})
}

func TestRefreshExpiring(t *testing.T) {
	ctx := context.Background()

	fake := &fakePlatform{
		refreshFn: func(string) (platform.TokenSet, error) {
			return platform.TokenSet{
				AccessToken:  "rotated-access",
				RefreshToken: "rotated-refresh",
				ExpiresAt:    time.Now().UTC().Add(2 * time.Hour),
			}, nil
		},
	}
	svc, st, cipher := newTokenService(t, fake)

	expiring := seedCredential(t, st, cipher, "owner-1", func(c *domain.Credential) {
		c.ExternalAccountID = "acct-expiring"
		c.ExpiresAt = time.Now().UTC().Add(time.Minute)
	})
	healthy := seedCredential(t, st, cipher, "owner-1", func(c *domain.Credential) {
		c.ExternalAccountID = "acct-healthy"
		c.ExpiresAt = time.Now().UTC().Add(3 * time.Hour)
	})

	svc.RefreshExpiring(ctx, 30*time.Minute)
	require.Equal(t, 1, fake.refreshCalls)

	got, err := st.Credentials().GetCredentialByID(ctx, expiring.ID)
	require.NoError(t, err)
	access, err := cipher.DecryptString(got.AccessTokenCT)
	require.NoError(t, err)
	require.Equal(t, "rotated-access", access)

	untouched, err := st.Credentials().GetCredentialByID(ctx, healthy.ID)
	require.NoError(t, err)
	access, err = cipher.DecryptString(untouched.AccessTokenCT)
	require.NoError(t, err)
	require.Equal(t, "plain-access", access)
}
