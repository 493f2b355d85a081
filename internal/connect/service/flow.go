package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/repazoo/connect/internal/connect/domain"
	"github.com/repazoo/connect/internal/connect/platform"
	"github.com/repazoo/connect/internal/connect/store"
	"github.com/repazoo/connect/pkg/cryptox"
	"github.com/repazoo/connect/pkg/idx"
	"github.com/repazoo/connect/pkg/slogx"
)

// DefaultStateTTL bounds the window between Initiate and the callback.
const DefaultStateTTL = 10 * time.Minute

// FlowService runs the PKCE handshake: minting the authorization URL,
// redeeming the callback, and disconnecting accounts.
type FlowService struct {
	Store     store.Store
	Platforms platform.Registry
	Cipher    *cryptox.Cipher
	Audit     *AuditService
	StateTTL  time.Duration

	// Now is exposed for tests; nil means time.Now.
	Now func() time.Time
}

func (s *FlowService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

func (s *FlowService) stateTTL() time.Duration {
	if s.StateTTL > 0 {
		return s.StateTTL
	}
	return DefaultStateTTL
}

// InitiateResult is what the dashboard needs to send the user off to the
// provider's consent screen. The code verifier never leaves the server.
type InitiateResult struct {
	AuthorizationURL string
	StateID          string
	ExpiresAt        time.Time
}

// Initiate mints a PKCE verifier/challenge pair and a single-use state,
// persists the state, and returns the provider authorization URL.
func (s *FlowService) Initiate(ctx context.Context, ownerID, targetDomain, redirectAfterAuth string) (InitiateResult, error) {
	client, ok := s.Platforms.For(targetDomain)
	if !ok {
		return InitiateResult{}, fmt.Errorf("%w: %s", ErrUnknownDomain, targetDomain)
	}

	verifier, err := cryptox.GenerateToken(cryptox.TokenSize768)
	if err != nil {
		return InitiateResult{}, fmt.Errorf("generate code verifier: %w", err)
	}
	challenge := cryptox.S256Challenge(verifier)

	stateID, err := cryptox.GenerateToken(cryptox.TokenSize256)
	if err != nil {
		return InitiateResult{}, fmt.Errorf("generate state: %w", err)
	}

	now := s.now()
	st := domain.AuthorizationState{
		StateID:           stateID,
		OwnerID:           ownerID,
		CodeVerifier:      verifier,
		TargetDomain:      targetDomain,
		RedirectAfterAuth: redirectAfterAuth,
		CreatedAt:         now,
		ExpiresAt:         now.Add(s.stateTTL()),
	}
	if err := s.Store.AuthorizationStates().CreateAuthorizationState(ctx, st); err != nil {
		return InitiateResult{}, fmt.Errorf("persist authorization state: %w", err)
	}

	return InitiateResult{
		AuthorizationURL: client.AuthorizationURL(stateID, challenge),
		StateID:          stateID,
		ExpiresAt:        st.ExpiresAt,
	}, nil
}

// CompleteResult reports the credential created by a successful callback.
type CompleteResult struct {
	CredentialID      string
	Account           domain.ExternalAccount
	RedirectAfterAuth string
}

// Complete redeems the provider callback. The state is consumed atomically
// before anything else happens, so a replayed callback dies at the first
// step. The code exchange itself is never retried.
func (s *FlowService) Complete(ctx context.Context, code, stateID, targetDomain string) (CompleteResult, error) {
	now := s.now()

	st, err := s.Store.AuthorizationStates().ConsumeAuthorizationState(ctx, stateID, now)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return CompleteResult{}, ErrInvalidState
		}
		return CompleteResult{}, fmt.Errorf("consume authorization state: %w", err)
	}
	if st.TargetDomain != targetDomain {
		return CompleteResult{}, ErrInvalidState
	}

	client, ok := s.Platforms.For(targetDomain)
	if !ok {
		return CompleteResult{}, fmt.Errorf("%w: %s", ErrUnknownDomain, targetDomain)
	}

	tokens, err := client.Exchange(ctx, code, st.CodeVerifier)
	if err != nil {
		slogx.FromContext(ctx).Warn("code exchange rejected",
			"target_domain", targetDomain, "error", err)
		return CompleteResult{}, ErrExchangeFailed
	}

	account, _, err := client.FetchMe(ctx, tokens.AccessToken)
	if err != nil {
		return CompleteResult{}, fmt.Errorf("fetch account identity: %w", err)
	}

	accessCT, err := s.Cipher.EncryptString(tokens.AccessToken)
	if err != nil {
		return CompleteResult{}, fmt.Errorf("encrypt access token: %w", err)
	}
	refreshCT, err := s.Cipher.EncryptString(tokens.RefreshToken)
	if err != nil {
		return CompleteResult{}, fmt.Errorf("encrypt refresh token: %w", err)
	}

	cred := domain.Credential{
		ID:                idx.New().String(),
		OwnerID:           st.OwnerID,
		ExternalAccountID: account.ID,
		ExternalHandle:    account.Handle,
		TargetDomain:      targetDomain,
		AccessTokenCT:     accessCT,
		RefreshTokenCT:    refreshCT,
		Scopes:            tokens.Scopes,
		ExpiresAt:         tokens.ExpiresAt,
		ConsentGrantedAt:  now,
		IsActive:          true,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	credID, err := s.Store.Credentials().UpsertCredential(ctx, cred)
	if err != nil {
		return CompleteResult{}, fmt.Errorf("persist credential: %w", err)
	}

	s.Audit.RecordBestEffort(ctx, st.OwnerID, "credential", credID, domain.ConnectMetadata{
		ExternalAccountID: account.ID,
		ExternalHandle:    account.Handle,
		TargetDomain:      targetDomain,
		Scopes:            tokens.Scopes,
	})

	return CompleteResult{
		CredentialID:      credID,
		Account:           account,
		RedirectAfterAuth: st.RedirectAfterAuth,
	}, nil
}

// Revoke disconnects an account: provider-side revocation is attempted but
// the local soft delete proceeds regardless of its outcome.
func (s *FlowService) Revoke(ctx context.Context, ownerID, credentialID string) error {
	cred, err := s.Store.Credentials().GetCredentialByID(ctx, credentialID)
	if err != nil {
		return err
	}
	if cred.OwnerID != ownerID {
		return store.ErrNotFound
	}

	providerRevoked := false
	if client, ok := s.Platforms.For(cred.TargetDomain); ok {
		if access, err := s.Cipher.DecryptString(cred.AccessTokenCT); err == nil {
			if err := client.Revoke(ctx, access); err != nil {
				slogx.FromContext(ctx).Warn("provider-side revocation failed",
					"credential_id", credentialID, "error", err)
			} else {
				providerRevoked = true
			}
		}
	}

	if err := s.Store.Credentials().RevokeCredential(ctx, credentialID); err != nil {
		return fmt.Errorf("revoke credential: %w", err)
	}

	s.Audit.RecordBestEffort(ctx, ownerID, "credential", credentialID, domain.DisconnectMetadata{
		ProviderRevoked: providerRevoked,
	})
	return nil
}
