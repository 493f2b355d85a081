package service

import (
	"context"
	"time"

	"github.com/repazoo/connect/internal/connect/domain"
	"github.com/repazoo/connect/internal/connect/store"
)

// DefaultConsentMaxAge is how long a consent grant stays valid before the
// owner must re-authorize.
const DefaultConsentMaxAge = 365 * 24 * time.Hour

// SubscriptionChecker answers whether an owner's subscription entitles them
// to outbound calls. The billing system behind it is opaque to this service.
type SubscriptionChecker interface {
	HasActiveSubscription(ctx context.Context, ownerID string) (bool, error)
}

// ConsentService is the compliance gate in front of every outbound call.
// Checks run in a fixed order and short-circuit at the first failure; every
// evaluation lands in the audit trail, allowed or not.
type ConsentService struct {
	Store         store.Store
	Subscriptions SubscriptionChecker
	Audit         *AuditService
	MaxConsentAge time.Duration

	// Now is exposed for tests; nil means time.Now.
	Now func() time.Time
}

func (s *ConsentService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

func (s *ConsentService) maxAge() time.Duration {
	if s.MaxConsentAge > 0 {
		return s.MaxConsentAge
	}
	return DefaultConsentMaxAge
}

// Verify evaluates the gate for one owner/credential pair and returns the
// credential when allowed. An unknown or foreign credential is
// store.ErrNotFound; ownership failures are not audited because there is no
// owned resource to attach the record to.
func (s *ConsentService) Verify(ctx context.Context, ownerID, credentialID string) (domain.Credential, error) {
	cred, err := s.Store.Credentials().GetCredentialByID(ctx, credentialID)
	if err != nil {
		return domain.Credential{}, err
	}
	if cred.OwnerID != ownerID {
		return domain.Credential{}, store.ErrNotFound
	}

	if !cred.Usable() {
		return domain.Credential{}, s.deny(ctx, ownerID, credentialID, DeniedReasonRevoked)
	}

	active, err := s.Subscriptions.HasActiveSubscription(ctx, ownerID)
	if err != nil {
		return domain.Credential{}, err
	}
	if !active {
		return domain.Credential{}, s.deny(ctx, ownerID, credentialID, DeniedReasonInactiveSubscription)
	}

	if s.now().Sub(cred.ConsentGrantedAt) > s.maxAge() {
		return domain.Credential{}, s.deny(ctx, ownerID, credentialID, DeniedReasonConsentExpired)
	}

	s.Audit.RecordBestEffort(ctx, ownerID, "credential", credentialID, domain.ConsentCheckMetadata{
		Allowed: true,
	})
	return cred, nil
}

func (s *ConsentService) deny(ctx context.Context, ownerID, credentialID, reason string) error {
	s.Audit.RecordBestEffort(ctx, ownerID, "credential", credentialID, domain.ConsentCheckMetadata{
		Allowed: false,
		Reason:  reason,
	})
	return &DeniedError{Reason: reason}
}
