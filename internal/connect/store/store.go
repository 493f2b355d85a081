package store

import (
	"context"
	"errors"
	"time"

	"github.com/repazoo/connect/internal/connect/domain"
)

var (
	ErrNotFound      = errors.New("store: not found")
	ErrAlreadyExists = errors.New("store: already exists")
)

// Store is the root data access interface. Concrete drivers (sqlite today)
// implement this. Sub-repositories keep concerns tidy and let service tests
// fake one repo without the rest.
type Store interface {
	AuthorizationStates() AuthorizationStates
	Credentials() Credentials
	AuditRecords() AuditRecords

	ApplyMigrations() error

	// Tx starts a read/write transaction and returns a Tx-scoped Store.
	// The caller MUST call Commit() or Rollback() on the returned Tx.
	Tx(ctx context.Context) (Tx, error)

	// WithTx executes fn within a transaction, committing on nil and
	// rolling back otherwise. Preferred over Tx for multi-step operations
	// that must be atomic (state consumption, credential upserts).
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	Close() error

	// Ping verifies the database connection is still alive.
	Ping(ctx context.Context) error
}

// Tx is a transactional store.
type Tx interface {
	Store
	Commit() error
	Rollback() error
}

type AuthorizationStates interface {
	// CreateAuthorizationState persists a freshly minted handshake state.
	CreateAuthorizationState(ctx context.Context, s domain.AuthorizationState) error

	// ConsumeAuthorizationState marks the state consumed and returns it,
	// in one atomic step. A state that is missing, already consumed, or
	// past its expiry yields ErrNotFound; a repeated callback with the
	// same state must not be distinguishable from an unknown one.
	ConsumeAuthorizationState(ctx context.Context, stateID string, now time.Time) (domain.AuthorizationState, error)

	// DeleteExpiredAuthorizationStates is housekeeping.
	DeleteExpiredAuthorizationStates(ctx context.Context, now time.Time) error
}

type Credentials interface {
	// UpsertCredential inserts the credential, or, when the owner already
	// connected this external account, replaces its tokens, scopes, and
	// lifecycle flags in place, re-activating a previously revoked row.
	// Returns the effective credential ID.
	UpsertCredential(ctx context.Context, c domain.Credential) (string, error)

	// GetCredentialByID returns a credential regardless of state; callers
	// decide what revoked/inactive means for them.
	GetCredentialByID(ctx context.Context, id string) (domain.Credential, error)

	// ListCredentialsByOwner returns the owner's credentials, newest first.
	ListCredentialsByOwner(ctx context.Context, ownerID string) ([]domain.Credential, error)

	// UpdateCredentialTokens swaps in a rotated ciphertext pair and expiry.
	UpdateCredentialTokens(ctx context.Context, id, accessCT, refreshCT string, expiresAt time.Time) error

	// RevokeCredential soft-deletes: revoked=true, is_active=false. Rows
	// are never hard-deleted so audit history stays resolvable.
	RevokeCredential(ctx context.Context, id string) error

	// DeactivateCredential clears is_active without marking the credential
	// revoked, used when the provider rejects its refresh token.
	DeactivateCredential(ctx context.Context, id string) error

	// ListCredentialsExpiringBefore returns active, unrevoked credentials
	// whose access token expires before the cutoff, for the refresh sweep.
	ListCredentialsExpiringBefore(ctx context.Context, cutoff time.Time) ([]domain.Credential, error)
}

type AuditRecords interface {
	// AppendAuditRecord writes one immutable trail entry. There is no
	// update or single-row delete; retention is the only removal path.
	AppendAuditRecord(ctx context.Context, r domain.AuditRecord) error

	// ListAuditRecordsByOwner returns the owner's trail, newest first.
	ListAuditRecordsByOwner(ctx context.Context, ownerID string, limit int) ([]domain.AuditRecord, error)

	// DeleteAuditRecordsBefore enforces the retention horizon.
	DeleteAuditRecordsBefore(ctx context.Context, cutoff time.Time) error
}
