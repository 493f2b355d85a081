package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/repazoo/connect/internal/connect/domain"
)

type authorizationStatesRepo struct {
	db dbtx
}

func (r *authorizationStatesRepo) CreateAuthorizationState(ctx context.Context, s domain.AuthorizationState) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO authorization_states (
			state_id, owner_id, code_verifier, target_domain,
			redirect_after_auth, created_at, expires_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.StateID, s.OwnerID, s.CodeVerifier, s.TargetDomain,
		s.RedirectAfterAuth, s.CreatedAt, s.ExpiresAt,
	)
	return err
}

// ConsumeAuthorizationState is a single UPDATE ... RETURNING so that two
// concurrent callbacks carrying the same state can never both succeed.
func (r *authorizationStatesRepo) ConsumeAuthorizationState(ctx context.Context, stateID string, now time.Time) (domain.AuthorizationState, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE authorization_states
		SET consumed_at = ?1
		WHERE state_id = ?2
		  AND consumed_at IS NULL
		  AND expires_at > ?1
		RETURNING state_id, owner_id, code_verifier, target_domain,
		          redirect_after_auth, created_at, expires_at, consumed_at`,
		now, stateID,
	)

	var (
		s          domain.AuthorizationState
		consumedAt sql.NullTime
	)
	err := row.Scan(
		&s.StateID, &s.OwnerID, &s.CodeVerifier, &s.TargetDomain,
		&s.RedirectAfterAuth, &s.CreatedAt, &s.ExpiresAt, &consumedAt,
	)
	if err != nil {
		return domain.AuthorizationState{}, mapNotFound(err)
	}
	if consumedAt.Valid {
		t := consumedAt.Time
		s.ConsumedAt = &t
	}
	return s, nil
}

func (r *authorizationStatesRepo) DeleteExpiredAuthorizationStates(ctx context.Context, now time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM authorization_states WHERE expires_at <= ?`, now)
	return err
}
