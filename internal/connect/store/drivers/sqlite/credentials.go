package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/repazoo/connect/internal/connect/domain"
)

type credentialsRepo struct {
	db dbtx
}

const credentialColumns = `
	id, owner_id, external_account_id, external_handle, target_domain,
	access_token_ct, refresh_token_ct, scopes, expires_at,
	consent_granted_at, revoked, is_active, created_at, updated_at`

func (r *credentialsRepo) UpsertCredential(ctx context.Context, c domain.Credential) (string, error) {
	// Re-connecting an account renews consent and reactivates the row;
	// the stable (owner, external account) pair keeps the original id.
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO credentials (
			id, owner_id, external_account_id, external_handle, target_domain,
			access_token_ct, refresh_token_ct, scopes, expires_at,
			consent_granted_at, revoked, is_active, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (owner_id, external_account_id) DO UPDATE SET
			external_handle = excluded.external_handle,
			target_domain = excluded.target_domain,
			access_token_ct = excluded.access_token_ct,
			refresh_token_ct = excluded.refresh_token_ct,
			scopes = excluded.scopes,
			expires_at = excluded.expires_at,
			consent_granted_at = excluded.consent_granted_at,
			revoked = FALSE,
			is_active = TRUE,
			updated_at = excluded.updated_at
		RETURNING id`,
		c.ID, c.OwnerID, c.ExternalAccountID, c.ExternalHandle, c.TargetDomain,
		c.AccessTokenCT, c.RefreshTokenCT, joinScopes(c.Scopes), c.ExpiresAt,
		c.ConsentGrantedAt, c.Revoked, c.IsActive, c.CreatedAt, c.UpdatedAt,
	)

	var id string
	if err := row.Scan(&id); err != nil {
		return "", err
	}
	return id, nil
}

func (r *credentialsRepo) GetCredentialByID(ctx context.Context, id string) (domain.Credential, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+credentialColumns+` FROM credentials WHERE id = ?`, id)
	return scanCredential(row)
}

func (r *credentialsRepo) ListCredentialsByOwner(ctx context.Context, ownerID string) ([]domain.Credential, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+credentialColumns+` FROM credentials
		 WHERE owner_id = ? ORDER BY created_at DESC`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectCredentials(rows)
}

func (r *credentialsRepo) UpdateCredentialTokens(ctx context.Context, id, accessCT, refreshCT string, expiresAt time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE credentials
		SET access_token_ct = ?, refresh_token_ct = ?, expires_at = ?, updated_at = ?
		WHERE id = ?`,
		accessCT, refreshCT, expiresAt, time.Now().UTC(), id)
	return requireRow(res, err)
}

func (r *credentialsRepo) RevokeCredential(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE credentials
		SET revoked = TRUE, is_active = FALSE, updated_at = ?
		WHERE id = ?`,
		time.Now().UTC(), id)
	return requireRow(res, err)
}

func (r *credentialsRepo) DeactivateCredential(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE credentials
		SET is_active = FALSE, updated_at = ?
		WHERE id = ?`,
		time.Now().UTC(), id)
	return requireRow(res, err)
}

func (r *credentialsRepo) ListCredentialsExpiringBefore(ctx context.Context, cutoff time.Time) ([]domain.Credential, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+credentialColumns+` FROM credentials
		 WHERE expires_at < ? AND revoked = FALSE AND is_active = TRUE
		 ORDER BY expires_at ASC`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectCredentials(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCredential(row rowScanner) (domain.Credential, error) {
	var (
		c      domain.Credential
		scopes string
	)
	err := row.Scan(
		&c.ID, &c.OwnerID, &c.ExternalAccountID, &c.ExternalHandle, &c.TargetDomain,
		&c.AccessTokenCT, &c.RefreshTokenCT, &scopes, &c.ExpiresAt,
		&c.ConsentGrantedAt, &c.Revoked, &c.IsActive, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return domain.Credential{}, mapNotFound(err)
	}
	c.Scopes = splitScopes(scopes)
	return c, nil
}

func collectCredentials(rows *sql.Rows) ([]domain.Credential, error) {
	var out []domain.Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// requireRow maps a zero-row UPDATE onto ErrNotFound.
func requireRow(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return mapNotFound(sql.ErrNoRows)
	}
	return nil
}
