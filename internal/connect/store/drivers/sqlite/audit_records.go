package sqlite

import (
	"context"
	"time"

	"github.com/repazoo/connect/internal/connect/domain"
)

type auditRecordsRepo struct {
	db dbtx
}

func (r *auditRecordsRepo) AppendAuditRecord(ctx context.Context, rec domain.AuditRecord) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO audit_records (
			id, owner_id, action, resource_type, resource_id, metadata, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.OwnerID, string(rec.Action), rec.ResourceType,
		rec.ResourceID, rec.Metadata, rec.CreatedAt,
	)
	return err
}

func (r *auditRecordsRepo) ListAuditRecordsByOwner(ctx context.Context, ownerID string, limit int) ([]domain.AuditRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, owner_id, action, resource_type, resource_id, metadata, created_at
		FROM audit_records
		WHERE owner_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, ownerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.AuditRecord
	for rows.Next() {
		var (
			rec    domain.AuditRecord
			action string
		)
		if err := rows.Scan(
			&rec.ID, &rec.OwnerID, &action, &rec.ResourceType,
			&rec.ResourceID, &rec.Metadata, &rec.CreatedAt,
		); err != nil {
			return nil, err
		}
		rec.Action = domain.AuditAction(action)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *auditRecordsRepo) DeleteAuditRecordsBefore(ctx context.Context, cutoff time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM audit_records WHERE created_at < ?`, cutoff)
	return err
}
