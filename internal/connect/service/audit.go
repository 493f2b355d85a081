package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/repazoo/connect/internal/connect/domain"
	"github.com/repazoo/connect/internal/connect/store"
	"github.com/repazoo/connect/pkg/idx"
	"github.com/repazoo/connect/pkg/redact"
	"github.com/repazoo/connect/pkg/slogx"
)

// AuditService writes the append-only compliance trail. Every metadata map
// passes through the redactor before it is serialized, so a trail entry can
// never leak what its own system is built to contain.
type AuditService struct {
	Store store.Store

	// Now is exposed for tests; nil means time.Now.
	Now func() time.Time
}

func (s *AuditService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

// Record persists one trail entry. Failures are returned so callers on
// critical paths can decide; most call RecordBestEffort instead.
func (s *AuditService) Record(ctx context.Context, ownerID, resourceType, resourceID string, meta domain.AuditMetadata) error {
	attrs := redact.Map(meta.Attrs())

	payload, err := json.Marshal(attrs)
	if err != nil {
		return fmt.Errorf("marshal audit metadata: %w", err)
	}

	return s.Store.AuditRecords().AppendAuditRecord(ctx, domain.AuditRecord{
		ID:           idx.New().String(),
		OwnerID:      ownerID,
		Action:       meta.Action(),
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Metadata:     string(payload),
		CreatedAt:    s.now(),
	})
}

// RecordBestEffort logs and swallows append failures. Used where the guarded
// operation itself must not fail because the trail write did.
func (s *AuditService) RecordBestEffort(ctx context.Context, ownerID, resourceType, resourceID string, meta domain.AuditMetadata) {
	if err := s.Record(ctx, ownerID, resourceType, resourceID, meta); err != nil {
		slogx.FromContext(ctx).Error("audit record append failed",
			"action", string(meta.Action()), "error", err)
	}
}

// ListByOwner returns the owner's trail, newest first.
func (s *AuditService) ListByOwner(ctx context.Context, ownerID string, limit int) ([]domain.AuditRecord, error) {
	return s.Store.AuditRecords().ListAuditRecordsByOwner(ctx, ownerID, limit)
}
