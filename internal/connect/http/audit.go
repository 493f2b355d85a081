package http

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/repazoo/connect/internal/connect/service"
	"github.com/repazoo/connect/pkg/httpx"
	"github.com/repazoo/connect/pkg/slogx"
)

// AuditHandler serves GET /v1/audit: the owner's trail, newest first.
// Metadata was redacted before it was ever persisted, so it is safe to
// return verbatim.
type AuditHandler struct {
	Audit *service.AuditService
}

type auditEntry struct {
	ID           string          `json:"id"`
	Action       string          `json:"action"`
	ResourceType string          `json:"resource_type"`
	ResourceID   string          `json:"resource_id"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

type auditResponse struct {
	Records []auditEntry `json:"records"`
}

func (h *AuditHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	ownerID := httpx.OwnerIDFromContext(ctx)
	if ownerID == "" {
		httpx.WriteError(w, http.StatusUnauthorized, "unauthorized", "session required")
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 200 {
			httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "limit must be 1-200")
			return
		}
		limit = n
	}

	records, err := h.Audit.ListByOwner(ctx, ownerID, limit)
	if err != nil {
		slogx.FromContext(ctx).Error("audit listing failed", "error", err)
		httpx.WriteError(w, http.StatusInternalServerError, "server_error", "could not list audit records")
		return
	}

	entries := make([]auditEntry, 0, len(records))
	for _, rec := range records {
		entry := auditEntry{
			ID:           rec.ID,
			Action:       string(rec.Action),
			ResourceType: rec.ResourceType,
			ResourceID:   rec.ResourceID,
			CreatedAt:    rec.CreatedAt,
		}
		if rec.Metadata != "" {
			entry.Metadata = json.RawMessage(rec.Metadata)
		}
		entries = append(entries, entry)
	}

	httpx.WriteJSON(w, http.StatusOK, auditResponse{Records: entries})
}
