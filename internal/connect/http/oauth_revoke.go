package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/repazoo/connect/internal/connect/service"
	"github.com/repazoo/connect/internal/connect/store"
	"github.com/repazoo/connect/pkg/httpx"
	"github.com/repazoo/connect/pkg/idx"
	"github.com/repazoo/connect/pkg/slogx"
)

// RevokeHandler serves POST /v1/oauth/revoke: the owner disconnects one of
// their accounts. Local revocation succeeds even when the provider-side
// revoke call does not.
type RevokeHandler struct {
	Flow *service.FlowService
}

type revokeRequest struct {
	CredentialID string `json:"credential_id"`
}

func (h *RevokeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	ownerID := httpx.OwnerIDFromContext(ctx)
	if ownerID == "" {
		httpx.WriteError(w, http.StatusUnauthorized, "unauthorized", "session required")
		return
	}

	var req revokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.CredentialID == "" {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "credential_id is required")
		return
	}
	credentialID, err := idx.Parse(req.CredentialID)
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "malformed credential_id")
		return
	}

	if err := h.Flow.Revoke(ctx, ownerID, credentialID.String()); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httpx.WriteError(w, http.StatusNotFound, "not_found", "no such credential")
			return
		}
		slogx.FromContext(ctx).Error("revoke failed", "error", err)
		httpx.WriteError(w, http.StatusInternalServerError, "server_error", "could not revoke credential")
		return
	}

	httpx.WriteJSON(w, http.StatusOK, map[string]bool{"success": true})
}
