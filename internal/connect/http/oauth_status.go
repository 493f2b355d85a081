package http

import (
	"net/http"
	"time"

	"github.com/repazoo/connect/internal/connect/store"
	"github.com/repazoo/connect/pkg/httpx"
	"github.com/repazoo/connect/pkg/slogx"
)

// StatusHandler serves GET /v1/oauth/status: the owner's connected accounts
// and their token lifecycle state. Token values never appear here, only
// expiry metadata.
type StatusHandler struct {
	Store store.Store
}

type connectedAccount struct {
	CredentialID   string    `json:"credential_id"`
	ExternalID     string    `json:"external_account_id"`
	Handle         string    `json:"external_handle"`
	TargetDomain   string    `json:"target_domain"`
	Scopes         []string  `json:"scopes"`
	TokenExpiresAt time.Time `json:"token_expires_at"`
	ConnectedAt    time.Time `json:"connected_at"`
	Active         bool      `json:"active"`
}

type statusResponse struct {
	Authenticated     bool               `json:"authenticated"`
	ConnectedAccounts []connectedAccount `json:"connected_accounts"`
}

func (h *StatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	ownerID := httpx.OwnerIDFromContext(ctx)
	if ownerID == "" {
		httpx.WriteError(w, http.StatusUnauthorized, "unauthorized", "session required")
		return
	}

	creds, err := h.Store.Credentials().ListCredentialsByOwner(ctx, ownerID)
	if err != nil {
		slogx.FromContext(ctx).Error("status listing failed", "error", err)
		httpx.WriteError(w, http.StatusInternalServerError, "server_error", "could not list accounts")
		return
	}

	accounts := make([]connectedAccount, 0, len(creds))
	for _, c := range creds {
		if c.Revoked {
			continue
		}
		accounts = append(accounts, connectedAccount{
			CredentialID:   c.ID,
			ExternalID:     c.ExternalAccountID,
			Handle:         c.ExternalHandle,
			TargetDomain:   c.TargetDomain,
			Scopes:         c.Scopes,
			TokenExpiresAt: c.ExpiresAt,
			ConnectedAt:    c.CreatedAt,
			Active:         c.IsActive,
		})
	}

	httpx.WriteJSON(w, http.StatusOK, statusResponse{
		Authenticated:     true,
		ConnectedAccounts: accounts,
	})
}
