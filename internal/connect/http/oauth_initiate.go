package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/repazoo/connect/internal/connect/service"
	"github.com/repazoo/connect/pkg/httpx"
	"github.com/repazoo/connect/pkg/slogx"
)

// InitiateHandler serves GET /v1/oauth/initiate. It mints the PKCE handshake
// and hands the dashboard the provider authorization URL to redirect to.
type InitiateHandler struct {
	Flow *service.FlowService
}

type initiateResponse struct {
	AuthorizationURL string    `json:"authorization_url"`
	State            string    `json:"state"`
	ExpiresAt        time.Time `json:"expires_at"`
}

func (h *InitiateHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	ownerID := httpx.OwnerIDFromContext(ctx)
	if ownerID == "" {
		httpx.WriteError(w, http.StatusUnauthorized, "unauthorized", "session required")
		return
	}

	targetDomain := r.URL.Query().Get("domain")
	if targetDomain == "" {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "domain is required")
		return
	}
	redirectAfterAuth := r.URL.Query().Get("redirect_after_auth")

	res, err := h.Flow.Initiate(ctx, ownerID, targetDomain, redirectAfterAuth)
	if err != nil {
		if errors.Is(err, service.ErrUnknownDomain) {
			httpx.WriteError(w, http.StatusBadRequest, "unknown_domain", "no app registration for domain")
			return
		}
		slogx.FromContext(ctx).Error("initiate failed", "error", err)
		httpx.WriteError(w, http.StatusInternalServerError, "server_error", "could not start authorization")
		return
	}

	httpx.WriteJSON(w, http.StatusOK, initiateResponse{
		AuthorizationURL: res.AuthorizationURL,
		State:            res.StateID,
		ExpiresAt:        res.ExpiresAt,
	})
}
