package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/repazoo/connect/internal/connect/domain"
	"github.com/repazoo/connect/internal/connect/service"
	"github.com/repazoo/connect/pkg/httpx"
	"github.com/repazoo/connect/pkg/slogx"
)

// CallbackHandler serves the provider redirect on GET /v1/oauth/callback and
// the dashboard-proxied form on POST. It is unauthenticated: the single-use
// state is what ties the callback to the owner who initiated it.
type CallbackHandler struct {
	Flow *service.FlowService
}

type callbackRequest struct {
	Code   string `json:"code"`
	State  string `json:"state"`
	Domain string `json:"domain"`
}

type callbackResponse struct {
	Success           bool                   `json:"success"`
	CredentialID      string                 `json:"credential_id"`
	ExternalAccount   domain.ExternalAccount `json:"external_account"`
	RedirectAfterAuth string                 `json:"redirect_after_auth,omitempty"`
}

func (h *CallbackHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req, err := parseCallbackRequest(r)
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	res, err := h.Flow.Complete(ctx, req.Code, req.State, req.Domain)
	switch {
	case errors.Is(err, service.ErrInvalidState):
		httpx.WriteError(w, http.StatusBadRequest, "invalid_state", "state is missing, expired, or already used")
		return
	case errors.Is(err, service.ErrExchangeFailed):
		httpx.WriteError(w, http.StatusBadGateway, "exchange_failed", "provider rejected the authorization code")
		return
	case errors.Is(err, service.ErrUnknownDomain):
		httpx.WriteError(w, http.StatusBadRequest, "unknown_domain", "no app registration for domain")
		return
	case err != nil:
		slogx.FromContext(ctx).Error("callback completion failed", "error", err)
		httpx.WriteError(w, http.StatusInternalServerError, "server_error", "could not complete authorization")
		return
	}

	httpx.WriteJSON(w, http.StatusOK, callbackResponse{
		Success:           true,
		CredentialID:      res.CredentialID,
		ExternalAccount:   res.Account,
		RedirectAfterAuth: res.RedirectAfterAuth,
	})
}

func parseCallbackRequest(r *http.Request) (callbackRequest, error) {
	var req callbackRequest

	switch r.Method {
	case http.MethodGet:
		q := r.URL.Query()
		req = callbackRequest{
			Code:   q.Get("code"),
			State:  q.Get("state"),
			Domain: q.Get("domain"),
		}
	case http.MethodPost:
		ct := r.Header.Get("Content-Type")
		if strings.HasPrefix(ct, "application/json") {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				return callbackRequest{}, errors.New("malformed json body")
			}
		} else {
			if err := r.ParseForm(); err != nil {
				return callbackRequest{}, errors.New("malformed form body")
			}
			req = callbackRequest{
				Code:   r.Form.Get("code"),
				State:  r.Form.Get("state"),
				Domain: r.Form.Get("domain"),
			}
		}
	}

	if req.Code == "" || req.State == "" || req.Domain == "" {
		return callbackRequest{}, errors.New("code, state, and domain are required")
	}
	return req, nil
}
