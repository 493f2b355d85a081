package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/repazoo/connect/internal/connect/ratelimit"
	"github.com/repazoo/connect/internal/connect/service"
	"github.com/repazoo/connect/internal/connect/store"
	"github.com/repazoo/connect/pkg/httpx"
	"github.com/repazoo/connect/pkg/idx"
	"github.com/repazoo/connect/pkg/slogx"
)

// credentialIDFromPath validates the {credential_id} path segment as a ULID
// before it reaches the store. A malformed ID can never match a record, so
// rejecting it early keeps garbage out of the query path. Writes the error
// response itself and reports ok=false when validation fails.
func credentialIDFromPath(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, err := idx.Parse(r.PathValue("credential_id"))
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "malformed credential_id")
		return "", false
	}
	return id.String(), true
}

// AccountsHandler serves the guarded provider operations under
// /v1/accounts/{credential_id}/... Every call runs the full gate sequence
// (consent, rate limit, sanitization for AI) inside GuardService.
type AccountsHandler struct {
	Guard *service.GuardService
}

type textRequest struct {
	Text string `json:"text"`
}

type mentionsResponse struct {
	Mentions any `json:"mentions"`
}

type analysisResponse struct {
	Text         string `json:"text"`
	Model        string `json:"model"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
}

func (h *AccountsHandler) Lookup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ownerID := httpx.OwnerIDFromContext(ctx)
	credentialID, ok := credentialIDFromPath(w, r)
	if !ok {
		return
	}

	account, err := h.Guard.LookupAccount(ctx, ownerID, credentialID)
	if err != nil {
		writeGuardError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, account)
}

func (h *AccountsHandler) Mentions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ownerID := httpx.OwnerIDFromContext(ctx)
	credentialID, ok := credentialIDFromPath(w, r)
	if !ok {
		return
	}

	maxResults := 25
	if raw := r.URL.Query().Get("max_results"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 100 {
			httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "max_results must be 1-100")
			return
		}
		maxResults = n
	}

	tweets, err := h.Guard.FetchMentions(ctx, ownerID, credentialID, maxResults)
	if err != nil {
		writeGuardError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, mentionsResponse{Mentions: tweets})
}

func (h *AccountsHandler) PostTweet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ownerID := httpx.OwnerIDFromContext(ctx)
	credentialID, ok := credentialIDFromPath(w, r)
	if !ok {
		return
	}

	req, err := decodeTextRequest(r)
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	tweet, err := h.Guard.PostTweet(ctx, ownerID, credentialID, req.Text)
	if err != nil {
		writeGuardError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, tweet)
}

func (h *AccountsHandler) Analyze(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ownerID := httpx.OwnerIDFromContext(ctx)
	credentialID, ok := credentialIDFromPath(w, r)
	if !ok {
		return
	}

	req, err := decodeTextRequest(r)
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	analysis, err := h.Guard.AnalyzeText(ctx, ownerID, credentialID, req.Text)
	if err != nil {
		writeGuardError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, analysisResponse{
		Text:         analysis.Text,
		Model:        analysis.Model,
		InputTokens:  analysis.InputTokens,
		OutputTokens: analysis.OutputTokens,
	})
}

func decodeTextRequest(r *http.Request) (textRequest, error) {
	var req textRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return textRequest{}, errors.New("malformed json body")
	}
	if req.Text == "" {
		return textRequest{}, errors.New("text is required")
	}
	return req, nil
}

// writeGuardError maps GuardService failures onto the REST surface without
// leaking provider response bodies.
func writeGuardError(w http.ResponseWriter, r *http.Request, err error) {
	var denied *service.DeniedError
	var throttled *ratelimit.ThrottledError

	switch {
	case errors.Is(err, store.ErrNotFound):
		httpx.WriteError(w, http.StatusNotFound, "not_found", "credential not found")
	case errors.As(err, &denied):
		httpx.WriteError(w, http.StatusForbidden, "consent_denied", denied.Reason)
	case errors.As(err, &throttled):
		w.Header().Set("Retry-After", fmt.Sprintf("%d", int(throttled.RetryAfter.Seconds())))
		httpx.WriteError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
	case errors.Is(err, service.ErrSanitizationBlocked):
		httpx.WriteError(w, http.StatusUnprocessableEntity, "sanitization_blocked", "text could not be fully redacted")
	case errors.Is(err, service.ErrRefreshFailed):
		httpx.WriteError(w, http.StatusConflict, "reconnect_required", "credential can no longer be refreshed")
	default:
		slogx.FromContext(r.Context()).Error("guarded call failed", "error", err)
		httpx.WriteError(w, http.StatusBadGateway, "provider_error", "provider call failed")
	}
}
