package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/repazoo/connect/internal/connect/domain"
	"github.com/repazoo/connect/internal/connect/platform"
	"github.com/repazoo/connect/internal/connect/service"
	"github.com/repazoo/connect/internal/connect/store"
	"github.com/repazoo/connect/internal/connect/store/drivers/sqlite"
	"github.com/repazoo/connect/pkg/cryptox"
)

const testDomain = "dash.example.com"

var sessionKey = []byte("test-session-signing-key")

// fakePlatform is just enough of a platform client for handler tests.
type fakePlatform struct {
	exchangeErr error
	mentions    []platform.Tweet
}

func (f *fakePlatform) AuthorizationURL(state, challenge string) string {
	return "https://provider.example.com/authorize?state=" + state + "&code_challenge=" + challenge
}

func (f *fakePlatform) Exchange(context.Context, string, string) (platform.TokenSet, error) {
	if f.exchangeErr != nil {
		return platform.TokenSet{}, f.exchangeErr
	}
	return platform.TokenSet{
		AccessToken:  "plain-access",
		RefreshToken: "plain-refresh",
		ExpiresAt:    time.Now().UTC().Add(2 * time.Hour),
		Scopes:       []string{"tweet.read", "users.read", "offline.access"},
	}, nil
}

func (f *fakePlatform) Refresh(context.Context, string) (platform.TokenSet, error) {
	return platform.TokenSet{}, nil
}

func (f *fakePlatform) Revoke(context.Context, string) error { return nil }

func (f *fakePlatform) FetchMe(context.Context, string) (domain.ExternalAccount, platform.RateInfo, error) {
	return domain.ExternalAccount{ID: "acct-1", Handle: "repazoo", DisplayName: "Repa Zoo"}, platform.RateInfo{}, nil
}

func (f *fakePlatform) FetchMentions(context.Context, string, string, int) ([]platform.Tweet, platform.RateInfo, error) {
	return f.mentions, platform.RateInfo{}, nil
}

func (f *fakePlatform) PostTweet(context.Context, string, string) (platform.Tweet, platform.RateInfo, error) {
	return platform.Tweet{}, platform.RateInfo{}, nil
}

func newTestRouter(t *testing.T, fake *fakePlatform) (*Router, store.Store) {
	t.Helper()

	st, err := sqlite.NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.ApplyMigrations())

	cipher, err := cryptox.NewCipher([]byte("test-master-secret-for-handlers"))
	require.NoError(t, err)

	audit := &service.AuditService{Store: st}
	r := NewRouter("test", sessionKey, st, slog.Default())
	r.FlowService = &service.FlowService{
		Store:     st,
		Platforms: platform.Registry{testDomain: fake},
		Cipher:    cipher,
		Audit:     audit,
	}
	r.Audit = audit
	r.ApplyRoutes()
	return r, st
}

func sessionToken(t *testing.T, ownerID string) string {
	t.Helper()

	claims := jwt.RegisteredClaims{
		Subject:   ownerID,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(sessionKey)
	require.NoError(t, err)
	return token
}

func doRequest(r *Router, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func authed(req *http.Request, token string) *http.Request {
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func TestInitiateEndpoint(t *testing.T) {
	t.Run("RequiresSession", func(t *testing.T) {
		r, _ := newTestRouter(t, &fakePlatform{})

		req := httptest.NewRequest(http.MethodGet, "/v1/oauth/initiate?domain="+testDomain, nil)
		rec := doRequest(r, req)
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("ReturnsAuthorizationURL", func(t *testing.T) {
		r, _ := newTestRouter(t, &fakePlatform{})
		token := sessionToken(t, "owner-1")

		req := authed(httptest.NewRequest(http.MethodGet,
			"/v1/oauth/initiate?domain="+testDomain+"&redirect_after_auth=/settings", nil), token)
		rec := doRequest(r, req)
		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

		var body initiateResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		require.NotEmpty(t, body.State)
		require.Contains(t, body.AuthorizationURL, body.State)
		require.True(t, body.ExpiresAt.After(time.Now()))
	})

	t.Run("UnknownDomain", func(t *testing.T) {
		r, _ := newTestRouter(t, &fakePlatform{})
		token := sessionToken(t, "owner-1")

		req := authed(httptest.NewRequest(http.MethodGet, "/v1/oauth/initiate?domain=nope.example.com", nil), token)
		rec := doRequest(r, req)
		require.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("MissingDomain", func(t *testing.T) {
		r, _ := newTestRouter(t, &fakePlatform{})
		token := sessionToken(t, "owner-1")

		req := authed(httptest.NewRequest(http.MethodGet, "/v1/oauth/initiate", nil), token)
		rec := doRequest(r, req)
		require.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestCallbackEndpoint(t *testing.T) {
	initiate := func(t *testing.T, r *Router) string {
		t.Helper()
		token := sessionToken(t, "owner-1")
		req := authed(httptest.NewRequest(http.MethodGet, "/v1/oauth/initiate?domain="+testDomain, nil), token)
		rec := doRequest(r, req)
		require.Equal(t, http.StatusOK, rec.Code)

		var body initiateResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		return body.State
	}

	t.Run("GetHappyPath", func(t *testing.T) {
		r, st := newTestRouter(t, &fakePlatform{})
		state := initiate(t, r)

		req := httptest.NewRequest(http.MethodGet,
			"/v1/oauth/callback?code=auth-code&state="+state+"&domain="+testDomain, nil)
		rec := doRequest(r, req)
		require.Equal(t, http.StatusOK, rec.Code)

		var body callbackResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		require.True(t, body.Success)
		require.Equal(t, "repazoo", body.ExternalAccount.Handle)

		cred, err := st.Credentials().GetCredentialByID(context.Background(), body.CredentialID)
		require.NoError(t, err)
		require.Equal(t, "owner-1", cred.OwnerID)
	})

	t.Run("PostJSON", func(t *testing.T) {
		r, _ := newTestRouter(t, &fakePlatform{})
		state := initiate(t, r)

		payload := `{"code":"auth-code","state":"` + state + `","domain":"` + testDomain + `"}`
		req := httptest.NewRequest(http.MethodPost, "/v1/oauth/callback", strings.NewReader(payload))
		req.Header.Set("Content-Type", "application/json")
		rec := doRequest(r, req)
		require.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("ReplayRejected", func(t *testing.T) {
		r, _ := newTestRouter(t, &fakePlatform{})
		state := initiate(t, r)

		url := "/v1/oauth/callback?code=auth-code&state=" + state + "&domain=" + testDomain
		rec := doRequest(r, httptest.NewRequest(http.MethodGet, url, nil))
		require.Equal(t, http.StatusOK, rec.Code)

		rec = doRequest(r, httptest.NewRequest(http.MethodGet, url, nil))
		require.Equal(t, http.StatusBadRequest, rec.Code)
		require.Contains(t, rec.Body.String(), "invalid_state")
	})

	t.Run("ExchangeFailure", func(t *testing.T) {
		r, _ := newTestRouter(t, &fakePlatform{exchangeErr: &platform.APIError{StatusCode: 400}})
		state := initiate(t, r)

		req := httptest.NewRequest(http.MethodGet,
			"/v1/oauth/callback?code=bad-code&state="+state+"&domain="+testDomain, nil)
		rec := doRequest(r, req)
		require.Equal(t, http.StatusBadGateway, rec.Code)
	})

	t.Run("MissingParams", func(t *testing.T) {
		r, _ := newTestRouter(t, &fakePlatform{})

		rec := doRequest(r, httptest.NewRequest(http.MethodGet, "/v1/oauth/callback?code=x", nil))
		require.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestStatusEndpoint(t *testing.T) {
	r, _ := newTestRouter(t, &fakePlatform{})
	token := sessionToken(t, "owner-1")

	// No accounts yet.
	rec := doRequest(r, authed(httptest.NewRequest(http.MethodGet, "/v1/oauth/status", nil), token))
	require.Equal(t, http.StatusOK, rec.Code)

	var body statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.True(t, body.Authenticated)
	require.Empty(t, body.ConnectedAccounts)

	// Connect one and check it shows up without leaking token material.
	state := func() string {
		req := authed(httptest.NewRequest(http.MethodGet, "/v1/oauth/initiate?domain="+testDomain, nil), token)
		rec := doRequest(r, req)
		var init initiateResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &init))
		return init.State
	}()
	rec = doRequest(r, httptest.NewRequest(http.MethodGet,
		"/v1/oauth/callback?code=auth-code&state="+state+"&domain="+testDomain, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(r, authed(httptest.NewRequest(http.MethodGet, "/v1/oauth/status", nil), token))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.ConnectedAccounts, 1)
	require.Equal(t, "repazoo", body.ConnectedAccounts[0].Handle)
	require.True(t, body.ConnectedAccounts[0].Active)
	require.NotContains(t, rec.Body.String(), "plain-access")
	require.NotContains(t, rec.Body.String(), "token_ct")

	// Other owners see nothing.
	other := sessionToken(t, "owner-2")
	rec = doRequest(r, authed(httptest.NewRequest(http.MethodGet, "/v1/oauth/status", nil), other))
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Empty(t, body.ConnectedAccounts)
}

func TestRevokeEndpoint(t *testing.T) {
	r, st := newTestRouter(t, &fakePlatform{})
	token := sessionToken(t, "owner-1")

	state := func() string {
		req := authed(httptest.NewRequest(http.MethodGet, "/v1/oauth/initiate?domain="+testDomain, nil), token)
		rec := doRequest(r, req)
		var init initiateResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &init))
		return init.State
	}()
	rec := doRequest(r, httptest.NewRequest(http.MethodGet,
		"/v1/oauth/callback?code=auth-code&state="+state+"&domain="+testDomain, nil))
	var cb callbackResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cb))

	t.Run("ForeignCredentialIs404", func(t *testing.T) {
		other := sessionToken(t, "owner-2")
		req := authed(httptest.NewRequest(http.MethodPost, "/v1/oauth/revoke",
			strings.NewReader(`{"credential_id":"`+cb.CredentialID+`"}`)), other)
		rec := doRequest(r, req)
		require.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("OwnerRevokes", func(t *testing.T) {
		req := authed(httptest.NewRequest(http.MethodPost, "/v1/oauth/revoke",
			strings.NewReader(`{"credential_id":"`+cb.CredentialID+`"}`)), token)
		rec := doRequest(r, req)
		require.Equal(t, http.StatusOK, rec.Code)

		cred, err := st.Credentials().GetCredentialByID(context.Background(), cb.CredentialID)
		require.NoError(t, err)
		require.True(t, cred.Revoked)
	})

	t.Run("MissingBody", func(t *testing.T) {
		req := authed(httptest.NewRequest(http.MethodPost, "/v1/oauth/revoke", strings.NewReader(`{}`)), token)
		rec := doRequest(r, req)
		require.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("MalformedCredentialID", func(t *testing.T) {
		req := authed(httptest.NewRequest(http.MethodPost, "/v1/oauth/revoke",
			strings.NewReader(`{"credential_id":"not-a-ulid"}`)), token)
		rec := doRequest(r, req)
		require.Equal(t, http.StatusBadRequest, rec.Code)
		require.Contains(t, rec.Body.String(), "malformed credential_id")
	})
}

func TestAuditEndpoint(t *testing.T) {
	r, _ := newTestRouter(t, &fakePlatform{})
	token := sessionToken(t, "owner-1")

	t.Run("RequiresSession", func(t *testing.T) {
		rec := doRequest(r, httptest.NewRequest(http.MethodGet, "/v1/audit", nil))
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("ListsOwnTrailNewestFirst", func(t *testing.T) {
		state := func() string {
			req := authed(httptest.NewRequest(http.MethodGet, "/v1/oauth/initiate?domain="+testDomain, nil), token)
			rec := doRequest(r, req)
			var init initiateResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &init))
			return init.State
		}()
		rec := doRequest(r, httptest.NewRequest(http.MethodGet,
			"/v1/oauth/callback?code=auth-code&state="+state+"&domain="+testDomain, nil))
		require.Equal(t, http.StatusOK, rec.Code)

		rec = doRequest(r, authed(httptest.NewRequest(http.MethodGet, "/v1/audit", nil), token))
		require.Equal(t, http.StatusOK, rec.Code)

		var body auditResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		require.NotEmpty(t, body.Records)
		require.Equal(t, "CONNECT", body.Records[0].Action)
		require.NotContains(t, rec.Body.String(), "plain-access")
	})

	t.Run("OwnerIsolation", func(t *testing.T) {
		other := sessionToken(t, "owner-2")
		rec := doRequest(r, authed(httptest.NewRequest(http.MethodGet, "/v1/audit", nil), other))
		require.Equal(t, http.StatusOK, rec.Code)

		var body auditResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		require.Empty(t, body.Records)
	})

	t.Run("BadLimitRejected", func(t *testing.T) {
		rec := doRequest(r, authed(httptest.NewRequest(http.MethodGet, "/v1/audit?limit=0", nil), token))
		require.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestHealthEndpoints(t *testing.T) {
	r, _ := newTestRouter(t, &fakePlatform{})

	rec := doRequest(r, httptest.NewRequest(http.MethodGet, "/livez", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"status":"ok"`)

	rec = doRequest(r, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"database":"ok"`)
}
