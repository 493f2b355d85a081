package httpx

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

var signingKey = []byte("test-signing-key")

func mintToken(t *testing.T, key []byte, claims jwt.RegisteredClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	require.NoError(t, err)
	return token
}

func TestAuthnMiddleware(t *testing.T) {
	var gotOwner string
	handler := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotOwner = OwnerIDFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}), AuthnMiddleware(signingKey))

	do := func(authz string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if authz != "" {
			req.Header.Set("Authorization", authz)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	t.Run("ValidToken", func(t *testing.T) {
		token := mintToken(t, signingKey, jwt.RegisteredClaims{
			Subject:   "owner-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		})
		rec := do("Bearer " + token)
		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, "owner-1", gotOwner)
	})

	t.Run("MissingHeader", func(t *testing.T) {
		rec := do("")
		require.Equal(t, http.StatusUnauthorized, rec.Code)
		require.Contains(t, rec.Header().Get("WWW-Authenticate"), "invalid_token")
	})

	t.Run("WrongKey", func(t *testing.T) {
		token := mintToken(t, []byte("another-key"), jwt.RegisteredClaims{
			Subject:   "owner-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		})
		rec := do("Bearer " + token)
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("ExpiredToken", func(t *testing.T) {
		token := mintToken(t, signingKey, jwt.RegisteredClaims{
			Subject:   "owner-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		})
		rec := do("Bearer " + token)
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("NoExpiryRejected", func(t *testing.T) {
		token := mintToken(t, signingKey, jwt.RegisteredClaims{Subject: "owner-1"})
		rec := do("Bearer " + token)
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("MissingSubject", func(t *testing.T) {
		token := mintToken(t, signingKey, jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		})
		rec := do("Bearer " + token)
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestRateLimitByIP(t *testing.T) {
	handler := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}), RateLimitByIP(RateLimitConfig{RequestsPerWindow: 3, Window: time.Minute, Burst: 3}))

	do := func(remoteAddr string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = remoteAddr
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusOK, do("10.0.0.1:1234").Code)
	}

	rec := do("10.0.0.1:1234")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.NotEmpty(t, rec.Header().Get("Retry-After"))

	// A different client is unaffected.
	require.Equal(t, http.StatusOK, do("10.0.0.2:1234").Code)
}
