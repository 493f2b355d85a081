package httpx

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/repazoo/connect/pkg/slogx"
)

// SessionClaims are the claims carried by dashboard session tokens. The
// dashboard is an external collaborator; we only consume its tokens to learn
// which owner a request acts for.
type SessionClaims struct {
	jwt.RegisteredClaims
}

// AuthnMiddleware verifies the dashboard session JWT (HS256, shared key) and
// injects the owner ID into the request context. Requests without a valid
// bearer token are rejected with an RFC 6750 error.
func AuthnMiddleware(signingKey []byte) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			log := slogx.FromContext(r.Context())

			authz := r.Header.Get("Authorization")
			if authz == "" || !strings.HasPrefix(authz, "Bearer ") {
				writeBearerError(w, "missing bearer token")
				return
			}
			raw := strings.TrimSpace(strings.TrimPrefix(authz, "Bearer"))

			claims := &SessionClaims{}
			_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrSignatureInvalid
				}
				return signingKey, nil
			}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithExpirationRequired())
			if err != nil {
				log.Warn("session token verification failed", "error", err)
				writeBearerError(w, "token verification failed")
				return
			}

			if claims.Subject == "" {
				writeBearerError(w, "token missing subject")
				return
			}

			ctx := ContextWithOwnerID(r.Context(), claims.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RFC 6750-compliant error response for bearer auth.
func writeBearerError(w http.ResponseWriter, desc string) {
	w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token", error_description="`+desc+`"`)
	w.WriteHeader(http.StatusUnauthorized)
}
