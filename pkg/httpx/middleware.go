package httpx

import (
	"context"
	"net/http"
)

// Middleware wraps an http.Handler with additional behaviour.
type Middleware func(http.Handler) http.Handler

// Chain applies middlewares to h in declaration order: the first middleware
// listed is the outermost.
func Chain(h http.Handler, middlewares ...Middleware) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

type ctxKey int

const (
	ctxKeyOwnerID ctxKey = iota
)

// ContextWithOwnerID attaches the authenticated owner to the request context.
func ContextWithOwnerID(ctx context.Context, ownerID string) context.Context {
	return context.WithValue(ctx, ctxKeyOwnerID, ownerID)
}

// OwnerIDFromContext returns the authenticated owner, or "" when the request
// is unauthenticated.
func OwnerIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyOwnerID).(string)
	return id
}
