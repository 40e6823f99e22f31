package middleware

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

const ownerContextKey contextKey = "owner"

// ownerHeader carries the authenticated user identity. The API gateway in
// front of this service validates the session and forwards the user id here.
const ownerHeader = "X-Owner-ID"

// OwnerFromRequest returns the forwarded owner id, empty for anonymous
// submissions.
func OwnerFromRequest(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(ownerHeader))
}

// RequireOwner is middleware that rejects requests without a forwarded owner
// identity.
func RequireOwner() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			owner := OwnerFromRequest(r)
			if owner == "" {
				http.Error(w, `{"error": "unauthorized"}`, http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), ownerContextKey, owner)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetOwnerFromContext retrieves the owner id from the request context.
func GetOwnerFromContext(ctx context.Context) string {
	owner, ok := ctx.Value(ownerContextKey).(string)
	if !ok {
		return ""
	}
	return owner
}

// SetOwnerInContext adds an owner id to the context.
// This is primarily for testing - use RequireOwner middleware in production.
func SetOwnerInContext(ctx context.Context, owner string) context.Context {
	return context.WithValue(ctx, ownerContextKey, owner)
}
