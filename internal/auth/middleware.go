package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

type contextKey struct{}

// FromContext returns the principal attached by the middleware, or nil.
func FromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(contextKey{}).(*Principal)
	return p
}

// Credential extracts the bearer credential from a request. Both the
// Authorization header and the x-api-key header are accepted.
func Credential(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return strings.TrimSpace(r.Header.Get("x-api-key"))
}

// Middleware authenticates requests for the given surface and rejects
// unresolved credentials. 401 covers unknown credentials; 403 covers known
// keys that are disabled, expired, or not permitted on the surface.
func (a *Authenticator) Middleware(surface Surface) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, err := a.Resolve(r.Context(), Credential(r), surface)
			if err != nil {
				status := StatusFor(err)
				http.Error(w, err.Error(), status)
				return
			}
			ctx := context.WithValue(r.Context(), contextKey{}, principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAdmin gates a route on the admin role. Must run after Middleware.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := FromContext(r.Context())
		if p == nil || (!p.Admin && p.User.Role != "admin") {
			http.Error(w, "admin access required", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// StatusFor maps resolution errors to HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, ErrInvalidKey):
		return http.StatusUnauthorized
	case errors.Is(err, ErrKeyExpired), errors.Is(err, ErrKeyDisabled),
		errors.Is(err, ErrUserDisabled), errors.Is(err, ErrWebLoginOnly):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}
