package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/edvin/cronmaster/internal/api/response"
	"github.com/edvin/cronmaster/internal/core"
	"github.com/edvin/cronmaster/internal/model"
)

type contextKey string

const userKey contextKey = "user"

// SessionToken extracts the session token from the cookie or the
// Authorization header.
func SessionToken(r *http.Request) string {
	if c, err := r.Cookie("session"); err == nil && c.Value != "" {
		return c.Value
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

// Auth resolves the session token to an active user and stores it on the
// request context. Requests without a valid session get 401.
func Auth(users *core.UserService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := SessionToken(r)
			if token == "" {
				response.WriteError(w, http.StatusUnauthorized, "missing session")
				return
			}
			user, err := users.UserByToken(r.Context(), token)
			if err != nil {
				response.WriteError(w, http.StatusUnauthorized, "invalid or expired session")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
		})
	}
}

// WithUser stores the authenticated user on the context.
func WithUser(ctx context.Context, user *model.User) context.Context {
	return context.WithValue(ctx, userKey, user)
}

// UserFrom returns the authenticated user set by Auth.
func UserFrom(ctx context.Context) *model.User {
	user, _ := ctx.Value(userKey).(*model.User)
	return user
}
