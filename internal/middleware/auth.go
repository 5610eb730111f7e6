package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/otcheredev/spax/internal/models"
	"github.com/otcheredev/spax/internal/spaxerr"
)

type contextKey string

const userContextKey contextKey = "spax-user"

// RequireAuth validates a bearer JWT on admin routes and stores the parsed
// models.UserContext for handlers to read, using the JWTClaims shape the
// teacher's models package already carried but never wired to a handler.
func RequireAuth(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				WriteError(w, spaxerr.New(spaxerr.KindSecurity, "missing bearer token"))
				return
			}

			claims := &models.JWTClaims{}
			parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
				return []byte(secret), nil
			})
			if err != nil || !parsed.Valid {
				WriteError(w, spaxerr.New(spaxerr.KindSecurity, "invalid or expired token"))
				return
			}

			user := models.UserContext{
				UserID:      claims.UserID,
				TenantCode:  claims.TenantCode,
				Role:        claims.Role,
				Permissions: claims.Permissions,
			}
			ctx := context.WithValue(r.Context(), userContextKey, user)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// UserFromContext returns the authenticated identity stored by RequireAuth.
func UserFromContext(ctx context.Context) (models.UserContext, bool) {
	u, ok := ctx.Value(userContextKey).(models.UserContext)
	return u, ok
}

// RequireRole rejects any request whose authenticated user's role is not in
// allowed, for admin endpoints scoped to operator-only actions.
func RequireRole(allowed ...string) func(http.Handler) http.Handler {
	allowedSet := make(map[string]bool, len(allowed))
	for _, r := range allowed {
		allowedSet[r] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, ok := UserFromContext(r.Context())
			if !ok || !allowedSet[user.Role] {
				WriteError(w, spaxerr.New(spaxerr.KindSecurity, "insufficient role"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
