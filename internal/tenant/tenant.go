// Package tenant resolves the tenant identifier carried by an inbound
// request — either a URL path segment or the X-Tenant-ID header — and
// exposes it through a request-scoped context, generalizing the header-only
// resolution this lineage used for a single-tenant PACS connector.
package tenant

import (
	"context"
	"net/http"
	"regexp"

	"github.com/go-chi/chi/v5"
	"github.com/otcheredev/spax/internal/middleware"
	"github.com/otcheredev/spax/internal/spaxerr"
)

type contextKey string

const codeKey contextKey = "tenant_code"

var codePattern = regexp.MustCompile(`^[a-z0-9_]+$`)

// ValidCode reports whether code is safe to interpolate into a SET
// search_path statement. This is the injection defence spec.md §4.6 calls
// for: reject before touching SQL.
func ValidCode(code string) bool {
	return code != "" && codePattern.MatchString(code)
}

// SchemaName returns the per-tenant schema identifier for code. Callers
// must have validated code with ValidCode first.
func SchemaName(code string) string {
	return "tenant_" + code
}

// WithCode stores a validated tenant code in ctx.
func WithCode(ctx context.Context, code string) context.Context {
	return context.WithValue(ctx, codeKey, code)
}

// FromContext returns the tenant code stored in ctx, if any.
func FromContext(ctx context.Context) (string, bool) {
	code, ok := ctx.Value(codeKey).(string)
	return code, ok
}

// ActiveChecker reports whether a syntactically valid tenant code names a
// tenant that actually exists and is active, without tying this package to
// any particular repository or cache implementation (which would import
// back into tenant through database.ForTenant).
type ActiveChecker interface {
	Active(ctx context.Context, code string) (bool, error)
}

// Middleware resolves the tenant code from the chi URL param "tenant" (when
// present) or the X-Tenant-ID header, validates its format, confirms
// against checker that it names an active tenant, and stores it on the
// request context. Routes mounted under a tenant-scoped path segment pick
// it up automatically via chi.URLParam; header-only routes fall back. A
// well-formed but unknown/inactive code fails closed with
// spaxerr.KindTenantNotFound (404) before any tenant-scoped SQL runs, per
// spec.md §7.
func Middleware(checker ActiveChecker) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			code := chi.URLParam(r, "tenant")
			if code == "" {
				code = r.Header.Get("X-Tenant-ID")
			}
			if !ValidCode(code) {
				middleware.WriteError(w, spaxerr.New(spaxerr.KindTenantNotFound, "missing or invalid tenant identifier"))
				return
			}
			active, err := checker.Active(r.Context(), code)
			if err != nil {
				middleware.WriteError(w, spaxerr.Wrap(spaxerr.KindStorageUnavailable, "checking tenant status", err))
				return
			}
			if !active {
				middleware.WriteError(w, spaxerr.New(spaxerr.KindTenantNotFound, "tenant not found or inactive"))
				return
			}
			ctx := WithCode(r.Context(), code)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// MustFromContext returns the tenant code or panics. Used inside handlers
// that are only ever reached behind Middleware, where the invariant is
// guaranteed.
func MustFromContext(ctx context.Context) string {
	code, ok := FromContext(ctx)
	if !ok {
		panic("tenant.MustFromContext called outside tenant.Middleware")
	}
	return code
}
