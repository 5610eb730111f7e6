package tenant

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChecker struct {
	active map[string]bool
	err    error
}

func (f *fakeChecker) Active(ctx context.Context, code string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.active[code], nil
}

func newTenantRequest(tenantParam string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/dicomweb/"+tenantParam+"/studies", nil)
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("tenant", tenantParam)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func TestMiddlewareRejectsMalformedCodeBeforeCheckingActive(t *testing.T) {
	checker := &fakeChecker{active: map[string]bool{"acme": true}}
	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })

	rec := httptest.NewRecorder()
	Middleware(checker)(next).ServeHTTP(rec, newTenantRequest("Not-Valid!"))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.False(t, called, "handler must not run for a malformed tenant code")
}

func TestMiddlewareRejectsInactiveTenant(t *testing.T) {
	checker := &fakeChecker{active: map[string]bool{"acme": true}}
	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })

	rec := httptest.NewRecorder()
	Middleware(checker)(next).ServeHTTP(rec, newTenantRequest("retired_tenant"))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.False(t, called, "handler must not run for a well-formed but inactive tenant")
}

func TestMiddlewarePassesActiveTenantThrough(t *testing.T) {
	checker := &fakeChecker{active: map[string]bool{"acme": true}}
	var seenCode string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenCode = MustFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	Middleware(checker)(next).ServeHTTP(rec, newTenantRequest("acme"))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "acme", seenCode)
}

func TestMiddlewareSurfacesCheckerErrorAsUnavailable(t *testing.T) {
	checker := &fakeChecker{err: assertErr("redis unavailable")}
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run when the active-tenant check itself fails")
	})

	rec := httptest.NewRecorder()
	Middleware(checker)(next).ServeHTTP(rec, newTenantRequest("acme"))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
