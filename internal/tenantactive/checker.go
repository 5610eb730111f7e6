// Package tenantactive wires tenant.Middleware's ActiveChecker to the
// existing 60s-TTL active-tenants cache entry, reusing the exact
// cache.Store.ActiveTenants/SharedRepository.ActiveTenants pairing the
// ingest consumer already polls with. It lives in
// its own package (rather than inside internal/tenant) because it needs
// internal/cache and internal/repository, which import back into
// internal/tenant through database.ForTenant.
package tenantactive

import (
	"context"

	"github.com/otcheredev/spax/internal/cache"
	"github.com/otcheredev/spax/internal/repository"
)

// Checker implements tenant.ActiveChecker against the shared tenant
// registry, membership-tested against the cached active-tenant code list
// so a request-path check never runs an uncached query per request.
type Checker struct {
	cache  *cache.Store
	shared *repository.SharedRepository
}

func New(cacheStore *cache.Store, shared *repository.SharedRepository) *Checker {
	return &Checker{cache: cacheStore, shared: shared}
}

// Active reports whether code names a currently active tenant.
func (c *Checker) Active(ctx context.Context, code string) (bool, error) {
	codes, err := c.cache.ActiveTenants(ctx, func() ([]string, error) {
		return c.shared.ActiveTenants(ctx)
	})
	if err != nil {
		return false, err
	}
	for _, active := range codes {
		if active == code {
			return true, nil
		}
	}
	return false, nil
}
