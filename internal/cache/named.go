package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/otcheredev/spax/internal/config"
	"github.com/otcheredev/spax/internal/models"
)

// Named cache entries and their TTLs, per spec.md §4.11. Each is
// tenant-prefixed (or global, for the two shared-schema entries) and
// supports batch-load-on-miss: a single miss loads and caches the whole
// group the caller names (a series' instances, a study's series list).
const (
	ttlInstanceLocations = 30 * time.Minute
	ttlSeriesMetadata    = 1 * time.Hour
	ttlSeriesByStudy     = 1 * time.Hour
	ttlActiveTenants     = 60 * time.Second
	ttlLifecycleRules    = 6 * time.Hour
)

// New builds the configured cache backend: "local" for a single-process
// in-memory cache, "shared" for Redis so multiple server instances see a
// consistent view.
func New(cfg config.CacheConfig, redisAddr, redisPassword string, redisDB int) (Cache, error) {
	switch cfg.Backend {
	case "shared":
		return NewRedisCache(redisAddr, redisPassword, redisDB)
	default:
		return NewMemoryCache(), nil
	}
}

// Store layers named, typed, TTL'd, batch-load-on-miss caches over a raw
// byte-oriented Cache backend, generalizing the teacher's flat
// Get/Set/Delete/Exists/Clear interface (internal/cache/cache.go) the way
// spec.md §4.11 requires.
type Store struct {
	backend Cache
}

func NewStore(backend Cache) *Store {
	return &Store{backend: backend}
}

func (s *Store) getJSON(ctx context.Context, key string, dst interface{}) (bool, error) {
	raw, err := s.backend.Get(ctx, key)
	if err == ErrCacheMiss {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("decoding cached value for %s: %w", key, err)
	}
	return true, nil
}

func (s *Store) setJSON(ctx context.Context, key string, ttl time.Duration, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encoding value for %s: %w", key, err)
	}
	return s.backend.Set(ctx, key, raw, ttl)
}

// InstanceLocations returns the SOP-UID -> Location map for a series,
// loading (and caching) the whole series on any miss.
func (s *Store) InstanceLocations(ctx context.Context, tenantCode string, seriesID int64, load func() (map[string]models.Location, error)) (map[string]models.Location, error) {
	key := CacheKey(tenantCode, "instance-locations", seriesID)
	var out map[string]models.Location
	hit, err := s.getJSON(ctx, key, &out)
	if err != nil {
		return nil, err
	}
	if hit {
		return out, nil
	}
	out, err = load()
	if err != nil {
		return nil, err
	}
	if err := s.setJSON(ctx, key, ttlInstanceLocations, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) InvalidateInstanceLocations(ctx context.Context, tenantCode string, seriesID int64) error {
	return s.backend.Delete(ctx, CacheKey(tenantCode, "instance-locations", seriesID))
}

type seriesMetadataEntry struct {
	VolumeID uint   `json:"volume_id"`
	Path     string `json:"path"`
	OK       bool   `json:"ok"`
}

// SeriesMetadataLookup returns the metadata-cache-file location for a
// series, loading it on miss.
func (s *Store) SeriesMetadataLookup(ctx context.Context, tenantCode string, seriesID int64, load func() (uint, string, bool, error)) (uint, string, bool, error) {
	key := CacheKey(tenantCode, "series-metadata", seriesID)
	var entry seriesMetadataEntry
	hit, err := s.getJSON(ctx, key, &entry)
	if err != nil {
		return 0, "", false, err
	}
	if hit {
		return entry.VolumeID, entry.Path, entry.OK, nil
	}
	volumeID, path, ok, err := load()
	if err != nil {
		return 0, "", false, err
	}
	entry = seriesMetadataEntry{VolumeID: volumeID, Path: path, OK: ok}
	if err := s.setJSON(ctx, key, ttlSeriesMetadata, entry); err != nil {
		return 0, "", false, err
	}
	return volumeID, path, ok, nil
}

func (s *Store) InvalidateSeriesMetadataLookup(ctx context.Context, tenantCode string, seriesID int64) error {
	return s.backend.Delete(ctx, CacheKey(tenantCode, "series-metadata", seriesID))
}

// SeriesByStudy returns a study's series summaries, loading the whole
// study's series list on miss.
func (s *Store) SeriesByStudy(ctx context.Context, tenantCode string, studyID int64, load func() ([]models.SeriesSummary, error)) ([]models.SeriesSummary, error) {
	key := CacheKey(tenantCode, "series-by-study", studyID)
	var out []models.SeriesSummary
	hit, err := s.getJSON(ctx, key, &out)
	if err != nil {
		return nil, err
	}
	if hit {
		return out, nil
	}
	out, err = load()
	if err != nil {
		return nil, err
	}
	if err := s.setJSON(ctx, key, ttlSeriesByStudy, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) InvalidateSeriesByStudy(ctx context.Context, tenantCode string, studyID int64) error {
	return s.backend.Delete(ctx, CacheKey(tenantCode, "series-by-study", studyID))
}

// ActiveTenants returns the active tenant code list, global (not
// tenant-prefixed) since it spans all tenants.
func (s *Store) ActiveTenants(ctx context.Context, load func() ([]string, error)) ([]string, error) {
	key := CacheKey("global", "active-tenants")
	var out []string
	hit, err := s.getJSON(ctx, key, &out)
	if err != nil {
		return nil, err
	}
	if hit {
		return out, nil
	}
	out, err = load()
	if err != nil {
		return nil, err
	}
	if err := s.setJSON(ctx, key, ttlActiveTenants, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) InvalidateActiveTenants(ctx context.Context) error {
	return s.backend.Delete(ctx, CacheKey("global", "active-tenants"))
}

// LifecycleRules returns the enabled rules for one action, global (rules
// live in the shared schema).
func (s *Store) LifecycleRules(ctx context.Context, action models.LifecycleAction, load func() ([]models.LifecycleRule, error)) ([]models.LifecycleRule, error) {
	key := CacheKey("global", "lifecycle-rules", action)
	var out []models.LifecycleRule
	hit, err := s.getJSON(ctx, key, &out)
	if err != nil {
		return nil, err
	}
	if hit {
		return out, nil
	}
	out, err = load()
	if err != nil {
		return nil, err
	}
	if err := s.setJSON(ctx, key, ttlLifecycleRules, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) InvalidateLifecycleRules(ctx context.Context, action models.LifecycleAction) error {
	return s.backend.Delete(ctx, CacheKey("global", "lifecycle-rules", action))
}
