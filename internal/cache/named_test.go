package cache

import (
	"context"
	"errors"
	"testing"

	"github.com/otcheredev/spax/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreInstanceLocationsLoadsOnceThenCaches(t *testing.T) {
	store := NewStore(NewMemoryCache())
	loadCalls := 0
	load := func() (map[string]models.Location, error) {
		loadCalls++
		return map[string]models.Location{
			"1.2.3": {VolumeID: 1, Path: "a/b/c.dcm", TransferSyntax: "1.2.840.10008.1.2.1", NumFrames: 1},
		}, nil
	}

	got, err := store.InstanceLocations(context.Background(), "acme", 42, load)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, uint(1), got["1.2.3"].VolumeID)
	assert.Equal(t, 1, loadCalls)

	got2, err := store.InstanceLocations(context.Background(), "acme", 42, load)
	require.NoError(t, err)
	assert.Equal(t, got, got2)
	assert.Equal(t, 1, loadCalls, "second call must be served from cache without invoking load again")
}

func TestStoreInvalidateInstanceLocationsForcesReload(t *testing.T) {
	store := NewStore(NewMemoryCache())
	loadCalls := 0
	load := func() (map[string]models.Location, error) {
		loadCalls++
		return map[string]models.Location{"1.2.3": {VolumeID: uint(loadCalls)}}, nil
	}

	_, err := store.InstanceLocations(context.Background(), "acme", 7, load)
	require.NoError(t, err)
	require.NoError(t, store.InvalidateInstanceLocations(context.Background(), "acme", 7))

	got, err := store.InstanceLocations(context.Background(), "acme", 7, load)
	require.NoError(t, err)
	assert.Equal(t, 2, loadCalls)
	assert.Equal(t, uint(2), got["1.2.3"].VolumeID)
}

func TestStoreSeriesMetadataLookupRoundTrips(t *testing.T) {
	store := NewStore(NewMemoryCache())
	load := func() (uint, string, bool, error) {
		return 3, "2026/01/01/hash/hash.dcm", true, nil
	}

	volumeID, path, ok, err := store.SeriesMetadataLookup(context.Background(), "acme", 99, load)
	require.NoError(t, err)
	assert.Equal(t, uint(3), volumeID)
	assert.Equal(t, "2026/01/01/hash/hash.dcm", path)
	assert.True(t, ok)

	// Cached read must not call load again — passing a load that errors
	// proves the cached path is taken.
	volumeID2, path2, ok2, err := store.SeriesMetadataLookup(context.Background(), "acme", 99, func() (uint, string, bool, error) {
		return 0, "", false, errors.New("load must not be called on a cache hit")
	})
	require.NoError(t, err)
	assert.Equal(t, volumeID, volumeID2)
	assert.Equal(t, path, path2)
	assert.Equal(t, ok, ok2)
}

func TestStoreSeriesMetadataLookupPropagatesLoadError(t *testing.T) {
	store := NewStore(NewMemoryCache())
	wantErr := errors.New("series not found")
	_, _, _, err := store.SeriesMetadataLookup(context.Background(), "acme", 1, func() (uint, string, bool, error) {
		return 0, "", false, wantErr
	})
	require.ErrorIs(t, err, wantErr)
}

func TestStoreActiveTenantsIsGlobalNotTenantScoped(t *testing.T) {
	store := NewStore(NewMemoryCache())
	load := func() ([]string, error) { return []string{"acme", "globex"}, nil }

	got, err := store.ActiveTenants(context.Background(), load)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"acme", "globex"}, got)

	require.NoError(t, store.InvalidateActiveTenants(context.Background()))
	loadCalls := 0
	_, err = store.ActiveTenants(context.Background(), func() ([]string, error) {
		loadCalls++
		return []string{"acme"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, loadCalls, "invalidation must force a reload")
}

func TestStoreLifecycleRulesKeyedByAction(t *testing.T) {
	store := NewStore(NewMemoryCache())
	migrateCalls, compressCalls := 0, 0

	_, err := store.LifecycleRules(context.Background(), models.ActionMigrate, func() ([]models.LifecycleRule, error) {
		migrateCalls++
		return []models.LifecycleRule{{Action: models.ActionMigrate}}, nil
	})
	require.NoError(t, err)

	_, err = store.LifecycleRules(context.Background(), models.ActionCompress, func() ([]models.LifecycleRule, error) {
		compressCalls++
		return []models.LifecycleRule{{Action: models.ActionCompress}}, nil
	})
	require.NoError(t, err)

	assert.Equal(t, 1, migrateCalls)
	assert.Equal(t, 1, compressCalls, "MIGRATE and COMPRESS rules must be cached under distinct keys")
}

func TestStoreSeriesByStudyCachesPerStudy(t *testing.T) {
	store := NewStore(NewMemoryCache())
	calls := map[int64]int{}
	load := func(studyID int64) func() ([]models.SeriesSummary, error) {
		return func() ([]models.SeriesSummary, error) {
			calls[studyID]++
			return []models.SeriesSummary{{ID: studyID, SeriesUID: "1.2.3"}}, nil
		}
	}

	_, err := store.SeriesByStudy(context.Background(), "acme", 1, load(1))
	require.NoError(t, err)
	_, err = store.SeriesByStudy(context.Background(), "acme", 2, load(2))
	require.NoError(t, err)
	_, err = store.SeriesByStudy(context.Background(), "acme", 1, load(1))
	require.NoError(t, err)

	assert.Equal(t, 1, calls[1], "study 1 must only load once across two lookups")
	assert.Equal(t, 1, calls[2])
}
