// Package volume maintains the in-memory registry of storage volumes and
// hands out cached providers, per spec.md §4.2.
package volume

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/otcheredev/spax/internal/models"
	"github.com/otcheredev/spax/internal/spaxerr"
	"github.com/otcheredev/spax/internal/storage"
	"github.com/otcheredev/spax/internal/storage/local"
	"github.com/otcheredev/spax/internal/storage/objectstore"
)

const safetyThresholdBytes = 1 << 30 // 1 GiB

// tierIndex is the registry snapshot: volumes grouped by tier, sorted by
// priority descending. Replaced atomically on reload so readers never see a
// torn view.
type tierIndex struct {
	byTier   map[models.Tier][]models.StorageVolume
	byID     map[uint]models.StorageVolume
}

func buildIndex(volumes []models.StorageVolume) *tierIndex {
	idx := &tierIndex{
		byTier: make(map[models.Tier][]models.StorageVolume),
		byID:   make(map[uint]models.StorageVolume),
	}
	for _, v := range volumes {
		idx.byTier[v.Tier] = append(idx.byTier[v.Tier], v)
		idx.byID[v.ID] = v
	}
	for tier := range idx.byTier {
		list := idx.byTier[tier]
		sort.Slice(list, func(i, j int) bool { return list[i].Priority > list[j].Priority })
		idx.byTier[tier] = list
	}
	return idx
}

// Loader fetches the current volume rows from the shared schema. Implemented
// by internal/repository against database.PublicSession.
type Loader interface {
	ListVolumes(ctx context.Context) ([]models.StorageVolume, error)
}

// Manager is the volume registry plus provider cache. Safe for concurrent
// use; Reload swaps the snapshot atomically.
type Manager struct {
	loader Loader

	index atomic.Pointer[tierIndex]

	providerMu sync.RWMutex
	providers  map[uint]storage.Provider
	configs    map[uint]models.StorageVolume // last-known config, for reload change-detection
}

func NewManager(loader Loader) *Manager {
	m := &Manager{
		loader:    loader,
		providers: make(map[uint]storage.Provider),
		configs:   make(map[uint]models.StorageVolume),
	}
	m.index.Store(buildIndex(nil))
	return m
}

// Reload loads the registry into memory, atomically replacing the tier
// index. Providers are only recreated for volumes whose credentials
// materially changed.
func (m *Manager) Reload(ctx context.Context) error {
	volumes, err := m.loader.ListVolumes(ctx)
	if err != nil {
		return fmt.Errorf("loading volumes: %w", err)
	}
	m.index.Store(buildIndex(volumes))

	m.providerMu.Lock()
	defer m.providerMu.Unlock()
	for _, v := range volumes {
		prev, existed := m.configs[v.ID]
		if existed && providerConfigEqual(prev, v) {
			continue
		}
		delete(m.providers, v.ID) // lazily recreated on next Provider() call
		m.configs[v.ID] = v
	}
	return nil
}

func providerConfigEqual(a, b models.StorageVolume) bool {
	return a.ProviderKind == b.ProviderKind &&
		a.BasePath == b.BasePath &&
		a.Bucket == b.Bucket &&
		a.Endpoint == b.Endpoint &&
		a.Region == b.Region &&
		a.AccessKeyID == b.AccessKeyID &&
		a.SecretAccessKey == b.SecretAccessKey
}

// ActiveWriteVolume returns the highest-priority ACTIVE volume in tier
// whose free space (local only) exceeds the safety threshold.
func (m *Manager) ActiveWriteVolume(ctx context.Context, tier models.Tier) (models.StorageVolume, error) {
	idx := m.index.Load()
	for _, v := range idx.byTier[tier] {
		if v.Status != models.VolumeActive {
			continue
		}
		if v.ProviderKind == models.ProviderLocal {
			provider, err := m.Provider(ctx, v.ID)
			if err != nil {
				continue
			}
			if dp, ok := provider.(storage.DiskProvider); ok {
				avail, err := dp.AvailableBytes(ctx)
				if err != nil || avail < safetyThresholdBytes {
					continue
				}
			}
		}
		return v, nil
	}
	return models.StorageVolume{}, spaxerr.New(spaxerr.KindNoWriteVolume, fmt.Sprintf("no ACTIVE volume in tier %s", tier))
}

// Provider returns the cached provider for volumeId, constructing it on
// first use.
func (m *Manager) Provider(ctx context.Context, volumeID uint) (storage.Provider, error) {
	m.providerMu.RLock()
	p, ok := m.providers[volumeID]
	m.providerMu.RUnlock()
	if ok {
		return p, nil
	}

	m.providerMu.Lock()
	defer m.providerMu.Unlock()
	if p, ok := m.providers[volumeID]; ok {
		return p, nil
	}

	idx := m.index.Load()
	v, ok := idx.byID[volumeID]
	if !ok {
		return nil, spaxerr.New(spaxerr.KindUnknownVolume, fmt.Sprintf("volume %d not registered", volumeID))
	}

	provider, err := newProvider(ctx, v)
	if err != nil {
		return nil, err
	}
	m.providers[volumeID] = provider
	m.configs[volumeID] = v
	return provider, nil
}

// Volume returns the registered volume row by id, from the current snapshot.
func (m *Manager) Volume(volumeID uint) (models.StorageVolume, bool) {
	idx := m.index.Load()
	v, ok := idx.byID[volumeID]
	return v, ok
}

func newProvider(ctx context.Context, v models.StorageVolume) (storage.Provider, error) {
	switch v.ProviderKind {
	case models.ProviderLocal:
		return local.New(v.BasePath)
	case models.ProviderS3, models.ProviderMinIO, models.ProviderGCS, models.ProviderAzureBlob:
		return objectstore.New(ctx, objectstore.Config{
			Bucket:          v.Bucket,
			Prefix:          v.BasePath,
			Endpoint:        v.Endpoint,
			Region:          v.Region,
			AccessKeyID:     v.AccessKeyID,
			SecretAccessKey: v.SecretAccessKey,
		})
	default:
		return nil, spaxerr.New(spaxerr.KindUnknownVolume, fmt.Sprintf("unsupported provider kind %q", v.ProviderKind))
	}
}
