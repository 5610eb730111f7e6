package volume

import (
	"context"
	"testing"

	"github.com/otcheredev/spax/internal/models"
	"github.com/otcheredev/spax/internal/spaxerr"
)

type fakeLoader struct {
	volumes []models.StorageVolume
	err     error
}

func (f *fakeLoader) ListVolumes(ctx context.Context) ([]models.StorageVolume, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.volumes, nil
}

func TestActiveWriteVolumePicksHighestPriority(t *testing.T) {
	loader := &fakeLoader{volumes: []models.StorageVolume{
		{ID: 1, Code: "hot-a", ProviderKind: models.ProviderLocal, BasePath: t.TempDir(), Tier: models.TierHot, Status: models.VolumeActive, Priority: 1},
		{ID: 2, Code: "hot-b", ProviderKind: models.ProviderLocal, BasePath: t.TempDir(), Tier: models.TierHot, Status: models.VolumeActive, Priority: 10},
	}}
	m := NewManager(loader)
	if err := m.Reload(context.Background()); err != nil {
		t.Fatalf("Reload() error: %v", err)
	}

	v, err := m.ActiveWriteVolume(context.Background(), models.TierHot)
	if err != nil {
		t.Fatalf("ActiveWriteVolume() error: %v", err)
	}
	if v.Code != "hot-b" {
		t.Errorf("ActiveWriteVolume() picked %q, want the higher-priority hot-b", v.Code)
	}
}

func TestActiveWriteVolumeSkipsNonActiveAndWrongTier(t *testing.T) {
	loader := &fakeLoader{volumes: []models.StorageVolume{
		{ID: 1, Code: "hot-readonly", ProviderKind: models.ProviderLocal, BasePath: t.TempDir(), Tier: models.TierHot, Status: models.VolumeReadOnly, Priority: 100},
		{ID: 2, Code: "hot-active", ProviderKind: models.ProviderLocal, BasePath: t.TempDir(), Tier: models.TierHot, Status: models.VolumeActive, Priority: 1},
		{ID: 3, Code: "warm-active", ProviderKind: models.ProviderLocal, BasePath: t.TempDir(), Tier: models.TierWarm, Status: models.VolumeActive, Priority: 100},
	}}
	m := NewManager(loader)
	if err := m.Reload(context.Background()); err != nil {
		t.Fatalf("Reload() error: %v", err)
	}

	v, err := m.ActiveWriteVolume(context.Background(), models.TierHot)
	if err != nil {
		t.Fatalf("ActiveWriteVolume() error: %v", err)
	}
	if v.Code != "hot-active" {
		t.Errorf("ActiveWriteVolume() = %q, want hot-active (read-only and wrong-tier volumes must be skipped)", v.Code)
	}
}

func TestActiveWriteVolumeNoneReturnsKindNoWriteVolume(t *testing.T) {
	loader := &fakeLoader{volumes: nil}
	m := NewManager(loader)
	if err := m.Reload(context.Background()); err != nil {
		t.Fatalf("Reload() error: %v", err)
	}

	_, err := m.ActiveWriteVolume(context.Background(), models.TierHot)
	if err == nil {
		t.Fatal("expected an error when no ACTIVE volume exists in the tier")
	}
	if kind := spaxerr.KindOf(err); kind != spaxerr.KindNoWriteVolume {
		t.Errorf("kind = %s, want %s", kind, spaxerr.KindNoWriteVolume)
	}
}

func TestProviderCachesByVolumeID(t *testing.T) {
	loader := &fakeLoader{volumes: []models.StorageVolume{
		{ID: 1, Code: "hot-a", ProviderKind: models.ProviderLocal, BasePath: t.TempDir(), Tier: models.TierHot, Status: models.VolumeActive},
	}}
	m := NewManager(loader)
	if err := m.Reload(context.Background()); err != nil {
		t.Fatalf("Reload() error: %v", err)
	}

	p1, err := m.Provider(context.Background(), 1)
	if err != nil {
		t.Fatalf("Provider() error: %v", err)
	}
	p2, err := m.Provider(context.Background(), 1)
	if err != nil {
		t.Fatalf("Provider() error: %v", err)
	}
	if p1 != p2 {
		t.Error("expected a repeat Provider() call for the same volume id to return the cached instance")
	}
}

func TestProviderUnknownVolumeReturnsKindUnknownVolume(t *testing.T) {
	m := NewManager(&fakeLoader{})
	_, err := m.Provider(context.Background(), 999)
	if err == nil {
		t.Fatal("expected an error for an unregistered volume id")
	}
	if kind := spaxerr.KindOf(err); kind != spaxerr.KindUnknownVolume {
		t.Errorf("kind = %s, want %s", kind, spaxerr.KindUnknownVolume)
	}
}

func TestReloadRecreatesProviderOnConfigChange(t *testing.T) {
	dirA, dirB := t.TempDir(), t.TempDir()
	loader := &fakeLoader{volumes: []models.StorageVolume{
		{ID: 1, Code: "hot-a", ProviderKind: models.ProviderLocal, BasePath: dirA, Tier: models.TierHot, Status: models.VolumeActive},
	}}
	m := NewManager(loader)
	if err := m.Reload(context.Background()); err != nil {
		t.Fatalf("Reload() error: %v", err)
	}
	p1, err := m.Provider(context.Background(), 1)
	if err != nil {
		t.Fatalf("Provider() error: %v", err)
	}

	loader.volumes[0].BasePath = dirB
	if err := m.Reload(context.Background()); err != nil {
		t.Fatalf("second Reload() error: %v", err)
	}
	p2, err := m.Provider(context.Background(), 1)
	if err != nil {
		t.Fatalf("Provider() after config change error: %v", err)
	}
	if p1 == p2 {
		t.Error("expected Provider() to return a freshly-constructed provider after BasePath changed")
	}
}

func TestReloadKeepsProviderWhenConfigUnchanged(t *testing.T) {
	loader := &fakeLoader{volumes: []models.StorageVolume{
		{ID: 1, Code: "hot-a", ProviderKind: models.ProviderLocal, BasePath: t.TempDir(), Tier: models.TierHot, Status: models.VolumeActive},
	}}
	m := NewManager(loader)
	if err := m.Reload(context.Background()); err != nil {
		t.Fatalf("Reload() error: %v", err)
	}
	p1, err := m.Provider(context.Background(), 1)
	if err != nil {
		t.Fatalf("Provider() error: %v", err)
	}

	if err := m.Reload(context.Background()); err != nil {
		t.Fatalf("second Reload() error: %v", err)
	}
	p2, err := m.Provider(context.Background(), 1)
	if err != nil {
		t.Fatalf("Provider() after no-op reload error: %v", err)
	}
	if p1 != p2 {
		t.Error("expected Provider() to keep the same instance when nothing material changed")
	}
}

func TestVolumeLookup(t *testing.T) {
	loader := &fakeLoader{volumes: []models.StorageVolume{
		{ID: 5, Code: "cold-a", Tier: models.TierCold, Status: models.VolumeActive},
	}}
	m := NewManager(loader)
	if err := m.Reload(context.Background()); err != nil {
		t.Fatalf("Reload() error: %v", err)
	}

	v, ok := m.Volume(5)
	if !ok || v.Code != "cold-a" {
		t.Errorf("Volume(5) = %+v, %v; want cold-a, true", v, ok)
	}

	_, ok = m.Volume(999)
	if ok {
		t.Error("Volume(999) expected false for an unregistered id")
	}
}
