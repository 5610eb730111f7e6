// Package metadata builds and stores the per-series DICOM-JSON cache file
// spec.md §4.10 requires the WADO-RS series-metadata endpoint to serve, so a
// metadata request never has to reopen every instance file on the hot path.
package metadata

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/otcheredev/spax/internal/dicomio"
	"github.com/otcheredev/spax/internal/models"
	"github.com/otcheredev/spax/internal/repository"
	"github.com/otcheredev/spax/internal/tenant"
	"github.com/otcheredev/spax/internal/volume"
)

// Builder rebuilds one series' metadata cache file from its stored
// instances, grounded on the same volume.Manager/storage.Provider pairing
// the ingest consumer uses to write instance files.
type Builder struct {
	volumes    *volume.Manager
	queryRepo  *repository.QueryRepository
}

func NewBuilder(volumes *volume.Manager, queryRepo *repository.QueryRepository) *Builder {
	return &Builder{volumes: volumes, queryRepo: queryRepo}
}

// Rebuild reads every instance of seriesID off its storage volume, encodes
// their headers as a DICOM-JSON array in instance-number order, writes the
// result to the series' write volume, and records the location so future
// lookups hit the cache file instead of re-reading every instance. Used as
// the sole metadata path for object-store volumes, where avoiding N
// per-object GETs on every future request outweighs blocking this request
// on the write.
func (b *Builder) Rebuild(ctx context.Context, tenantCode string, seriesID int64) error {
	payload, seriesUID, err := b.buildPayload(ctx, tenantCode, seriesID)
	if err != nil {
		return err
	}

	target, err := b.volumes.ActiveWriteVolume(ctx, models.TierHot)
	if err != nil {
		return fmt.Errorf("selecting metadata write volume: %w", err)
	}
	provider, err := b.volumes.Provider(ctx, target.ID)
	if err != nil {
		return err
	}
	path := seriesMetadataPath(tenantCode, seriesUID)
	if err := provider.Write(ctx, path, bytes.NewReader(payload), int64(len(payload))); err != nil {
		return fmt.Errorf("writing metadata file: %w", err)
	}

	return b.queryRepo.SetSeriesMetadataLocation(ctx, tenantCode, seriesID, target.ID, path)
}

// BuildTransient encodes seriesID's DICOM-JSON payload without persisting
// it anywhere. Used for the local-volume fast path: this response is
// served directly from the freshly-built bytes while Rebuild runs in the
// background to populate the cache file for later requests.
func (b *Builder) BuildTransient(ctx context.Context, tenantCode string, seriesID int64) ([]byte, error) {
	payload, _, err := b.buildPayload(ctx, tenantCode, seriesID)
	return payload, err
}

func (b *Builder) buildPayload(ctx context.Context, tenantCode string, seriesID int64) ([]byte, string, error) {
	if !tenant.ValidCode(tenantCode) {
		return nil, "", fmt.Errorf("invalid tenant code %q", tenantCode)
	}

	series, err := b.queryRepo.SeriesByID(ctx, tenantCode, seriesID)
	if err != nil {
		return nil, "", fmt.Errorf("loading series %d: %w", seriesID, err)
	}

	instances, err := b.queryRepo.InstancesBySeriesOrdered(ctx, tenantCode, seriesID)
	if err != nil {
		return nil, "", fmt.Errorf("loading instances for series %d: %w", seriesID, err)
	}
	if len(instances) != series.NumInstances {
		return nil, "", fmt.Errorf("series %d: instance count %d does not match num_instances %d, refusing stale rebuild",
			seriesID, len(instances), series.NumInstances)
	}

	docs := make([]map[string]interface{}, 0, len(instances))
	for _, inst := range instances {
		provider, err := b.volumes.Provider(ctx, inst.VolumeID)
		if err != nil {
			return nil, "", fmt.Errorf("resolving volume %d: %w", inst.VolumeID, err)
		}
		rc, err := provider.Read(ctx, inst.StoragePath)
		if err != nil {
			return nil, "", fmt.Errorf("reading %s: %w", inst.StoragePath, err)
		}
		doc, err := dicomio.ElementsAsDICOMJSON(rc, inst.FileSize)
		rc.Close()
		if err != nil {
			return nil, "", fmt.Errorf("parsing %s: %w", inst.StoragePath, err)
		}
		docs = append(docs, doc)
	}

	payload, err := json.Marshal(docs)
	if err != nil {
		return nil, "", fmt.Errorf("encoding metadata document: %w", err)
	}
	return payload, series.SeriesUID, nil
}

// seriesMetadataPath builds the sharded metadata cache path spec.md §4.4
// requires: {tenant}/series-meta/{uid[0:2]}/{uid[2:4]}/{seriesUid}.json,
// sharded by the first four characters of the series UID so a single
// directory never accumulates every series a tenant has ever ingested.
func seriesMetadataPath(tenantCode, seriesUID string) string {
	shard1, shard2 := "00", "00"
	if len(seriesUID) >= 2 {
		shard1 = seriesUID[0:2]
	}
	if len(seriesUID) >= 4 {
		shard2 = seriesUID[2:4]
	}
	return fmt.Sprintf("%s/series-meta/%s/%s/%s.json", tenantCode, shard1, shard2, seriesUID)
}
