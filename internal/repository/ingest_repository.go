package repository

import (
	"fmt"
	"time"

	"context"

	"github.com/otcheredev/spax/internal/database"
	"github.com/otcheredev/spax/internal/dicomio"
	"github.com/otcheredev/spax/internal/models"
	"gorm.io/gorm"
)

// IngestItem is one parsed-and-stored file waiting to be indexed, the unit
// the bulk-upsert repository consumes per spec.md §4.7.
type IngestItem struct {
	Meta        *dicomio.Metadata
	VolumeID    uint
	StoragePath string
	FileSize    int64
}

// AffectedSeries identifies one series touched by a batch, for the caller
// to evict caches and schedule a metadata-cache rebuild against.
type AffectedSeries struct {
	SeriesID   int64
	SeriesUID  string
	StudyID    int64
	StudyUID   string
}

// IngestRepository implements the five-stage hierarchical upsert of
// spec.md §4.7 in one transaction: patient -> study -> series -> instance
// dedup+insert -> counter refresh. Grounded on the teacher
// pacs_repository.go's explicit tx.Begin/Rollback/Commit pattern
// (SetPrimary), generalized to five ordered stages instead of one.
type IngestRepository struct{}

func NewIngestRepository() *IngestRepository { return &IngestRepository{} }

// UpsertBatch runs the whole batch in one transaction and returns the set
// of series (and their owning studies) it touched. A failed batch leaves
// every row unchanged; files already written to storage for that batch
// become orphan bytes, tolerated because they were never indexed.
func (r *IngestRepository) UpsertBatch(ctx context.Context, tenantCode string, items []IngestItem) ([]AffectedSeries, error) {
	if len(items) == 0 {
		return nil, nil
	}

	tx, err := database.ForTenant(ctx, tenantCode)
	if err != nil {
		return nil, fmt.Errorf("opening tenant session: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	patientIDs, err := upsertPatients(tx, items)
	if err != nil {
		return nil, fmt.Errorf("stage 1 (patient upsert): %w", err)
	}

	studyIDs, err := upsertStudies(tx, items, patientIDs)
	if err != nil {
		return nil, fmt.Errorf("stage 2 (study upsert): %w", err)
	}

	seriesInfo, err := upsertSeries(tx, items, studyIDs)
	if err != nil {
		return nil, fmt.Errorf("stage 3 (series upsert): %w", err)
	}

	if err := insertInstances(tx, items, seriesInfo); err != nil {
		return nil, fmt.Errorf("stage 4 (instance dedup+insert): %w", err)
	}

	affected, err := refreshCounters(tx, seriesInfo, studyIDs)
	if err != nil {
		return nil, fmt.Errorf("stage 5 (counter refresh): %w", err)
	}

	if err := tx.Commit().Error; err != nil {
		return nil, fmt.Errorf("committing batch: %w", err)
	}
	committed = true
	return affected, nil
}

// seriesKey groups items belonging to the same (studyPublicID, seriesUID)
// row -- a series UID colliding across two different studies is a
// distinct row, so the study public id must be part of the key.
type seriesKey struct {
	studyPublicID string
	seriesUID     string
}

type seriesRow struct {
	id          int64
	studyID     int64
	studyUID    string
	createdDate time.Time
}

// upsertPatients groups items by SHA1(raw patient id) and issues one
// upsert per group, keyed on public_id. Returns publicID -> patient row id.
func upsertPatients(tx *gorm.DB, items []IngestItem) (map[string]int64, error) {
	groups := map[string]*dicomio.Metadata{}
	for _, it := range items {
		groups[it.Meta.PatientPublicID()] = it.Meta
	}

	out := make(map[string]int64, len(groups))
	for publicID, meta := range groups {
		var id int64
		err := tx.Raw(`
			INSERT INTO patient (public_id, raw_patient_id, name, birth_date, sex, is_provisional, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, now(), now())
			ON CONFLICT (public_id) DO UPDATE SET
				name = COALESCE(NULLIF(EXCLUDED.name, ''), patient.name),
				birth_date = COALESCE(EXCLUDED.birth_date, patient.birth_date),
				sex = COALESCE(NULLIF(EXCLUDED.sex, ''), patient.sex),
				updated_at = now()
			RETURNING id
		`, publicID, meta.PatientID, meta.PatientName, parseDICOMDate(meta.PatientBirth), meta.PatientSex, meta.Provisional).Scan(&id).Error
		if err != nil {
			return nil, err
		}
		out[publicID] = id
	}
	return out, nil
}

// parseDICOMDate converts a DICOM DA value ("YYYYMMDD") to a time.Time for
// binding as a nullable SQL date; empty or unparseable input binds NULL.
func parseDICOMDate(da string) interface{} {
	if da == "" {
		return nil
	}
	t, err := time.Parse("20060102", da)
	if err != nil {
		return nil
	}
	return t
}

// upsertStudies groups items by SHA1(raw pid || "|" || study uid) and
// issues one upsert per group, owning patient id set from stage 1.
func upsertStudies(tx *gorm.DB, items []IngestItem, patientIDs map[string]int64) (map[string]int64, error) {
	groups := map[string]*dicomio.Metadata{}
	for _, it := range items {
		groups[it.Meta.StudyPublicID()] = it.Meta
	}

	out := make(map[string]int64, len(groups))
	for publicID, meta := range groups {
		patientID := patientIDs[meta.PatientPublicID()]
		var id int64
		err := tx.Raw(`
			INSERT INTO study (public_id, study_uid, study_date, study_time, description,
				accession_number, referring_physician, patient_id, created_at, updated_at, last_accessed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, now(), now(), now())
			ON CONFLICT (public_id) DO UPDATE SET
				study_date = COALESCE(NULLIF(EXCLUDED.study_date, ''), study.study_date),
				study_time = COALESCE(NULLIF(EXCLUDED.study_time, ''), study.study_time),
				description = COALESCE(NULLIF(EXCLUDED.description, ''), study.description),
				accession_number = COALESCE(NULLIF(EXCLUDED.accession_number, ''), study.accession_number),
				referring_physician = COALESCE(NULLIF(EXCLUDED.referring_physician, ''), study.referring_physician),
				updated_at = now()
			RETURNING id
		`, publicID, meta.StudyInstanceUID, meta.StudyDate, meta.StudyTime, meta.StudyDescription,
			meta.AccessionNumber, meta.ReferringPhysician, patientID).Scan(&id).Error
		if err != nil {
			return nil, err
		}
		out[publicID] = id
	}
	return out, nil
}

// upsertSeries groups items by (studyID, seriesUID), upserts, and returns
// the RETURNING (id, created_at::date) pair every stage 4 insert must
// propagate as its partition key -- never CURRENT_DATE.
func upsertSeries(tx *gorm.DB, items []IngestItem, studyIDs map[string]int64) (map[seriesKey]seriesRow, error) {
	type group struct {
		meta    *dicomio.Metadata
		studyID int64
	}
	groups := map[seriesKey]group{}
	for _, it := range items {
		k := seriesKey{studyPublicID: it.Meta.StudyPublicID(), seriesUID: it.Meta.SeriesInstanceUID}
		groups[k] = group{meta: it.Meta, studyID: studyIDs[it.Meta.StudyPublicID()]}
	}

	out := make(map[seriesKey]seriesRow, len(groups))
	for k, g := range groups {
		var row struct {
			ID          int64
			CreatedDate time.Time
		}
		err := tx.Raw(`
			INSERT INTO series (series_uid, modality, description, body_part, institution, station,
				series_number, study_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, now())
			ON CONFLICT (study_id, series_uid) DO UPDATE SET
				modality = COALESCE(NULLIF(EXCLUDED.modality, ''), series.modality)
			RETURNING id, created_at::date AS created_date
		`, g.meta.SeriesInstanceUID, g.meta.Modality, g.meta.SeriesDescription, g.meta.BodyPartExamined,
			g.meta.InstitutionName, g.meta.StationName, g.meta.SeriesNumber, g.studyID).Scan(&row).Error
		if err != nil {
			return nil, err
		}
		out[k] = seriesRow{id: row.ID, studyID: g.studyID, studyUID: g.meta.StudyInstanceUID, createdDate: row.CreatedDate}
	}
	return out, nil
}

// insertInstances dedups against the existing (series_fk, sop_instance_uid)
// set -- queried partition-pruned by the created_date predicate -- and
// batch-inserts the remainder using the series' created_date, never
// CURRENT_DATE. Resends (same SOP UID already indexed) are no-ops.
func insertInstances(tx *gorm.DB, items []IngestItem, seriesInfo map[seriesKey]seriesRow) error {
	bySeries := map[seriesKey][]IngestItem{}
	for _, it := range items {
		k := seriesKey{studyPublicID: it.Meta.StudyPublicID(), seriesUID: it.Meta.SeriesInstanceUID}
		bySeries[k] = append(bySeries[k], it)
	}

	for k, seriesItems := range bySeries {
		row := seriesInfo[k]

		var existing []string
		if err := tx.Model(&models.Instance{}).
			Where("series_id = ? AND created_date = ?", row.id, row.createdDate).
			Pluck("sop_instance_uid", &existing).Error; err != nil {
			return err
		}
		seen := make(map[string]bool, len(existing))
		for _, uid := range existing {
			seen[uid] = true
		}

		var toInsert []models.Instance
		for _, it := range seriesItems {
			if seen[it.Meta.SOPInstanceUID] {
				continue
			}
			seen[it.Meta.SOPInstanceUID] = true
			toInsert = append(toInsert, models.Instance{
				CreatedDate:       row.createdDate,
				SOPInstanceUID:    it.Meta.SOPInstanceUID,
				SOPClassUID:       it.Meta.SOPClassUID,
				InstanceNumber:    it.Meta.InstanceNumber,
				TransferSyntaxUID: it.Meta.TransferSyntaxUID,
				NumberOfFrames:    it.Meta.NumberOfFrames,
				FileSize:          it.FileSize,
				VolumeID:          it.VolumeID,
				StoragePath:       it.StoragePath,
				SeriesID:          row.id,
				SeriesUID:         it.Meta.SeriesInstanceUID,
				StudyUID:          it.Meta.StudyInstanceUID,
				CreatedAt:         time.Now().UTC(),
			})
		}
		if len(toInsert) == 0 {
			continue
		}
		if err := tx.CreateInBatches(toInsert, 100).Error; err != nil {
			return err
		}
	}
	return nil
}

// refreshCounters recomputes num_instances/series_size per affected series
// and num_series/num_instances/study_size per affected study from
// aggregates, and returns the affected-series list for cache invalidation.
func refreshCounters(tx *gorm.DB, seriesInfo map[seriesKey]seriesRow, studyIDs map[string]int64) ([]AffectedSeries, error) {
	affected := make([]AffectedSeries, 0, len(seriesInfo))
	studySeen := map[int64]bool{}

	for _, row := range seriesInfo {
		if err := tx.Exec(`
			UPDATE series SET
				num_instances = (SELECT COUNT(*) FROM instance WHERE series_id = ?),
				series_size = (SELECT COALESCE(SUM(file_size), 0) FROM instance WHERE series_id = ?)
			WHERE id = ?
		`, row.id, row.id, row.id).Error; err != nil {
			return nil, err
		}

		var seriesUID string
		if err := tx.Model(&models.Series{}).Where("id = ?", row.id).Pluck("series_uid", &seriesUID).Error; err != nil {
			return nil, err
		}
		affected = append(affected, AffectedSeries{
			SeriesID:  row.id,
			SeriesUID: seriesUID,
			StudyID:   row.studyID,
			StudyUID:  row.studyUID,
		})
		studySeen[row.studyID] = true
	}

	for studyID := range studySeen {
		if err := tx.Exec(`
			UPDATE study SET
				num_series = (SELECT COUNT(*) FROM series WHERE study_id = ?),
				num_instances = (SELECT COALESCE(SUM(num_instances), 0) FROM series WHERE study_id = ?),
				study_size = (SELECT COALESCE(SUM(series_size), 0) FROM series WHERE study_id = ?)
			WHERE id = ?
		`, studyID, studyID, studyID, studyID).Error; err != nil {
			return nil, err
		}
	}

	studyIDList := make([]int64, 0, len(studyIDs))
	for _, id := range studyIDs {
		studyIDList = append(studyIDList, id)
	}
	if len(studyIDList) > 0 {
		if err := tx.Exec(`
			UPDATE patient SET num_studies = (SELECT COUNT(*) FROM study WHERE patient_id = patient.id)
			WHERE id IN (SELECT DISTINCT patient_id FROM study WHERE id IN (?))
		`, studyIDList).Error; err != nil {
			return nil, err
		}
	}

	return affected, nil
}
