package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/otcheredev/spax/internal/database"
	"github.com/otcheredev/spax/internal/models"
)

// QIDOParams is the parsed query-string of a QIDO-RS studies search,
// spec.md §4.9. Empty fields are omitted from the predicate.
type QIDOParams struct {
	PatientName     string
	PatientID       string
	StudyDate       string // "YYYYMMDD" or "YYYYMMDD-YYYYMMDD"
	AccessionNumber string
	StudyDescription string
	StudyUID        string
	Limit           int
	Offset          int
}

const maxQIDOLimit = 1000

// clampLimit enforces spec.md §4.9's limit<=1000 cap, defaulting to the cap
// when the caller did not specify one.
func clampLimit(limit int) int {
	if limit <= 0 || limit > maxQIDOLimit {
		return maxQIDOLimit
	}
	return limit
}

// translateWildcard rewrites DICOM QIDO wildcards ('*' any run, '?' single
// char) into SQL LIKE syntax ('%', '_'). Literal '%'/'_' in the input are
// escaped first so they are not mistaken for LIKE metacharacters.
func translateWildcard(s string) string {
	r := strings.NewReplacer("%", `\%`, "_", `\_`, "*", "%", "?", "_")
	return r.Replace(s)
}

// predicateBuilder appends WHERE clauses and binds their arguments
// positionally, per spec.md §9's mandate that QIDO predicate construction
// use prepared-statement semantics throughout.
type predicateBuilder struct {
	clauses []string
	args    []interface{}
}

func (b *predicateBuilder) like(column, value string) {
	if value == "" {
		return
	}
	b.clauses = append(b.clauses, fmt.Sprintf("%s LIKE ? ESCAPE '\\'", column))
	b.args = append(b.args, translateWildcard(value))
}

func (b *predicateBuilder) eq(column, value string) {
	if value == "" {
		return
	}
	b.clauses = append(b.clauses, fmt.Sprintf("%s = ?", column))
	b.args = append(b.args, value)
}

func (b *predicateBuilder) dateRange(column, raw string) {
	if raw == "" {
		return
	}
	if parts := strings.SplitN(raw, "-", 2); len(parts) == 2 && parts[0] != "" && parts[1] != "" {
		b.clauses = append(b.clauses, fmt.Sprintf("%s BETWEEN ? AND ?", column))
		b.args = append(b.args, parts[0], parts[1])
		return
	}
	b.clauses = append(b.clauses, fmt.Sprintf("%s = ?", column))
	b.args = append(b.args, raw)
}

func (b *predicateBuilder) where() (string, []interface{}) {
	if len(b.clauses) == 0 {
		return "1 = 1", nil
	}
	return strings.Join(b.clauses, " AND "), b.args
}

// QueryRepository backs the QIDO handlers and the batch-load caches of
// spec.md §4.11.
type QueryRepository struct{}

func NewQueryRepository() *QueryRepository { return &QueryRepository{} }

// StudyRow is a study joined with its owning patient's identifying
// attributes, the projection QIDO study-level responses need.
type StudyRow struct {
	models.Study
	PatientName     string `gorm:"column:patient_name"`
	PatientPublicID string `gorm:"column:patient_public_id"`
}

// SearchStudies implements GET /studies. Patient name/id predicates join
// against patient; a study UID and series/instance UIDs are not globally
// unique, so callers must expect multiple matching rows.
func (r *QueryRepository) SearchStudies(ctx context.Context, tenantCode string, p QIDOParams) ([]StudyRow, error) {
	tx, err := database.ForTenant(ctx, tenantCode)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	b := &predicateBuilder{}
	b.like("study.description", p.StudyDescription)
	b.eq("study.accession_number", p.AccessionNumber)
	b.eq("study.study_uid", p.StudyUID)
	b.dateRange("study.study_date", p.StudyDate)
	b.like("patient.name", p.PatientName)
	b.like("patient.raw_patient_id", p.PatientID)

	clause, args := b.where()
	var rows []StudyRow
	err = tx.Table("study").
		Select("study.*, patient.name AS patient_name, patient.public_id AS patient_public_id").
		Joins("JOIN patient ON patient.id = study.patient_id").
		Where(clause, args...).
		Order("study.study_date DESC").
		Limit(clampLimit(p.Limit)).
		Offset(p.Offset).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("searching studies: %w", err)
	}
	return rows, tx.Commit().Error
}

// SearchSeries implements GET /studies/{uid}/series. studyUID is not
// globally unique so this may span multiple study rows sharing that UID.
func (r *QueryRepository) SearchSeries(ctx context.Context, tenantCode, studyUID string) ([]models.Series, error) {
	tx, err := database.ForTenant(ctx, tenantCode)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var series []models.Series
	err = tx.Table("series").
		Joins("JOIN study ON study.id = series.study_id").
		Where("study.study_uid = ?", studyUID).
		Find(&series).Error
	if err != nil {
		return nil, fmt.Errorf("searching series: %w", err)
	}
	return series, tx.Commit().Error
}

// SearchInstances implements GET /studies/{uid}/series/{uid}/instances.
func (r *QueryRepository) SearchInstances(ctx context.Context, tenantCode, studyUID, seriesUID string) ([]models.Instance, error) {
	tx, err := database.ForTenant(ctx, tenantCode)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var instances []models.Instance
	err = tx.Table("instance").
		Joins("JOIN series ON series.id = instance.series_id AND instance.created_date = series.created_at::date").
		Joins("JOIN study ON study.id = series.study_id").
		Where("study.study_uid = ? AND series.series_uid = ?", studyUID, seriesUID).
		Order("instance.instance_number").
		Find(&instances).Error
	if err != nil {
		return nil, fmt.Errorf("searching instances: %w", err)
	}
	return instances, tx.Commit().Error
}

// SearchInstancesByStudy returns every instance across every series of one
// study, ordered series-then-instance-number, backing the whole-study WADO
// multipart retrieve (GET /studies/{uid}).
func (r *QueryRepository) SearchInstancesByStudy(ctx context.Context, tenantCode, studyUID string) ([]models.Instance, error) {
	tx, err := database.ForTenant(ctx, tenantCode)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var instances []models.Instance
	err = tx.Table("instance").
		Joins("JOIN series ON series.id = instance.series_id AND instance.created_date = series.created_at::date").
		Joins("JOIN study ON study.id = series.study_id").
		Where("study.study_uid = ?", studyUID).
		Order("series.series_uid, instance.instance_number").
		Find(&instances).Error
	if err != nil {
		return nil, fmt.Errorf("searching instances by study: %w", err)
	}
	return instances, tx.Commit().Error
}

// TouchLastAccessed sets last_accessed_at = now() for every studyID, called
// asynchronously (fire-and-forget from a goroutine) after a study-list QIDO
// response, feeding the LAST_ACCESS_DAYS lifecycle condition.
func (r *QueryRepository) TouchLastAccessed(ctx context.Context, tenantCode string, studyIDs []int64) error {
	if len(studyIDs) == 0 {
		return nil
	}
	tx, err := database.ForTenant(ctx, tenantCode)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := tx.Model(&models.Study{}).
		Where("id IN ?", studyIDs).
		Update("last_accessed_at", time.Now().UTC()).Error; err != nil {
		return err
	}
	return tx.Commit().Error
}

// InstanceLocationsBySeries batch-loads every instance's storage location
// for one series, backing the instance-locations cache's requirement that a
// single miss loads the whole series rather than one instance at a time.
func (r *QueryRepository) InstanceLocationsBySeries(ctx context.Context, tenantCode string, seriesID int64) (map[string]models.Location, error) {
	tx, err := database.ForTenant(ctx, tenantCode)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var instances []models.Instance
	if err := tx.Table("instance").
		Joins("JOIN series ON series.id = instance.series_id AND instance.created_date = series.created_at::date").
		Where("instance.series_id = ?", seriesID).
		Find(&instances).Error; err != nil {
		return nil, fmt.Errorf("loading instance locations: %w", err)
	}
	out := make(map[string]models.Location, len(instances))
	for _, inst := range instances {
		out[inst.SOPInstanceUID] = models.Location{
			VolumeID:       inst.VolumeID,
			Path:           inst.StoragePath,
			TransferSyntax: inst.TransferSyntaxUID,
			NumFrames:      inst.NumberOfFrames,
		}
	}
	return out, tx.Commit().Error
}

// SeriesSummariesByStudy batch-loads a study's series list for the
// series-by-study cache.
func (r *QueryRepository) SeriesSummariesByStudy(ctx context.Context, tenantCode string, studyID int64) ([]models.SeriesSummary, error) {
	tx, err := database.ForTenant(ctx, tenantCode)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var summaries []models.SeriesSummary
	err = tx.Model(&models.Series{}).
		Select("id, series_uid, modality, num_instances").
		Where("study_id = ?", studyID).
		Find(&summaries).Error
	if err != nil {
		return nil, fmt.Errorf("loading series summaries: %w", err)
	}
	return summaries, tx.Commit().Error
}

// SeriesMetadataLocation returns the cached metadata-file location for a
// series, backing the series-metadata-lookup cache. ok is false when the
// metadata file has not yet been built.
func (r *QueryRepository) SeriesMetadataLocation(ctx context.Context, tenantCode string, seriesID int64) (volumeID uint, path string, ok bool, err error) {
	tx, dberr := database.ForTenant(ctx, tenantCode)
	if dberr != nil {
		return 0, "", false, dberr
	}
	defer tx.Rollback()

	var series models.Series
	if err := tx.Select("metadata_volume_id, metadata_path").First(&series, seriesID).Error; err != nil {
		return 0, "", false, fmt.Errorf("loading series metadata location: %w", err)
	}
	if err := tx.Commit().Error; err != nil {
		return 0, "", false, err
	}
	if series.MetadataVolumeID == nil || series.MetadataPath == "" {
		return 0, "", false, nil
	}
	return *series.MetadataVolumeID, series.MetadataPath, true, nil
}

// SetSeriesMetadataLocation records where a rebuilt metadata cache file
// landed, called by the metadata builder after a successful write.
func (r *QueryRepository) SetSeriesMetadataLocation(ctx context.Context, tenantCode string, seriesID int64, volumeID uint, path string) error {
	tx, err := database.ForTenant(ctx, tenantCode)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := tx.Model(&models.Series{}).Where("id = ?", seriesID).
		Updates(map[string]interface{}{"metadata_volume_id": volumeID, "metadata_path": path}).Error; err != nil {
		return err
	}
	return tx.Commit().Error
}

// InstancesBySeriesOrdered loads every instance of one series in
// instance-number order, for the metadata cache file builder.
func (r *QueryRepository) InstancesBySeriesOrdered(ctx context.Context, tenantCode string, seriesID int64) ([]models.Instance, error) {
	tx, err := database.ForTenant(ctx, tenantCode)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var instances []models.Instance
	if err := tx.Table("instance").
		Joins("JOIN series ON series.id = instance.series_id AND instance.created_date = series.created_at::date").
		Where("instance.series_id = ?", seriesID).
		Order("instance.instance_number").
		Find(&instances).Error; err != nil {
		return nil, fmt.Errorf("loading series instances: %w", err)
	}
	return instances, tx.Commit().Error
}

// SeriesByID loads one series row, used by the metadata builder to know the
// instance count it must match and the study it belongs to.
func (r *QueryRepository) SeriesByID(ctx context.Context, tenantCode string, seriesID int64) (models.Series, error) {
	tx, err := database.ForTenant(ctx, tenantCode)
	if err != nil {
		return models.Series{}, err
	}
	defer tx.Rollback()

	var series models.Series
	if err := tx.First(&series, seriesID).Error; err != nil {
		return models.Series{}, err
	}
	return series, tx.Commit().Error
}
