package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/otcheredev/spax/internal/dicomio"
	"github.com/otcheredev/spax/internal/lifecycle"
	"github.com/otcheredev/spax/internal/middleware"
	"github.com/otcheredev/spax/internal/models"
	"github.com/otcheredev/spax/internal/repository"
	"github.com/otcheredev/spax/internal/spaxerr"
	"github.com/otcheredev/spax/internal/tenant"
	"github.com/otcheredev/spax/internal/volume"
	"github.com/rs/zerolog/log"
)

// AdminHandler replaces the teacher's management.go with SPAX's own admin
// surface: tenant/volume/lifecycle-rule CRUD, manual lifecycle triggers,
// patient correction, and task listings, per spec.md §6's admin routes.
type AdminHandler struct {
	shared     *repository.SharedRepository
	correction *repository.CorrectionRepository
	audit      *repository.AuditRepository
	volumes    *volume.Manager
	evaluator  *lifecycle.Evaluator
}

func NewAdminHandler(shared *repository.SharedRepository, correction *repository.CorrectionRepository, audit *repository.AuditRepository, volumes *volume.Manager, evaluator *lifecycle.Evaluator) *AdminHandler {
	return &AdminHandler{shared: shared, correction: correction, audit: audit, volumes: volumes, evaluator: evaluator}
}

// recordAudit best-effort logs a mutating admin action; a logging failure
// never blocks the action itself.
func (h *AdminHandler) recordAudit(ctx context.Context, tenantCode string, action, resourceType, resourceUID, status string) {
	entry := &models.AuditLog{
		Action:       action,
		ResourceType: resourceType,
		ResourceUID:  resourceUID,
		Status:       status,
	}
	if user, ok := middleware.UserFromContext(ctx); ok {
		entry.UserID = user.UserID
	}
	if err := h.audit.Record(ctx, tenantCode, entry); err != nil {
		log.Warn().Err(err).Str("action", action).Msg("recording audit log entry")
	}
}

// TriggerLifecycleRun runs the rule evaluator immediately instead of
// waiting for its nightly tick, for operator-triggered maintenance.
func (h *AdminHandler) TriggerLifecycleRun(w http.ResponseWriter, r *http.Request) {
	go h.evaluator.RunOnce(context.Background())
	w.WriteHeader(http.StatusAccepted)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// -- Tenants --

func (h *AdminHandler) ListTenants(w http.ResponseWriter, r *http.Request) {
	tenants, err := h.shared.ListTenants(r.Context())
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tenants)
}

func (h *AdminHandler) CreateTenant(w http.ResponseWriter, r *http.Request) {
	var t models.Tenant
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		middleware.WriteError(w, spaxerr.New(spaxerr.KindInvalidArgument, "invalid request body"))
		return
	}
	if err := h.shared.CreateTenant(r.Context(), &t); err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (h *AdminHandler) UpdateTenant(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	existing, err := h.shared.TenantByCode(r.Context(), code)
	if err != nil {
		middleware.WriteError(w, spaxerr.New(spaxerr.KindTenantNotFound, "tenant not found"))
		return
	}
	if err := json.NewDecoder(r.Body).Decode(&existing); err != nil {
		middleware.WriteError(w, spaxerr.New(spaxerr.KindInvalidArgument, "invalid request body"))
		return
	}
	existing.Code = code
	if err := h.shared.UpdateTenant(r.Context(), &existing); err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, existing)
}

// -- Volumes --

func (h *AdminHandler) ListVolumes(w http.ResponseWriter, r *http.Request) {
	volumes, err := h.shared.ListVolumes(r.Context())
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, volumes)
}

func (h *AdminHandler) CreateVolume(w http.ResponseWriter, r *http.Request) {
	var v models.StorageVolume
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		middleware.WriteError(w, spaxerr.New(spaxerr.KindInvalidArgument, "invalid request body"))
		return
	}
	if err := h.shared.CreateVolume(r.Context(), &v); err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

func (h *AdminHandler) UpdateVolume(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		middleware.WriteError(w, spaxerr.New(spaxerr.KindInvalidArgument, "invalid volume id"))
		return
	}
	existing, err := h.shared.GetVolume(r.Context(), uint(id))
	if err != nil {
		middleware.WriteError(w, spaxerr.New(spaxerr.KindUnknownVolume, "volume not found"))
		return
	}
	if err := json.NewDecoder(r.Body).Decode(&existing); err != nil {
		middleware.WriteError(w, spaxerr.New(spaxerr.KindInvalidArgument, "invalid request body"))
		return
	}
	existing.ID = uint(id)
	if err := h.shared.UpdateVolume(r.Context(), &existing); err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, existing)
}

// ReloadVolumes forces the in-memory volume manager to reread the
// storage_volume table, applied after any volume CRUD.
func (h *AdminHandler) ReloadVolumes(w http.ResponseWriter, r *http.Request) {
	if err := h.volumes.Reload(r.Context()); err != nil {
		middleware.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// -- Lifecycle rules --

func (h *AdminHandler) ListLifecycleRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.shared.ListAllLifecycleRules(r.Context())
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rules)
}

func (h *AdminHandler) CreateLifecycleRule(w http.ResponseWriter, r *http.Request) {
	var rule models.LifecycleRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		middleware.WriteError(w, spaxerr.New(spaxerr.KindInvalidArgument, "invalid request body"))
		return
	}
	if err := h.shared.CreateLifecycleRule(r.Context(), &rule); err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

func (h *AdminHandler) UpdateLifecycleRule(w http.ResponseWriter, r *http.Request) {
	var rule models.LifecycleRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		middleware.WriteError(w, spaxerr.New(spaxerr.KindInvalidArgument, "invalid request body"))
		return
	}
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		middleware.WriteError(w, spaxerr.New(spaxerr.KindInvalidArgument, "invalid rule id"))
		return
	}
	rule.ID = uint(id)
	if err := h.shared.UpdateLifecycleRule(r.Context(), &rule); err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// -- Correction --

type correctPatientRequest struct {
	NewRawPatientID string `json:"new_raw_patient_id"`
}

func (h *AdminHandler) CorrectPatient(w http.ResponseWriter, r *http.Request) {
	tenantCode := tenant.MustFromContext(r.Context())
	patientID, err := strconv.ParseInt(chi.URLParam(r, "patientID"), 10, 64)
	if err != nil {
		middleware.WriteError(w, spaxerr.New(spaxerr.KindInvalidArgument, "invalid patient id"))
		return
	}
	var req correctPatientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.NewRawPatientID == "" {
		middleware.WriteError(w, spaxerr.New(spaxerr.KindInvalidArgument, "new_raw_patient_id is required"))
		return
	}

	patient, err := h.correction.PatientByID(r.Context(), tenantCode, patientID)
	if err != nil {
		middleware.WriteError(w, spaxerr.New(spaxerr.KindNotFound, "patient not found"))
		return
	}

	// Step 1 of spec.md's two-step correction: synchronous patient row
	// update, including the recomputed public_id. A lost optimistic-lock
	// race surfaces as spaxerr.KindConflict (409) here.
	newPublicID := dicomio.PatientPublicIDFor(req.NewRawPatientID)
	if err := h.correction.UpdatePatientRawID(r.Context(), tenantCode, patientID, req.NewRawPatientID, newPublicID, patient.Version); err != nil {
		middleware.WriteError(w, err)
		return
	}

	task := &models.CorrectionTask{
		PatientID:    patientID,
		NewRawPID:    req.NewRawPatientID,
		Status:       models.TaskInProgress,
		StudiesTotal: patient.NumStudies,
	}
	if user, ok := middleware.UserFromContext(r.Context()); ok {
		task.TriggeredBy = user.UserID.String()
	}
	if err := h.correction.CreateCorrectionTask(r.Context(), tenantCode, task); err != nil {
		middleware.WriteError(w, err)
		return
	}

	// Step 2: asynchronous per-study public_id recomputation, driving the
	// tracking task to a terminal state.
	go h.recomputeStudyPublicIDs(tenantCode, patientID, req.NewRawPatientID, task)

	h.recordAudit(r.Context(), tenantCode, "correct_patient", "patient", strconv.FormatInt(patientID, 10), "accepted")
	writeJSON(w, http.StatusAccepted, task)
}

// recomputeStudyPublicIDs drives every owning study's public_id to match a
// corrected patient's new raw id, then marks task COMPLETED or FAILED —
// the worker half of spec.md's correction task lifecycle, since a
// correction touches at most a handful of studies and does not need a
// separate polling worker to claim it.
func (h *AdminHandler) recomputeStudyPublicIDs(tenantCode string, patientID int64, newRawPatientID string, task *models.CorrectionTask) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	studies, err := h.correction.StudiesForPatient(ctx, tenantCode, patientID)
	if err != nil {
		task.Status = models.TaskFailed
		task.ErrorMessage = err.Error()
		if uerr := h.correction.UpdateCorrectionTask(ctx, tenantCode, task); uerr != nil {
			log.Error().Err(uerr).Msg("recording failed correction task")
		}
		return
	}

	for _, study := range studies {
		newStudyPublicID := dicomio.StudyPublicIDFor(newRawPatientID, study.StudyUID)
		if err := h.correction.RecomputeStudyPublicID(ctx, tenantCode, study.ID, newStudyPublicID); err != nil {
			task.Status = models.TaskFailed
			task.ErrorMessage = err.Error()
			if uerr := h.correction.UpdateCorrectionTask(ctx, tenantCode, task); uerr != nil {
				log.Error().Err(uerr).Msg("recording failed correction task")
			}
			return
		}
		task.StudiesDone++
	}

	task.Status = models.TaskCompleted
	if err := h.correction.UpdateCorrectionTask(ctx, tenantCode, task); err != nil {
		log.Error().Err(err).Msg("recording completed correction task")
	}
}

func (h *AdminHandler) ListCorrectionTasks(w http.ResponseWriter, r *http.Request) {
	tenantCode := tenant.MustFromContext(r.Context())
	tasks, err := h.correction.ListCorrectionTasks(r.Context(), tenantCode)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

// -- Compression --

type compressStudyRequest struct {
	TargetTSUID string `json:"target_tsuid"`
}

func (h *AdminHandler) TriggerCompression(w http.ResponseWriter, r *http.Request) {
	tenantCode := tenant.MustFromContext(r.Context())
	studyID, err := strconv.ParseInt(chi.URLParam(r, "studyID"), 10, 64)
	if err != nil {
		middleware.WriteError(w, spaxerr.New(spaxerr.KindInvalidArgument, "invalid study id"))
		return
	}
	var req compressStudyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TargetTSUID == "" {
		middleware.WriteError(w, spaxerr.New(spaxerr.KindInvalidArgument, "target_tsuid is required"))
		return
	}

	task := &models.CompressionTask{StudyID: studyID, TargetTSUID: req.TargetTSUID, Status: models.TaskPending}
	if err := h.correction.CreateCompressionTask(r.Context(), tenantCode, task); err != nil {
		middleware.WriteError(w, err)
		return
	}
	h.recordAudit(r.Context(), tenantCode, "trigger_compression", "study", strconv.FormatInt(studyID, 10), "accepted")
	writeJSON(w, http.StatusAccepted, task)
}

func (h *AdminHandler) ListCompressionTasks(w http.ResponseWriter, r *http.Request) {
	tenantCode := tenant.MustFromContext(r.Context())
	tasks, err := h.correction.ListCompressionTasks(r.Context(), tenantCode)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

// -- Audit --

func (h *AdminHandler) ListAuditLog(w http.ResponseWriter, r *http.Request) {
	tenantCode := tenant.MustFromContext(r.Context())
	limit, offset := 100, 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			offset = n
		}
	}
	entries, err := h.audit.List(r.Context(), tenantCode, limit, offset)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}
