package handlers

import (
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/otcheredev/spax/internal/diskmonitor"
	"github.com/otcheredev/spax/internal/middleware"
	"github.com/otcheredev/spax/internal/models"
	"github.com/otcheredev/spax/internal/queue"
	"github.com/otcheredev/spax/internal/spaxerr"
	"github.com/otcheredev/spax/internal/tenant"
	"github.com/otcheredev/spax/internal/volume"
	"github.com/rs/zerolog/log"
)

// IngestHandler accepts a raw DICOM byte stream over HTTP, stages it to
// local disk, and publishes a queue message for the ingest consumer to
// pick up — the accept-side half of spec.md §4.5's pipeline (component 8
// is the drain side).
type IngestHandler struct {
	queue       *queue.Queue
	diskMonitor *diskmonitor.Monitor
	volumes     *volume.Manager
	stagingDir  string
}

func NewIngestHandler(q *queue.Queue, monitor *diskmonitor.Monitor, volumes *volume.Manager, stagingDir string) *IngestHandler {
	return &IngestHandler{queue: q, diskMonitor: monitor, volumes: volumes, stagingDir: stagingDir}
}

// checkWriteVolume enforces spec.md §3's invariant that ingest cannot
// proceed without at least one ACTIVE HOT volume: it returns the
// no-write-volume error synchronously rather than letting the caller learn
// of the failure only when the consumer later quarantines the file.
func (h *IngestHandler) checkWriteVolume(ctx context.Context) error {
	_, err := h.volumes.ActiveWriteVolume(ctx, models.TierHot)
	return err
}

// ingestResponse reports how many files a multipart/form-data upload
// contained and how many were successfully staged and queued.
type ingestResponse struct {
	Received int `json:"received"`
	Queued   int `json:"queued"`
}

// maxIngestMemory bounds how much of a multipart/form-data body
// ParseMultipartForm buffers in memory before spilling files to temp disk.
const maxIngestMemory = 32 << 20

// Ingest handles POST /api/v1/{tenant}/ingest: a multipart/form-data body
// carrying one or more DICOM files under the "files" field.
func (h *IngestHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	if h.diskMonitor.IngestBlocked() {
		middleware.WriteError(w, spaxerr.New(spaxerr.KindDiskLow, "ingest is currently blocked: storage volumes are critically low on free space"))
		return
	}
	if err := h.checkWriteVolume(r.Context()); err != nil {
		middleware.WriteError(w, err)
		return
	}

	tenantCode := tenant.MustFromContext(r.Context())

	if err := r.ParseMultipartForm(maxIngestMemory); err != nil {
		middleware.WriteError(w, spaxerr.Wrap(spaxerr.KindInvalidArgument, "parsing multipart/form-data body", err))
		return
	}
	files := r.MultipartForm.File["files"]
	if len(files) == 0 {
		middleware.WriteError(w, spaxerr.New(spaxerr.KindInvalidArgument, "no files provided in the \"files\" field"))
		return
	}

	if err := os.MkdirAll(h.stagingDir, 0o755); err != nil {
		middleware.WriteError(w, spaxerr.Wrap(spaxerr.KindStorageUnavailable, "creating staging directory", err))
		return
	}

	resp := ingestResponse{Received: len(files)}
	for _, fh := range files {
		if err := h.stageAndPublish(r.Context(), tenantCode, fh); err != nil {
			log.Warn().Err(err).Str("tenant", tenantCode).Str("file", fh.Filename).Msg("skipping ingest part that failed to stage or publish")
			continue
		}
		resp.Queued++
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(resp)
}

// stageAndPublish copies one multipart file part to the staging directory
// and publishes a queue message for the ingest consumer to pick up.
func (h *IngestHandler) stageAndPublish(ctx context.Context, tenantCode string, fh *multipart.FileHeader) error {
	src, err := fh.Open()
	if err != nil {
		return spaxerr.Wrap(spaxerr.KindInvalidArgument, "opening uploaded file part", err)
	}
	defer src.Close()

	stagedPath := filepath.Join(h.stagingDir, uuid.NewString()+".dcm")
	f, err := os.Create(stagedPath)
	if err != nil {
		return spaxerr.Wrap(spaxerr.KindStorageUnavailable, "staging upload", err)
	}
	if _, err := io.Copy(f, src); err != nil {
		f.Close()
		os.Remove(stagedPath)
		return spaxerr.Wrap(spaxerr.KindStorageUnavailable, "writing staged upload", err)
	}
	f.Close()

	msg := queue.Message{FilePath: stagedPath, TenantCode: tenantCode, ReceivedAt: time.Now().UTC()}
	if err := h.queue.Publish(ctx, msg); err != nil {
		os.Remove(stagedPath)
		return spaxerr.Wrap(spaxerr.KindStorageUnavailable, "publishing to ingest queue", err)
	}
	return nil
}

// TransferCommit handles POST /api/v1/transfer/commit: an external
// collaborator (the DIMSE gateway, out of scope per spec.md §1) has already
// staged one or more files on shared storage and asks the archive to
// enqueue them for indexing without re-transferring bytes over HTTP.
type transferCommitRequest struct {
	TenantCode string   `json:"tenantCode"`
	FilePaths  []string `json:"files"`
}

func (h *IngestHandler) TransferCommit(w http.ResponseWriter, r *http.Request) {
	if h.diskMonitor.IngestBlocked() {
		middleware.WriteError(w, spaxerr.New(spaxerr.KindDiskLow, "ingest is currently blocked: storage volumes are critically low on free space"))
		return
	}
	if err := h.checkWriteVolume(r.Context()); err != nil {
		middleware.WriteError(w, err)
		return
	}

	var req transferCommitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, spaxerr.New(spaxerr.KindInvalidArgument, "invalid request body"))
		return
	}
	if len(req.FilePaths) == 0 {
		middleware.WriteError(w, spaxerr.New(spaxerr.KindInvalidArgument, "files must not be empty"))
		return
	}

	for _, path := range req.FilePaths {
		msg := queue.Message{FilePath: path, TenantCode: req.TenantCode, ReceivedAt: time.Now().UTC()}
		if err := h.queue.Publish(r.Context(), msg); err != nil {
			middleware.WriteError(w, spaxerr.Wrap(spaxerr.KindStorageUnavailable, "publishing to ingest queue", err))
			return
		}
	}

	w.WriteHeader(http.StatusAccepted)
}
