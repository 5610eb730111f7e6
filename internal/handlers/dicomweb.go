package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/otcheredev/spax/internal/cache"
	"github.com/otcheredev/spax/internal/dicomio"
	"github.com/otcheredev/spax/internal/dicomweb"
	"github.com/otcheredev/spax/internal/metadata"
	"github.com/otcheredev/spax/internal/middleware"
	"github.com/otcheredev/spax/internal/models"
	"github.com/otcheredev/spax/internal/pathtemplate"
	"github.com/otcheredev/spax/internal/repository"
	"github.com/otcheredev/spax/internal/spaxerr"
	"github.com/otcheredev/spax/internal/tenant"
	"github.com/otcheredev/spax/internal/volume"
	"github.com/rs/zerolog/log"
)

// DICOMWebHandler serves the QIDO-RS/WADO-RS/STOW-RS surface of spec.md §4.9
// -§4.10, backed by the query repository, the named cache layer, and the
// volume manager for byte retrieval.
type DICOMWebHandler struct {
	queryRepo *repository.QueryRepository
	ingest    *repository.IngestRepository
	cache     *cache.Store
	volumes   *volume.Manager
	builder   *metadata.Builder
}

func NewDICOMWebHandler(queryRepo *repository.QueryRepository, ingest *repository.IngestRepository, cacheStore *cache.Store, volumes *volume.Manager, builder *metadata.Builder) *DICOMWebHandler {
	return &DICOMWebHandler{queryRepo: queryRepo, ingest: ingest, cache: cacheStore, volumes: volumes, builder: builder}
}

// SearchStudies handles GET /studies.
func (h *DICOMWebHandler) SearchStudies(w http.ResponseWriter, r *http.Request) {
	tenantCode := tenant.MustFromContext(r.Context())
	q := r.URL.Query()
	params := repository.QIDOParams{
		PatientName:      q.Get("PatientName"),
		PatientID:        q.Get("PatientID"),
		StudyDate:        q.Get("StudyDate"),
		AccessionNumber:  q.Get("AccessionNumber"),
		StudyDescription: q.Get("StudyDescription"),
		StudyUID:         q.Get("StudyInstanceUID"),
	}
	if v := q.Get("limit"); v != "" {
		params.Limit, _ = strconv.Atoi(v)
	}
	if v := q.Get("offset"); v != "" {
		params.Offset, _ = strconv.Atoi(v)
	}

	rows, err := h.queryRepo.SearchStudies(r.Context(), tenantCode, params)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/dicom+json")
	if err := dicomweb.StreamArray(w, len(rows), func(i int) interface{} {
		return dicomweb.StudyJSON(rows[i])
	}); err != nil {
		log.Error().Err(err).Msg("streaming study search response")
	}

	studyIDs := make([]int64, len(rows))
	for i, row := range rows {
		studyIDs[i] = row.ID
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := h.queryRepo.TouchLastAccessed(ctx, tenantCode, studyIDs); err != nil {
			log.Warn().Err(err).Msg("touching last_accessed_at after study search")
		}
	}()
}

// SearchSeries handles GET /studies/{studyUID}/series.
func (h *DICOMWebHandler) SearchSeries(w http.ResponseWriter, r *http.Request) {
	tenantCode := tenant.MustFromContext(r.Context())
	studyUID := chi.URLParam(r, "studyUID")

	series, err := h.queryRepo.SearchSeries(r.Context(), tenantCode, studyUID)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/dicom+json")
	if err := dicomweb.StreamArray(w, len(series), func(i int) interface{} {
		s := series[i]
		return dicomweb.SeriesJSON(s.SeriesUID, s.Modality, s.Description, studyUID, s.NumInstances)
	}); err != nil {
		log.Error().Err(err).Msg("streaming series search response")
	}
}

// SearchInstances handles GET /studies/{studyUID}/series/{seriesUID}/instances.
func (h *DICOMWebHandler) SearchInstances(w http.ResponseWriter, r *http.Request) {
	tenantCode := tenant.MustFromContext(r.Context())
	studyUID := chi.URLParam(r, "studyUID")
	seriesUID := chi.URLParam(r, "seriesUID")

	instances, err := h.queryRepo.SearchInstances(r.Context(), tenantCode, studyUID, seriesUID)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/dicom+json")
	if err := dicomweb.StreamArray(w, len(instances), func(i int) interface{} {
		inst := instances[i]
		return dicomweb.InstanceJSON(studyUID, seriesUID, inst.SOPClassUID, inst.SOPInstanceUID, inst.InstanceNumber, inst.NumberOfFrames)
	}); err != nil {
		log.Error().Err(err).Msg("streaming instance search response")
	}
}

// RetrieveInstance handles WADO-RS GET .../instances/{sopInstanceUID},
// spec.md line 192: a bare `application/dicom` body, not multipart —
// multipart/related is reserved for the study/series-level retrieves below.
func (h *DICOMWebHandler) RetrieveInstance(w http.ResponseWriter, r *http.Request) {
	tenantCode := tenant.MustFromContext(r.Context())
	studyUID := chi.URLParam(r, "studyUID")
	seriesUID := chi.URLParam(r, "seriesUID")
	sopUID := chi.URLParam(r, "instanceUID")

	instances, err := h.queryRepo.SearchInstances(r.Context(), tenantCode, studyUID, seriesUID)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	var target *models.Instance
	for i := range instances {
		if instances[i].SOPInstanceUID == sopUID {
			target = &instances[i]
			break
		}
	}
	if target == nil {
		middleware.WriteError(w, spaxerr.New(spaxerr.KindNotFound, "instance not found"))
		return
	}

	provider, err := h.volumes.Provider(r.Context(), target.VolumeID)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	rc, err := provider.Read(r.Context(), target.StoragePath)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/dicom")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		log.Error().Err(err).Msg("streaming instance body")
	}
}

// RetrieveStudy handles WADO-RS GET .../studies/{studyUID}, spec.md line
// 191: every instance of the study streamed as successive
// multipart/related parts.
func (h *DICOMWebHandler) RetrieveStudy(w http.ResponseWriter, r *http.Request) {
	tenantCode := tenant.MustFromContext(r.Context())
	studyUID := chi.URLParam(r, "studyUID")

	instances, err := h.queryRepo.SearchInstancesByStudy(r.Context(), tenantCode, studyUID)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	h.streamInstancesRelated(w, r, instances)
}

// RetrieveSeries handles WADO-RS GET .../series/{seriesUID}, spec.md line
// 191: every instance of the series streamed as successive
// multipart/related parts.
func (h *DICOMWebHandler) RetrieveSeries(w http.ResponseWriter, r *http.Request) {
	tenantCode := tenant.MustFromContext(r.Context())
	studyUID := chi.URLParam(r, "studyUID")
	seriesUID := chi.URLParam(r, "seriesUID")

	instances, err := h.queryRepo.SearchInstances(r.Context(), tenantCode, studyUID, seriesUID)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	h.streamInstancesRelated(w, r, instances)
}

// streamInstancesRelated writes every instance in order as one
// multipart/related response, one application/dicom part per instance, each
// labelled with that instance's transfer syntax.
func (h *DICOMWebHandler) streamInstancesRelated(w http.ResponseWriter, r *http.Request, instances []models.Instance) {
	boundary := dicomweb.NewBoundary()
	mw := dicomweb.NewRelatedWriter(w, boundary)
	w.Header().Set("Content-Type", mw.ContentType("application/dicom"))
	w.WriteHeader(http.StatusOK)

	for i := range instances {
		inst := &instances[i]
		provider, err := h.volumes.Provider(r.Context(), inst.VolumeID)
		if err != nil {
			log.Error().Err(err).Msg("resolving volume for multipart retrieve")
			return
		}
		rc, err := provider.Read(r.Context(), inst.StoragePath)
		if err != nil {
			log.Error().Err(err).Msg("opening instance for multipart retrieve")
			return
		}
		partErr := mw.WritePart(fmt.Sprintf(`application/dicom; transfer-syntax=%s`, inst.TransferSyntaxUID), rc)
		rc.Close()
		if partErr != nil {
			log.Error().Err(partErr).Msg("streaming multipart instance body")
			return
		}
	}
	_ = mw.Close()
}

// RetrieveFrames handles WADO-RS GET .../frames/{frameList}, spec.md §4.10.
func (h *DICOMWebHandler) RetrieveFrames(w http.ResponseWriter, r *http.Request) {
	tenantCode := tenant.MustFromContext(r.Context())
	studyUID := chi.URLParam(r, "studyUID")
	seriesUID := chi.URLParam(r, "seriesUID")
	sopUID := chi.URLParam(r, "instanceUID")
	frameList := chi.URLParam(r, "frameList")

	frameNumbers, err := parseFrameList(frameList)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}

	instances, err := h.queryRepo.SearchInstances(r.Context(), tenantCode, studyUID, seriesUID)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	var target *models.Instance
	for i := range instances {
		if instances[i].SOPInstanceUID == sopUID {
			target = &instances[i]
			break
		}
	}
	if target == nil {
		middleware.WriteError(w, spaxerr.New(spaxerr.KindNotFound, "instance not found"))
		return
	}

	provider, err := h.volumes.Provider(r.Context(), target.VolumeID)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}

	headerRC, err := provider.Read(r.Context(), target.StoragePath)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	meta, err := dicomio.ParseHeader(headerRC, target.FileSize)
	headerRC.Close()
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	kind := dicomio.Classify(target.TransferSyntaxUID, target.NumberOfFrames)
	partContentType := frameContentType(kind, target.TransferSyntaxUID)

	boundary := dicomweb.NewBoundary()
	mw := dicomweb.NewRelatedWriter(w, boundary)
	w.Header().Set("Content-Type", mw.ContentType(partContentType))
	w.WriteHeader(http.StatusOK)

	for _, n := range frameNumbers {
		// V1 strategy: reopen the instance stream per frame, per spec.md §4.10.
		rc, err := provider.Read(r.Context(), target.StoragePath)
		if err != nil {
			log.Error().Err(err).Msg("opening instance for frame retrieval")
			return
		}
		var buf bytes.Buffer
		extractErr := dicomio.ExtractFrame(rc, n, kind, meta, &buf)
		rc.Close()
		if extractErr != nil {
			middleware.WriteError(w, extractErr)
			return
		}
		if err := mw.WritePart(partContentType, &buf); err != nil {
			log.Error().Err(err).Msg("streaming frame body")
			return
		}
	}
	_ = mw.Close()
}

// frameContentType picks the frame part Content-Type per spec.md line 146:
// bare octet-stream for uncompressed data, with a transfer-syntax parameter
// appended for anything compressed or video.
func frameContentType(kind dicomio.FrameKind, transferSyntaxUID string) string {
	switch kind {
	case dicomio.UncompressedSingle, dicomio.UncompressedMulti:
		return "application/octet-stream"
	default:
		return fmt.Sprintf("application/octet-stream; transfer-syntax=%s", transferSyntaxUID)
	}
}

func parseFrameList(raw string) ([]int, error) {
	parts := strings.Split(raw, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || n < 1 {
			return nil, spaxerr.New(spaxerr.KindBadFrameList, fmt.Sprintf("invalid frame number %q", p))
		}
		out = append(out, n)
	}
	if len(out) == 0 {
		return nil, spaxerr.New(spaxerr.KindBadFrameList, "empty frame list")
	}
	return out, nil
}

// RetrieveSeriesMetadata handles GET .../series/{seriesUID}/metadata,
// rebuilding the cache file on a lookup miss.
func (h *DICOMWebHandler) RetrieveSeriesMetadata(w http.ResponseWriter, r *http.Request) {
	tenantCode := tenant.MustFromContext(r.Context())
	studyUID := chi.URLParam(r, "studyUID")
	seriesUID := chi.URLParam(r, "seriesUID")

	series, err := h.queryRepo.SearchSeries(r.Context(), tenantCode, studyUID)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	var seriesID int64 = -1
	for _, s := range series {
		if s.SeriesUID == seriesUID {
			seriesID = s.ID
			break
		}
	}
	if seriesID < 0 {
		middleware.WriteError(w, spaxerr.New(spaxerr.KindNotFound, "series not found"))
		return
	}

	volumeID, path, ok, err := h.cache.SeriesMetadataLookup(r.Context(), tenantCode, seriesID, func() (uint, string, bool, error) {
		return h.queryRepo.SeriesMetadataLocation(r.Context(), tenantCode, seriesID)
	})
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	if !ok {
		local, err := h.seriesStoredLocally(r.Context(), tenantCode, seriesID)
		if err != nil {
			middleware.WriteError(w, err)
			return
		}

		if local {
			// Local volumes: build the payload for this response directly
			// from the instance files, and rebuild the cache file in the
			// background so future requests hit it instead of re-reading
			// every instance again.
			payload, err := h.builder.BuildTransient(r.Context(), tenantCode, seriesID)
			if err != nil {
				middleware.WriteError(w, err)
				return
			}
			go func() {
				rebuildCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
				defer cancel()
				if err := h.builder.Rebuild(rebuildCtx, tenantCode, seriesID); err != nil {
					log.Error().Err(err).Int64("series_id", seriesID).Msg("rebuilding series metadata cache")
					return
				}
				_ = h.cache.InvalidateSeriesMetadataLookup(rebuildCtx, tenantCode, seriesID)
			}()
			w.Header().Set("Content-Type", "application/dicom+json")
			if _, err := w.Write(payload); err != nil {
				log.Error().Err(err).Msg("writing series metadata")
			}
			return
		}

		// Object-store volumes: persist the cache file before serving this
		// request, avoiding N per-object GETs on every future lookup.
		if err := h.builder.Rebuild(r.Context(), tenantCode, seriesID); err != nil {
			middleware.WriteError(w, err)
			return
		}
		_ = h.cache.InvalidateSeriesMetadataLookup(r.Context(), tenantCode, seriesID)
		volumeID, path, ok, err = h.queryRepo.SeriesMetadataLocation(r.Context(), tenantCode, seriesID)
		if err != nil || !ok {
			middleware.WriteError(w, spaxerr.New(spaxerr.KindNotFound, "metadata rebuild produced no file"))
			return
		}
	}

	provider, err := h.volumes.Provider(r.Context(), volumeID)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	rc, err := provider.Read(r.Context(), path)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/dicom+json")
	if _, err := io.Copy(w, rc); err != nil {
		log.Error().Err(err).Msg("streaming series metadata")
	}
}

// seriesStoredLocally reports whether seriesID's instances currently live
// on a local-disk volume rather than an object store, per spec.md:144's
// split metadata-cache-miss strategy. It checks one instance's volume only;
// migration moves instances one task at a time, so while a series is being
// migrated its instances can sit on volumes of different kinds.
func (h *DICOMWebHandler) seriesStoredLocally(ctx context.Context, tenantCode string, seriesID int64) (bool, error) {
	locations, err := h.cache.InstanceLocations(ctx, tenantCode, seriesID, func() (map[string]models.Location, error) {
		return h.queryRepo.InstanceLocationsBySeries(ctx, tenantCode, seriesID)
	})
	if err != nil {
		return false, err
	}
	for _, loc := range locations {
		vol, ok := h.volumes.Volume(loc.VolumeID)
		if !ok {
			continue
		}
		return vol.ProviderKind == models.ProviderLocal, nil
	}
	return false, nil
}

// StoreInstances handles STOW-RS POST /studies (and /studies/{studyUID}),
// spec.md §4.9's store path. Request bodies use the standard
// mime/multipart.Reader, per the Open Question resolved in DESIGN.md; the
// per-part PS3.18 response (ReferencedSOPSequence/FailedSOPSequence) is
// assembled from each part's outcome.
func (h *DICOMWebHandler) StoreInstances(w http.ResponseWriter, r *http.Request) {
	tenantCode := tenant.MustFromContext(r.Context())

	mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") {
		middleware.WriteError(w, spaxerr.New(spaxerr.KindInvalidArgument, "expected multipart/related request body"))
		return
	}
	boundary, ok := params["boundary"]
	if !ok {
		middleware.WriteError(w, spaxerr.New(spaxerr.KindInvalidArgument, "missing multipart boundary"))
		return
	}

	reader := multipart.NewReader(r.Body, boundary)
	var referenced []map[string]interface{}
	var failed []map[string]interface{}
	var items []repository.IngestItem

	for {
		part, err := reader.NextPart()
		if err != nil {
			break
		}
		item, storeErr := h.storeStowPart(r.Context(), tenantCode, part)
		part.Close()
		if storeErr != nil {
			failed = append(failed, map[string]interface{}{
				"00081150": map[string]interface{}{"vr": "UI", "Value": []interface{}{}},
				"00900001": map[string]interface{}{"vr": "US", "Value": []interface{}{272}},
			})
			log.Warn().Err(storeErr).Msg("STOW part rejected")
			continue
		}
		items = append(items, item)
		referenced = append(referenced, map[string]interface{}{
			"00081150": map[string]interface{}{"vr": "UI", "Value": []interface{}{item.Meta.SOPClassUID}},
			"00081155": map[string]interface{}{"vr": "UI", "Value": []interface{}{item.Meta.SOPInstanceUID}},
		})
	}

	if len(items) > 0 {
		if _, err := h.ingest.UpsertBatch(r.Context(), tenantCode, items); err != nil {
			middleware.WriteError(w, err)
			return
		}
	}

	status := http.StatusOK
	switch {
	case len(referenced) == 0:
		status = http.StatusConflict
	case len(failed) > 0:
		status = http.StatusAccepted
	}

	w.Header().Set("Content-Type", "application/dicom+json")
	w.WriteHeader(status)
	body := map[string]interface{}{}
	if len(referenced) > 0 {
		body["00081199"] = map[string]interface{}{"vr": "SQ", "Value": referenced}
	}
	if len(failed) > 0 {
		body["00081198"] = map[string]interface{}{"vr": "SQ", "Value": failed}
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Msg("encoding STOW response")
	}
}

func (h *DICOMWebHandler) storeStowPart(ctx context.Context, tenantCode string, part *multipart.Part) (repository.IngestItem, error) {
	var buf bytes.Buffer
	size, err := buf.ReadFrom(part)
	if err != nil {
		return repository.IngestItem{}, err
	}

	meta, err := dicomio.ParseHeader(bytes.NewReader(buf.Bytes()), size)
	if err != nil {
		return repository.IngestItem{}, err
	}

	target, err := h.volumes.ActiveWriteVolume(ctx, models.TierHot)
	if err != nil {
		return repository.IngestItem{}, err
	}
	provider, err := h.volumes.Provider(ctx, target.ID)
	if err != nil {
		return repository.IngestItem{}, err
	}

	tmpl := target.PathTemplate
	if tmpl == "" {
		tmpl = pathtemplate.DefaultTemplate
	}
	compiled, err := pathtemplate.Compile(tmpl)
	if err != nil {
		return repository.IngestItem{}, err
	}
	path := compiled.Resolve(tenantCode, meta, time.Now().UTC())

	if err := provider.Write(ctx, path, bytes.NewReader(buf.Bytes()), size); err != nil {
		return repository.IngestItem{}, err
	}

	return repository.IngestItem{Meta: meta, VolumeID: target.ID, StoragePath: path, FileSize: size}, nil
}
