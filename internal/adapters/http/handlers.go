package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/jobrunner/offgrid/internal/application"
	"github.com/jobrunner/offgrid/internal/domain"
)

// maxRequestBody caps JSON request bodies.
const maxRequestBody = 1 << 16

// DownloadRequest is the body of POST /api/v1/downloads.
type DownloadRequest struct {
	BBox []float64 `json:"bbox"`
}

// handleHealth returns detailed health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	details := s.health.GetHealthDetails(r.Context())

	status := http.StatusOK
	if !details.Healthy {
		status = http.StatusServiceUnavailable
	}

	body := map[string]interface{}{
		"status":             boolToStatus(details.Healthy),
		"ready":              details.Ready,
		"regions_total":      details.RegionsTotal,
		"regions_downloaded": details.RegionsDownloaded,
		"components":         details.Components,
	}
	if details.ActiveDownload != "" {
		body["active_download"] = details.ActiveDownload
	}
	s.writeJSON(w, status, body)
}

// handleLiveness returns liveness status.
func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	if s.health.IsHealthy(r.Context()) {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	} else {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
	}
}

// handleReadiness returns readiness status.
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if s.health.IsReady(r.Context()) {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	} else {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
	}
}

// handleVersions returns the backend's versions and the installed ones.
func (s *Server) handleVersions(w http.ResponseWriter, r *http.Request) {
	available, err := s.versions.AvailableVersions(r.Context())
	if err != nil {
		s.handleError(w, err, "Failed to fetch versions")
		return
	}
	installed, err := s.versions.InstalledVersions(r.Context())
	if err != nil {
		s.handleError(w, err, "Failed to list installed versions")
		return
	}

	if available == nil {
		available = []string{}
	}
	if installed == nil {
		installed = []string{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"available": available,
		"installed": installed,
	})
}

// handleListRegions returns the region catalog.
func (s *Server) handleListRegions(w http.ResponseWriter, r *http.Request) {
	regions, err := s.catalog.ListRegions(r.Context())
	if err != nil {
		s.handleError(w, err, "Failed to list regions")
		return
	}

	response := make([]map[string]interface{}, len(regions))
	for i, region := range regions {
		response[i] = formatRegion(region)
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"regions": response,
		"count":   len(regions),
	})
}

// handleGetRegion returns one region with its packs.
func (s *Server) handleGetRegion(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["regionId"]

	region, err := s.catalog.GetRegion(r.Context(), id)
	if err != nil {
		s.handleError(w, err, "Failed to get region")
		return
	}

	s.writeJSON(w, http.StatusOK, formatRegion(region))
}

// handleRefresh refreshes the region catalog from the backend.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if s.sync == nil {
		s.writeError(w, http.StatusNotFound, "Catalog refresh not available")
		return
	}

	result, err := s.sync.TriggerSync(r.Context())
	if err != nil {
		if errors.Is(err, application.ErrRateLimited) {
			w.Header().Set("Retry-After", "30")
			s.writeError(w, http.StatusTooManyRequests, "Rate limit exceeded. Try again in 30 seconds.")
			return
		}
		s.handleError(w, err, "Catalog refresh failed")
		return
	}

	s.writeJSON(w, http.StatusOK, result)
}

// handleStartDownload starts a background download for a bounding box.
func (s *Server) handleStartDownload(w http.ResponseWriter, r *http.Request) {
	var req DownloadRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	rect, err := domain.RectangleFromBBox(req.BBox)
	if err != nil {
		s.handleError(w, err, "Invalid bounding box")
		return
	}

	job, err := s.jobs.Start(r.Context(), rect)
	if err != nil {
		s.handleError(w, err, "Failed to start download")
		return
	}

	w.Header().Set("Location", "/api/v1/downloads/"+job.ID)
	s.writeJSON(w, http.StatusAccepted, formatJob(job))
}

// handleGetDownload returns the state of a download job.
func (s *Server) handleGetDownload(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["jobId"]

	job, err := s.jobs.Get(id)
	if err != nil {
		s.handleError(w, err, "Failed to get download")
		return
	}

	s.writeJSON(w, http.StatusOK, formatJob(job))
}

// formatRegion formats a region for JSON output.
func formatRegion(region *domain.OfflineRegion) map[string]interface{} {
	out := map[string]interface{}{
		"id":           region.ID(),
		"revision":     region.Revision(),
		"name":         region.Name(),
		"description":  region.Description(),
		"last_updated": region.LastUpdated(),
		"bbox":         region.Geography().BBox(),
		"downloaded":   region.IsDownloaded(),
	}
	packs := map[string]interface{}{}
	for _, d := range []domain.OfflineRegionDomain{domain.DomainMaps, domain.DomainNavigation} {
		if pack := region.Pack(d); pack != nil {
			packs[string(d)] = formatPack(pack)
		}
	}
	out["packs"] = packs
	return out
}

// formatPack formats a pack for JSON output.
func formatPack(pack *domain.OfflineRegionPack) map[string]interface{} {
	out := map[string]interface{}{
		"path":     pack.Path,
		"bytes":    pack.Bytes,
		"progress": pack.Progress(),
	}
	if pack.Status != nil {
		out["status"] = pack.Status.String()
	}
	if pack.TotalBytes != nil {
		out["total_bytes"] = *pack.TotalBytes
	}
	if pack.URL != nil {
		out["url"] = *pack.URL
	}
	if pack.Format != nil {
		out["format"] = *pack.Format
	}
	if pack.DataVersion != nil {
		out["data_version"] = *pack.DataVersion
	}
	if pack.Error != nil {
		out["error"] = map[string]string{
			"kind":    string(pack.Error.Kind),
			"message": pack.Error.Message,
		}
	}
	return out
}

// formatJob formats a download job for JSON output.
func formatJob(job domain.DownloadJob) map[string]interface{} {
	out := map[string]interface{}{
		"id":          job.ID,
		"bbox":        job.Rectangle.BBox(),
		"stage":       job.Stage.String(),
		"status_text": job.StatusText,
		"history":     job.History,
		"version":     job.Version,
		"downloaded":  job.Downloaded,
		"total":       job.Total,
		"started_at":  job.StartedAt,
		"done":        job.Done(),
	}
	if !job.FinishedAt.IsZero() {
		out["finished_at"] = job.FinishedAt
	}
	if res := job.Result; res != nil {
		result := map[string]interface{}{
			"stage":       res.Stage.String(),
			"succeeded":   res.Succeeded(),
			"output_dir":  res.OutputDir,
			"duration_ms": res.Duration().Milliseconds(),
		}
		if res.Unpack != nil {
			result["files"] = res.Unpack.Files
			result["bytes"] = res.Unpack.Bytes
		}
		if res.Err != nil {
			result["error"] = res.Err.Error()
		}
		out["result"] = result
	}
	return out
}

// handleError maps domain errors to HTTP status codes.
func (s *Server) handleError(w http.ResponseWriter, err error, fallback string) {
	var validationErr *domain.ValidationError
	switch {
	case errors.As(err, &validationErr):
		s.writeError(w, http.StatusBadRequest, validationErr.Message)
	case errors.Is(err, domain.ErrInvalidInput):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrRegionNotFound):
		s.writeError(w, http.StatusNotFound, "Region not found")
	case errors.Is(err, domain.ErrJobNotFound):
		s.writeError(w, http.StatusNotFound, "Download not found")
	case errors.Is(err, domain.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrDownloadInProgress):
		s.writeError(w, http.StatusConflict, "A download is already running")
	case errors.Is(err, domain.ErrUnavailable):
		s.logger.Warn("dependency unavailable", "error", err)
		s.writeError(w, http.StatusServiceUnavailable, fallback)
	default:
		s.logger.Error("request failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, fallback)
	}
}

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]interface{}{
		"error":   http.StatusText(status),
		"message": message,
	})
}

func boolToStatus(b bool) string {
	if b {
		return "ok"
	}
	return "unhealthy"
}
