package api

import (
	"net/http"

	"github.com/fpang/virtual-tryon/internal/jobs"
	"github.com/fpang/virtual-tryon/internal/tryon"
)

// POST /api/check-job-status
// Body: {"jobId": "tryon-..."}. Anyone holding the job ID may poll it. A
// failed job answers 200 with status "failed"; only a poll that could not
// be served is an error response.
func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		JobID string `json:"jobId"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.JobID == "" {
		s.writeError(w, r, tryon.Validation("Job ID is required."))
		return
	}
	id, ok := jobs.NormalizeID(req.JobID, jobs.SessionPrefix)
	if !ok {
		s.writeError(w, r, tryon.Validation("Invalid job ID."))
		return
	}

	out, err := s.pipeline.Status(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, newJobResponse(out, s.cfg.Debug))
}

// POST /api/get-catalog-images
// Body: {"itemId": "42"}
func (s *Server) handleCatalogImages(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ItemID string `json:"itemId"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	images, cached, err := s.catalog.Images(r.Context(), req.ItemID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"images": images,
		"cached": cached,
	})
}
