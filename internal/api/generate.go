package api

import (
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/fpang/virtual-tryon/internal/identity"
	"github.com/fpang/virtual-tryon/internal/jobs"
	"github.com/fpang/virtual-tryon/internal/orchestrator"
	"github.com/fpang/virtual-tryon/internal/tryon"
)

// multipartOverhead is the allowance for form fields on top of the image.
const multipartOverhead = 1 << 20

const pendingMessage = "Your try-on is being generated. You can leave this page; it will appear in your history when ready."

// jobResponse is the body of generate and check-job-status.
type jobResponse struct {
	*orchestrator.Outcome
	Message          string `json:"message,omitempty"`
	Code             string `json:"code,omitempty"`
	PollAfterSeconds int    `json:"pollAfterSeconds,omitempty"`
	PollAttempts     int    `json:"pollAttempts,omitempty"`
}

// newJobResponse renders out. A failed job carries the stored error's
// public message and kind, so pollers can stop.
func newJobResponse(out *orchestrator.Outcome, debug bool) jobResponse {
	resp := jobResponse{Outcome: out}
	switch out.Status {
	case tryon.StatusPending, tryon.StatusProcessing:
		resp.Message = pendingMessage
		resp.PollAfterSeconds = PollAfterSeconds
		resp.PollAttempts = PollAttempts
	case tryon.StatusFailed:
		if out.Failure != nil {
			resp.Message = out.Failure.Public(debug)
			resp.Code = out.Failure.Kind.String()
		}
	}
	return resp
}

// POST /api/generate
// Multipart fields: subject (file) or subjectImageId; catalogItemId and
// catalogImageId, or garmentId and garmentFile; optional aspectRatio.
func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxFileSize+multipartOverhead)
	if err := r.ParseMultipartForm(s.cfg.MaxFileSize + multipartOverhead); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, r, tryon.Validation("File size exceeds the %d MB limit.", s.cfg.MaxFileSize>>20))
			return
		}
		s.writeError(w, r, tryon.Validation("Invalid upload. Please try again."))
		return
	}
	defer r.MultipartForm.RemoveAll()

	id := identityFrom(r.Context())
	req := orchestrator.Request{Identity: id}

	garment, err := tryon.NewGarmentRef(
		formValue(r, "catalogItemId"),
		formValue(r, "catalogImageId"),
		formValue(r, "garmentId"),
		formValue(r, "garmentFile"),
	)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	req.Garment = garment

	if raw := formValue(r, "aspectRatio"); raw != "" {
		ratio, err := tryon.ParseAspectRatio(raw)
		if err != nil {
			s.writeError(w, r, tryon.Validation("Unsupported aspect ratio."))
			return
		}
		req.AspectRatio = ratio
	}

	subject, err := s.subjectFromForm(r, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	req.Subject = subject

	out, err := s.pipeline.Submit(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if out.Status == tryon.StatusPending {
		status = http.StatusAccepted
	}
	respondJSON(w, status, newJobResponse(out, s.cfg.Debug))
}

// subjectFromForm prefers an uploaded file, then an explicit upload ID, then
// the caller's saved default image.
func (s *Server) subjectFromForm(r *http.Request, id identity.Identity) (tryon.SubjectRef, error) {
	if fh := firstFile(r.MultipartForm, "subject"); fh != nil {
		img, err := readPart(fh)
		if err != nil {
			return tryon.SubjectRef{}, err
		}
		return tryon.SubjectRef{Upload: img}, nil
	}
	if raw := formValue(r, "subjectImageId"); raw != "" {
		uploadID, ok := jobs.NormalizeID(raw, jobs.UploadPrefix)
		if !ok {
			return tryon.SubjectRef{}, tryon.Validation("Invalid image ID.")
		}
		return tryon.SubjectRef{UploadID: uploadID}, nil
	}
	if id.IsUser() {
		prefs, err := s.store.GetPreferences(r.Context(), id.String())
		if err != nil {
			log.Warn().Err(err).Str("identity", id.String()).Msg("Failed to load preferences")
		} else if prefs != nil && prefs.DefaultImageID != "" {
			return tryon.SubjectRef{UploadID: prefs.DefaultImageID}, nil
		}
	}
	return tryon.SubjectRef{}, tryon.Validation("Please upload an image.")
}

func formValue(r *http.Request, name string) string {
	return strings.TrimSpace(r.FormValue(name))
}

func firstFile(form *multipart.Form, name string) *multipart.FileHeader {
	if form == nil || len(form.File[name]) == 0 {
		return nil
	}
	return form.File[name][0]
}

// readPart loads an uploaded file. The declared content type is kept only
// as a hint; validation sniffs the bytes.
func readPart(fh *multipart.FileHeader) (*tryon.Image, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, tryon.Validation("Failed to read the uploaded file.")
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, tryon.Validation("Failed to read the uploaded file.")
	}
	declared := fh.Header.Get("Content-Type")
	if !strings.HasPrefix(declared, "image/") {
		declared = ""
	}
	return &tryon.Image{Data: data, MIME: declared, Filename: fh.Filename}, nil
}
