// Package api is the HTTP surface of the try-on service. The same handler
// runs behind API Gateway in Lambda and under the local serve command.
//
// Endpoints:
//
//	GET  /api/health                health check
//	GET  /api/garments              free-form garment list
//	POST /api/generate              submit a try-on (multipart)
//	POST /api/check-job-status      poll a job
//	POST /api/get-catalog-images    images of a catalog item
//	GET  /api/history               caller's past try-ons (login required)
//	POST /api/delete-history-item   remove one history entry (owner only)
//	POST /api/save-default-image    remember a subject photo (owner only)
package api

import (
	"context"
	"net/http"

	"github.com/fpang/virtual-tryon/internal/catalog"
	"github.com/fpang/virtual-tryon/internal/config"
	"github.com/fpang/virtual-tryon/internal/identity"
	"github.com/fpang/virtual-tryon/internal/orchestrator"
	"github.com/fpang/virtual-tryon/internal/s3util"
	"github.com/fpang/virtual-tryon/internal/store"
	"github.com/fpang/virtual-tryon/internal/tryon"
)

// PollAfterSeconds is the polling interval clients are told to use.
const PollAfterSeconds = 10

// PollAttempts is how often a client polls before pointing the user at the
// history page.
const PollAttempts = 30

// Pipeline is the part of the orchestrator the handlers call.
type Pipeline interface {
	Submit(ctx context.Context, req orchestrator.Request) (*orchestrator.Outcome, error)
	Status(ctx context.Context, sessionID string) (*orchestrator.Outcome, error)
}

// Server holds the handler dependencies.
type Server struct {
	cfg      *config.Config
	pipeline Pipeline
	store    store.SessionStore
	objects  s3util.Objects
	catalog  *catalog.Service
	identity *identity.Resolver
	service  string
}

// Deps are the collaborators of a Server.
type Deps struct {
	Config   *config.Config
	Pipeline Pipeline
	Store    store.SessionStore
	Objects  s3util.Objects
	Catalog  *catalog.Service
	Identity *identity.Resolver
}

// New creates a Server.
func New(d Deps) *Server {
	return &Server{
		cfg:      d.Config,
		pipeline: d.Pipeline,
		store:    d.Store,
		objects:  d.Objects,
		catalog:  d.Catalog,
		identity: d.Identity,
		service:  "virtual-tryon",
	}
}

// Handler returns the routed handler wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/garments", s.handleGarments)
	mux.HandleFunc("POST /api/generate", s.handleGenerate)
	mux.HandleFunc("POST /api/check-job-status", s.handleJobStatus)
	mux.HandleFunc("POST /api/get-catalog-images", s.handleCatalogImages)
	mux.HandleFunc("GET /api/history", s.handleHistory)
	mux.HandleFunc("POST /api/delete-history-item", s.handleDeleteHistoryItem)
	mux.HandleFunc("POST /api/save-default-image", s.handleSaveDefaultImage)

	var h http.Handler = mux
	h = s.withIdentity(h)
	h = withSecurityHeaders(h)
	h = s.withOriginVerify(h)
	h = withMetrics(h)
	return h
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": s.service,
		"version": s.cfg.Version,
		"mode":    s.cfg.ExecutionMode,
	})
}

func (s *Server) handleGarments(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"garments":     s.cfg.Garments,
		"aspectRatios": tryon.AspectRatios,
	})
}
