package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/fpang/virtual-tryon/internal/identity"
	"github.com/fpang/virtual-tryon/internal/jobs"
	"github.com/fpang/virtual-tryon/internal/jobutil"
	"github.com/fpang/virtual-tryon/internal/s3util"
	"github.com/fpang/virtual-tryon/internal/store"
	"github.com/fpang/virtual-tryon/internal/tryon"
)

// historyItem is one entry of GET /api/history.
type historyItem struct {
	ID             string            `json:"id"`
	Status         tryon.Status      `json:"status"`
	Mode           tryon.GarmentMode `json:"mode"`
	CatalogItemID  string            `json:"catalogItemId,omitempty"`
	CatalogImageID string            `json:"catalogImageId,omitempty"`
	GarmentID      string            `json:"garmentId,omitempty"`
	AspectRatio    tryon.AspectRatio `json:"aspectRatio"`
	ImageURL       string            `json:"imageUrl,omitempty"`
	ThumbnailURL   string            `json:"thumbnailUrl,omitempty"`
	Message        string            `json:"message,omitempty"`
	CreatedAt      int64             `json:"createdAt"`
}

// requireUser writes a 401 and returns false for anonymous callers.
func requireUser(w http.ResponseWriter, id identity.Identity) bool {
	if id.IsUser() {
		return true
	}
	httpError(w, http.StatusUnauthorized, "login_required", "Please log in to use this feature.")
	return false
}

// GET /api/history?cursor=...
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	if !requireUser(w, id) {
		return
	}
	ctx := r.Context()
	owner := id.String()

	page, err := s.store.ListSessions(ctx, owner, r.URL.Query().Get("cursor"), s.cfg.HistoryPageSize)
	if err != nil {
		if tryon.KindOf(err) == tryon.KindUnknown {
			err = tryon.Storage(err, "Failed to load your history.")
		}
		s.writeError(w, r, err)
		return
	}

	items := make([]historyItem, 0, len(page.Sessions))
	for _, sess := range page.Sessions {
		items = append(items, s.historyItem(ctx, sess))
	}

	unseen := 0
	if prefs, err := s.store.GetPreferences(ctx, owner); err == nil && prefs != nil {
		unseen = prefs.Unseen
	}
	if unseen > 0 {
		if err := s.store.ClearUnseen(ctx, owner); err != nil {
			log.Warn().Err(err).Str("identity", owner).Msg("Failed to clear unseen counter")
		}
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"items":      items,
		"nextCursor": page.NextCursor,
		"unseen":     unseen,
	})
}

func (s *Server) historyItem(ctx context.Context, sess *store.Session) historyItem {
	item := historyItem{
		ID:             sess.ID,
		Status:         sess.Status,
		Mode:           sess.Mode,
		CatalogItemID:  sess.CatalogItemID,
		CatalogImageID: sess.CatalogImageID,
		GarmentID:      sess.GarmentID,
		AspectRatio:    sess.AspectRatio,
		CreatedAt:      sess.CreatedAt,
	}
	switch sess.Status {
	case tryon.StatusCompleted:
		item.ImageURL = s.signedURL(ctx, sess.ResultKey)
		item.ThumbnailURL = s.signedURL(ctx, sess.ThumbnailKey)
		if item.ThumbnailURL == "" {
			item.ThumbnailURL = item.ImageURL
		}
	case tryon.StatusFailed:
		item.Message = jobutil.StoredError(sess).Public(s.cfg.Debug)
	}
	return item
}

func (s *Server) signedURL(ctx context.Context, key string) string {
	if key == "" {
		return ""
	}
	url, err := s.objects.URL(ctx, key)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Failed to sign object URL")
		return ""
	}
	return url
}

// POST /api/delete-history-item
// Body: {"sessionId": "tryon-..."}
func (s *Server) handleDeleteHistoryItem(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	if !requireUser(w, id) {
		return
	}
	var req struct {
		SessionID string `json:"sessionId"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	sessionID, ok := jobs.NormalizeID(req.SessionID, jobs.SessionPrefix)
	if !ok {
		s.writeError(w, r, tryon.Validation("Invalid history item."))
		return
	}

	sess, err := s.store.DeleteSession(r.Context(), id.String(), sessionID)
	if err != nil {
		if tryon.KindOf(err) == tryon.KindUnknown {
			err = tryon.Storage(err, "Failed to delete the history item.")
		}
		s.writeError(w, r, err)
		return
	}

	// The subject upload outlives the session so it can be reused; catalog
	// garments are shared and never deleted here.
	for _, key := range []string{sess.ResultKey, sess.ThumbnailKey, sess.GarmentKey} {
		if key == "" || !ownedBySession(key) {
			continue
		}
		if err := s.objects.Delete(r.Context(), key); err != nil {
			log.Warn().Err(err).Str("key", key).Str("sessionId", sess.ID).Msg("Failed to delete session object")
		}
	}
	log.Info().Str("sessionId", sess.ID).Str("identity", id.String()).Msg("History item deleted")
	respondJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func ownedBySession(key string) bool {
	return strings.HasPrefix(key, s3util.PrefixResults) || strings.HasPrefix(key, s3util.PrefixInputs)
}

// POST /api/save-default-image
// Body: {"imageId": "upl-..."}
func (s *Server) handleSaveDefaultImage(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	if !requireUser(w, id) {
		return
	}
	var req struct {
		ImageID string `json:"imageId"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	uploadID, ok := jobs.NormalizeID(req.ImageID, jobs.UploadPrefix)
	if !ok {
		s.writeError(w, r, tryon.Validation("Invalid image ID."))
		return
	}

	u, err := s.store.GetUpload(r.Context(), uploadID)
	if err != nil {
		s.writeError(w, r, tryon.Storage(err, "Failed to save your default image."))
		return
	}
	if u == nil {
		s.writeError(w, r, tryon.NotFound("Image not found."))
		return
	}
	if u.OwnerID != id.String() {
		s.writeError(w, r, tryon.Forbidden("You do not have access to this image."))
		return
	}
	if err := s.store.SetDefaultImage(r.Context(), id.String(), uploadID); err != nil {
		s.writeError(w, r, tryon.Storage(err, "Failed to save your default image."))
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"saved":    true,
		"imageId":  uploadID,
		"imageUrl": s.signedURL(r.Context(), u.Key),
	})
}
