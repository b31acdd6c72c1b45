// Package store persists try-on sessions and the records around them:
// subject uploads, per-user preferences with the unseen-results counter,
// and catalog items.
//
// The DynamoDB implementation uses a single table. Partition keys carry the
// record type (SESSION#, UPLOAD#, USER#, CATALOG#); sessions are also
// projected onto an owner index sorted by creation time for history.
// Sessions never expire: they are removed only by their owner.
package store

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/fpang/virtual-tryon/internal/tryon"
)

// ErrStatusConflict is returned by TransitionSession when the session is no
// longer in the expected source status.
var ErrStatusConflict = errors.New("session status changed concurrently")

// SessionStore is the persistence interface for the try-on pipeline. Get
// methods return (nil, nil) when the record does not exist.
type SessionStore interface {
	// --- Sessions ---

	// CreateSession stores a new session. It fails if the ID is taken.
	CreateSession(ctx context.Context, s *Session) error

	// GetSession returns a session by ID.
	GetSession(ctx context.Context, id string) (*Session, error)

	// TransitionSession moves a session from one status to another,
	// applying mutate to the stored record in the same write. The write is
	// conditional on the current status; a mismatch yields ErrStatusConflict.
	TransitionSession(ctx context.Context, id string, from, to tryon.Status, mutate func(*Session)) (*Session, error)

	// ListSessions returns an owner's sessions, newest first.
	ListSessions(ctx context.Context, ownerID, cursor string, limit int) (*Page, error)

	// DeleteSession removes a session owned by ownerID and returns the
	// removed record.
	DeleteSession(ctx context.Context, ownerID, id string) (*Session, error)

	// --- Uploads ---

	PutUpload(ctx context.Context, u *Upload) error
	GetUpload(ctx context.Context, id string) (*Upload, error)

	// --- Preferences ---

	SetDefaultImage(ctx context.Context, ownerID, uploadID string) error
	GetPreferences(ctx context.Context, ownerID string) (*Preferences, error)
	IncrementUnseen(ctx context.Context, ownerID string) error
	ClearUnseen(ctx context.Context, ownerID string) error

	// --- Catalog ---

	PutCatalogItem(ctx context.Context, item *CatalogItem) error
	GetCatalogItem(ctx context.Context, id string) (*CatalogItem, error)
}

// Session is one generation attempt.
type Session struct {
	ID                 string            `json:"id" dynamodbav:"sessionId"`
	OwnerID            string            `json:"ownerId,omitempty" dynamodbav:"ownerId,omitempty"`
	IdentityKey        string            `json:"identity" dynamodbav:"identity"`
	Status             tryon.Status      `json:"status" dynamodbav:"status"`
	Mode               tryon.GarmentMode `json:"mode" dynamodbav:"mode"`
	CatalogItemID      string            `json:"catalogItemId,omitempty" dynamodbav:"catalogItemId,omitempty"`
	CatalogImageID     string            `json:"catalogImageId,omitempty" dynamodbav:"catalogImageId,omitempty"`
	GarmentID          string            `json:"garmentId,omitempty" dynamodbav:"garmentId,omitempty"`
	SubjectKey         string            `json:"subjectKey" dynamodbav:"subjectKey"`
	GarmentKey         string            `json:"garmentKey" dynamodbav:"garmentKey"`
	ResultKey          string            `json:"resultKey,omitempty" dynamodbav:"resultKey,omitempty"`
	ThumbnailKey       string            `json:"thumbnailKey,omitempty" dynamodbav:"thumbnailKey,omitempty"`
	Fingerprint        string            `json:"fingerprint,omitempty" dynamodbav:"fingerprint,omitempty"`
	AspectRatio        tryon.AspectRatio `json:"aspectRatio" dynamodbav:"aspectRatio"`
	ErrorMessage       string            `json:"errorMessage,omitempty" dynamodbav:"errorMessage,omitempty"`
	ErrorKind          string            `json:"errorKind,omitempty" dynamodbav:"errorKind,omitempty"`
	ErrorDetail        string            `json:"-" dynamodbav:"errorDetail,omitempty"`
	SubjectHasLocation bool              `json:"subjectHasLocation,omitempty" dynamodbav:"subjectHasLocation,omitempty"`
	CreatedAt          int64             `json:"createdAt" dynamodbav:"createdAt"`
	UpdatedAt          int64             `json:"updatedAt" dynamodbav:"updatedAt"`
}

// Page is one page of history.
type Page struct {
	Sessions   []*Session `json:"sessions"`
	NextCursor string     `json:"nextCursor,omitempty"`
}

// Upload is a subject photo kept for reuse.
type Upload struct {
	ID          string `json:"id" dynamodbav:"uploadId"`
	OwnerID     string `json:"ownerId" dynamodbav:"ownerId"`
	Key         string `json:"key" dynamodbav:"key"`
	MIME        string `json:"mime" dynamodbav:"mime"`
	Size        int64  `json:"size" dynamodbav:"size"`
	HasLocation bool   `json:"hasLocation,omitempty" dynamodbav:"hasLocation,omitempty"`
	CreatedAt   int64  `json:"createdAt" dynamodbav:"createdAt"`
}

// Preferences holds per-user settings and counters.
type Preferences struct {
	OwnerID        string `json:"ownerId" dynamodbav:"ownerId"`
	DefaultImageID string `json:"defaultImageId,omitempty" dynamodbav:"defaultImageId,omitempty"`
	Unseen         int    `json:"unseen" dynamodbav:"unseen"`
}

// CatalogItem is a product with its images.
type CatalogItem struct {
	ID              string         `json:"id" dynamodbav:"itemId"`
	Name            string         `json:"name" dynamodbav:"name"`
	FeaturedImageID string         `json:"featuredImageId,omitempty" dynamodbav:"featuredImageId,omitempty"`
	GalleryImageIDs []string       `json:"galleryImageIds,omitempty" dynamodbav:"galleryImageIds,omitempty"`
	Images          []CatalogImage `json:"images" dynamodbav:"images"`
}

// CatalogImage is a stored product image.
type CatalogImage struct {
	ID    string `json:"id" dynamodbav:"id"`
	Key   string `json:"key" dynamodbav:"key"`
	Alt   string `json:"alt,omitempty" dynamodbav:"alt,omitempty"`
	Title string `json:"title,omitempty" dynamodbav:"title,omitempty"`
}

// Image returns the image with the given ID.
func (c *CatalogItem) Image(id string) (CatalogImage, bool) {
	for _, img := range c.Images {
		if img.ID == id {
			return img, true
		}
	}
	return CatalogImage{}, false
}

// OrderedImageIDs returns the featured image followed by the gallery,
// without duplicates.
func (c *CatalogItem) OrderedImageIDs() []string {
	seen := make(map[string]bool)
	var out []string
	for _, id := range append([]string{c.FeaturedImageID}, c.GalleryImageIDs...) {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// encodeCursor and decodeCursor carry the position of the last session on
// a page: its creation time and ID.
func encodeCursor(createdAt int64, id string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(strconv.FormatInt(createdAt, 10) + "|" + id))
}

func decodeCursor(cursor string) (int64, string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, "", fmt.Errorf("decode cursor: %w", err)
	}
	ts, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return 0, "", errors.New("malformed cursor")
	}
	createdAt, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("cursor timestamp: %w", err)
	}
	return createdAt, id, nil
}
