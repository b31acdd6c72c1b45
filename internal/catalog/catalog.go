// Package catalog lists the images of a catalog item for garment selection.
package catalog

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog/log"

	"github.com/fpang/virtual-tryon/internal/store"
	"github.com/fpang/virtual-tryon/internal/tryon"
)

// maxCachedItems bounds the image list cache.
const maxCachedItems = 512

// Image is one selectable product image.
type Image struct {
	ID   string `json:"id"`
	URL  string `json:"url"`
	Alt  string `json:"alt"`
	Name string `json:"name"`
}

// ItemReader loads catalog items.
type ItemReader interface {
	GetCatalogItem(ctx context.Context, id string) (*store.CatalogItem, error)
}

// URLSigner returns a fetchable URL for a stored object.
type URLSigner interface {
	URL(ctx context.Context, key string) (string, error)
}

// Service builds image lists and caches them per item.
type Service struct {
	items ItemReader
	urls  URLSigner
	cache *expirable.LRU[string, []Image]
}

// New creates a Service. A ttl of zero disables caching.
func New(items ItemReader, urls URLSigner, ttl time.Duration) *Service {
	s := &Service{items: items, urls: urls}
	if ttl > 0 {
		s.cache = expirable.NewLRU[string, []Image](maxCachedItems, nil, ttl)
	}
	return s
}

// Images returns the item's featured image followed by its gallery, each
// ID once. cached reports whether the list came from the cache.
func (s *Service) Images(ctx context.Context, itemID string) (images []Image, cached bool, err error) {
	if itemID == "" {
		return nil, false, tryon.Validation("Invalid product ID")
	}
	if s.cache != nil {
		if imgs, ok := s.cache.Get(itemID); ok {
			return imgs, true, nil
		}
	}

	item, err := s.items.GetCatalogItem(ctx, itemID)
	if err != nil {
		return nil, false, tryon.Storage(err, "Failed to load product")
	}
	if item == nil {
		return nil, false, tryon.NotFound("Product not found")
	}

	ids := item.OrderedImageIDs()
	for i, id := range ids {
		stored, ok := item.Image(id)
		if !ok {
			log.Warn().Str("itemId", itemID).Str("imageId", id).Msg("Catalog image listed but not stored, skipping")
			continue
		}
		url, err := s.urls.URL(ctx, stored.Key)
		if err != nil {
			return nil, false, tryon.Storage(err, "Failed to sign product image URL")
		}
		images = append(images, Image{
			ID:   id,
			URL:  url,
			Alt:  firstNonEmpty(stored.Alt, item.Name),
			Name: firstNonEmpty(stored.Alt, stored.Title, fmt.Sprintf("Product Image %d", i+1)),
		})
	}
	if len(images) == 0 {
		return nil, false, tryon.NotFound("No images found for this product")
	}

	if s.cache != nil {
		s.cache.Add(itemID, images)
	}
	return images, false, nil
}

// Invalidate drops the cached list for an item after it changes.
func (s *Service) Invalidate(itemID string) {
	if s.cache != nil {
		s.cache.Remove(itemID)
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
