// Package garment turns a GarmentRef into image bytes.
//
// Catalog garments are read straight from object storage. Free-form
// garments are fetched from their configured URL into a scratch file that
// is removed by Resolved.Cleanup.
package garment

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fpang/virtual-tryon/internal/config"
	"github.com/fpang/virtual-tryon/internal/imaging"
	"github.com/fpang/virtual-tryon/internal/store"
	"github.com/fpang/virtual-tryon/internal/tryon"
)

// maxFetchBytes caps a free-form garment download.
const maxFetchBytes = 32 << 20

// Resolved is a garment image ready for generation.
type Resolved struct {
	Image tryon.Image
	Mode  tryon.GarmentMode
	// Key is the stored object the bytes came from. Empty for free-form
	// garments, whose bytes must be persisted by the caller.
	Key string

	scratch string
}

// Cleanup removes any scratch file. Safe to call more than once and on a
// nil receiver.
func (r *Resolved) Cleanup() {
	if r == nil || r.scratch == "" {
		return
	}
	if err := os.Remove(r.scratch); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Str("path", r.scratch).Msg("Failed to remove garment scratch file")
	}
	r.scratch = ""
}

// ItemReader loads catalog items.
type ItemReader interface {
	GetCatalogItem(ctx context.Context, id string) (*store.CatalogItem, error)
}

// ObjectReader reads stored objects.
type ObjectReader interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

// Resolver resolves garment references.
type Resolver struct {
	items      ItemReader
	objects    ObjectReader
	garments   []config.Garment
	httpClient *http.Client
	scratchDir string
}

// NewResolver creates a Resolver. Free-form fetches are bounded by
// cfg.FetchTimeout.
func NewResolver(items ItemReader, objects ObjectReader, cfg *config.Config) *Resolver {
	return &Resolver{
		items:      items,
		objects:    objects,
		garments:   cfg.Garments,
		httpClient: &http.Client{Timeout: cfg.FetchTimeout},
	}
}

// Resolve loads the garment's bytes. The caller must call Cleanup on the
// result, whatever happens afterwards.
func (r *Resolver) Resolve(ctx context.Context, ref tryon.GarmentRef) (*Resolved, error) {
	switch g := ref.(type) {
	case tryon.CatalogGarment:
		return r.resolveCatalog(ctx, g)
	case tryon.FreeFormGarment:
		return r.resolveFreeForm(ctx, g)
	default:
		return nil, tryon.Validation("Please select a clothing item.")
	}
}

func (r *Resolver) resolveCatalog(ctx context.Context, g tryon.CatalogGarment) (*Resolved, error) {
	notFound := tryon.NotFound("Selected product image not found. Please refresh the page and try again.")

	item, err := r.items.GetCatalogItem(ctx, g.ItemID)
	if err != nil {
		return nil, tryon.Storage(err, "Failed to load product")
	}
	if item == nil {
		return nil, notFound
	}
	img, ok := item.Image(g.ImageID)
	if !ok {
		return nil, notFound
	}
	data, err := r.objects.Get(ctx, img.Key)
	if err != nil {
		log.Warn().Err(err).Str("itemId", g.ItemID).Str("key", img.Key).Msg("Catalog garment object unreadable")
		return nil, notFound
	}
	return &Resolved{
		Image: tryon.Image{Data: data, MIME: imaging.Detect(data), Filename: img.Key},
		Mode:  tryon.ModeCatalog,
		Key:   img.Key,
	}, nil
}

// Lookup finds a configured garment by ID, falling back to its position in
// the list for references saved before garments had IDs.
func (r *Resolver) Lookup(id string) (config.Garment, bool) {
	for _, g := range r.garments {
		if g.ID == id {
			return g, true
		}
	}
	if i, err := strconv.Atoi(id); err == nil && i >= 0 && i < len(r.garments) {
		return r.garments[i], true
	}
	return config.Garment{}, false
}

func (r *Resolver) resolveFreeForm(ctx context.Context, g tryon.FreeFormGarment) (*Resolved, error) {
	garment, ok := r.Lookup(g.ID)
	if !ok {
		return nil, tryon.NotFound("Selected clothing item not found. Please refresh the page and try again.")
	}
	if garment.Image == "" {
		return nil, tryon.Validation("Clothing item image URL is missing. Please check the settings.")
	}

	start := time.Now()
	data, err := r.fetch(ctx, garment.Image)
	if err != nil {
		return nil, err
	}

	res := &Resolved{Mode: tryon.ModeFreeForm}
	f, err := os.CreateTemp(r.scratchDir, "tryon-garment-*")
	if err != nil {
		return nil, tryon.Storage(err, "Failed to save clothing image temporarily.")
	}
	res.scratch = f.Name()
	_, werr := f.Write(data)
	cerr := f.Close()
	if werr != nil || cerr != nil {
		res.Cleanup()
		return nil, tryon.Storage(fmt.Errorf("write scratch: %v, close: %v", werr, cerr), "Failed to save clothing image temporarily.")
	}

	// The generation input is read back from the scratch copy.
	saved, err := os.ReadFile(res.scratch)
	if err != nil {
		res.Cleanup()
		return nil, tryon.Storage(err, "Failed to save clothing image temporarily.")
	}
	res.Image = tryon.Image{Data: saved, MIME: imaging.Detect(saved), Filename: g.Filename}

	log.Debug().
		Str("garmentId", garment.ID).
		Int("bytes", len(saved)).
		Dur("duration", time.Since(start)).
		Msg("Free-form garment fetched")
	return res, nil
}

func (r *Resolver) fetch(ctx context.Context, url string) ([]byte, error) {
	fail := func(err error) error {
		return &tryon.Error{Kind: tryon.KindTransport, Message: "Failed to retrieve clothing image. Please try again.", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fail(err)
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fail(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fail(fmt.Errorf("garment fetch %s: status %d", url, resp.StatusCode))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return nil, fail(err)
	}
	if len(data) == 0 {
		return nil, &tryon.Error{Kind: tryon.KindTransport, Message: "Clothing image data is empty. Please try again."}
	}
	return data, nil
}
