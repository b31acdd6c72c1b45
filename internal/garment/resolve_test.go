package garment

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fpang/virtual-tryon/internal/config"
	"github.com/fpang/virtual-tryon/internal/s3util"
	"github.com/fpang/virtual-tryon/internal/store"
	"github.com/fpang/virtual-tryon/internal/tryon"
)

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 2, 2))))
	return buf.Bytes()
}

func newResolver(t *testing.T, garments []config.Garment) (*Resolver, *s3util.Memory) {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemoryStore()
	require.NoError(t, st.PutCatalogItem(ctx, &store.CatalogItem{
		ID:     "42",
		Name:   "Shirt",
		Images: []store.CatalogImage{{ID: "7", Key: "catalog/42/7.png"}},
	}))
	objects := s3util.NewMemory("")
	require.NoError(t, objects.Put(ctx, "catalog/42/7.png", pngBytes(t), "image/png"))

	r := NewResolver(st, objects, &config.Config{Garments: garments, FetchTimeout: 2 * time.Second})
	r.scratchDir = t.TempDir()
	return r, objects
}

func scratchFiles(t *testing.T, r *Resolver) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(r.scratchDir, "tryon-garment-*"))
	require.NoError(t, err)
	return matches
}

func TestResolve_Catalog(t *testing.T) {
	r, _ := newResolver(t, nil)
	ctx := context.Background()

	res, err := r.Resolve(ctx, tryon.CatalogGarment{ItemID: "42", ImageID: "7"})
	require.NoError(t, err)
	defer res.Cleanup()
	assert.Equal(t, tryon.MIMEPNG, res.Image.MIME)
	assert.Equal(t, "catalog/42/7.png", res.Key)
	assert.Equal(t, tryon.ModeCatalog, res.Mode)

	for _, ref := range []tryon.CatalogGarment{
		{ItemID: "42", ImageID: "8"},
		{ItemID: "43", ImageID: "7"},
	} {
		_, err := r.Resolve(ctx, ref)
		assert.Equal(t, tryon.KindNotFound, tryon.KindOf(err), "%+v", ref)
	}
}

func TestResolve_FreeForm(t *testing.T) {
	img := pngBytes(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/shirt.png":
			w.Write(img)
		case "/empty.png":
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	r, _ := newResolver(t, []config.Garment{
		{ID: "shirt-1", Image: srv.URL + "/shirt.png"},
		{ID: "empty-1", Image: srv.URL + "/empty.png"},
		{ID: "gone-1", Image: srv.URL + "/gone.png"},
	})
	ctx := context.Background()

	res, err := r.Resolve(ctx, tryon.FreeFormGarment{ID: "shirt-1", Filename: "shirt.png"})
	require.NoError(t, err)
	assert.Equal(t, img, res.Image.Data)
	assert.Equal(t, tryon.MIMEPNG, res.Image.MIME)
	assert.Empty(t, res.Key)
	assert.Len(t, scratchFiles(t, r), 1)
	res.Cleanup()
	res.Cleanup()
	assert.Empty(t, scratchFiles(t, r), "cleanup removes the scratch file")

	t.Run("legacy index", func(t *testing.T) {
		res, err := r.Resolve(ctx, tryon.FreeFormGarment{ID: "0", Filename: "shirt.png"})
		require.NoError(t, err)
		res.Cleanup()
	})

	t.Run("failures leave no scratch files", func(t *testing.T) {
		for id, kind := range map[string]tryon.Kind{
			"empty-1": tryon.KindTransport,
			"gone-1":  tryon.KindTransport,
			"nope":    tryon.KindNotFound,
		} {
			_, err := r.Resolve(ctx, tryon.FreeFormGarment{ID: id, Filename: "x.png"})
			assert.Equal(t, kind, tryon.KindOf(err), id)
		}
		assert.Empty(t, scratchFiles(t, r))
	})
}

func TestCleanup_NilSafe(t *testing.T) {
	var r *Resolved
	r.Cleanup()

	f, err := os.CreateTemp(t.TempDir(), "x")
	require.NoError(t, err)
	f.Close()
	res := &Resolved{scratch: f.Name()}
	require.NoError(t, os.Remove(f.Name()))
	res.Cleanup()
}
