package imaging

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/fpang/virtual-tryon/internal/tryon"
)

func encodePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.Set(x, x%h, color.RGBA{R: 200, A: 255})
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func encodeJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, image.NewGray(image.Rect(0, 0, w, h)), nil); err != nil {
		t.Fatalf("encode jpeg: %v", err)
	}
	return buf.Bytes()
}

// ftyp builds a minimal ISO-BMFF header with the given brands.
func ftyp(major string, compatible ...string) []byte {
	size := 16 + 4*len(compatible)
	b := []byte{0, 0, 0, byte(size)}
	b = append(b, "ftyp"...)
	b = append(b, major...)
	b = append(b, 0, 0, 0, 0)
	for _, c := range compatible {
		b = append(b, c...)
	}
	return append(b, make([]byte, 32)...)
}

func TestDetect(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want string
	}{
		{"png", encodePNG(t, 4, 4), tryon.MIMEPNG},
		{"jpeg", encodeJPEG(t, 4, 4), tryon.MIMEJPEG},
		{"webp", append([]byte("RIFF\x00\x00\x00\x00WEBPVP8 "), make([]byte, 16)...), tryon.MIMEWebP},
		{"heic", ftyp("heic", "mif1", "heic"), tryon.MIMEHEIC},
		{"heif", ftyp("mif1", "mif1"), tryon.MIMEHEIF},
		{"avif", ftyp("avif", "mif1", "avif"), tryon.MIMEAVIF},
		{"avif under mif1", ftyp("mif1", "mif1", "avif"), tryon.MIMEAVIF},
		{"text", []byte("hello world, definitely not an image"), "text/plain"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Detect(tt.data); got != tt.want {
				t.Errorf("Detect = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	rules := Rules{Allowed: tryon.DefaultAllowedMIME, MaxSize: 5 * 1024 * 1024}
	pngData := encodePNG(t, 8, 8)

	t.Run("accepts and normalizes mime", func(t *testing.T) {
		img := &tryon.Image{Data: pngData, MIME: tryon.MIMEJPEG}
		if err := Validate(img, rules); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if img.MIME != tryon.MIMEPNG {
			t.Errorf("MIME = %q, want sniffed png", img.MIME)
		}
	})

	t.Run("rejects mislabeled avif", func(t *testing.T) {
		img := &tryon.Image{Data: ftyp("avif", "mif1", "avif"), MIME: tryon.MIMEJPEG}
		err := Validate(img, rules)
		if tryon.KindOf(err) != tryon.KindValidation {
			t.Fatalf("expected validation error, got %v", err)
		}
		if !bytes.Contains([]byte(err.Error()), []byte("image/avif")) {
			t.Errorf("message should name the detected type: %v", err)
		}
	})

	t.Run("rejects declared type outside allow-list", func(t *testing.T) {
		img := &tryon.Image{Data: pngData, MIME: "image/gif"}
		if tryon.KindOf(Validate(img, rules)) != tryon.KindValidation {
			t.Fatal("expected validation error")
		}
	})

	t.Run("rejects oversize", func(t *testing.T) {
		img := &tryon.Image{Data: pngData, MIME: tryon.MIMEPNG}
		err := Validate(img, Rules{Allowed: tryon.DefaultAllowedMIME, MaxSize: 16})
		if tryon.KindOf(err) != tryon.KindValidation {
			t.Fatalf("expected validation error, got %v", err)
		}
	})

	t.Run("rejects empty", func(t *testing.T) {
		if tryon.KindOf(Validate(&tryon.Image{}, rules)) != tryon.KindValidation {
			t.Fatal("expected validation error")
		}
	})
}

func TestThumbnail(t *testing.T) {
	data := encodePNG(t, 800, 400)
	thumb, err := Thumbnail(data, 200)
	if err != nil {
		t.Fatalf("Thumbnail: %v", err)
	}
	if Detect(thumb) != tryon.MIMEJPEG {
		t.Errorf("thumbnail should be JPEG, got %s", Detect(thumb))
	}
	w, h, err := Dimensions(thumb)
	if err != nil {
		t.Fatalf("Dimensions: %v", err)
	}
	if w != 200 || h != 100 {
		t.Errorf("thumbnail size = %dx%d, want 200x100", w, h)
	}

	if _, err := Thumbnail([]byte("not an image"), 200); err == nil {
		t.Error("expected decode error")
	}
}

func TestThumbnailDimensions(t *testing.T) {
	tests := []struct {
		w, h, max, wantW, wantH int
	}{
		{100, 50, 200, 100, 50},
		{800, 400, 200, 200, 100},
		{400, 800, 200, 100, 200},
		{5000, 1, 100, 100, 1},
	}
	for _, tt := range tests {
		gotW, gotH := thumbnailDimensions(tt.w, tt.h, tt.max)
		if gotW != tt.wantW || gotH != tt.wantH {
			t.Errorf("thumbnailDimensions(%d,%d,%d) = %d,%d want %d,%d", tt.w, tt.h, tt.max, gotW, gotH, tt.wantW, tt.wantH)
		}
	}
}

func TestHasLocationWithoutEXIF(t *testing.T) {
	if HasLocation(encodePNG(t, 4, 4)) {
		t.Error("PNG without EXIF should report no location")
	}
}
