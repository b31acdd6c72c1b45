package imaging

import (
	"slices"

	"github.com/fpang/virtual-tryon/internal/tryon"
)

// Rules bounds what an input image may be.
type Rules struct {
	Allowed []string
	MaxSize int64
}

// Validate checks an uploaded image: the declared type must be allowed, the
// size must be within bounds, and the type sniffed from content must be
// allowed. On success the image's MIME is replaced with the sniffed type.
func Validate(img *tryon.Image, rules Rules) error {
	if len(img.Data) == 0 {
		return tryon.Validation("File upload error. Please try again.")
	}
	if img.MIME != "" && !slices.Contains(rules.Allowed, img.MIME) {
		return tryon.Validation("Invalid file type. Please upload a JPG, PNG, WebP, HEIC, or HEIF image.")
	}
	if err := Recheck(img, rules.Allowed); err != nil {
		return err
	}
	if rules.MaxSize > 0 && img.Size() > rules.MaxSize {
		return tryon.Validation("File size must be less than %dMB.", rules.MaxSize/(1024*1024))
	}
	return nil
}

// Recheck re-derives the MIME type from content and validates it against the
// allow-list. It is run again right before the provider call because stored
// inputs may have been altered since upload.
func Recheck(img *tryon.Image, allowed []string) error {
	actual := Detect(img.Data)
	if !slices.Contains(allowed, actual) {
		return tryon.Validation("Unsupported image format detected (%s). Supported formats: JPG, PNG, WebP, HEIC, and HEIF. AVIF format is not supported by the AI service.", actual)
	}
	img.MIME = actual
	return nil
}
