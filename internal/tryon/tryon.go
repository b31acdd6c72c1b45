// Package tryon holds the vocabulary shared by every stage of the virtual
// try-on pipeline: images, garment references, aspect ratios, the session
// status machine, and the error taxonomy.
package tryon

import (
	"fmt"
	"strings"

	"github.com/fpang/virtual-tryon/internal/assets"
)

// DefaultPrompt is the instruction sent after the two images when no
// prompt is configured.
var DefaultPrompt = assets.TryOnPrompt()

// Supported MIME types. AVIF is recognised by content sniffing but is not
// accepted by the provider.
const (
	MIMEJPEG = "image/jpeg"
	MIMEPNG  = "image/png"
	MIMEWebP = "image/webp"
	MIMEHEIC = "image/heic"
	MIMEHEIF = "image/heif"
	MIMEAVIF = "image/avif"
)

// DefaultAllowedMIME is the provider's accepted input set.
var DefaultAllowedMIME = []string{MIMEJPEG, MIMEPNG, MIMEWebP, MIMEHEIC, MIMEHEIF}

// Image is an in-memory image with its MIME type.
type Image struct {
	Data     []byte
	MIME     string
	Filename string
}

// Size returns the byte length of the image.
func (i Image) Size() int64 { return int64(len(i.Data)) }

// AspectRatio is one of the output ratios the provider understands.
type AspectRatio string

const (
	Ratio1x1  AspectRatio = "1:1"
	Ratio2x3  AspectRatio = "2:3"
	Ratio3x2  AspectRatio = "3:2"
	Ratio3x4  AspectRatio = "3:4"
	Ratio4x3  AspectRatio = "4:3"
	Ratio4x5  AspectRatio = "4:5"
	Ratio5x4  AspectRatio = "5:4"
	Ratio9x16 AspectRatio = "9:16"
	Ratio16x9 AspectRatio = "16:9"
	Ratio21x9 AspectRatio = "21:9"
)

// AspectRatios lists every accepted ratio.
var AspectRatios = []AspectRatio{
	Ratio1x1, Ratio2x3, Ratio3x2, Ratio3x4, Ratio4x3,
	Ratio4x5, Ratio5x4, Ratio9x16, Ratio16x9, Ratio21x9,
}

// ParseAspectRatio validates s against the accepted ratios.
func ParseAspectRatio(s string) (AspectRatio, error) {
	s = strings.TrimSpace(s)
	for _, r := range AspectRatios {
		if string(r) == s {
			return r, nil
		}
	}
	return "", fmt.Errorf("unsupported aspect ratio %q", s)
}

// SubjectRef identifies the person photo: either a fresh upload or an
// upload the caller stored earlier (for example their default image).
type SubjectRef struct {
	Upload   *Image
	UploadID string
}

// IsZero reports whether neither form was provided.
func (s SubjectRef) IsZero() bool { return s.Upload == nil && s.UploadID == "" }
