package s3util

import (
	"path"
	"strings"

	"github.com/fpang/virtual-tryon/internal/tryon"
)

// Key prefixes within the media bucket.
const (
	PrefixUploads = "uploads/"
	PrefixInputs  = "inputs/"
	PrefixResults = "results/"
	PrefixThumbs  = "results/thumbs/"
	PrefixCatalog = "catalog/"
)

// UploadKey is where a subject photo uploaded by a user is kept.
func UploadKey(uploadID, mime string) string {
	return PrefixUploads + uploadID + ExtForMIME(mime)
}

// InputKey is where a session's garment input is kept. role is "garment".
func InputKey(sessionID, role string) string {
	return PrefixInputs + sessionID + "/" + role
}

// ResultKey names a generated image.
func ResultKey(unique string) string {
	return PrefixResults + "virtual-tryon-" + unique + ".png"
}

// ThumbKey names the thumbnail of a result.
func ThumbKey(resultKey string) string {
	base := strings.TrimSuffix(path.Base(resultKey), path.Ext(resultKey))
	return PrefixThumbs + base + ".jpg"
}

// ExtForMIME returns the file extension for an accepted image type.
func ExtForMIME(mime string) string {
	switch mime {
	case tryon.MIMEJPEG:
		return ".jpg"
	case tryon.MIMEPNG:
		return ".png"
	case tryon.MIMEWebP:
		return ".webp"
	case tryon.MIMEHEIC:
		return ".heic"
	case tryon.MIMEHEIF:
		return ".heif"
	default:
		return ""
	}
}
