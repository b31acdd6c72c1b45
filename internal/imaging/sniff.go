// Package imaging inspects image bytes: content-based MIME detection,
// upload validation, EXIF location checks, and history thumbnails.
package imaging

import (
	"bytes"
	"encoding/binary"
	"net/http"
	"slices"
	"strings"

	"github.com/fpang/virtual-tryon/internal/tryon"
)

// ISO-BMFF brands that identify HEIF-family files.
var (
	avifBrands = []string{"avif", "avis"}
	heicBrands = []string{"heic", "heix", "hevc", "hevx", "heim", "heis"}
	heifBrands = []string{"mif1", "msf1", "heif"}
)

// Detect returns the MIME type derived from the content of data, ignoring
// any declared type or filename. Unknown content yields
// "application/octet-stream".
func Detect(data []byte) string {
	if mime, ok := detectISOBMFF(data); ok {
		return mime
	}
	mime := http.DetectContentType(data)
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = mime[:i]
	}
	return mime
}

// detectISOBMFF reads the leading ftyp box. The major brand wins when it is
// recognised; otherwise compatible brands are scanned, AVIF first so that
// mif1-major AVIF files are not reported as HEIF.
func detectISOBMFF(data []byte) (string, bool) {
	if len(data) < 16 || !bytes.Equal(data[4:8], []byte("ftyp")) {
		return "", false
	}
	boxSize := int(binary.BigEndian.Uint32(data[0:4]))
	if boxSize < 16 || boxSize > len(data) {
		boxSize = min(len(data), 64)
	}

	major := string(data[8:12])
	var compatible []string
	for off := 16; off+4 <= boxSize; off += 4 {
		compatible = append(compatible, string(data[off:off+4]))
	}

	switch {
	case slices.Contains(avifBrands, major):
		return tryon.MIMEAVIF, true
	case slices.Contains(heicBrands, major):
		return tryon.MIMEHEIC, true
	}

	for _, b := range compatible {
		if slices.Contains(avifBrands, b) {
			return tryon.MIMEAVIF, true
		}
	}
	for _, b := range compatible {
		if slices.Contains(heicBrands, b) {
			return tryon.MIMEHEIC, true
		}
	}
	if slices.Contains(heifBrands, major) {
		return tryon.MIMEHEIF, true
	}
	for _, b := range compatible {
		if slices.Contains(heifBrands, b) {
			return tryon.MIMEHEIF, true
		}
	}
	return "", false
}
