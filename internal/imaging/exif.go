package imaging

import (
	"bytes"

	"github.com/evanoberholster/imagemeta"
	"github.com/rs/zerolog/log"
)

// HasLocation reports whether the image carries GPS coordinates in its
// EXIF block. Formats without EXIF, or unreadable metadata, report false.
func HasLocation(data []byte) bool {
	exifData, err := imagemeta.Decode(bytes.NewReader(data))
	if err != nil {
		log.Debug().Err(err).Msg("No readable EXIF metadata")
		return false
	}
	gps := exifData.GPS
	return gps.Latitude() != 0 || gps.Longitude() != 0
}
