// Package jobs generates and normalizes the identifiers handed to clients:
// session (job) IDs, upload IDs, and result file names.
package jobs

import (
	"crypto/rand"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ID prefixes. The session ID doubles as the job ID clients poll with.
const (
	SessionPrefix = "tryon-"
	UploadPrefix  = "upl-"
)

// GenerateID creates a new cryptographically random ID with the given prefix.
// The prefix should include a trailing dash, e.g. "tryon-".
func GenerateID(prefix string) string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		log.Fatal().Err(err).Msgf("Failed to generate random %s ID", prefix)
	}
	return prefix + hex.EncodeToString(b)
}

// NewSessionID returns a fresh session ID.
func NewSessionID() string { return GenerateID(SessionPrefix) }

// NewUploadID returns a fresh upload ID.
func NewUploadID() string { return GenerateID(UploadPrefix) }

// ResultName returns the unique part of a result file name.
func ResultName() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
