// Package cache maps a content fingerprint of a generation request to the
// stored result of an earlier identical request. A miss is always safe:
// the caller falls through to real generation.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fpang/virtual-tryon/internal/config"
	"github.com/fpang/virtual-tryon/internal/metrics"
	"github.com/fpang/virtual-tryon/internal/tryon"
)

// Entry is a cached result reference.
type Entry struct {
	ResultKey    string    `json:"resultKey" dynamodbav:"resultKey"`
	ThumbnailKey string    `json:"thumbnailKey,omitempty" dynamodbav:"thumbnailKey,omitempty"`
	MIME         string    `json:"mime" dynamodbav:"mime"`
	SessionID    string    `json:"sessionId" dynamodbav:"sessionId"`
	CreatedAt    time.Time `json:"createdAt" dynamodbav:"createdAt"`
}

// EntryStore persists entries with a TTL. Get returns (nil, nil) on a miss.
type EntryStore interface {
	Get(ctx context.Context, fingerprint string) (*Entry, error)
	Put(ctx context.Context, fingerprint string, e Entry, ttl time.Duration) error
	Delete(ctx context.Context, fingerprint string) error
}

// ObjectChecker confirms a cached result still exists in storage.
type ObjectChecker interface {
	Exists(ctx context.Context, key string) (bool, error)
}

// Fingerprint hashes the request content. Every field is length-prefixed
// so no two distinct inputs share an encoding.
func Fingerprint(subject, garment []byte, prompt string, ratio tryon.AspectRatio, version string) string {
	h := sha256.New()
	for _, field := range [][]byte{subject, garment, []byte(prompt), []byte(ratio), []byte(version)} {
		var n [8]byte
		binary.BigEndian.PutUint64(n[:], uint64(len(field)))
		h.Write(n[:])
		h.Write(field)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Results is the cache layer used by the orchestrator.
type Results struct {
	entries EntryStore
	objects ObjectChecker
	enabled bool
	ttl     time.Duration
	version string
}

// NewResults builds the layer from cfg. When caching is disabled every
// lookup misses and every store is a no-op.
func NewResults(entries EntryStore, objects ObjectChecker, cfg *config.Config) *Results {
	return &Results{
		entries: entries,
		objects: objects,
		enabled: cfg.CacheEnabled && entries != nil,
		ttl:     cfg.CacheTTL,
		version: cfg.Version,
	}
}

// Enabled reports whether the cache is active.
func (r *Results) Enabled() bool { return r.enabled }

// Key fingerprints a request with the deployment's version tag.
func (r *Results) Key(subject, garment []byte, prompt string, ratio tryon.AspectRatio) string {
	return Fingerprint(subject, garment, prompt, ratio, r.version)
}

// Lookup returns the entry for fingerprint if it exists and its result
// object is still present. Dangling entries are evicted.
func (r *Results) Lookup(ctx context.Context, fingerprint string) (*Entry, bool) {
	if !r.enabled {
		return nil, false
	}
	e, err := r.entries.Get(ctx, fingerprint)
	if err != nil {
		log.Warn().Err(err).Str("fingerprint", fingerprint).Msg("Cache lookup failed, treating as miss")
		r.record("error")
		return nil, false
	}
	if e == nil {
		r.record("miss")
		return nil, false
	}

	ok, err := r.objects.Exists(ctx, e.ResultKey)
	if err != nil {
		log.Warn().Err(err).Str("fingerprint", fingerprint).Str("resultKey", e.ResultKey).Msg("Cache verification failed, treating as miss")
		r.record("error")
		return nil, false
	}
	if !ok {
		log.Info().Str("fingerprint", fingerprint).Str("resultKey", e.ResultKey).Msg("Evicting cache entry with missing result")
		if err := r.entries.Delete(ctx, fingerprint); err != nil {
			log.Warn().Err(err).Str("fingerprint", fingerprint).Msg("Failed to evict cache entry")
		}
		r.record("stale")
		return nil, false
	}

	r.record("hit")
	return e, true
}

// Store records e under fingerprint. Failures are logged, never returned.
func (r *Results) Store(ctx context.Context, fingerprint string, e Entry) {
	if !r.enabled {
		return
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if err := r.entries.Put(ctx, fingerprint, e, r.ttl); err != nil {
		log.Warn().Err(err).Str("fingerprint", fingerprint).Msg("Failed to store cache entry")
		return
	}
	log.Debug().Str("fingerprint", fingerprint).Str("resultKey", e.ResultKey).Dur("ttl", r.ttl).Msg("Cache entry stored")
}

func (r *Results) record(outcome string) {
	metrics.Default().
		Dimension("Outcome", outcome).
		Count("CacheLookups").
		Flush()
}
