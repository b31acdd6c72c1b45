package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fpang/virtual-tryon/internal/identity"
	"github.com/fpang/virtual-tryon/internal/metrics"
)

type identityKey struct{}

// identityFrom returns the identity the middleware attached to ctx.
func identityFrom(ctx context.Context) identity.Identity {
	id, _ := ctx.Value(identityKey{}).(identity.Identity)
	return id
}

// withOriginVerify rejects requests lacking the x-origin-verify header that
// CloudFront injects, so API Gateway cannot be called directly.
func (s *Server) withOriginVerify(next http.Handler) http.Handler {
	secret := []byte(s.cfg.OriginVerifySecret)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(secret) == 0 {
			next.ServeHTTP(w, r)
			return
		}
		if subtle.ConstantTimeCompare([]byte(r.Header.Get("x-origin-verify")), secret) != 1 {
			log.Warn().Str("path", r.URL.Path).Msg("Blocked request: missing or invalid x-origin-verify header")
			httpError(w, http.StatusForbidden, "forbidden", "forbidden")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withIdentity resolves the caller once per request. A presented but
// invalid token is rejected rather than downgraded to the IP identity.
func (s *Server) withIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/health" {
			next.ServeHTTP(w, r)
			return
		}
		id, err := s.identity.Resolve(r)
		if errors.Is(err, identity.ErrInvalidToken) {
			httpError(w, http.StatusUnauthorized, "invalid_token", "Your session has expired. Please log in again.")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "unknown", "Something went wrong. Please try again.", err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey{}, id)))
	})
}

func withSecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.statusCode = code
	sr.ResponseWriter.WriteHeader(code)
}

// withMetrics emits RequestLatencyMs and RequestCount per endpoint.
func withMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sr := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(sr, r)

		metrics.Default().
			Dimension("Endpoint", normalizeEndpoint(r.URL.Path)).
			Since("RequestLatencyMs", start).
			Count("RequestCount").
			Property("method", r.Method).
			Property("statusCode", sr.statusCode).
			Flush()
	})
}

var knownEndpoints = map[string]bool{
	"/api/health":              true,
	"/api/garments":            true,
	"/api/generate":            true,
	"/api/check-job-status":    true,
	"/api/get-catalog-images":  true,
	"/api/history":             true,
	"/api/delete-history-item": true,
	"/api/save-default-image":  true,
}

// normalizeEndpoint keeps the Endpoint dimension low-cardinality.
func normalizeEndpoint(path string) string {
	if knownEndpoints[path] {
		return path
	}
	return "other"
}
