package ratelimit

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fpang/virtual-tryon/internal/config"
	"github.com/fpang/virtual-tryon/internal/identity"
	"github.com/fpang/virtual-tryon/internal/metrics"
	"github.com/fpang/virtual-tryon/internal/tryon"
)

// Store keys. Identity keys are appended to KeyIdentityPrefix.
const (
	KeyGlobal         = "tryon:rl:global"
	KeyIdentityPrefix = "tryon:rl:id:"
	KeyViolations     = "tryon:rl:violations"

	FlagRateLimit = "tryon:warn:ratelimit"
	FlagGlobal    = "tryon:warn:global"

	violationWindow    = time.Hour
	violationThreshold = 5
	flagTTL            = time.Hour
)

// Warning is an active operator-facing flag.
type Warning struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

var warningMessages = map[string]string{
	FlagRateLimit: "Users are repeatedly hitting the per-user rate limit. Consider raising the limit.",
	FlagGlobal:    "The global generation limit was reached. All users are blocked until the window resets.",
}

// Settings is the limiter's slice of the process configuration.
type Settings struct {
	PerIdentity   config.Limit
	GlobalEnabled bool
	Global        config.Limit
	FailOpen      bool
}

// SettingsFrom extracts limiter settings from cfg.
func SettingsFrom(cfg *config.Config) Settings {
	return Settings{
		PerIdentity:   cfg.RateLimit,
		GlobalEnabled: cfg.GlobalLimitEnabled,
		Global:        cfg.GlobalLimit,
		FailOpen:      cfg.RateLimitFailOpen,
	}
}

// Limiter is the two-tier gate.
type Limiter struct {
	counter  Counter
	settings Settings
}

// New creates a Limiter over counter.
func New(counter Counter, settings Settings) *Limiter {
	return &Limiter{counter: counter, settings: settings}
}

// Check counts one generation request for id. It returns nil when the
// request may proceed. The global gate runs first and rejects with
// KindGlobalRateLimited, skipping the identity gate entirely; the identity
// gate rejects with KindRateLimited.
func (l *Limiter) Check(ctx context.Context, id identity.Identity) error {
	if l.settings.GlobalEnabled {
		ok, err := l.counter.Admit(ctx, KeyGlobal, l.settings.Global.Requests, l.settings.Global.Window)
		if err != nil {
			return l.storeFailure("global", id, err)
		}
		if !ok {
			l.reject("global", id)
			l.raise(ctx, FlagGlobal)
			return tryon.GlobalRateLimited()
		}
	}

	ok, err := l.counter.Admit(ctx, KeyIdentityPrefix+string(id), l.settings.PerIdentity.Requests, l.settings.PerIdentity.Window)
	if err != nil {
		return l.storeFailure("identity", id, err)
	}
	if !ok {
		l.reject("identity", id)
		l.recordViolation(ctx)
		return tryon.RateLimited(nil)
	}
	return nil
}

func (l *Limiter) reject(scope string, id identity.Identity) {
	log.Warn().Str("scope", scope).Str("identity", string(id)).Msg("Rate limit exceeded")
	metrics.Default().
		Dimension("Scope", scope).
		Count("RateLimitRejections").
		Flush()
}

func (l *Limiter) storeFailure(scope string, id identity.Identity, err error) error {
	if l.settings.FailOpen {
		log.Error().Err(err).Str("scope", scope).Str("identity", string(id)).Msg("Rate limit store unavailable, allowing request")
		return nil
	}
	log.Error().Err(err).Str("scope", scope).Str("identity", string(id)).Msg("Rate limit store unavailable, rejecting request")
	return tryon.RateLimited(err)
}

func (l *Limiter) recordViolation(ctx context.Context) {
	n, err := l.counter.Incr(ctx, KeyViolations, violationWindow)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to record rate limit violation")
		return
	}
	if n >= violationThreshold {
		l.raise(ctx, FlagRateLimit)
	}
}

func (l *Limiter) raise(ctx context.Context, flag string) {
	if err := l.counter.SetFlag(ctx, flag, flagTTL); err != nil {
		log.Warn().Err(err).Str("flag", flag).Msg("Failed to raise warning flag")
	}
}

// Warnings returns the operator flags that are currently raised.
func (l *Limiter) Warnings(ctx context.Context) ([]Warning, error) {
	var out []Warning
	for _, name := range []string{FlagGlobal, FlagRateLimit} {
		on, err := l.counter.Flag(ctx, name)
		if err != nil {
			return nil, err
		}
		if on {
			out = append(out, Warning{Name: name, Message: warningMessages[name]})
		}
	}
	return out, nil
}
