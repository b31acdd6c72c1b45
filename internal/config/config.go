// Package config builds the single immutable configuration value for a
// process. It is read from the environment once at startup and passed
// explicitly to every component; nothing else reads the environment after
// construction.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/fpang/virtual-tryon/internal/tryon"
)

// Execution modes for the orchestrator.
const (
	ModeSync  = "sync"
	ModeAsync = "async"
)

// Defaults.
const (
	DefaultModel       = "gemini-2.5-flash-image"
	DefaultAPIBaseURL  = "https://generativelanguage.googleapis.com/v1beta"
	DefaultAssetBase   = "https://assets.example.com/garments"
	defaultMaxFileMB   = 5
	defaultHistoryPage = 12
)

// Limit is a fixed-window request budget.
type Limit struct {
	Requests int
	Window   time.Duration
}

// Garment is a configured free-form garment fetched by URL.
type Garment struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Image string `json:"image"`
}

// Config is the complete runtime configuration. Treat it as read-only once
// Load returns.
type Config struct {
	APIKey     string
	Model      string
	APIBaseURL string

	MaxFileSize int64
	AllowedMIME []string

	RateLimit          Limit
	GlobalLimitEnabled bool
	GlobalLimit        Limit
	RateLimitFailOpen  bool
	CacheEnabled       bool
	CacheTTL           time.Duration
	Debug              bool
	Prompt             string
	AspectRatio        tryon.AspectRatio
	Garments           []Garment
	ExecutionMode      string
	GenerationTimeout  time.Duration
	FetchTimeout       time.Duration
	InteractiveTimeout time.Duration
	HistoryPageSize    int
	CatalogCacheTTL    time.Duration
	JWTSecret          string
	Version            string
	RedisURL           string
	MediaBucket        string
	DynamoTable        string
	WorkerLambdaArn    string
	EventBusName       string
	OriginVerifySecret string

	// InLambda is set when running under the Lambda runtime, which freezes
	// the process as soon as a response is returned.
	InLambda bool
}

// LoadDotenv loads KEY=VALUE pairs from path into the environment without
// overriding variables that are already set. A missing file is not an error.
func LoadDotenv(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	log.Debug().Str("path", path).Msg("Loaded environment file")
	return nil
}

// Load reads the configuration from the environment. defaultMode is used
// when TRYON_EXECUTION_MODE is unset; version is the build identity mixed
// into cache fingerprints when TRYON_VERSION is unset.
func Load(defaultMode, version string) (*Config, error) {
	var errs []error
	env := envReader{errs: &errs}

	cfg := &Config{
		APIKey:     os.Getenv("GEMINI_API_KEY"),
		Model:      env.str("TRYON_MODEL", DefaultModel),
		APIBaseURL: strings.TrimRight(env.str("TRYON_API_BASE_URL", DefaultAPIBaseURL), "/"),

		MaxFileSize: int64(env.integer("TRYON_MAX_FILE_SIZE_MB", defaultMaxFileMB)) * 1024 * 1024,
		AllowedMIME: env.list("TRYON_ALLOWED_MIME", tryon.DefaultAllowedMIME),

		RateLimit: Limit{
			Requests: env.integer("TRYON_RATE_LIMIT_REQUESTS", 10),
			Window:   env.duration("TRYON_RATE_LIMIT_WINDOW", 60*time.Second),
		},
		GlobalLimitEnabled: env.boolean("TRYON_GLOBAL_LIMIT_ENABLED", false),
		GlobalLimit: Limit{
			Requests: env.integer("TRYON_GLOBAL_LIMIT_REQUESTS", 100),
			Window:   env.duration("TRYON_GLOBAL_LIMIT_WINDOW", time.Hour),
		},
		RateLimitFailOpen: env.boolean("TRYON_RATE_LIMIT_FAIL_OPEN", false),

		CacheEnabled: env.boolean("TRYON_CACHE_ENABLED", false),
		CacheTTL:     env.duration("TRYON_CACHE_TTL", 24*time.Hour),

		Debug:  env.boolean("TRYON_DEBUG", false),
		Prompt: env.str("TRYON_PROMPT", tryon.DefaultPrompt),

		ExecutionMode:      env.str("TRYON_EXECUTION_MODE", defaultMode),
		GenerationTimeout:  env.duration("TRYON_GENERATION_TIMEOUT", 60*time.Second),
		FetchTimeout:       env.duration("TRYON_FETCH_TIMEOUT", 30*time.Second),
		InteractiveTimeout: env.duration("TRYON_INTERACTIVE_TIMEOUT", 65*time.Second),
		HistoryPageSize:    env.integer("TRYON_HISTORY_PAGE_SIZE", defaultHistoryPage),
		CatalogCacheTTL:    env.duration("TRYON_CATALOG_CACHE_TTL", 5*time.Minute),

		JWTSecret:          os.Getenv("TRYON_JWT_SECRET"),
		Version:            env.str("TRYON_VERSION", version),
		RedisURL:           os.Getenv("REDIS_URL"),
		MediaBucket:        os.Getenv("MEDIA_BUCKET_NAME"),
		DynamoTable:        os.Getenv("DYNAMO_TABLE_NAME"),
		WorkerLambdaArn:    os.Getenv("WORKER_LAMBDA_ARN"),
		EventBusName:       os.Getenv("EVENT_BUS_NAME"),
		OriginVerifySecret: os.Getenv("ORIGIN_VERIFY_SECRET"),
		InLambda:           os.Getenv("AWS_LAMBDA_FUNCTION_NAME") != "",
	}

	ratio, err := tryon.ParseAspectRatio(env.str("TRYON_ASPECT_RATIO", string(tryon.Ratio1x1)))
	if err != nil {
		errs = append(errs, fmt.Errorf("TRYON_ASPECT_RATIO: %w", err))
	}
	cfg.AspectRatio = ratio

	cfg.Garments = DefaultGarments(env.str("TRYON_ASSET_BASE_URL", DefaultAssetBase))
	if raw := os.Getenv("TRYON_GARMENTS"); raw != "" {
		var garments []Garment
		if err := json.Unmarshal([]byte(raw), &garments); err != nil {
			errs = append(errs, fmt.Errorf("TRYON_GARMENTS: %w", err))
		} else {
			cfg.Garments = garments
		}
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultGarments returns the two stock free-form garments.
func DefaultGarments(assetBase string) []Garment {
	assetBase = strings.TrimRight(assetBase, "/")
	return []Garment{
		{ID: "shirt-1", Name: "Classic White Shirt", Image: assetBase + "/shirt-1.jpg"},
		{ID: "dress-1", Name: "Summer Dress", Image: assetBase + "/dress-1.jpg"},
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []error
	if c.RateLimit.Requests <= 0 || c.RateLimit.Window <= 0 {
		errs = append(errs, errors.New("rate limit requests and window must be positive"))
	}
	if c.GlobalLimitEnabled && (c.GlobalLimit.Requests <= 0 || c.GlobalLimit.Window <= 0) {
		errs = append(errs, errors.New("global limit requests and window must be positive"))
	}
	if c.MaxFileSize <= 0 {
		errs = append(errs, errors.New("max file size must be positive"))
	}
	if len(c.AllowedMIME) == 0 {
		errs = append(errs, errors.New("at least one MIME type must be allowed"))
	}
	for _, m := range c.AllowedMIME {
		if !slices.Contains(tryon.DefaultAllowedMIME, m) {
			errs = append(errs, fmt.Errorf("MIME type %q is not supported by the provider", m))
		}
	}
	if strings.TrimSpace(c.Prompt) == "" {
		errs = append(errs, errors.New("prompt must not be empty"))
	}
	if c.CacheEnabled && c.CacheTTL <= 0 {
		errs = append(errs, errors.New("cache TTL must be positive"))
	}
	if c.ExecutionMode != ModeSync && c.ExecutionMode != ModeAsync {
		errs = append(errs, fmt.Errorf("execution mode must be %q or %q", ModeSync, ModeAsync))
	}
	if c.InLambda && c.ExecutionMode == ModeSync {
		// Work left running after the interactive timeout would be frozen
		// with the session stuck in processing.
		errs = append(errs, errors.New("sync execution mode is not supported inside Lambda, use async with WORKER_LAMBDA_ARN"))
	}
	if c.HistoryPageSize <= 0 {
		errs = append(errs, errors.New("history page size must be positive"))
	}
	seen := make(map[string]bool)
	for _, g := range c.Garments {
		if g.ID == "" || g.Image == "" {
			errs = append(errs, fmt.Errorf("garment %q needs an id and an image URL", g.Name))
		}
		if seen[g.ID] {
			errs = append(errs, fmt.Errorf("duplicate garment id %q", g.ID))
		}
		seen[g.ID] = true
	}
	return errors.Join(errs...)
}

// Async reports whether generation runs in a separate worker.
func (c *Config) Async() bool { return c.ExecutionMode == ModeAsync }

// envReader collects parse errors instead of failing on the first one.
type envReader struct {
	errs *[]error
}

func (e envReader) str(name, def string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return def
}

func (e envReader) integer(name string, def int) int {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		*e.errs = append(*e.errs, fmt.Errorf("%s: %w", name, err))
		return def
	}
	return n
}

func (e envReader) boolean(name string, def bool) bool {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		*e.errs = append(*e.errs, fmt.Errorf("%s: %w", name, err))
		return def
	}
	return b
}

// duration accepts Go duration strings ("90s", "1h") or a bare number of
// seconds ("86400").
func (e envReader) duration(name string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*e.errs = append(*e.errs, fmt.Errorf("%s: %w", name, err))
		return def
	}
	return d
}

func (e envReader) list(name string, def []string) []string {
	v := os.Getenv(name)
	if v == "" {
		return slices.Clone(def)
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
