// Package lambdaboot holds the cold-start bootstrap shared by every binary.
//
// Each process needs some subset of: AWS config, the media bucket, the
// DynamoDB table, Redis, the worker Lambda, EventBridge and the Gemini key
// from SSM. Backends picks the concrete implementation of each store from
// the configuration, falling back to in-memory versions so the service also
// runs locally without AWS.
package lambdaboot

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	lambdasvc "github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/fpang/virtual-tryon/internal/api"
	"github.com/fpang/virtual-tryon/internal/cache"
	"github.com/fpang/virtual-tryon/internal/catalog"
	"github.com/fpang/virtual-tryon/internal/config"
	"github.com/fpang/virtual-tryon/internal/garment"
	"github.com/fpang/virtual-tryon/internal/gemini"
	"github.com/fpang/virtual-tryon/internal/identity"
	"github.com/fpang/virtual-tryon/internal/logging"
	"github.com/fpang/virtual-tryon/internal/notify"
	"github.com/fpang/virtual-tryon/internal/orchestrator"
	"github.com/fpang/virtual-tryon/internal/ratelimit"
	"github.com/fpang/virtual-tryon/internal/s3util"
	"github.com/fpang/virtual-tryon/internal/store"
)

// DefaultAPIKeyParam is the SSM parameter holding the Gemini key.
const DefaultAPIKeyParam = "/virtual-tryon/prod/gemini-api-key"

// LocalMediaPrefix is the URL path under which in-memory objects are served.
const LocalMediaPrefix = "/media/"

// AWSClients holds the core AWS SDK config and the SSM client.
type AWSClients struct {
	Config aws.Config
	SSM    *ssm.Client
}

// InitAWS loads the default AWS config. Fatals on error.
func InitAWS() AWSClients {
	cfg, err := awsconfig.LoadDefaultConfig(context.Background())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load AWS config")
	}
	log.Debug().Str("region", cfg.Region).Msg("AWS config loaded")
	return AWSClients{
		Config: cfg,
		SSM:    ssm.NewFromConfig(cfg),
	}
}

// ParameterGetter is the subset of the SSM client LoadGeminiKey uses.
type ParameterGetter interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// LoadGeminiKey fetches the Gemini API key from SSM Parameter Store unless
// GEMINI_API_KEY is already set, and exports it for config.Load. It returns
// the parameter path it read, or "" when the environment already had a key.
func LoadGeminiKey(ctx context.Context, client ParameterGetter) (string, error) {
	if os.Getenv("GEMINI_API_KEY") != "" {
		return "", nil
	}
	paramName := logging.EnvOrDefault("SSM_API_KEY_PARAM", DefaultAPIKeyParam)
	start := time.Now()
	result, err := client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(paramName),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return paramName, fmt.Errorf("read %s from SSM: %w", paramName, err)
	}
	if result.Parameter == nil || aws.ToString(result.Parameter.Value) == "" {
		return paramName, fmt.Errorf("SSM parameter %s is empty", paramName)
	}
	os.Setenv("GEMINI_API_KEY", aws.ToString(result.Parameter.Value))
	log.Debug().Str("param", paramName).Dur("elapsed", time.Since(start)).Msg("Gemini API key loaded from SSM")
	return paramName, nil
}

// Backends are the concrete stores a process runs with.
type Backends struct {
	Store   store.SessionStore
	Objects s3util.Objects
	Counter ratelimit.Counter
	Entries cache.EntryStore
	Emitter notify.Emitter

	// Memory is set when objects live in process memory and must be served
	// by the local server under LocalMediaPrefix.
	Memory *s3util.Memory
	Redis  *redis.Client
}

// NewBackends selects implementations from cfg. awsCfg may be nil, in which
// case every AWS-backed store falls back to memory.
func NewBackends(ctx context.Context, cfg *config.Config, awsCfg *aws.Config) (*Backends, error) {
	b := &Backends{}
	var ddb *dynamodb.Client
	if awsCfg != nil && cfg.DynamoTable != "" {
		ddb = dynamodb.NewFromConfig(*awsCfg)
	}

	if ddb != nil {
		b.Store = store.NewDynamoStore(ddb, cfg.DynamoTable)
	} else {
		log.Warn().Msg("DYNAMO_TABLE_NAME not set, sessions are kept in memory")
		b.Store = store.NewMemoryStore()
	}

	if awsCfg != nil && cfg.MediaBucket != "" {
		client := s3.NewFromConfig(*awsCfg)
		b.Objects = s3util.NewBucket(client, s3.NewPresignClient(client), cfg.MediaBucket)
	} else {
		log.Warn().Msg("MEDIA_BUCKET_NAME not set, images are kept in memory")
		b.Memory = s3util.NewMemory(LocalMediaPrefix)
		b.Objects = b.Memory
	}

	switch {
	case cfg.RedisURL != "":
		client, err := NewRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		b.Redis = client
		b.Counter = ratelimit.NewRedisCounter(client)
		b.Entries = cache.NewRedisEntries(client)
	case ddb != nil:
		b.Counter = ratelimit.NewDynamoCounter(ddb, cfg.DynamoTable)
		b.Entries = cache.NewDynamoEntries(ddb, cfg.DynamoTable)
	default:
		b.Counter = ratelimit.NewMemoryCounter()
		b.Entries = cache.NewMemoryEntries()
	}

	if awsCfg != nil && cfg.EventBusName != "" {
		b.Emitter = notify.NewEventBridge(eventbridge.NewFromConfig(*awsCfg), cfg.EventBusName)
	}
	return b, nil
}

// NewRedis connects to the Redis instance at rawURL and pings it.
func NewRedis(ctx context.Context, rawURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", RedisHost(rawURL), err)
	}
	return client, nil
}

// RedisHost strips credentials and path from a Redis URL for logging.
func RedisHost(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "invalid"
	}
	return u.Host
}

// NewDispatcher returns the Lambda dispatcher for the configured worker, or
// nil when no worker is configured.
func NewDispatcher(cfg *config.Config, awsCfg *aws.Config) orchestrator.Dispatcher {
	if awsCfg == nil || cfg.WorkerLambdaArn == "" {
		return nil
	}
	return orchestrator.NewLambdaDispatcher(lambdasvc.NewFromConfig(*awsCfg), cfg.WorkerLambdaArn)
}

// App is a fully wired service.
type App struct {
	Backends     *Backends
	Limiter      *ratelimit.Limiter
	Orchestrator *orchestrator.Orchestrator
	API          *api.Server
}

// Assemble wires the pipeline and HTTP surface on top of b. dispatcher may
// be nil.
func Assemble(cfg *config.Config, b *Backends, generator gemini.Generator, dispatcher orchestrator.Dispatcher) *App {
	limiter := ratelimit.New(b.Counter, ratelimit.SettingsFrom(cfg))
	orch := orchestrator.New(orchestrator.Deps{
		Config:     cfg,
		Store:      b.Store,
		Objects:    b.Objects,
		Generator:  generator,
		Garments:   garment.NewResolver(b.Store, b.Objects, cfg),
		Limiter:    limiter,
		Cache:      cache.NewResults(b.Entries, b.Objects, cfg),
		Notifier:   notify.New(b.Store, b.Emitter),
		Dispatcher: dispatcher,
	})
	server := api.New(api.Deps{
		Config:   cfg,
		Pipeline: orch,
		Store:    b.Store,
		Objects:  b.Objects,
		Catalog:  catalog.New(b.Store, b.Objects, cfg.CatalogCacheTTL),
		Identity: identity.NewResolver(cfg.JWTSecret),
	})
	return &App{Backends: b, Limiter: limiter, Orchestrator: orch, API: server}
}

// StartupLog builds the cold-start summary event for cfg.
func StartupLog(name string, cfg *config.Config, initStart time.Time) *logging.StartupLogger {
	sl := logging.NewStartupLogger(name).
		InitDuration(time.Since(initStart)).
		Feature("cache", cfg.CacheEnabled).
		Feature("globalLimit", cfg.GlobalLimitEnabled).
		Feature("rateLimitFailOpen", cfg.RateLimitFailOpen).
		Feature("debug", cfg.Debug).
		Feature("async", cfg.Async()).
		Config("model", cfg.Model).
		Config("aspectRatio", string(cfg.AspectRatio)).
		Config("rateLimit", fmt.Sprintf("%d/%s", cfg.RateLimit.Requests, cfg.RateLimit.Window)).
		Config("version", cfg.Version)
	if cfg.MediaBucket != "" {
		sl.S3Bucket("media", cfg.MediaBucket)
	}
	if cfg.DynamoTable != "" {
		sl.DynamoTable("tryon", cfg.DynamoTable)
	}
	if cfg.RedisURL != "" {
		sl.Redis("counters", RedisHost(cfg.RedisURL))
	}
	if cfg.WorkerLambdaArn != "" {
		sl.LambdaFunc("worker", cfg.WorkerLambdaArn)
	}
	if cfg.EventBusName != "" {
		sl.EventBus("notifications", cfg.EventBusName)
	}
	return sl
}
