// Package main is the worker Lambda. The API Lambda invokes it with
// InvocationType=Event and a payload of the form
//
//	{"type": "tryon", "sessionId": "tryon-<hex>"}
//
// It claims the session, generates, and records the outcome in the session
// store, where the API Lambda's status endpoint reads it.
package main

import (
	"context"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/rs/zerolog/log"

	"github.com/fpang/virtual-tryon/internal/config"
	"github.com/fpang/virtual-tryon/internal/gemini"
	"github.com/fpang/virtual-tryon/internal/lambdaboot"
	"github.com/fpang/virtual-tryon/internal/logging"
	"github.com/fpang/virtual-tryon/internal/orchestrator"
)

var (
	coldStart = true
	app       *lambdaboot.App
)

func init() {
	initStart := time.Now()
	logging.Init()
	ctx := context.Background()

	clients := lambdaboot.InitAWS()
	keyParam, err := lambdaboot.LoadGeminiKey(ctx, clients.SSM)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load Gemini API key")
	}

	cfg, err := config.Load(config.ModeAsync, commitHash)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	if cfg.DynamoTable == "" || cfg.MediaBucket == "" {
		log.Fatal().Msg("DYNAMO_TABLE_NAME and MEDIA_BUCKET_NAME are required by the worker")
	}
	backends, err := lambdaboot.NewBackends(ctx, cfg, &clients.Config)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialise backends")
	}
	app = lambdaboot.Assemble(cfg, backends, gemini.New(cfg), nil)

	sl := lambdaboot.StartupLog("tryon-worker", cfg, initStart).
		CommitHash(commitHash).
		BuildTime(buildTime)
	if keyParam != "" {
		sl.SSMParam("geminiKey", keyParam)
	}
	sl.Log()
}

func main() {
	lambda.Start(handler)
}

func handler(ctx context.Context, event orchestrator.WorkerEvent) error {
	if coldStart {
		coldStart = false
		log.Info().Str("function", "tryon-worker").Msg("Cold start, first invocation")
	}
	log.Info().Str("type", event.Type).Str("sessionId", event.SessionID).Msg("Worker Lambda invoked")
	return app.Orchestrator.HandleWorkerEvent(ctx, event)
}
