// Package main is the API Lambda. It serves the try-on HTTP surface behind
// API Gateway and CloudFront, and hands accepted sessions to the worker
// Lambda when WORKER_LAMBDA_ARN is set.
package main

import (
	"context"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/awslabs/aws-lambda-go-api-proxy/httpadapter"
	"github.com/rs/zerolog/log"

	"github.com/fpang/virtual-tryon/internal/config"
	"github.com/fpang/virtual-tryon/internal/gemini"
	"github.com/fpang/virtual-tryon/internal/lambdaboot"
	"github.com/fpang/virtual-tryon/internal/logging"
)

var adapter *httpadapter.HandlerAdapterV2

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
	backends, err := lambdaboot.NewBackends(ctx, cfg, &clients.Config)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialise backends")
	}
	dispatcher := lambdaboot.NewDispatcher(cfg, &clients.Config)
	if dispatcher == nil {
		log.Fatal().Msg("WORKER_LAMBDA_ARN is required: inline generation would be frozen after the response")
	}

	app := lambdaboot.Assemble(cfg, backends, gemini.New(cfg), dispatcher)
	adapter = httpadapter.NewV2(app.API.Handler())

	sl := lambdaboot.StartupLog("tryon-lambda", cfg, initStart).
		CommitHash(commitHash).
		BuildTime(buildTime)
	if keyParam != "" {
		sl.SSMParam("geminiKey", keyParam)
	}
	sl.Log()
}

func main() {
	lambda.Start(adapter.ProxyWithContext)
}
