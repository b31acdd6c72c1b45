package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/klauspost/compress/gzhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fpang/virtual-tryon/internal/config"
	"github.com/fpang/virtual-tryon/internal/gemini"
	"github.com/fpang/virtual-tryon/internal/lambdaboot"
	"github.com/fpang/virtual-tryon/internal/metrics"
	"github.com/fpang/virtual-tryon/internal/orchestrator"
)

var (
	portFlag    int
	modeFlag    string
	metricsFlag bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP service locally",
	Long: `serve runs the API in one process. Without MEDIA_BUCKET_NAME and
DYNAMO_TABLE_NAME every store is kept in memory and images are served under
/media/. In async mode generation runs in a background goroutine.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&portFlag, "port", 8080, "Port to listen on")
	serveCmd.Flags().StringVar(&modeFlag, "mode", "", "Execution mode, sync or async (default TRYON_EXECUTION_MODE or sync)")
	serveCmd.Flags().BoolVar(&metricsFlag, "metrics", false, "Print EMF metric lines to stdout")
}

// loadAWS returns the AWS config when any AWS-backed store is configured.
func loadAWS(ctx context.Context, cfg *config.Config) (*aws.Config, error) {
	if cfg.MediaBucket == "" && cfg.DynamoTable == "" && cfg.EventBusName == "" && cfg.WorkerLambdaArn == "" {
		return nil, nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return &awsCfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	initStart := time.Now()
	ctx := cmd.Context()
	if !metricsFlag {
		metrics.SetOutput(io.Discard)
	}
	if modeFlag != "" {
		os.Setenv("TRYON_EXECUTION_MODE", modeFlag)
	}

	cfg, err := config.Load(config.ModeSync, commitHash)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.APIKey == "" {
		log.Warn().Msg("GEMINI_API_KEY not set, generation requests will fail")
	}
	awsCfg, err := loadAWS(ctx, cfg)
	if err != nil {
		return err
	}
	backends, err := lambdaboot.NewBackends(ctx, cfg, awsCfg)
	if err != nil {
		return err
	}
	if backends.Redis != nil {
		defer backends.Redis.Close()
	}

	var dispatcher orchestrator.Dispatcher = lambdaboot.NewDispatcher(cfg, awsCfg)
	inline := &orchestrator.InlineDispatcher{}
	if cfg.Async() && dispatcher == nil {
		dispatcher = inline
	}
	app := lambdaboot.Assemble(cfg, backends, gemini.New(cfg), dispatcher)
	inline.Run = func(ctx context.Context, sessionID string) error {
		_, err := app.Orchestrator.Execute(ctx, sessionID)
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/api/", app.API.Handler())
	if backends.Memory != nil {
		mux.Handle(lambdaboot.LocalMediaPrefix, backends.Memory)
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", portFlag),
		Handler:      withLogging(gzhttp.GzipHandler(mux)),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.InteractiveTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info().Msg("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Graceful shutdown failed")
		}
	}()

	lambdaboot.StartupLog("tryon-web", cfg, initStart).
		CommitHash(commitHash).
		BuildTime(buildTime).
		Log()
	log.Info().Int("port", portFlag).Str("mode", cfg.ExecutionMode).Msg("Starting web server")

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

func withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}
