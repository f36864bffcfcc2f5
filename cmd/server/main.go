package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/koios/adb-invocation-server/internal/config"
	"github.com/koios/adb-invocation-server/internal/device"
	"github.com/koios/adb-invocation-server/internal/handlers"
	"github.com/koios/adb-invocation-server/internal/metrics"
	"github.com/koios/adb-invocation-server/internal/pipeline"
	"github.com/koios/adb-invocation-server/internal/redis"
	"github.com/koios/adb-invocation-server/internal/sspro"
	"github.com/koios/adb-invocation-server/internal/storage"
	"github.com/koios/adb-invocation-server/pkg/models"
)

func main() {
	flags := pflag.NewFlagSet("adb-invocation-server", pflag.ContinueOnError)
	envFile := flags.String("env-file", "", "load environment from this file instead of ./.env")
	commandsFile := flags.String("commands", "", "device command override file (YAML)")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		log.Fatalf("Invalid arguments: %v", err)
	}

	// Load configuration
	var envFiles []string
	if *envFile != "" {
		envFiles = append(envFiles, *envFile)
	}
	cfg, err := config.Load(envFiles...)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *commandsFile != "" {
		cfg.Commands.File = *commandsFile
	}

	// Initialize logger
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	metrics.Init()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	commands := models.DefaultCommandSet()
	if cfg.Commands.File != "" {
		commands, err = models.LoadCommandSet(cfg.Commands.File)
		if err != nil {
			logger.Fatal("Failed to load device commands", zap.Error(err))
		}
		logger.Info("Loaded device commands", zap.String("file", cfg.Commands.File))
	}
	runner := device.NewRunner(commands, device.ShellExec, logger)

	// Job events are optional
	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient, err = redis.NewClient(ctx, cfg.Redis, logger)
		if err != nil {
			logger.Warn("Redis unavailable, job events disabled", zap.Error(err))
			redisClient = nil
		} else {
			defer redisClient.Close()
		}
	}

	var objectStore storage.ObjectStore
	gcs, err := storage.NewGCSStore(ctx)
	if err != nil {
		logger.Warn("Cloud storage unavailable, store requests will fail", zap.Error(err))
		objectStore = storage.UnavailableStore{Err: err}
	} else {
		defer gcs.Close()
		objectStore = gcs
	}

	counter := pipeline.NewJobCounter()
	bucket := pipeline.BucketLocation{
		PublicURL: cfg.Store.PublicURL,
		Bucket:    cfg.Store.Bucket,
		BasePath:  cfg.Store.BucketBasePath,
	}
	renderClient := sspro.NewClient(&http.Client{Timeout: 5 * time.Minute}, cfg.Store.RenderURL(), cfg.Store.APIKey, logger)
	fetcher := pipeline.NewFetcher(&http.Client{Timeout: 10 * time.Minute}, pipeline.OutputConfig{
		AndroidBasePath: cfg.Store.AndroidOutputBasePath,
		IOSBasePath:     cfg.Store.IOSOutputBasePath,
		FilePattern:     cfg.Store.OutputFilePattern,
	}, logger)

	var opts []pipeline.SubmitterOption
	if cfg.Store.BatchIntervalMs > 0 {
		interval := time.Duration(cfg.Store.BatchIntervalMs) * time.Millisecond
		opts = append(opts, pipeline.WithLimiter(rate.NewLimiter(rate.Every(interval), 1)))
	}
	var runs handlers.RunStates
	var redisHealth handlers.HealthChecker
	if redisClient != nil {
		opts = append(opts, pipeline.WithObserver(redisClient))
		runs = redisClient
		redisHealth = redisClient
	}
	submitter := pipeline.NewSubmitter(counter, renderClient, fetcher, bucket, logger, opts...)
	service := pipeline.NewService(storage.NewUploader(objectStore, logger), submitter, bucket, cfg.Capture.PathPattern, logger)

	router := handlers.NewRouter(
		handlers.NewAppHandler(cfg.Static, redisHealth, logger),
		handlers.NewDeviceHandler(runner, cfg.Capture, logger),
		handlers.NewStoreHandler(service, counter, runs, cfg, logger),
	)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	// Start HTTP server
	go func() {
		logger.Info("Starting HTTP server", zap.Int("port", cfg.Server.Port))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server failed", zap.Error(err))
			cancel()
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-ctx.Done():
	}

	logger.Info("Shutting down server...")

	// Give outstanding requests a deadline for completion
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", zap.Error(err))
	}
	if active := counter.Active(); active > 0 {
		logger.Warn("Exiting with generation requests in flight", zap.Int64("active", active))
	}
	logger.Info("Server shutdown complete")
}

func newLogger(level string) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL %q: %w", level, err)
	}
	zcfg.Level = lvl
	return zcfg.Build()
}
