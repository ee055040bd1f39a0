package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/adverant/nexus/videocoach-worker/internal/cache"
	"github.com/adverant/nexus/videocoach-worker/internal/clients"
	"github.com/adverant/nexus/videocoach-worker/internal/config"
	"github.com/adverant/nexus/videocoach-worker/internal/extractor"
	"github.com/adverant/nexus/videocoach-worker/internal/metrics"
	"github.com/adverant/nexus/videocoach-worker/internal/models"
	"github.com/adverant/nexus/videocoach-worker/internal/overlay"
	"github.com/adverant/nexus/videocoach-worker/internal/processor"
	"github.com/adverant/nexus/videocoach-worker/internal/queue"
	"github.com/adverant/nexus/videocoach-worker/internal/ratelimit"
	"github.com/adverant/nexus/videocoach-worker/internal/server"
	"github.com/adverant/nexus/videocoach-worker/internal/storage"
	"github.com/adverant/nexus/videocoach-worker/internal/tracing"
	"github.com/adverant/nexus/videocoach-worker/internal/utils"
	"github.com/adverant/nexus/videocoach-worker/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		sendError(fmt.Sprintf("Failed to load configuration: %v", err))
		os.Exit(1)
	}

	switch cfg.WorkerMode {
	case "cli":
		// cli mode: analyze one video, results as JSON on stdout
		os.Exit(runCLIMode(cfg))
	case "server":
		// server mode: HTTP API and WebSocket progress stream
		runServerMode(cfg)
	default:
		// standalone mode: Asynq queue consumer
		runStandaloneMode(cfg)
	}
}

// worker is everything the three modes share
type worker struct {
	pipeline *processor.Pipeline
	client   *clients.CoachClient
	ffmpeg   *utils.FFmpegHelper
	resolver *processor.SourceResolver
	redis    *redis.Client
	closers  []func()
}

func (w *worker) Close() {
	for i := len(w.closers) - 1; i >= 0; i-- {
		w.closers[i]()
	}
}

// newWorker wires the pipeline. Redis is optional unless it backs the cache.
func newWorker(ctx context.Context, cfg *config.Config, log *zap.Logger, useRedis bool) (*worker, error) {
	w := &worker{}

	if cfg.OTelEndpoint != "" {
		tp, err := tracing.InitTracer(ctx, cfg.OTelEndpoint)
		if err != nil {
			log.Warn("tracing disabled", zap.Error(err))
		} else {
			w.closers = append(w.closers, func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				tp.Shutdown(shutdownCtx)
			})
			log.Info("✓ Tracing initialized", zap.String("endpoint", cfg.OTelEndpoint))
		}
	}

	if useRedis || cfg.CacheBackend == "redis" {
		client, err := connectRedis(ctx, cfg.RedisURL)
		if err != nil {
			if cfg.CacheBackend == "redis" {
				w.Close()
				return nil, err
			}
			log.Warn("redis unavailable, progress will not be published", zap.Error(err))
		} else {
			w.redis = client
			w.closers = append(w.closers, func() { client.Close() })
			log.Info("✓ Redis connected")
		}
	}

	ffmpeg, err := utils.NewFFmpegHelper(cfg.TempDir)
	if err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to initialize FFmpeg: %w", err)
	}
	w.ffmpeg = ffmpeg
	log.Info("✓ FFmpeg initialized")

	limiter := ratelimit.New(cfg.RequestInterval)
	w.client = clients.NewCoachClient(cfg.CoachAPIURL, cfg.AnalyzeTimeout, limiter, log)
	if err := w.client.Health(ctx); err != nil {
		log.Warn("analysis service health check failed", zap.String("url", cfg.CoachAPIURL), zap.Error(err))
	}

	fingerprinter, err := cache.NewFingerprinter(cfg.CacheKeyMode, cfg.CachePrefixLen)
	if err != nil {
		w.Close()
		return nil, err
	}

	var feedbackCache cache.FeedbackCache = cache.NewMemoryCache()
	if cfg.CacheBackend == "redis" {
		// one namespace per process; cached feedback never outlives the session
		sessionCache := cache.NewRedisCache(w.redis, uuid.NewString())
		feedbackCache = sessionCache
		w.closers = append(w.closers, func() {
			clearCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := sessionCache.Clear(clearCtx); err != nil {
				log.Warn("failed to clear feedback cache", zap.Error(err))
			}
		})
	}
	log.Info("✓ Feedback cache initialized",
		zap.String("backend", cfg.CacheBackend),
		zap.String("key_mode", fingerprinter.Mode()),
	)

	var sinks []processor.ProgressSink
	if w.redis != nil {
		sinks = append(sinks, processor.NewRedisProgressPublisher(w.redis))
	}
	hub := processor.NewHub(log, sinks...)

	w.pipeline = processor.NewPipeline(processor.Deps{
		Analyzer:      w.client,
		Cache:         feedbackCache,
		Fingerprinter: fingerprinter,
		Renderer:      overlay.NewRenderer(),
		Opener:        extractor.FFmpegOpener{Decoder: ffmpeg, Logger: log},
		Hub:           hub,
		Logger:        log,
	}, processor.Config{
		Step:        cfg.SampleStep,
		JPEGQuality: cfg.JPEGQuality,
		LoadTimeout: cfg.LoadTimeout,

		SkipDegradedCache: cfg.CacheSkipDegraded,
	})

	downloader := utils.NewHTTPDownloader(utils.HTTPDownloaderConfig{
		MaxFileSize:  cfg.MaxVideoSize,
		AllowedTypes: []string{"video/"},
		TempDir:      cfg.TempDir,
		Logger:       log,
	})

	var objects processor.ObjectFetcher
	if cfg.MinIOEndpoint != "" {
		store, err := storage.NewObjectStore(storage.ObjectStoreConfig{
			Endpoint:  cfg.MinIOEndpoint,
			AccessKey: cfg.MinIOAccessKey,
			SecretKey: cfg.MinIOSecretKey,
			UseSSL:    cfg.MinIOUseSSL,
			TempDir:   cfg.TempDir,
		}, log)
		if err != nil {
			log.Warn("object storage disabled", zap.Error(err))
		} else {
			objects = store
		}
	}
	w.resolver = processor.NewSourceResolver(downloader, objects, log)

	log.Info("✓ Pipeline initialized",
		zap.Float64("step", cfg.SampleStep),
		zap.Duration("request_interval", cfg.RequestInterval),
	)
	return w, nil
}

func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// runCLIMode analyzes the video named by the first argument and writes the
// result log to stdout; logs go to stderr
func runCLIMode(cfg *config.Config) int {
	log, err := logger.NewStderr(cfg.LogLevel)
	if err != nil {
		sendError(fmt.Sprintf("Failed to initialize logger: %v", err))
		return 1
	}
	defer log.Sync()

	if len(os.Args) < 2 {
		sendError("usage: worker <video path, URL or s3://bucket/key>")
		return 2
	}
	ref := os.Args[1]

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	w, err := newWorker(ctx, cfg, log, false)
	if err != nil {
		sendError(err.Error())
		return 1
	}
	defer w.Close()

	snaps, unsubscribe := w.pipeline.Hub().Subscribe()
	defer unsubscribe()
	go logProgress(snaps, log)

	jobID := models.NewJobID()
	path, cleanup, err := w.resolver.Resolve(ctx, ref, jobID)
	if err != nil {
		sendError(fmt.Sprintf("Failed to resolve video: %v", err))
		return 1
	}
	defer cleanup()

	results, err := w.pipeline.Submit(ctx, path)
	if err != nil {
		msg := w.pipeline.Snapshot().Error
		if msg == "" {
			msg = err.Error()
		}
		sendError(msg)
		log.Error("analysis failed", zap.Error(err))
		return 1
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(map[string]interface{}{
		"success": true,
		"jobId":   jobID,
		"results": results,
	}); err != nil {
		log.Error("failed to write results", zap.Error(err))
		return 1
	}
	return 0
}

func logProgress(snaps <-chan processor.Snapshot, log *zap.Logger) {
	for snap := range snaps {
		if st, ok := snap.State.(processor.Analyzing); ok {
			log.Info("progress",
				zap.Int("frames_done", st.FramesDone),
				zap.Int("frames_total", st.FramesTotal),
				zap.Float64("elapsed", st.Elapsed),
				zap.String("feedback", snap.Feedback),
			)
			continue
		}
		log.Debug("state", zap.String("phase", string(snap.Phase())))
	}
}

func runServerMode(cfg *config.Config) {
	log := mustLogger(cfg.LogLevel)
	defer log.Sync()

	ctx := context.Background()
	w, err := newWorker(ctx, cfg, log, true)
	if err != nil {
		log.Fatal("failed to initialize worker", zap.Error(err))
	}
	defer w.Close()

	metricsSrv := metrics.StartMetricsServer(cfg.MetricsPort, log)

	srv := server.New(server.Config{
		Port:          cfg.HTTPPort,
		MaxUploadSize: cfg.MaxVideoSize,
		Runner:        w.pipeline,
		Progress:      w.pipeline.Hub(),
		Resolver:      w.resolver,
		Diagnostics:   w.client,
		Uploads:       w.ffmpeg,
		Logger:        log,
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil {
			errChan <- err
		}
	}()

	log.Info("✓ VideoCoach server ready",
		zap.Int("http_port", cfg.HTTPPort),
		zap.Int("metrics_port", cfg.MetricsPort),
		zap.String("coach_api_url", cfg.CoachAPIURL),
	)

	select {
	case <-sigChan:
		log.Info("shutdown signal received, stopping gracefully")
	case err := <-errChan:
		log.Error("server error", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		log.Warn("server shutdown", zap.Error(err))
	}
	metricsSrv.Shutdown(shutdownCtx)
	log.Info("VideoCoach server stopped")
}

func runStandaloneMode(cfg *config.Config) {
	log := mustLogger(cfg.LogLevel)
	defer log.Sync()

	ctx := context.Background()
	w, err := newWorker(ctx, cfg, log, true)
	if err != nil {
		log.Fatal("failed to initialize worker", zap.Error(err))
	}
	defer w.Close()

	consumer, err := queue.NewRedisConsumer(queue.RedisConsumerConfig{
		RedisURL:    cfg.RedisURL,
		Concurrency: cfg.WorkerConcurrency,
		Pipeline:    w.pipeline,
		Resolver:    w.resolver,
		Logger:      log,
	})
	if err != nil {
		log.Fatal("failed to initialize queue consumer", zap.Error(err))
	}
	log.Info("✓ Queue consumer initialized")

	metricsSrv := metrics.StartMetricsServer(cfg.MetricsPort, log, consumer.HealthCheck)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		if err := consumer.Start(); err != nil {
			errChan <- err
		}
	}()

	log.Info("✓ VideoCoach worker ready - waiting for jobs",
		zap.Int("concurrency", cfg.WorkerConcurrency),
		zap.String("temp_dir", cfg.TempDir),
		zap.String("coach_api_url", cfg.CoachAPIURL),
	)

	select {
	case <-sigChan:
		log.Info("shutdown signal received, stopping gracefully")
		w.pipeline.Cancel()
		consumer.Stop()
	case err := <-errChan:
		log.Error("worker error", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	metricsSrv.Shutdown(shutdownCtx)
	log.Info("VideoCoach worker stopped")
}

func mustLogger(level string) *zap.Logger {
	log, err := logger.New(level)
	if err != nil {
		sendError(fmt.Sprintf("Failed to initialize logger: %v", err))
		os.Exit(1)
	}
	return log
}

// sendError sends an error response to stdout as JSON
func sendError(message string) {
	errorResponse := map[string]interface{}{
		"error":   message,
		"success": false,
	}
	errorJSON, _ := json.Marshal(errorResponse)
	fmt.Println(string(errorJSON))
}
