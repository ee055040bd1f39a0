package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/adverant/nexus/videocoach-worker/internal/models"
	"github.com/adverant/nexus/videocoach-worker/internal/processor"
)

// TaskTypeAnalyze is the asynq task type carrying a models.JobPayload
const TaskTypeAnalyze = "videocoach:analyze"

// Submitter runs the analysis pipeline over a local video file
type Submitter interface {
	Submit(ctx context.Context, path string) ([]models.AnalysisResult, error)
}

// Resolver turns a job's video reference into a local file
type Resolver interface {
	Resolve(ctx context.Context, ref, jobID string) (string, func(), error)
}

// RedisConsumer consumes video analysis jobs from the Redis queue
type RedisConsumer struct {
	server   *asynq.Server
	pipeline Submitter
	resolver Resolver
	logger   *zap.Logger

	healthMu  sync.Mutex
	healthErr error
}

// RedisConsumerConfig holds consumer configuration
type RedisConsumerConfig struct {
	RedisURL    string
	Concurrency int
	Pipeline    Submitter
	Resolver    Resolver
	Logger      *zap.Logger
}

// NewRedisConsumer creates a new Redis queue consumer
func NewRedisConsumer(config RedisConsumerConfig) (*RedisConsumer, error) {
	redisOpt, err := asynq.ParseRedisURI(config.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	// The pipeline runs one video at a time; a second concurrent task
	// would only supersede the first
	concurrency := config.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}

	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	rc := &RedisConsumer{
		pipeline: config.Pipeline,
		resolver: config.Resolver,
		logger:   logger,
	}
	rc.server = asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: concurrency,
			Queues: map[string]int{
				"videocoach:critical": 6,
				"videocoach:default":  3,
				"videocoach:low":      1,
			},
			RetryDelayFunc: func(n int, err error, task *asynq.Task) time.Duration {
				// Exponential backoff: 1min, 2min, 4min
				return time.Duration(1<<uint(n)) * time.Minute
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				logger.Error("task failed", zap.String("type", task.Type()), zap.Error(err))
			}),
			HealthCheckFunc: rc.recordHealth,
		},
	)

	return rc, nil
}

// NewAnalyzeTask builds the task a producer enqueues for job
func NewAnalyzeTask(job models.JobPayload) (*asynq.Task, error) {
	if job.JobID == "" {
		job.JobID = models.NewJobID()
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job payload: %w", err)
	}
	return asynq.NewTask(TaskTypeAnalyze, payload, asynq.Queue("videocoach:default"), asynq.MaxRetry(3)), nil
}

// Start blocks serving tasks until Stop is called
func (rc *RedisConsumer) Start() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskTypeAnalyze, rc.HandleAnalyzeTask)

	rc.logger.Info("starting videocoach worker")
	if err := rc.server.Run(mux); err != nil {
		return fmt.Errorf("failed to start worker: %w", err)
	}
	return nil
}

// Stop stops the consumer gracefully
func (rc *RedisConsumer) Stop() {
	rc.logger.Info("shutting down videocoach worker")
	rc.server.Shutdown()
}

// HandleAnalyzeTask resolves the job's video and runs it through the pipeline.
// Inputs that can never succeed are not retried.
func (rc *RedisConsumer) HandleAnalyzeTask(ctx context.Context, task *asynq.Task) error {
	var job models.JobPayload
	if err := json.Unmarshal(task.Payload(), &job); err != nil {
		return fmt.Errorf("failed to unmarshal job payload: %v: %w", err, asynq.SkipRetry)
	}
	if job.VideoURL == "" {
		return fmt.Errorf("job %s has no videoUrl: %w", job.JobID, asynq.SkipRetry)
	}

	logger := rc.logger.With(zap.String("job_id", job.JobID), zap.String("source", processor.SourceType(job.VideoURL)))
	logger.Info("processing job")

	path, cleanup, err := rc.resolver.Resolve(ctx, job.VideoURL, job.JobID)
	if err != nil {
		logger.Error("failed to resolve video", zap.Error(err))
		return err
	}
	defer cleanup()

	results, err := rc.pipeline.Submit(ctx, path)
	switch {
	case errors.Is(err, processor.ErrNotVideo), errors.Is(err, processor.ErrSuperseded):
		logger.Warn("job dropped", zap.Error(err))
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	case err != nil:
		logger.Error("job failed", zap.Error(err))
		return err
	}

	logger.Info("job completed", zap.Int("frames", len(results)))
	return nil
}

// recordHealth receives the result of asynq's periodic broker ping
func (rc *RedisConsumer) recordHealth(err error) {
	rc.healthMu.Lock()
	defer rc.healthMu.Unlock()
	if err != nil && rc.healthErr == nil {
		rc.logger.Warn("queue redis unreachable", zap.Error(err))
	}
	rc.healthErr = err
}

// HealthCheck reports the last broker ping; nil until the first one fails
func (rc *RedisConsumer) HealthCheck() error {
	if rc.server == nil {
		return fmt.Errorf("server not initialized")
	}
	rc.healthMu.Lock()
	defer rc.healthMu.Unlock()
	if rc.healthErr != nil {
		return fmt.Errorf("queue redis unreachable: %w", rc.healthErr)
	}
	return nil
}
