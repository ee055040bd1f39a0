package processor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/adverant/nexus/videocoach-worker/internal/cache"
	"github.com/adverant/nexus/videocoach-worker/internal/extractor"
	"github.com/adverant/nexus/videocoach-worker/internal/metrics"
	"github.com/adverant/nexus/videocoach-worker/internal/models"
	"github.com/adverant/nexus/videocoach-worker/internal/raster"
	"github.com/adverant/nexus/videocoach-worker/internal/tracing"
	"github.com/adverant/nexus/videocoach-worker/internal/utils"
)

var (
	// ErrSuperseded is returned by a run that was replaced by a newer submission
	ErrSuperseded = errors.New("analysis run superseded by a newer submission")
	// ErrNotVideo is returned by Submit for inputs that are not video files
	ErrNotVideo = errors.New(ErrTextNotVideo)
	// ErrLoadTimeout is returned when video metadata does not arrive in time
	ErrLoadTimeout = errors.New("timed out loading video metadata")
)

// Analyzer sends a frame to the remote analysis service
type Analyzer interface {
	Analyze(ctx context.Context, frame models.Frame) (models.Analysis, error)
}

// PoseRenderer draws a pose onto a surface
type PoseRenderer interface {
	Draw(surface *raster.Surface, pose models.Pose) error
}

// SourceOpener binds a local video file to a VideoSource
type SourceOpener interface {
	Open(ctx context.Context, path string) (extractor.VideoSource, error)
}

// Config holds pipeline tunables
type Config struct {
	Step        float64       // Seconds between samples
	JPEGQuality int           // Fixed for every frame of a run
	LoadTimeout time.Duration // Budget for metadata to arrive

	// SkipDegradedCache keeps failure texts out of the feedback cache so an
	// outage is not replayed for later identical frames. Off by default:
	// every miss is inserted.
	SkipDegradedCache bool
}

// Deps are the collaborators of a Pipeline; Cache and the Analyzer's rate
// limiter are shared by every run for the life of the process
type Deps struct {
	Analyzer      Analyzer
	Cache         cache.FeedbackCache
	Fingerprinter *cache.Fingerprinter
	Renderer      PoseRenderer
	Opener        SourceOpener
	Hub           *Hub
	Logger        *zap.Logger
}

// Pipeline samples a video one frame per step, analyzes each frame (or
// replays cached feedback) and publishes progress. Runs are strictly
// sequential; starting a run supersedes the previous one.
type Pipeline struct {
	analyzer    Analyzer
	cache       cache.FeedbackCache
	fingerprint *cache.Fingerprinter
	renderer    PoseRenderer
	opener      SourceOpener
	hub         *Hub
	logger      *zap.Logger
	tracer      trace.Tracer
	cfg         Config

	generation atomic.Uint64

	mu        sync.Mutex // guards cancelRun and surface
	cancelRun context.CancelFunc
	surface   *raster.Surface

	// serializes generation checks with local hub delivery so a stale run
	// can never reach subscribers after its successor
	pubMu sync.Mutex
}

// run is the private state of one pass over a video
type run struct {
	id       string
	gen      uint64
	ctx      context.Context
	cancel   context.CancelFunc
	surface  *raster.Surface
	started  time.Time
	results  []models.AnalysisResult
	feedback string
}

func NewPipeline(deps Deps, cfg Config) *Pipeline {
	if cfg.Step <= 0 {
		cfg.Step = extractor.DefaultStep
	}
	if cfg.JPEGQuality <= 0 {
		cfg.JPEGQuality = raster.DefaultJPEGQuality
	}
	if cfg.LoadTimeout <= 0 {
		cfg.LoadTimeout = 10 * time.Second
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Hub == nil {
		deps.Hub = NewHub(deps.Logger)
	}
	if deps.Cache == nil {
		deps.Cache = cache.NewMemoryCache()
	}
	if deps.Fingerprinter == nil {
		deps.Fingerprinter, _ = cache.NewFingerprinter(cache.KeyModeHash, 0)
	}
	return &Pipeline{
		analyzer:    deps.Analyzer,
		cache:       deps.Cache,
		fingerprint: deps.Fingerprinter,
		renderer:    deps.Renderer,
		opener:      deps.Opener,
		hub:         deps.Hub,
		logger:      deps.Logger,
		tracer:      tracing.Tracer("videocoach/processor"),
		cfg:         cfg,
	}
}

func (p *Pipeline) Hub() *Hub {
	return p.hub
}

// Snapshot returns the current observable state
func (p *Pipeline) Snapshot() Snapshot {
	return p.hub.Latest()
}

// Surface returns the raster surface of the latest run
func (p *Pipeline) Surface() *raster.Surface {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.surface
}

// Submit validates that path is a video, binds it to a VideoSource and runs it
func (p *Pipeline) Submit(ctx context.Context, path string) ([]models.AnalysisResult, error) {
	if _, err := utils.DetectVideoType(path); err != nil {
		text := errTextLoadPrefix + err.Error()
		if errors.Is(err, utils.ErrNotVideo) {
			text = ErrTextNotVideo
			err = fmt.Errorf("%w: %v", ErrNotVideo, err)
		}
		p.reject(ctx, text)
		p.logger.Warn("video submission rejected", zap.String("path", path), zap.Error(err))
		return nil, err
	}

	src, err := p.opener.Open(ctx, path)
	if err != nil {
		r := p.begin(ctx)
		defer r.cancel()
		p.fail(r, err)
		return nil, fmt.Errorf("open video: %w", err)
	}
	return p.Run(ctx, src)
}

// Run analyzes src, superseding any run in progress. src is released on return.
func (p *Pipeline) Run(ctx context.Context, src extractor.VideoSource) ([]models.AnalysisResult, error) {
	defer src.Release()

	r := p.begin(ctx)
	defer r.cancel()

	return p.execute(r, src)
}

// Cancel stops the current run, if any
func (p *Pipeline) Cancel() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancelRun != nil {
		p.cancelRun()
	}
}

func (p *Pipeline) begin(parent context.Context) *run {
	ctx, cancel := context.WithCancel(parent)
	r := &run{
		id:      models.NewRunID(),
		ctx:     ctx,
		cancel:  cancel,
		surface: raster.NewSurface(0, 0),
		started: time.Now(),
	}

	p.mu.Lock()
	if p.cancelRun != nil {
		p.cancelRun()
	}
	r.gen = p.generation.Add(1)
	p.cancelRun = cancel
	p.surface = r.surface
	p.mu.Unlock()

	return r
}

func (p *Pipeline) current(r *run) bool {
	return p.generation.Load() == r.gen
}

// publish delivers a snapshot of r unless r has been superseded. Only the
// generation check and local delivery hold pubMu; sinks run after it is
// released so a slow sink cannot stall a superseding run.
func (p *Pipeline) publish(r *run, state State, feedback, errText string) bool {
	var results []models.AnalysisResult
	if len(r.results) > 0 {
		results = append(results, r.results...)
	}
	snap := Snapshot{
		RunID:      r.id,
		Generation: r.gen,
		State:      state,
		Feedback:   feedback,
		Results:    results,
		Error:      errText,
		UpdatedAt:  time.Now(),
	}

	p.pubMu.Lock()
	if !p.current(r) {
		p.pubMu.Unlock()
		return false
	}
	p.hub.deliver(snap)
	p.pubMu.Unlock()

	// per-run sink channels stay ordered: only r's goroutine publishes r
	p.hub.forward(context.WithoutCancel(r.ctx), snap)
	return true
}

// reject resets to Idle with an input validation error; nothing is analyzed
func (p *Pipeline) reject(ctx context.Context, errText string) {
	r := p.begin(ctx)
	defer r.cancel()
	p.publish(r, Idle{}, FeedbackIdle, errText)
}

// fail moves r to Failed; partial results are dropped
func (p *Pipeline) fail(r *run, err error) {
	r.results = nil
	if p.publish(r, Failed{Cause: err.Error()}, FeedbackIdle, errTextLoadPrefix+err.Error()) {
		metrics.RunsTotal.WithLabelValues(string(PhaseError)).Inc()
	}
}

func (p *Pipeline) execute(r *run, src extractor.VideoSource) ([]models.AnalysisResult, error) {
	ctx, span := p.tracer.Start(r.ctx, "pipeline.run", trace.WithAttributes(attribute.String("run.id", r.id)))
	defer span.End()

	metrics.ActiveRuns.Inc()
	defer metrics.ActiveRuns.Dec()

	p.publish(r, Loading{}, FeedbackLoading, "")
	p.logger.Info("analysis run started", zap.String("run_id", r.id), zap.Uint64("generation", r.gen))

	fe := extractor.NewFrameExtractor(src, r.surface, extractor.Options{
		Step:    p.cfg.Step,
		Quality: p.cfg.JPEGQuality,
	})

	loadCtx, cancelLoad := context.WithTimeout(ctx, p.cfg.LoadTimeout)
	meta, err := fe.Prepare(loadCtx)
	cancelLoad()
	if err != nil {
		if !p.current(r) {
			return nil, ErrSuperseded
		}
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("%w after %s", ErrLoadTimeout, p.cfg.LoadTimeout)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "load failed")
		p.logger.Error("video load failed", zap.String("run_id", r.id), zap.Error(err))
		p.fail(r, err)
		return nil, fmt.Errorf("load video: %w", err)
	}

	total := fe.Count()
	span.SetAttributes(
		attribute.Float64("video.duration", meta.Duration),
		attribute.Int("frames.total", total),
	)
	r.feedback = FeedbackLoading
	p.publish(r, Analyzing{Duration: meta.Duration, FramesTotal: total}, r.feedback, "")

	for {
		if err := ctx.Err(); err != nil {
			if !p.current(r) {
				return nil, ErrSuperseded
			}
			p.fail(r, err)
			return nil, err
		}

		frame, ok, err := fe.Next(ctx)
		if !ok {
			break
		}
		if !p.current(r) {
			return nil, ErrSuperseded
		}

		var result models.AnalysisResult
		showFeedback := false
		if err != nil {
			result = placeholder(frame, err)
			metrics.FramesProcessedTotal.WithLabelValues("failed").Inc()
			p.logger.Warn("frame extraction failed",
				zap.String("run_id", r.id),
				zap.Int("index", frame.Index),
				zap.Error(err),
			)
		} else {
			result, showFeedback = p.processFrame(ctx, r, frame)
		}

		if !p.current(r) {
			return nil, ErrSuperseded
		}
		r.results = append(r.results, result)
		if showFeedback {
			r.feedback = result.Feedback
		}

		elapsed := math.Min(frame.Timestamp+fe.Step(), meta.Duration)
		p.publish(r, Analyzing{
			Elapsed:     elapsed,
			Duration:    meta.Duration,
			FramesDone:  len(r.results),
			FramesTotal: total,
		}, r.feedback, "")
	}

	if !p.publish(r, Complete{Duration: meta.Duration, Frames: len(r.results)}, FeedbackComplete, "") {
		return nil, ErrSuperseded
	}

	metrics.RunsTotal.WithLabelValues(string(PhaseComplete)).Inc()
	metrics.RunDuration.Observe(time.Since(r.started).Seconds())
	p.logger.Info("analysis run completed",
		zap.String("run_id", r.id),
		zap.Int("frames", len(r.results)),
		zap.Duration("took", time.Since(r.started)),
	)

	return append([]models.AnalysisResult(nil), r.results...), nil
}

// processFrame turns one frame into a result. It never fails: errors and
// panics become a placeholder carrying the error text.
func (p *Pipeline) processFrame(ctx context.Context, r *run, frame models.Frame) (result models.AnalysisResult, showFeedback bool) {
	ctx, span := p.tracer.Start(ctx, "pipeline.frame", trace.WithAttributes(
		attribute.Int("frame.index", frame.Index),
		attribute.Float64("frame.timestamp", frame.Timestamp),
	))
	defer span.End()

	defer func() {
		if rec := recover(); rec != nil {
			err := fmt.Errorf("frame %d panicked: %v", frame.Index, rec)
			span.RecordError(err)
			p.logger.Error("frame processing panicked", zap.String("run_id", r.id), zap.Error(err))
			metrics.FramesProcessedTotal.WithLabelValues("failed").Inc()
			result, showFeedback = placeholder(frame, err), false
		}
	}()

	key := p.fingerprint.Key(frame)
	cached, hit, err := p.cache.Get(ctx, key)
	if err != nil {
		p.logger.Warn("feedback cache lookup failed", zap.Error(err))
	}
	if hit {
		span.SetAttributes(attribute.Bool("cache.hit", true))
		metrics.FramesProcessedTotal.WithLabelValues("cached").Inc()
		return models.AnalysisResult{
			TimestampIndex: frame.Index,
			Pose:           models.Pose{},
			Feedback:       cached,
			Cached:         true,
		}, true
	}

	analysis, err := p.analyzer.Analyze(ctx, frame)
	if err != nil {
		span.RecordError(err)
		p.logger.Warn("frame analysis aborted",
			zap.String("run_id", r.id),
			zap.Int("index", frame.Index),
			zap.Error(err),
		)
		metrics.FramesProcessedTotal.WithLabelValues("failed").Inc()
		return placeholder(frame, err), false
	}

	if err := p.renderer.Draw(r.surface, analysis.Pose); err != nil {
		p.logger.Warn("pose overlay failed", zap.Int("index", frame.Index), zap.Error(err))
	}

	pose := analysis.Pose
	if pose == nil {
		pose = models.Pose{}
	}
	result = models.AnalysisResult{
		TimestampIndex: frame.Index,
		Pose:           pose,
		Feedback:       analysis.Feedback,
	}

	outcome := "analyzed"
	if analysis.Degraded {
		outcome = "degraded"
	}
	metrics.FramesProcessedTotal.WithLabelValues(outcome).Inc()

	if analysis.Degraded && p.cfg.SkipDegradedCache {
		return result, true
	}
	if err := p.cache.Set(ctx, key, analysis.Feedback); err != nil {
		p.logger.Warn("feedback cache insert failed", zap.Error(err))
	}
	return result, true
}

func placeholder(frame models.Frame, err error) models.AnalysisResult {
	return models.AnalysisResult{
		TimestampIndex: frame.Index,
		Pose:           models.Pose{},
		Feedback:       err.Error(),
	}
}
