package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/adverant/nexus/videocoach-worker/internal/metrics"
	"github.com/adverant/nexus/videocoach-worker/internal/models"
	"github.com/adverant/nexus/videocoach-worker/internal/tracing"
)

// ErrUnsupportedFrame is returned, without contacting the service, for frames that are not JPEG data URIs
var ErrUnsupportedFrame = errors.New("only JPEG images supported")

// fallbackFeedback is used when a failure carries no message of its own
const fallbackFeedback = "Network Error"

// Limiter throttles outbound analysis requests
type Limiter interface {
	Acquire(ctx context.Context) error
}

// CoachClient talks to the pose-estimation and feedback service
type CoachClient struct {
	baseURL    string
	httpClient *http.Client
	limiter    Limiter
	logger     *zap.Logger
	tracer     trace.Tracer
}

// NewCoachClient creates a client; timeout bounds each request, rate limiter wait excluded
func NewCoachClient(baseURL string, timeout time.Duration, limiter Limiter, logger *zap.Logger) *CoachClient {
	return &CoachClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		limiter: limiter,
		logger:  logger,
		tracer:  tracing.Tracer("videocoach/clients"),
	}
}

// Analyze sends one frame for pose analysis.
//
// Remote failures never surface as errors: transport errors, non-2xx
// responses and malformed bodies all come back as an Analysis with an
// empty pose and the failure text as feedback. The only error returned is
// ErrUnsupportedFrame (or a cancelled ctx while waiting on the limiter).
func (c *CoachClient) Analyze(ctx context.Context, frame models.Frame) (models.Analysis, error) {
	return c.AnalyzeDataURI(ctx, frame.DataURI())
}

// AnalyzeDataURI is Analyze for an already encoded frame
func (c *CoachClient) AnalyzeDataURI(ctx context.Context, dataURI string) (models.Analysis, error) {
	if !strings.HasPrefix(dataURI, models.JPEGDataURIPrefix) {
		return models.Analysis{}, fmt.Errorf("%w: got %q", ErrUnsupportedFrame, truncate(dataURI, 30))
	}

	ctx, span := c.tracer.Start(ctx, "coach.analyze",
		trace.WithAttributes(attribute.Int("frame.size", len(dataURI))))
	defer span.End()

	waitStart := time.Now()
	if err := c.limiter.Acquire(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "rate limiter wait aborted")
		return models.Analysis{}, err
	}
	metrics.RateLimitWait.Observe(time.Since(waitStart).Seconds())

	start := time.Now()
	var result models.Analysis
	status, err := c.doRequest(ctx, http.MethodPost, c.baseURL+"/analyze", map[string]string{"frame": dataURI}, &result)
	metrics.AnalyzeRequestDuration.WithLabelValues(statusLabel(status, err)).Observe(time.Since(start).Seconds())
	span.SetAttributes(attribute.Int("http.status_code", status))

	if err != nil {
		c.logger.Warn("frame analysis failed", zap.Int("status", status), zap.Error(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return degraded(err), nil
	}

	if result.Pose == nil {
		result.Pose = models.Pose{}
	}
	span.SetAttributes(attribute.Int("pose.points", len(result.Pose)))
	c.logger.Debug("frame analyzed", zap.Int("points", len(result.Pose)))
	return result, nil
}

// doRequest returns the HTTP status (0 when no response arrived) and a
// human-readable error for any failure
func (c *CoachClient) doRequest(ctx context.Context, method, url string, payload interface{}, result interface{}) (int, error) {
	var body io.Reader
	if payload != nil {
		jsonData, err := json.Marshal(payload)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal payload: %w", err)
		}
		body = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", "videocoach-"+uuid.NewString())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, serverError(resp.StatusCode, respBody)
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return resp.StatusCode, fmt.Errorf("malformed response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// serverError prefers the service's own {"error": "..."} message
func serverError(status int, body []byte) error {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != "" {
		return errors.New(payload.Error)
	}
	return fmt.Errorf("Server error: %d", status)
}

func degraded(err error) models.Analysis {
	feedback := fallbackFeedback
	if err != nil && err.Error() != "" {
		feedback = err.Error()
	}
	return models.Analysis{Pose: models.Pose{}, Feedback: feedback, Degraded: true}
}

func statusLabel(status int, err error) string {
	if status == 0 {
		if err != nil {
			return "transport_error"
		}
		return "unknown"
	}
	return fmt.Sprintf("%dxx", status/100)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
