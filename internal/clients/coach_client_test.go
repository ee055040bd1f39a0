package clients

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/adverant/nexus/videocoach-worker/internal/models"
)

type countingLimiter struct {
	calls atomic.Int32
}

func (l *countingLimiter) Acquire(ctx context.Context) error {
	l.calls.Add(1)
	return ctx.Err()
}

func jpegFrame() models.Frame {
	return models.Frame{Data: []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10}}
}

func newTestClient(t *testing.T, handler http.HandlerFunc) (*CoachClient, *countingLimiter) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	limiter := &countingLimiter{}
	return NewCoachClient(srv.URL, 2*time.Second, limiter, zap.NewNop()), limiter
}

func TestAnalyzeSuccess(t *testing.T) {
	client, limiter := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/analyze", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body struct {
			Frame string `json:"frame"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.True(t, strings.HasPrefix(body.Frame, "data:image/jpeg;base64,"))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"pose":[{"x":0.5,"y":0.5}],"feedback":"Raise your elbow"}`))
	})

	got, err := client.Analyze(context.Background(), jpegFrame())
	require.NoError(t, err)
	assert.Equal(t, models.Analysis{Pose: models.Pose{{X: 0.5, Y: 0.5}}, Feedback: "Raise your elbow"}, got)
	assert.Equal(t, int32(1), limiter.calls.Load())
}

func TestAnalyzeMissingPoseBecomesEmpty(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"feedback":"No person detected"}`))
	})

	got, err := client.Analyze(context.Background(), jpegFrame())
	require.NoError(t, err)
	assert.NotNil(t, got.Pose)
	assert.Empty(t, got.Pose)
	assert.Equal(t, "No person detected", got.Feedback)
}

func TestAnalyzeDegradesRemoteFailures(t *testing.T) {
	cases := []struct {
		name     string
		handler  http.HandlerFunc
		feedback string
	}{
		{
			name: "error field",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadRequest)
				w.Write([]byte(`{"error":"Invalid image data"}`))
			},
			feedback: "Invalid image data",
		},
		{
			name: "status only",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusServiceUnavailable)
			},
			feedback: "Server error: 503",
		},
		{
			name: "rate limited upstream",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusTooManyRequests)
				w.Write([]byte("Rate limit exceeded. Please wait before sending another request."))
			},
			feedback: "Server error: 429",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client, _ := newTestClient(t, tc.handler)
			got, err := client.Analyze(context.Background(), jpegFrame())
			require.NoError(t, err)
			assert.Empty(t, got.Pose)
			assert.Equal(t, tc.feedback, got.Feedback)
		})
	}
}

func TestAnalyzeDegradesMalformedBody(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"pose": "oops"`))
	})

	got, err := client.Analyze(context.Background(), jpegFrame())
	require.NoError(t, err)
	assert.Empty(t, got.Pose)
	assert.Contains(t, got.Feedback, "malformed response")
}

func TestAnalyzeDegradesUnreachableService(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	client := NewCoachClient(url, time.Second, &countingLimiter{}, zap.NewNop())
	got, err := client.Analyze(context.Background(), jpegFrame())
	require.NoError(t, err)
	assert.Empty(t, got.Pose)
	assert.NotEmpty(t, got.Feedback)
}

func TestAnalyzeTimesOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	client := NewCoachClient(srv.URL, 50*time.Millisecond, &countingLimiter{}, zap.NewNop())
	got, err := client.Analyze(context.Background(), jpegFrame())
	require.NoError(t, err)
	assert.Empty(t, got.Pose)
	assert.Contains(t, got.Feedback, "Timeout")
}

func TestAnalyzeRejectsNonJPEGWithoutSending(t *testing.T) {
	var hits atomic.Int32
	client, limiter := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	})

	_, err := client.AnalyzeDataURI(context.Background(), "data:image/png;base64,iVBORw0KGgo=")
	assert.True(t, errors.Is(err, ErrUnsupportedFrame))
	assert.Zero(t, hits.Load())
	assert.Zero(t, limiter.calls.Load())
}

func TestDegradedFallbackText(t *testing.T) {
	assert.Equal(t, "Network Error", degraded(nil).Feedback)
	assert.Equal(t, "Network Error", degraded(errors.New("")).Feedback)
}

func diagnosticsHandler(pointsDetected int, geminiStatus string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/health" && r.Method == http.MethodGet:
			w.Write([]byte(`{"status":"healthy"}`))
		case r.URL.Path == "/test/pose" && r.Method == http.MethodOptions:
			json.NewEncoder(w).Encode(map[string]int{"points_detected": pointsDetected})
		case r.URL.Path == "/test/gemini":
			json.NewEncoder(w).Encode(map[string]string{"status": geminiStatus})
		case r.URL.Path == "/analyze":
			w.Write([]byte(`{"pose":[],"feedback":"No person detected"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}
}

func TestRunDiagnosticsHealthy(t *testing.T) {
	client, _ := newTestClient(t, diagnosticsHandler(33, "success"))

	report := client.RunDiagnostics(context.Background())
	assert.True(t, report.Healthy)
	require.Len(t, report.Checks, 4)
	for _, check := range report.Checks {
		assert.True(t, check.OK, check.Name)
	}
	assert.Equal(t, "33 points detected", report.Checks[1].Detail)

	out, err := MarshalReport(report)
	require.NoError(t, err)
	assert.Contains(t, string(out), `"healthy": true`)
}

func TestRunDiagnosticsReportsEachFailure(t *testing.T) {
	client, _ := newTestClient(t, diagnosticsHandler(0, "error"))

	report := client.RunDiagnostics(context.Background())
	assert.False(t, report.Healthy)

	byName := map[string]models.CheckResult{}
	for _, check := range report.Checks {
		byName[check.Name] = check
	}
	assert.True(t, byName["backend"].OK)
	assert.False(t, byName["pose_estimation"].OK)
	assert.False(t, byName["gemini"].OK)
	assert.True(t, byName["frame_processing"].OK)
}

func TestProbeFrameSendsBlackJPEG(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Frame string `json:"frame"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.True(t, strings.HasPrefix(body.Frame, models.JPEGDataURIPrefix))
		w.Write([]byte(`{"pose":[{"x":0.1,"y":0.2},{"x":0.3,"y":0.4}],"feedback":"ok"}`))
	})

	n, analysis, err := client.ProbeFrame(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, "ok", analysis.Feedback)
}
