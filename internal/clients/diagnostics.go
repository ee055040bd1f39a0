package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/adverant/nexus/videocoach-worker/internal/models"
)

// Health checks GET /health
func (c *CoachClient) Health(ctx context.Context) error {
	status, err := c.doRequest(ctx, http.MethodGet, c.baseURL+"/health", nil, nil)
	if err != nil && status == 0 {
		return fmt.Errorf("backend unreachable: %w", err)
	}
	if err != nil {
		return fmt.Errorf("backend responded with %d: %w", status, err)
	}
	return nil
}

// TestPose runs the service's built-in pose self-test and returns the number of detected points
func (c *CoachClient) TestPose(ctx context.Context) (int, error) {
	var resp struct {
		PointsDetected int `json:"points_detected"`
	}
	if _, err := c.doRequest(ctx, http.MethodOptions, c.baseURL+"/test/pose", nil, &resp); err != nil {
		return 0, fmt.Errorf("pose test failed: %w", err)
	}
	if resp.PointsDetected == 0 {
		return 0, fmt.Errorf("pose test failed: no points detected")
	}
	return resp.PointsDetected, nil
}

// TestGemini reports whether the feedback model self-test succeeded
func (c *CoachClient) TestGemini(ctx context.Context) (bool, error) {
	var resp struct {
		Status string `json:"status"`
	}
	if _, err := c.doRequest(ctx, http.MethodGet, c.baseURL+"/test/gemini", nil, &resp); err != nil {
		return false, fmt.Errorf("gemini test failed: %w", err)
	}
	return resp.Status == "success", nil
}

// ProbeFrame sends a black 640x480 JPEG through the full analysis path and
// returns how many keypoints came back
func (c *CoachClient) ProbeFrame(ctx context.Context) (int, models.Analysis, error) {
	img := image.NewRGBA(image.Rect(0, 0, 640, 480))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.Black), image.Point{}, draw.Src)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 80}); err != nil {
		return 0, models.Analysis{}, fmt.Errorf("encode probe frame: %w", err)
	}

	analysis, err := c.Analyze(ctx, models.Frame{Data: buf.Bytes(), Width: 640, Height: 480})
	if err != nil {
		return 0, analysis, err
	}
	return len(analysis.Pose), analysis, nil
}

// RunDiagnostics runs every check and reports each outcome; one failing
// check does not stop the others
func (c *CoachClient) RunDiagnostics(ctx context.Context) models.Diagnostics {
	report := models.Diagnostics{BaseURL: c.baseURL, CheckedAt: time.Now()}

	run := func(name string, fn func() (string, error)) {
		start := time.Now()
		detail, err := fn()
		check := models.CheckResult{Name: name, OK: err == nil, Detail: detail, Duration: time.Since(start)}
		if err != nil {
			check.Detail = err.Error()
		}
		report.Checks = append(report.Checks, check)
	}

	run("backend", func() (string, error) {
		return "reachable", c.Health(ctx)
	})
	run("pose_estimation", func() (string, error) {
		n, err := c.TestPose(ctx)
		return fmt.Sprintf("%d points detected", n), err
	})
	run("gemini", func() (string, error) {
		ok, err := c.TestGemini(ctx)
		if err == nil && !ok {
			err = fmt.Errorf("gemini test did not report success")
		}
		return "success", err
	})
	run("frame_processing", func() (string, error) {
		n, analysis, err := c.ProbeFrame(ctx)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%d points detected, feedback: %s", n, analysis.Feedback), nil
	})

	report.Healthy = true
	for _, check := range report.Checks {
		if !check.OK {
			report.Healthy = false
		}
	}

	c.logger.Info("diagnostics completed",
		zap.String("base_url", c.baseURL),
		zap.Bool("healthy", report.Healthy),
		zap.Any("checks", report.Checks),
	)
	return report
}

// MarshalReport renders a diagnostics report as indented JSON
func MarshalReport(report models.Diagnostics) ([]byte, error) {
	return json.MarshalIndent(report, "", "  ")
}
