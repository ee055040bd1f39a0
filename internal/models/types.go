package models

import (
	"encoding/base64"
	"strings"
	"time"

	"github.com/google/uuid"
)

// JPEGDataURIPrefix is the only frame encoding the analysis service accepts
const JPEGDataURIPrefix = "data:image/jpeg"

// JobPayload represents a queued analysis job
// Optional fields use pointers for JSON unmarshaling compatibility
type JobPayload struct {
	JobID      string                 `json:"jobId"`
	VideoURL   string                 `json:"videoUrl"`             // Local path, HTTP(S) URL or s3://bucket/key
	SourceType string                 `json:"sourceType,omitempty"` // "file", "url", "s3"
	UserID     string                 `json:"userId,omitempty"`
	SessionID  *string                `json:"sessionId,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	EnqueuedAt *time.Time             `json:"enqueuedAt,omitempty"`
}

// VideoMetadata contains the properties of a video reported by ffprobe
type VideoMetadata struct {
	Duration  float64 `json:"duration"` // Seconds
	Width     int     `json:"width"`
	Height    int     `json:"height"`
	FrameRate float64 `json:"frameRate"`
	Codec     string  `json:"codec"`
	Format    string  `json:"format"`
	Size      int64   `json:"size"` // Bytes
}

// Ready reports whether intrinsic dimensions are known
func (m VideoMetadata) Ready() bool {
	return m.Width > 0 && m.Height > 0
}

// PosePoint is a keypoint normalized to frame dimensions
type PosePoint struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Pose is an ordered keypoint list; order is the keypoint index assigned by the analysis service
type Pose []PosePoint

// Frame is one encoded JPEG still sampled from the video
type Frame struct {
	Index     int     `json:"index"`
	Timestamp float64 `json:"timestamp"` // Seconds
	Data      []byte  `json:"-"`         // JPEG bytes
	Width     int     `json:"width"`
	Height    int     `json:"height"`
}

// DataURI returns the frame as a base64 JPEG data URI
func (f Frame) DataURI() string {
	var b strings.Builder
	b.Grow(len(JPEGDataURIPrefix) + len(";base64,") + base64.StdEncoding.EncodedLen(len(f.Data)))
	b.WriteString(JPEGDataURIPrefix)
	b.WriteString(";base64,")
	b.WriteString(base64.StdEncoding.EncodeToString(f.Data))
	return b.String()
}

// Analysis is the pose and feedback returned for a single frame
type Analysis struct {
	Pose     Pose   `json:"pose"`
	Feedback string `json:"feedback"`
	Degraded bool   `json:"-"` // Feedback carries a failure message instead of coaching text
}

// AnalysisResult is the entry recorded for one sampled timestamp
type AnalysisResult struct {
	TimestampIndex int    `json:"timestamp_index"`
	Pose           Pose   `json:"pose"`
	Feedback       string `json:"feedback"`
	Cached         bool   `json:"cached,omitempty"`
}

// CheckResult is the outcome of one diagnostic check
type CheckResult struct {
	Name     string        `json:"name"`
	OK       bool          `json:"ok"`
	Detail   string        `json:"detail,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Diagnostics is the report produced by a full diagnostic pass against the analysis service
type Diagnostics struct {
	BaseURL   string        `json:"baseUrl"`
	Checks    []CheckResult `json:"checks"`
	Healthy   bool          `json:"healthy"`
	CheckedAt time.Time     `json:"checkedAt"`
}

// NewRunID generates a unique analysis run ID
func NewRunID() string {
	return uuid.New().String()
}

// NewJobID generates a unique job ID
func NewJobID() string {
	return uuid.New().String()
}
