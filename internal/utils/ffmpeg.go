package utils

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/adverant/nexus/videocoach-worker/internal/models"
)

// ErrNoFrame is returned when ffmpeg produced no picture at the requested position
var ErrNoFrame = errors.New("no frame decoded at timestamp")

// FFmpegHelper provides utilities for FFmpeg operations
type FFmpegHelper struct {
	ffmpegPath  string
	ffprobePath string
	tempDir     string
}

// NewFFmpegHelper creates a new FFmpeg helper
func NewFFmpegHelper(tempDir string) (*FFmpegHelper, error) {
	ffmpegPath, err := exec.LookPath("ffmpeg")
	if err != nil {
		return nil, fmt.Errorf("ffmpeg not found in PATH: %w", err)
	}

	ffprobePath, err := exec.LookPath("ffprobe")
	if err != nil {
		return nil, fmt.Errorf("ffprobe not found in PATH: %w", err)
	}

	if err := os.MkdirAll(tempDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create temp directory: %w", err)
	}

	return &FFmpegHelper{
		ffmpegPath:  ffmpegPath,
		ffprobePath: ffprobePath,
		tempDir:     tempDir,
	}, nil
}

func (h *FFmpegHelper) TempDir() string {
	return h.tempDir
}

// SaveUpload copies an uploaded video into the temp directory
func (h *FFmpegHelper) SaveUpload(r io.Reader, runID, filename string) (string, error) {
	ext := filepath.Ext(filename)
	if ext == "" {
		ext = ".mp4"
	}
	path := filepath.Join(h.tempDir, fmt.Sprintf("%s_input%s", runID, ext))

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create upload file: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("failed to write upload file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("failed to close upload file: %w", err)
	}
	return path, nil
}

// ffprobeOutput is the subset of `ffprobe -show_format -show_streams` JSON we read
type ffprobeOutput struct {
	Streams []struct {
		CodecType    string `json:"codec_type"`
		CodecName    string `json:"codec_name"`
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		RFrameRate   string `json:"r_frame_rate"`
		AvgFrameRate string `json:"avg_frame_rate"`
		Duration     string `json:"duration"`
	} `json:"streams"`
	Format struct {
		Duration   string `json:"duration"`
		Size       string `json:"size"`
		FormatName string `json:"format_name"`
	} `json:"format"`
}

// GetVideoMetadata extracts video metadata using ffprobe
func (h *FFmpegHelper) GetVideoMetadata(ctx context.Context, videoPath string) (models.VideoMetadata, error) {
	cmd := exec.CommandContext(ctx, h.ffprobePath,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		videoPath,
	)

	output, err := cmd.Output()
	if err != nil {
		return models.VideoMetadata{}, fmt.Errorf("ffprobe failed: %w", err)
	}

	return ParseProbeOutput(output)
}

// ParseProbeOutput converts ffprobe JSON into VideoMetadata
func ParseProbeOutput(output []byte) (models.VideoMetadata, error) {
	var probe ffprobeOutput
	if err := json.Unmarshal(output, &probe); err != nil {
		return models.VideoMetadata{}, fmt.Errorf("failed to parse ffprobe JSON: %w", err)
	}

	var meta models.VideoMetadata
	meta.Format = probe.Format.FormatName
	if probe.Format.Duration != "" {
		if d, err := strconv.ParseFloat(probe.Format.Duration, 64); err == nil {
			meta.Duration = d
		}
	}
	if probe.Format.Size != "" {
		if size, err := strconv.ParseInt(probe.Format.Size, 10, 64); err == nil {
			meta.Size = size
		}
	}

	found := false
	for _, stream := range probe.Streams {
		if stream.CodecType != "video" {
			continue
		}
		found = true
		meta.Width = stream.Width
		meta.Height = stream.Height
		meta.Codec = stream.CodecName
		meta.FrameRate = parseFrameRate(stream.AvgFrameRate)
		if meta.FrameRate == 0 {
			meta.FrameRate = parseFrameRate(stream.RFrameRate)
		}
		// Stream duration only when the container has none
		if meta.Duration == 0 && stream.Duration != "" {
			if d, err := strconv.ParseFloat(stream.Duration, 64); err == nil {
				meta.Duration = d
			}
		}
		break
	}
	if !found {
		return meta, fmt.Errorf("no video stream found")
	}

	return meta, nil
}

// parseFrameRate parses ffprobe rates such as "30/1" or "30000/1001"
func parseFrameRate(rate string) float64 {
	parts := strings.Split(rate, "/")
	if len(parts) != 2 {
		return 0
	}
	num, err1 := strconv.ParseFloat(parts[0], 64)
	den, err2 := strconv.ParseFloat(parts[1], 64)
	if err1 != nil || err2 != nil || den <= 0 {
		return 0
	}
	return num / den
}

// ExtractFrameAt decodes the picture at timestamp without touching the filesystem
func (h *FFmpegHelper) ExtractFrameAt(ctx context.Context, videoPath string, timestamp float64) (image.Image, error) {
	cmd := exec.CommandContext(ctx, h.ffmpegPath,
		"-v", "error",
		"-ss", fmt.Sprintf("%.3f", timestamp),
		"-i", videoPath,
		"-frames:v", "1",
		"-f", "image2pipe",
		"-vcodec", "png",
		"-",
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffmpeg frame extraction failed: %w, output: %s", err, strings.TrimSpace(stderr.String()))
	}
	if stdout.Len() == 0 {
		return nil, fmt.Errorf("%w %.3f", ErrNoFrame, timestamp)
	}

	img, err := png.Decode(&stdout)
	if err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}
	return img, nil
}

// Cleanup removes a file created inside the temp directory
func (h *FFmpegHelper) Cleanup(path string) error {
	if path == "" {
		return nil
	}
	rel, err := filepath.Rel(h.tempDir, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("refusing to delete file outside temp directory: %s", path)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
