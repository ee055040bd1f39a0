package utils

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// ErrNotVideo is returned when an input file is not a video
var ErrNotVideo = errors.New("input is not a video")

// DetectVideoType sniffs the file content and returns its MIME type,
// failing with ErrNotVideo unless it is video/*
func DetectVideoType(path string) (string, error) {
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return "", fmt.Errorf("detect file type: %w", err)
	}
	if !strings.HasPrefix(mt.String(), "video/") {
		return mt.String(), fmt.Errorf("%w: detected %s", ErrNotVideo, mt.String())
	}
	return mt.String(), nil
}
