package cache

import (
	"fmt"
	"strconv"

	"github.com/cespare/xxhash/v2"

	"github.com/adverant/nexus/videocoach-worker/internal/models"
)

const (
	// KeyModeHash keys frames by a 64-bit hash of the full JPEG payload
	KeyModeHash = "hash"
	// KeyModePrefix keys frames by the leading characters of their data URI.
	// Frames of the same size share JPEG headers, so this collides heavily.
	KeyModePrefix = "prefix"

	DefaultPrefixLen = 100
)

// Fingerprinter derives cache keys from encoded frames
type Fingerprinter struct {
	mode      string
	prefixLen int
}

func NewFingerprinter(mode string, prefixLen int) (*Fingerprinter, error) {
	switch mode {
	case KeyModeHash, KeyModePrefix:
	default:
		return nil, fmt.Errorf("unknown fingerprint mode %q", mode)
	}
	if prefixLen <= 0 {
		prefixLen = DefaultPrefixLen
	}
	return &Fingerprinter{mode: mode, prefixLen: prefixLen}, nil
}

// Key returns the cache key for a frame
func (f *Fingerprinter) Key(frame models.Frame) string {
	if f.mode == KeyModePrefix {
		uri := frame.DataURI()
		if len(uri) > f.prefixLen {
			return uri[:f.prefixLen]
		}
		return uri
	}
	return "xxh:" + strconv.FormatUint(xxhash.Sum64(frame.Data), 16)
}

func (f *Fingerprinter) Mode() string {
	return f.mode
}
