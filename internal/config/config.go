package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	WorkerMode string `env:"WORKER_MODE" envDefault:"standalone"`

	CoachAPIURL     string        `env:"COACH_API_URL"    envDefault:"http://localhost:8001"`
	RequestInterval time.Duration `env:"REQUEST_INTERVAL" envDefault:"1s"`
	AnalyzeTimeout  time.Duration `env:"ANALYZE_TIMEOUT"  envDefault:"30s"`
	LoadTimeout     time.Duration `env:"LOAD_TIMEOUT"     envDefault:"10s"`
	SampleStep      float64       `env:"SAMPLE_STEP"      envDefault:"1.0"`
	JPEGQuality     int           `env:"JPEG_QUALITY"     envDefault:"80"`

	CacheBackend   string `env:"CACHE_BACKEND"    envDefault:"memory"`
	CacheKeyMode   string `env:"CACHE_KEY_MODE"   envDefault:"hash"`
	CachePrefixLen int    `env:"CACHE_PREFIX_LEN" envDefault:"100"`
	// keep degraded answers out of the feedback cache
	CacheSkipDegraded bool `env:"CACHE_SKIP_DEGRADED" envDefault:"false"`

	RedisURL          string `env:"REDIS_URL"          envDefault:"redis://localhost:6379/0"`
	WorkerConcurrency int    `env:"WORKER_CONCURRENCY" envDefault:"1"`

	// object storage is off unless MINIO_ENDPOINT is set
	MinIOEndpoint  string `env:"MINIO_ENDPOINT"`
	MinIOAccessKey string `env:"MINIO_ACCESS_KEY"`
	MinIOSecretKey string `env:"MINIO_SECRET_KEY"`
	MinIOUseSSL    bool   `env:"MINIO_USE_SSL"    envDefault:"false"`

	HTTPPort     int    `env:"HTTP_PORT"     envDefault:"8080"`
	MetricsPort  int    `env:"METRICS_PORT"  envDefault:"9090"`
	OTelEndpoint string `env:"OTEL_ENDPOINT"`
	LogLevel     string `env:"LOG_LEVEL"     envDefault:"info"`

	TempDir      string `env:"TEMP_DIR"       envDefault:"/tmp/videocoach"`
	MaxVideoSize int64  `env:"MAX_VIDEO_SIZE" envDefault:"524288000"`
}

// Load reads an optional .env file and then parses the environment
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.WorkerMode {
	case "cli", "server", "standalone":
	default:
		return fmt.Errorf("invalid WORKER_MODE %q", c.WorkerMode)
	}
	switch c.CacheBackend {
	case "memory", "redis":
	default:
		return fmt.Errorf("invalid CACHE_BACKEND %q", c.CacheBackend)
	}
	switch c.CacheKeyMode {
	case "hash", "prefix":
	default:
		return fmt.Errorf("invalid CACHE_KEY_MODE %q", c.CacheKeyMode)
	}
	if c.SampleStep <= 0 {
		return fmt.Errorf("SAMPLE_STEP must be positive, got %v", c.SampleStep)
	}
	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		return fmt.Errorf("JPEG_QUALITY must be in [1,100], got %d", c.JPEGQuality)
	}
	return nil
}
