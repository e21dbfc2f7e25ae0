package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the strokelab server and workers.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Queue    QueueConfig
	Storage  StorageConfig
	Pose     PoseConfig
	Media    MediaConfig
	Pipeline PipelineConfig
}

type ServerConfig struct {
	Port               int
	Env                string
	LogLevel           string
	RateLimitPerMinute int
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	MigrationsDir   string
}

type RedisConfig struct {
	URL string
}

type QueueConfig struct {
	Backend           string
	VisibilityTimeout time.Duration
	StreamPrefix      string
}

type StorageConfig struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
	SignedURLTTL    time.Duration
}

type PoseConfig struct {
	BaseURL string
	Timeout time.Duration
}

type MediaConfig struct {
	FFprobePath string
}

// PipelineConfig tunes chunking, sampling and the claim/retry policy.
type PipelineConfig struct {
	ChunkSeconds            float64
	SampleRate              int
	MaxFrameWidth           int
	RetryBudget             int
	ChunkLeaseTimeout       time.Duration
	AggregationLeaseTimeout time.Duration
	WorkerConcurrency       int
	AggregatorConcurrency   int
	PollInterval            time.Duration
	ReaperInterval          time.Duration
}

var validQueueBackends = map[string]bool{
	"streams": true,
	"asynq":   true,
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:               envInt("STROKELAB_PORT", 8080),
			Env:                envString("STROKELAB_ENV", "development"),
			LogLevel:           envString("LOG_LEVEL", "info"),
			RateLimitPerMinute: envInt("RATE_LIMIT_PER_MINUTE", 120),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
			MigrationsDir:   envString("MIGRATIONS_DIR", "migrations"),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Queue: QueueConfig{
			Backend:           envString("QUEUE_BACKEND", "streams"),
			VisibilityTimeout: envDuration("QUEUE_VISIBILITY_TIMEOUT", 5*time.Minute),
			StreamPrefix:      envString("QUEUE_STREAM_PREFIX", "strokelab"),
		},
		Storage: StorageConfig{
			Bucket:          os.Getenv("S3_BUCKET"),
			Region:          envString("S3_REGION", "auto"),
			Endpoint:        os.Getenv("S3_ENDPOINT"),
			AccessKeyID:     os.Getenv("S3_ACCESS_KEY_ID"),
			SecretAccessKey: os.Getenv("S3_SECRET_ACCESS_KEY"),
			UsePathStyle:    envBool("S3_USE_PATH_STYLE", false),
			SignedURLTTL:    envDuration("SIGNED_URL_TTL", time.Hour),
		},
		Pose: PoseConfig{
			BaseURL: os.Getenv("POSE_BASE_URL"),
			Timeout: envDuration("POSE_TIMEOUT", 10*time.Minute),
		},
		Media: MediaConfig{
			FFprobePath: envString("FFPROBE_PATH", "ffprobe"),
		},
		Pipeline: PipelineConfig{
			ChunkSeconds:            envFloat("CHUNK_SECONDS", 30),
			SampleRate:              envInt("SAMPLE_RATE_FPS", 10),
			MaxFrameWidth:           envInt("MAX_FRAME_WIDTH", 640),
			RetryBudget:             envInt("CHUNK_RETRY_BUDGET", 2),
			ChunkLeaseTimeout:       envDuration("CHUNK_LEASE_TIMEOUT", 10*time.Minute),
			AggregationLeaseTimeout: envDuration("AGGREGATION_LEASE_TIMEOUT", 5*time.Minute),
			WorkerConcurrency:       envInt("WORKER_CONCURRENCY", 4),
			AggregatorConcurrency:   envInt("AGGREGATOR_CONCURRENCY", 1),
			PollInterval:            envDuration("WORKER_POLL_INTERVAL", time.Second),
			ReaperInterval:          envDuration("REAPER_INTERVAL", 30*time.Second),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if !validQueueBackends[c.Queue.Backend] {
		return fmt.Errorf("QUEUE_BACKEND must be one of streams, asynq; got %q", c.Queue.Backend)
	}

	if c.Storage.Bucket == "" {
		return fmt.Errorf("S3_BUCKET is required")
	}
	if (c.Storage.AccessKeyID == "") != (c.Storage.SecretAccessKey == "") {
		return fmt.Errorf("S3_ACCESS_KEY_ID and S3_SECRET_ACCESS_KEY must be set together")
	}

	if c.Pose.BaseURL == "" {
		return fmt.Errorf("POSE_BASE_URL is required")
	}
	if !strings.HasPrefix(c.Pose.BaseURL, "http://") && !strings.HasPrefix(c.Pose.BaseURL, "https://") {
		return fmt.Errorf("POSE_BASE_URL must start with http:// or https://, got %q", c.Pose.BaseURL)
	}

	p := c.Pipeline
	if p.ChunkSeconds <= 0 {
		return fmt.Errorf("CHUNK_SECONDS must be positive, got %v", p.ChunkSeconds)
	}
	if p.SampleRate <= 0 {
		return fmt.Errorf("SAMPLE_RATE_FPS must be positive, got %d", p.SampleRate)
	}
	if p.MaxFrameWidth <= 0 {
		return fmt.Errorf("MAX_FRAME_WIDTH must be positive, got %d", p.MaxFrameWidth)
	}
	if p.RetryBudget < 0 {
		return fmt.Errorf("CHUNK_RETRY_BUDGET must not be negative, got %d", p.RetryBudget)
	}
	if p.ChunkLeaseTimeout <= 0 || p.AggregationLeaseTimeout <= 0 {
		return fmt.Errorf("CHUNK_LEASE_TIMEOUT and AGGREGATION_LEASE_TIMEOUT must be positive")
	}
	if p.WorkerConcurrency <= 0 || p.AggregatorConcurrency <= 0 {
		return fmt.Errorf("WORKER_CONCURRENCY and AGGREGATOR_CONCURRENCY must be positive")
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

// envDuration accepts Go duration strings ("90s", "5m") or a bare number of seconds.
func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
