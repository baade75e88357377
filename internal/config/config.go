package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the RoboKit server.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Hub       HubConfig
	Artifacts ArtifactsConfig
	Jobs      JobsConfig
	Stream    StreamConfig
}

type ServerConfig struct {
	Port int
	Env  string
	// BaseURL is the externally reachable address of this API, used in artifact links.
	BaseURL string
	// SubmitRatePerMinute caps job submissions per client address. Zero disables the limit.
	SubmitRatePerMinute int
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

type HubConfig struct {
	Endpoint  string
	Token     string
	CacheDir  string
	LocalOnly bool
	Timeout   time.Duration
}

type ArtifactsConfig struct {
	Dir        string
	FFmpegPath string
}

type JobsConfig struct {
	Workers            int
	QueueSize          int
	OffloadConcurrency int
}

type StreamConfig struct {
	Host      string
	PortStart int
	PortEnd   int
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	port := envInt("ROBOKIT_PORT", 8000)
	cfg := &Config{
		Server: ServerConfig{
			Port:    port,
			Env:     envString("ROBOKIT_ENV", "development"),
			BaseURL: strings.TrimRight(envString("API_BASE_URL", fmt.Sprintf("http://localhost:%d", port)), "/"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Hub: HubConfig{
			Endpoint:  strings.TrimRight(envString("HF_ENDPOINT", "https://huggingface.co"), "/"),
			Token:     os.Getenv("HF_TOKEN"),
			CacheDir:  envString("HF_CACHE_DIR", ".cache/huggingface"),
			LocalOnly: envBool("ROBOKIT_HF_LOCAL_ONLY", false),
			Timeout:   envDuration("HF_TIMEOUT", 5*time.Minute),
		},
		Artifacts: ArtifactsConfig{
			Dir:        envString("ARTIFACTS_DIR", ".artifacts"),
			FFmpegPath: envString("FFMPEG_PATH", "ffmpeg"),
		},
		Jobs: JobsConfig{
			Workers:            envInt("JOB_WORKERS", 4),
			QueueSize:          envInt("JOB_QUEUE_SIZE", 256),
			OffloadConcurrency: envInt("OFFLOAD_CONCURRENCY", runtime.GOMAXPROCS(0)),
		},
		Stream: StreamConfig{
			Host:      envString("STREAM_HOST", "localhost"),
			PortStart: envInt("STREAM_PORT_START", 9876),
			PortEnd:   envInt("STREAM_PORT_END", 9900),
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

	if !strings.HasPrefix(c.Hub.Endpoint, "http://") && !strings.HasPrefix(c.Hub.Endpoint, "https://") {
		return fmt.Errorf("HF_ENDPOINT must start with http:// or https://, got %q", c.Hub.Endpoint)
	}
	if !strings.HasPrefix(c.Server.BaseURL, "http://") && !strings.HasPrefix(c.Server.BaseURL, "https://") {
		return fmt.Errorf("API_BASE_URL must start with http:// or https://, got %q", c.Server.BaseURL)
	}

	if c.Server.SubmitRatePerMinute < 0 {
		return fmt.Errorf("SUBMIT_RATE_PER_MINUTE must not be negative, got %d", c.Server.SubmitRatePerMinute)
	}

	if c.Jobs.Workers < 1 {
		return fmt.Errorf("JOB_WORKERS must be at least 1, got %d", c.Jobs.Workers)
	}
	if c.Jobs.QueueSize < 1 {
		return fmt.Errorf("JOB_QUEUE_SIZE must be at least 1, got %d", c.Jobs.QueueSize)
	}
	if c.Jobs.OffloadConcurrency < 1 {
		return fmt.Errorf("OFFLOAD_CONCURRENCY must be at least 1, got %d", c.Jobs.OffloadConcurrency)
	}

	if c.Stream.PortStart < 1 || c.Stream.PortEnd > 65535 || c.Stream.PortStart >= c.Stream.PortEnd {
		return fmt.Errorf("STREAM_PORT_START..STREAM_PORT_END must be a non-empty port range, got %d..%d",
			c.Stream.PortStart, c.Stream.PortEnd)
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

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
