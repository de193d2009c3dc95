package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	APIPort            string
	WorkerEnabled      bool
	BackendAPIKey      string // API key for authenticating requests (empty = no auth, dev mode)
	CorsAllowedOrigins string // Comma-separated allowed origins (empty = *, dev mode)

	// Logging
	LogLevel  string
	LogFormat string // json or console

	// Database
	DatabaseURL string

	// Redis
	RedisURL string

	// Object storage
	StorageBackend string // "supabase" or "s3"

	// Supabase
	SupabaseURL           string
	SupabaseServiceKey    string
	SupabaseStorageBucket string

	// S3
	S3Bucket          string
	S3Region          string
	S3Endpoint        string // optional, for S3-compatible stores
	S3PublicBaseURL   string // base of the public object URL, e.g. https://cdn.example.com
	S3AccessKeyID     string // optional, default AWS credential chain otherwise
	S3SecretAccessKey string

	// Downloads
	DownloadAttempts int
	DownloadTimeout  time.Duration

	// Rendering
	FFmpegPath       string
	FFprobePath      string
	WorkDir          string
	RenderTimeout    time.Duration
	CopyFastPath     bool // opt-in stream-copy concat when inputs already match
	BatchSize        int
	MaxCombinations  int
	MaxBlocksPerRole int

	// Worker
	MaxConcurrentJobs      int
	MaxConcurrentTransfers int
}

func Load() (*Config, error) {
	// Load .env file if it exists (ignore error in production)
	_ = godotenv.Load()

	cfg := &Config{
		APIPort:                getEnv("API_PORT", "8080"),
		WorkerEnabled:          getEnvBool("WORKER_ENABLED", true),
		BackendAPIKey:          getEnv("BACKEND_API_KEY", ""),
		CorsAllowedOrigins:     getEnv("CORS_ALLOWED_ORIGINS", ""),
		LogLevel:               getEnv("LOG_LEVEL", "info"),
		LogFormat:              getEnv("LOG_FORMAT", "json"),
		DatabaseURL:            getEnv("DATABASE_URL", ""),
		RedisURL:               getEnv("REDIS_URL", "redis://localhost:6379"),
		StorageBackend:         getEnv("STORAGE_BACKEND", "supabase"),
		SupabaseURL:            getEnv("SUPABASE_URL", ""),
		SupabaseServiceKey:     getEnv("SUPABASE_SERVICE_KEY", ""),
		SupabaseStorageBucket:  getEnv("SUPABASE_STORAGE_BUCKET", "hookscale-videos"),
		S3Bucket:               getEnv("S3_BUCKET", ""),
		S3Region:               getEnv("S3_REGION", getEnv("AWS_REGION", "us-east-1")),
		S3Endpoint:             getEnv("S3_ENDPOINT", ""),
		S3PublicBaseURL:        getEnv("S3_PUBLIC_BASE_URL", ""),
		S3AccessKeyID:          getEnv("S3_ACCESS_KEY_ID", ""),
		S3SecretAccessKey:      getEnv("S3_SECRET_ACCESS_KEY", ""),
		DownloadAttempts:       getEnvInt("DOWNLOAD_ATTEMPTS", 3),
		DownloadTimeout:        getEnvDuration("DOWNLOAD_TIMEOUT", 30*time.Second),
		FFmpegPath:             getEnv("FFMPEG_PATH", "ffmpeg"),
		FFprobePath:            getEnv("FFPROBE_PATH", "ffprobe"),
		WorkDir:                getEnv("WORK_DIR", "/tmp/hookscale"),
		RenderTimeout:          getEnvDuration("RENDER_TIMEOUT", 10*time.Minute),
		CopyFastPath:           getEnvBool("FFMPEG_COPY_FAST_PATH", false),
		BatchSize:              getEnvInt("BATCH_SIZE", 8),
		MaxCombinations:        getEnvInt("MAX_COMBINATIONS", 10000),
		MaxBlocksPerRole:       getEnvInt("MAX_BLOCKS_PER_TYPE", 5),
		MaxConcurrentJobs:      getEnvInt("MAX_CONCURRENT_JOBS", 2),
		MaxConcurrentTransfers: getEnvInt("MAX_CONCURRENT_TRANSFERS", 4),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks required settings for the enabled backends.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	switch c.StorageBackend {
	case "supabase":
		if c.SupabaseURL == "" || c.SupabaseServiceKey == "" {
			return fmt.Errorf("SUPABASE_URL and SUPABASE_SERVICE_KEY are required for the supabase storage backend")
		}
	case "s3":
		if c.S3Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required for the s3 storage backend")
		}
		if c.S3PublicBaseURL == "" {
			return fmt.Errorf("S3_PUBLIC_BASE_URL is required for the s3 storage backend")
		}
	default:
		return fmt.Errorf("unknown STORAGE_BACKEND %q (want supabase or s3)", c.StorageBackend)
	}

	if c.BatchSize < 1 {
		return fmt.Errorf("BATCH_SIZE must be at least 1")
	}
	if c.DownloadAttempts < 1 {
		return fmt.Errorf("DOWNLOAD_ATTEMPTS must be at least 1")
	}

	return nil
}

// LogSettings returns LOG_LEVEL and LOG_FORMAT without requiring the rest
// of the configuration to be valid.
func LogSettings() (level, format string) {
	_ = godotenv.Load()
	return getEnv("LOG_LEVEL", "info"), getEnv("LOG_FORMAT", "json")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		b, err := strconv.ParseBool(value)
		if err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		i, err := strconv.Atoi(value)
		if err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		d, err := time.ParseDuration(value)
		if err == nil {
			return d
		}
	}
	return defaultValue
}
