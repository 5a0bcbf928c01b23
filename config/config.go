package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/vodhost/backend/internal/transcode"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	JWT       JWTConfig
	AWS       AWSConfig
	Storage   StorageConfig
	Transcode TranscodeConfig
	Worker    WorkerConfig
	LogLevel  string
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int    // 0 disables the body read deadline; large uploads need it
	WriteTimeout       int    // 0 disables the write deadline; long streams need it
	CORSAllowedOrigins string // comma-separated, or "*" for all
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL      string // if set, used as-is (e.g. postgres://localhost:5432/vodhost?sslmode=disable)
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// JWTConfig holds JWT signing and validation settings.
type JWTConfig struct {
	Secret      string
	ExpireHours int
}

// AWSConfig holds AWS credentials and the rendition archive bucket.
// An empty VideosBucket disables archiving and presigned downloads.
type AWSConfig struct {
	Region               string
	AccessKeyID          string
	SecretAccessKey      string
	VideosBucket         string
	PresignExpireMinutes int
}

// StorageConfig describes the local content root.
type StorageConfig struct {
	ContentRoot string
	MaxUploadMB int64
}

// TranscodeConfig configures the orchestrator and the ffmpeg engine.
type TranscodeConfig struct {
	Profiles    []transcode.Profile
	OutputExt   string
	TaskTimeout time.Duration
	FFmpegPath  string
	Preset      string
}

// WorkerConfig controls the transcode job consumer.
type WorkerConfig struct {
	Inline      bool // run the consumer inside the API process
	Concurrency int
}

// DSN returns the PostgreSQL connection string.
// If DatabaseConfig.URL is set (e.g. DATABASE_URL env), it is used as-is; otherwise built from components.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// MaxUploadBytes returns the upload limit in bytes.
func (c StorageConfig) MaxUploadBytes() int64 {
	return c.MaxUploadMB * 1024 * 1024
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()      // .env
	_ = godotenv.Load("env") // env (no leading dot)

	profiles, err := transcode.ParseProfiles(getEnv("TRANSCODE_PROFILES", transcode.DefaultProfilesSpec))
	if err != nil {
		return nil, fmt.Errorf("TRANSCODE_PROFILES: %w", err)
	}
	taskTimeout, err := time.ParseDuration(getEnv("TRANSCODE_TASK_TIMEOUT", "30m"))
	if err != nil {
		return nil, fmt.Errorf("TRANSCODE_TASK_TIMEOUT: %w", err)
	}
	if taskTimeout <= 0 {
		return nil, fmt.Errorf("TRANSCODE_TASK_TIMEOUT must be positive")
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        getEnvInt("READ_TIMEOUT_SEC", 0),
			WriteTimeout:       getEnvInt("WRITE_TIMEOUT_SEC", 0),
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "*"),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", ""),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "video_platform"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		JWT: JWTConfig{
			Secret:      getEnv("JWT_SECRET", "change-me-in-production"),
			ExpireHours: getEnvInt("JWT_EXPIRE_HOURS", 1),
		},
		AWS: AWSConfig{
			Region:               getEnv("AWS_REGION", "us-east-1"),
			AccessKeyID:          getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey:      getEnv("AWS_SECRET_ACCESS_KEY", ""),
			VideosBucket:         getEnv("AWS_S3_VIDEOS_BUCKET", ""),
			PresignExpireMinutes: getEnvInt("AWS_PRESIGN_EXPIRE_MINUTES", 15),
		},
		Storage: StorageConfig{
			ContentRoot: getEnv("CONTENT_ROOT", "./uploads"),
			MaxUploadMB: int64(getEnvInt("MAX_UPLOAD_MB", 2048)),
		},
		Transcode: TranscodeConfig{
			Profiles:    profiles,
			OutputExt:   strings.TrimPrefix(getEnv("TRANSCODE_OUTPUT_EXT", "mp4"), "."),
			TaskTimeout: taskTimeout,
			FFmpegPath:  getEnv("FFMPEG_PATH", "ffmpeg"),
			Preset:      getEnv("FFMPEG_PRESET", "veryfast"),
		},
		Worker: WorkerConfig{
			Inline:      getEnvBool("WORKER_INLINE", true),
			Concurrency: getEnvInt("WORKER_CONCURRENCY", 2),
		},
		LogLevel: getEnv("LOG_LEVEL", "info"),
	}
	if cfg.Worker.Concurrency < 1 {
		cfg.Worker.Concurrency = 1
	}
	return cfg, nil
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
