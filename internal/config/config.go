// internal/config/config.go
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all runtime settings. Values come from the environment
// (a .env file is loaded by main before this runs).
type Config struct {
	Port        string
	DatabaseURL string

	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool

	JWTSecret string

	ModelURL         string
	InferenceTimeout time.Duration

	WorkerCount   int
	QueueSize     int
	JobMaxRetries int

	LogLevel  string
	LogFormat string
}

func Load() *Config {
	return &Config{
		Port:        getEnv("PORT", "8080"),
		DatabaseURL: getEnv("DATABASE_URL", "host=localhost user=postgres password=postgres dbname=liverscan port=5432 sslmode=disable"),

		MinioEndpoint:  getEnv("MINIO_ENDPOINT", "localhost:9000"),
		MinioAccessKey: os.Getenv("MINIO_ACCESS_KEY"),
		MinioSecretKey: os.Getenv("MINIO_SECRET_KEY"),
		MinioBucket:    getEnv("MINIO_BUCKET", "liver-scans"),
		MinioUseSSL:    os.Getenv("MINIO_USE_SSL") == "true",

		JWTSecret: getEnv("JWT_SECRET", "your-secret-key"),

		ModelURL:         os.Getenv("MODEL_URL"),
		InferenceTimeout: getDuration("INFERENCE_TIMEOUT", 120*time.Second),

		WorkerCount:   getInt("WORKER_COUNT", 2),
		QueueSize:     getInt("QUEUE_SIZE", 64),
		JobMaxRetries: getInt("JOB_MAX_RETRIES", 0),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "console"),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
