package config

import (
	"os"
	"strconv"
	"strings"
)

// Config centralizes runtime settings for the API and workers.
type Config struct {
	Port        string
	Environment string
	ServiceName string

	BackendURL       string
	BackendTimeoutMS int

	CORSAllowedOrigins []string
	PhoneDefaultRegion string

	PollIntervalMS         int
	MaxPollAttempts        int
	UploadRetentionMinutes int

	DatabaseURL string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisStream   string
	RedisDLQ      string
	RedisGroup    string
	RedisConsumer string
	RedisMaxLen   int

	DashboardLockEnabled bool
	DashboardLockTTLMS   int

	RateLimitRPS   float64
	RateLimitBurst int

	QueueBatchingEnabled     bool
	QueueBatchSize           int
	QueueBatchFlushMS        int
	QueueBatchFlushTimeoutMS int
	QueueBatchQueueCapacity  int
	QueueBatchMaxInFlight    int

	WorkerEnabled bool

	Log LogConfig
}

type LogConfig struct {
	Level      string
	Format     string
	Stdout     bool
	FilePath   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

func Load() Config {
	return Config{
		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("APP_ENV", "development"),
		ServiceName: getEnv("SERVICE_NAME", "health-records-back"),

		BackendURL:       getEnv("BACKEND_URL", getEnv("NEXT_PUBLIC_API_URL", "http://localhost:8000")),
		BackendTimeoutMS: getEnvInt("BACKEND_TIMEOUT_MS", 30000),

		CORSAllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
		PhoneDefaultRegion: strings.ToUpper(getEnv("PHONE_DEFAULT_REGION", "US")),

		PollIntervalMS:         getEnvInt("POLL_INTERVAL_MS", 2000),
		MaxPollAttempts:        getEnvInt("MAX_POLL_ATTEMPTS", 90),
		UploadRetentionMinutes: getEnvInt("UPLOAD_RETENTION_MINUTES", 30),

		DatabaseURL: getEnv("DATABASE_URL", ""),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		RedisStream:   getEnv("REDIS_STREAM", "upload_events"),
		RedisDLQ:      getEnv("REDIS_DLQ_STREAM", "upload_events_dlq"),
		RedisGroup:    getEnv("REDIS_GROUP", "upload_projectors"),
		RedisConsumer: getEnv("REDIS_CONSUMER", "api-1"),
		RedisMaxLen:   getEnvInt("REDIS_STREAM_MAXLEN", 100000),

		DashboardLockEnabled: getEnvBool("DASHBOARD_LOCK_ENABLED", true),
		DashboardLockTTLMS:   getEnvInt("DASHBOARD_LOCK_TTL_MS", 15000),

		RateLimitRPS:   getEnvFloat("RATE_LIMIT_RPS", 20),
		RateLimitBurst: getEnvInt("RATE_LIMIT_BURST", 40),

		QueueBatchingEnabled:     getEnvBool("QUEUE_BATCHING_ENABLED", true),
		QueueBatchSize:           getEnvInt("QUEUE_BATCH_SIZE", 32),
		QueueBatchFlushMS:        getEnvInt("QUEUE_BATCH_FLUSH_MS", 25),
		QueueBatchFlushTimeoutMS: getEnvInt("QUEUE_BATCH_FLUSH_TIMEOUT_MS", 3000),
		QueueBatchQueueCapacity:  getEnvInt("QUEUE_BATCH_QUEUE_CAPACITY", 2048),
		QueueBatchMaxInFlight:    getEnvInt("QUEUE_BATCH_MAX_IN_FLIGHT", 4),

		WorkerEnabled: getEnvBool("WORKER_ENABLED", true),

		Log: LogConfig{
			Level:      getEnv("LOG_LEVEL", "info"),
			Format:     getEnv("LOG_FORMAT", "json"),
			Stdout:     getEnvBool("LOG_STDOUT", true),
			FilePath:   getEnv("LOG_FILE_PATH", ""),
			MaxSizeMB:  getEnvInt("LOG_MAX_SIZE_MB", 100),
			MaxBackups: getEnvInt("LOG_MAX_BACKUPS", 5),
			MaxAgeDays: getEnvInt("LOG_MAX_AGE_DAYS", 14),
			Compress:   getEnvBool("LOG_COMPRESS", true),
		},
	}
}

func getEnv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getEnvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvFloat(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

// getEnvList splits a comma separated value, dropping empty items.
func getEnvList(key string, fallback []string) []string {
	value := os.Getenv(key)
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	items := make([]string, 0)
	for _, item := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			items = append(items, trimmed)
		}
	}
	if len(items) == 0 {
		return fallback
	}
	return items
}
