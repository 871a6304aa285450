// Package config provides environment-based configuration for forge.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for forge. Build file settings and command
// line flags are applied on top of it by the CLI.
type Config struct {
	// Build configuration
	BuildFile       string // empty = forge.toml, forge.yaml or forge.yml in WorkDir
	WorkDir         string // empty = directory of the build file
	Parallelism     int    // 0 = number of CPUs
	FailFast        bool
	Fingerprint     string // "content", "xxhash" or "timestamp"
	RetryBackoff    time.Duration
	ResourceTimeout time.Duration
	ResourceRetries int
	ResourcePolicy  string // "retry" or "fail"

	// State store configuration
	StateStore  string // "sqlite", "memory", "redis", "postgres" or "s3"
	SQLitePath  string
	RedisURL    string
	RedisPrefix string
	PostgresURL string

	S3Endpoint        string
	S3Bucket          string
	S3Region          string
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3UseSSL          bool
	S3Prefix          string

	// Build store configuration
	BuildStore    string // "memory" or "redis"
	BuildStoreTTL time.Duration
	EventMaxLen   int64
	MaxBuilds     int

	// Server configuration
	Port          string
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	ShutdownGrace time.Duration

	// CORS configuration
	CORSOrigins []string

	// Rate limiting
	RateLimitRPS   float64
	RateLimitBurst int

	// Tracing
	TracingEnabled  bool
	OTLPEndpoint    string
	TraceSampleRate float64

	// Logging
	LogLevel  string
	LogFormat string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		// Build
		BuildFile:       getEnv("FORGE_FILE", ""),
		WorkDir:         getEnv("FORGE_WORKDIR", ""),
		Parallelism:     getInt("FORGE_PARALLELISM", 0),
		FailFast:        getBool("FORGE_FAIL_FAST", true),
		Fingerprint:     getEnv("FORGE_FINGERPRINT", "content"),
		RetryBackoff:    getDuration("FORGE_RETRY_BACKOFF", time.Second),
		ResourceTimeout: getDuration("FORGE_RESOURCE_TIMEOUT", 5*time.Minute),
		ResourceRetries: getInt("FORGE_RESOURCE_RETRIES", 3),
		ResourcePolicy:  getEnv("FORGE_RESOURCE_POLICY", "retry"),

		// State store
		StateStore:  getEnv("FORGE_STATE_STORE", "sqlite"),
		SQLitePath:  getEnv("FORGE_SQLITE_PATH", ".forge/state.db"),
		RedisURL:    getEnv("REDIS_URL", "redis://localhost:6379"),
		RedisPrefix: getEnv("FORGE_REDIS_PREFIX", "forge"),
		PostgresURL: getEnv("DATABASE_URL", ""),

		S3Endpoint:        getEnv("S3_ENDPOINT", ""),
		S3Bucket:          getEnv("S3_BUCKET", ""),
		S3Region:          getEnv("S3_REGION", "us-east-1"),
		S3AccessKeyID:     getEnv("S3_ACCESS_KEY_ID", ""),
		S3SecretAccessKey: getEnv("S3_SECRET_ACCESS_KEY", ""),
		S3UseSSL:          getBool("S3_USE_SSL", true),
		S3Prefix:          getEnv("S3_PREFIX", "forge/records"),

		// Build store
		BuildStore:    getEnv("FORGE_BUILD_STORE", "memory"),
		BuildStoreTTL: getDuration("FORGE_BUILD_STORE_TTL", 7*24*time.Hour), // 7 days
		EventMaxLen:   getInt64("FORGE_EVENT_MAX_LEN", 5000),
		MaxBuilds:     getInt("FORGE_MAX_BUILDS", 100),

		// Server
		Port:          getEnv("PORT", "7171"),
		ReadTimeout:   getDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout:  getDuration("WRITE_TIMEOUT", 30*time.Second),
		ShutdownGrace: getDuration("SHUTDOWN_GRACE", 10*time.Second),

		// CORS
		CORSOrigins: getStringSlice("CORS_ORIGINS", []string{"http://localhost:5173", "http://localhost:3000"}),

		// Rate limiting
		RateLimitRPS:   getFloat("RATE_LIMIT_RPS", 100.0),
		RateLimitBurst: getInt("RATE_LIMIT_BURST", 200),

		// Tracing
		TracingEnabled:  getBool("FORGE_TRACING_ENABLED", false),
		OTLPEndpoint:    getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		TraceSampleRate: getFloat("FORGE_TRACE_SAMPLE_RATE", 1.0),

		// Logging
		LogLevel:  getEnv("FORGE_LOG_LEVEL", "info"),
		LogFormat: getEnv("FORGE_LOG_FORMAT", "text"),
	}
}

// Helper functions for environment variable parsing

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getInt64(key string, defaultVal int64) int64 {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.ParseInt(val, 10, 64); err == nil {
			return i
		}
	}
	return defaultVal
}

func getFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

func getStringSlice(key string, defaultVal []string) []string {
	if val := os.Getenv(key); val != "" {
		parts := strings.Split(val, ",")
		out := parts[:0]
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return defaultVal
}
