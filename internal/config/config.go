// Package config loads gateway configuration from the environment.
package config

import (
	"errors"
	"os"
	"strconv"
	"time"
)

// Config holds all tunables for the gateway, loaded once at startup.
type Config struct {
	// Server
	Host string
	Port int

	// Security
	AdminKey        string
	APIKey          string // legacy /v1/* key, exact match; empty + no key-list means open
	SessionSecret   string
	EncryptionKey   string
	LocalIgnoreProxy bool

	// Database
	DBPath     string
	DatabaseURL string
	DataDir    string

	// Upstream
	UpstreamHost    string
	RequestTimeout  time.Duration // bounds each upstream call (spec: 600s)
	SubprocessTimeout time.Duration // not read: tasks.RunChild applies its own fixed 300s timeout

	// Account pool / quota
	AccountFailureThreshold int
	RateLimitCooldown       time.Duration
	MaxRequestRetries       int

	// Session binding
	BindingTTL        time.Duration
	BindingMaxEntries int
	BindingFlushEvery time.Duration

	// Auto-refresh loop (C11)
	AutoRefreshTick     time.Duration
	AccountExpiryWindow time.Duration
	MinPoolSize         int

	// Media (C8)
	MediaBackend  string // "local" or "s3"
	MediaBaseDir  string
	MediaSweepEvery time.Duration
	MediaMaxAge   time.Duration
	S3Endpoint    string
	S3Bucket      string
	S3AccessKey   string
	S3SecretKey   string

	// CORS / origin (out of core scope, kept as pass-through settings)
	FrontendOrigin  string
	AllowAllOrigins bool

	LogLevel string
}

func Load() *Config {
	return &Config{
		Host: envOr("HOST", "0.0.0.0"),
		Port: envInt("PORT", 8080),

		AdminKey:         os.Getenv("ADMIN_KEY"),
		APIKey:           os.Getenv("API_KEY"),
		SessionSecret:    os.Getenv("SESSION_SECRET_KEY"),
		EncryptionKey:    envOr("ENCRYPTION_KEY", os.Getenv("SESSION_SECRET_KEY")),
		LocalIgnoreProxy: envBool("LOCAL_IGNORE_PROXY", false),

		DBPath:      os.Getenv("DB_PATH"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		DataDir:     envOr("DATA_DIR", "./data"),

		UpstreamHost:      envOr("UPSTREAM_HOST", "https://upstream.example.internal"),
		RequestTimeout:    envSeconds("REQUEST_TIMEOUT_SECONDS", 600*time.Second),
		SubprocessTimeout: envSeconds("SUBPROCESS_TIMEOUT_SECONDS", 300*time.Second),

		AccountFailureThreshold: envInt("ACCOUNT_FAILURE_THRESHOLD", 3),
		RateLimitCooldown:       envSeconds("RATE_LIMIT_COOLDOWN_SECONDS", 60*time.Second),
		MaxRequestRetries:       envInt("MAX_REQUEST_RETRIES", 2),

		BindingTTL:        envSeconds("SESSION_BINDING_TTL_SECONDS", 7*24*time.Hour),
		BindingMaxEntries: envInt("SESSION_BINDING_MAX_ENTRIES", 10000),
		BindingFlushEvery: envSeconds("SESSION_BINDING_FLUSH_SECONDS", 60*time.Second),

		AutoRefreshTick:     envSeconds("AUTO_REFRESH_TICK_SECONDS", 30*time.Minute),
		AccountExpiryWindow: envSeconds("ACCOUNT_EXPIRY_WINDOW_SECONDS", 1*time.Hour),
		MinPoolSize:         envInt("MIN_POOL_SIZE", 21),

		MediaBackend:    envOr("MEDIA_BACKEND", "local"),
		MediaBaseDir:    envOr("MEDIA_BASE_DIR", "./data/media"),
		MediaSweepEvery: envSeconds("MEDIA_SWEEP_SECONDS", 30*time.Minute),
		MediaMaxAge:     envSeconds("MEDIA_MAX_AGE_SECONDS", 1*time.Hour),
		S3Endpoint:      os.Getenv("S3_ENDPOINT"),
		S3Bucket:        os.Getenv("S3_BUCKET"),
		S3AccessKey:     os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey:     os.Getenv("S3_SECRET_KEY"),

		FrontendOrigin:  os.Getenv("FRONTEND_ORIGIN"),
		AllowAllOrigins: envBool("ALLOW_ALL_ORIGINS", false),

		LogLevel: envOr("LOG_LEVEL", "info"),
	}
}

func (c *Config) Validate() error {
	if c.AdminKey == "" {
		return errMissing("ADMIN_KEY")
	}
	if c.SessionSecret == "" {
		return errMissing("SESSION_SECRET_KEY")
	}
	return nil
}

func errMissing(field string) error { return errors.New("missing required env: " + field) }

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// envSeconds reads an integer number of seconds from the environment.
func envSeconds(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return fallback
}
