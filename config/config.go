package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

const (
	LockLocal = "local"
	LockRedis = "redis"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv             string
	Port               string
	DatabaseURL        string
	RedisURL           string
	LockBackend        string
	LockTTL            time.Duration
	PriceCacheTTL      time.Duration
	SessionTTL         time.Duration
	LogLevel           string
	LogFormat          string
	EventBuffer        int
	CORSAllowedOrigins []string
	CookieSecure       bool
	MigrateOnStart     bool
	ShutdownTimeout    time.Duration
}

// Load reads configuration from environment variables and optional .env files.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	appEnv := valueOrDefault(k.String("APP_ENV"), "development")
	defaultFormat := "json"
	if appEnv == "development" {
		defaultFormat = "console"
	}

	cfg := &Config{
		AppEnv:             appEnv,
		Port:               valueOrDefault(k.String("PORT"), "5000"),
		DatabaseURL:        k.String("DATABASE_URL"),
		RedisURL:           strings.TrimSpace(k.String("REDIS_URL")),
		LockBackend:        strings.ToLower(valueOrDefault(k.String("LOCK_BACKEND"), LockLocal)),
		LockTTL:            parseDuration(k.String("LOCK_TTL"), "10s"),
		PriceCacheTTL:      parseDuration(k.String("PRICE_CACHE_TTL"), "5m"),
		SessionTTL:         parseDuration(k.String("SESSION_TTL"), "168h"),
		LogLevel:           valueOrDefault(k.String("LOG_LEVEL"), "info"),
		LogFormat:          valueOrDefault(k.String("LOG_FORMAT"), defaultFormat),
		EventBuffer:        parseInt(k.String("EVENT_BUFFER"), 100),
		CORSAllowedOrigins: splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),
		CookieSecure:       parseBool(k.String("COOKIE_SECURE")),
		MigrateOnStart:     parseBool(valueOrDefault(k.String("MIGRATE_ON_START"), "true")),
		ShutdownTimeout:    parseDuration(k.String("SHUTDOWN_TIMEOUT"), "10s"),
	}

	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	switch cfg.LockBackend {
	case LockLocal:
	case LockRedis:
		if cfg.RedisURL == "" {
			return nil, errors.New("REDIS_URL is required when LOCK_BACKEND is redis")
		}
	default:
		return nil, fmt.Errorf("LOCK_BACKEND must be %q or %q, got %q", LockLocal, LockRedis, cfg.LockBackend)
	}

	return cfg, nil
}

// HTTPAddr returns the address the HTTP server should bind to.
func (c *Config) HTTPAddr() string {
	port := strings.TrimSpace(c.Port)
	if port == "" {
		port = "5000"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

func splitAndTrim(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func parseDuration(value, fallback string) time.Duration {
	base := strings.TrimSpace(value)
	if base == "" {
		base = fallback
	}
	d, err := time.ParseDuration(base)
	if err != nil {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

func parseInt(value string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func parseBool(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// LoadForTests allows tests to override environment variables without touching the real environment.
func LoadForTests(env map[string]string) (*Config, error) {
	original := make(map[string]string, len(env))
	for key := range env {
		original[key] = os.Getenv(key)
		if err := setEnvVar(key, env[key]); err != nil {
			return nil, err
		}
	}
	cfg, err := Load()
	restoreErr := restoreEnv(original)
	if err != nil {
		return nil, err
	}
	return cfg, restoreErr
}

func setEnvVar(key, value string) error {
	if value == "" {
		return os.Unsetenv(key)
	}
	return os.Setenv(key, value)
}

func restoreEnv(values map[string]string) error {
	var errs []string
	for key, value := range values {
		if err := setEnvVar(key, value); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("restore env: %s", strings.Join(errs, "; "))
	}
	return nil
}
