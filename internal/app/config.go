package app

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port     int
	LogLevel string

	DBDSN       string
	RedisURL    string // empty = in-process memory KV
	AutoMigrate bool

	AdminToken string

	RateLimitEnabled bool
	SecureCookies    bool
	SessionTTLSecs   int
	Timezone         string

	UpstreamTimeoutSecs int

	OTelEnabled  bool
	OTelEndpoint string
}

func LoadConfig() (Config, error) {
	cfg := Config{
		Port:     getEnvInt("RELAYGATE_PORT", 23000),
		LogLevel: getEnv("RELAYGATE_LOG_LEVEL", "info"),

		DBDSN:       getEnv("RELAYGATE_DB_DSN", "file:relaygate.sqlite"),
		RedisURL:    getEnv("RELAYGATE_REDIS_URL", ""),
		AutoMigrate: getEnvBool("RELAYGATE_AUTO_MIGRATE", true),

		AdminToken: getEnv("RELAYGATE_ADMIN_TOKEN", ""),

		RateLimitEnabled: getEnvBool("RELAYGATE_RATE_LIMIT_ENABLED", true),
		SecureCookies:    getEnvBool("RELAYGATE_SECURE_COOKIES", false),
		SessionTTLSecs:   getEnvInt("RELAYGATE_SESSION_TTL_SECS", 300),
		Timezone:         getEnv("RELAYGATE_TIMEZONE", "Asia/Shanghai"),

		UpstreamTimeoutSecs: getEnvInt("RELAYGATE_UPSTREAM_TIMEOUT_SECS", 60),

		OTelEnabled:  getEnvBool("RELAYGATE_OTEL_ENABLED", false),
		OTelEndpoint: getEnv("RELAYGATE_OTEL_ENDPOINT", "localhost:4318"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks config values for obviously invalid settings.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("RELAYGATE_PORT must be in 1..65535, got %d", c.Port)
	}
	if c.SessionTTLSecs <= 0 {
		return fmt.Errorf("RELAYGATE_SESSION_TTL_SECS must be > 0, got %d", c.SessionTTLSecs)
	}
	if c.UpstreamTimeoutSecs <= 0 {
		return fmt.Errorf("RELAYGATE_UPSTREAM_TIMEOUT_SECS must be > 0, got %d", c.UpstreamTimeoutSecs)
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("RELAYGATE_TIMEZONE %q is not a valid location: %w", c.Timezone, err)
	}
	return nil
}

// Location returns the configured timezone. Validate guarantees it loads.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err == nil {
			return i
		}
	}
	return def
}
