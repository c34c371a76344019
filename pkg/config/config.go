// Package config loads server configuration from environment variables.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds server configuration.
type Config struct {
	Port           string
	LogLevel       string
	DatabaseURL    string
	RedisURL       string
	ArchiveURL     string
	AuthSecret     string
	IdempotencyTTL time.Duration
	RateLimitRPS   int
	RateLimitBurst int
	CORSOrigins    []string
}

// Load reads configuration from environment variables, applying
// development defaults where unset.
func Load() *Config {
	cfg := &Config{
		Port:           getenv("PORT", "8080"),
		LogLevel:       getenv("LOG_LEVEL", "INFO"),
		DatabaseURL:    getenv("DATABASE_URL", "reconcile.db"),
		RedisURL:       os.Getenv("REDIS_URL"),
		ArchiveURL:     os.Getenv("ARCHIVE_URL"),
		AuthSecret:     os.Getenv("AUTH_SECRET"),
		IdempotencyTTL: getduration("IDEMPOTENCY_TTL", 24*time.Hour),
		RateLimitRPS:   getint("RATE_LIMIT_RPS", 50),
		RateLimitBurst: getint("RATE_LIMIT_BURST", 100),
		CORSOrigins:    []string{"*"},
	}
	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		cfg.CORSOrigins = cfg.CORSOrigins[:0]
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.CORSOrigins = append(cfg.CORSOrigins, o)
			}
		}
	}
	return cfg
}

func getenv(key, dflt string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return dflt
}

func getint(key string, dflt int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return dflt
}

func getduration(key string, dflt time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return dflt
}
