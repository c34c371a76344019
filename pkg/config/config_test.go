package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ledgerline/reconcile/pkg/config"
)

// TestLoad_Defaults verifies that Load() returns sensible defaults
// when no environment variables are set.
// Invariant: System must boot with safe defaults in dev mode.
func TestLoad_Defaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_URL", "")
	t.Setenv("IDEMPOTENCY_TTL", "")
	t.Setenv("CORS_ORIGINS", "")

	cfg := config.Load()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, "reconcile.db", cfg.DatabaseURL)
	assert.Empty(t, cfg.RedisURL)
	assert.Equal(t, 24*time.Hour, cfg.IdempotencyTTL)
	assert.Equal(t, 50, cfg.RateLimitRPS)
	assert.Equal(t, []string{"*"}, cfg.CORSOrigins)
}

// TestLoad_Overrides verifies that environment variables correctly
// override default values.
// Invariant: Ops can control config via standard 12-factor env vars.
func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("DATABASE_URL", "postgres://production:5432/db")
	t.Setenv("REDIS_URL", "redis://cache:6379/0")
	t.Setenv("IDEMPOTENCY_TTL", "48h")
	t.Setenv("RATE_LIMIT_RPS", "10")
	t.Setenv("CORS_ORIGINS", "https://app.example.com, https://ops.example.com")

	cfg := config.Load()

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, "postgres://production:5432/db", cfg.DatabaseURL)
	assert.Equal(t, "redis://cache:6379/0", cfg.RedisURL)
	assert.Equal(t, 48*time.Hour, cfg.IdempotencyTTL)
	assert.Equal(t, 10, cfg.RateLimitRPS)
	assert.Equal(t, []string{"https://app.example.com", "https://ops.example.com"}, cfg.CORSOrigins)
}

// TestLoad_IgnoresMalformedNumbers verifies bad numeric values fall back
// to defaults rather than crashing the boot path.
func TestLoad_IgnoresMalformedNumbers(t *testing.T) {
	t.Setenv("RATE_LIMIT_RPS", "lots")
	t.Setenv("IDEMPOTENCY_TTL", "-5h")

	cfg := config.Load()

	assert.Equal(t, 50, cfg.RateLimitRPS)
	assert.Equal(t, 24*time.Hour, cfg.IdempotencyTTL)
}
