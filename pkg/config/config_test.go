package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("APP_ENV", "dev")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, EnvDev, cfg.Env)
	assert.Equal(t, "memory", cfg.Idempotency.Backend)
	assert.Equal(t, "enforce", cfg.Idempotency.Mode)
	assert.False(t, cfg.Idempotency.StrictFailClosed)
	assert.Equal(t, "warn", cfg.Policy.EnforceMode)
	assert.Equal(t, "__overflow__", cfg.Metrics.OverflowLabel)
}

func TestLoadRejectsUnknownEnv(t *testing.T) {
	t.Setenv("APP_ENV", "sandbox")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoadRejectsUnknownEnum(t *testing.T) {
	t.Setenv("APP_ENV", "dev")
	t.Setenv("IDEMPOTENCY_MODE", "audit")
	_, err := Load()
	assert.Error(t, err)
}

func TestProdClampsLockTTL(t *testing.T) {
	t.Setenv("APP_ENV", "prod")
	t.Setenv("IDEMPOTENCY_LOCK_TTL_S", "5")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 60*time.Second, cfg.Idempotency.LockTTL)
	assert.True(t, cfg.Idempotency.StrictFailClosed)
}

func TestRedisBackendRequiresURL(t *testing.T) {
	t.Setenv("APP_ENV", "dev")
	t.Setenv("IDEMPOTENCY_BACKEND", "redis")
	_, err := Load()
	assert.Error(t, err)

	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Idempotency.RedisURL)
}

func TestEnvListParsing(t *testing.T) {
	t.Setenv("APP_ENV", "dev")
	t.Setenv("WEBHOOK_URLS", "https://a.example/hook, https://b.example/hook ,")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"https://a.example/hook", "https://b.example/hook"}, cfg.Webhook.URLs)
}
