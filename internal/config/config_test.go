package config

import (
	"testing"
	"time"

	"healthai/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"ADDR", "DATABASE_URL", "SECRET_KEY", "OPENAI_API_KEY", "ANTHROPIC_API_KEY",
		"GOOGLE_API_KEY", "CORS_ORIGINS", "SCHEDULER_INTERVAL", "AUTO_PROVISION_PROVIDER", "DEFAULT_TIMEZONE",
		"WORKER_CONCURRENCY", "EXECUTION_RETENTION_DAYS", "PROVIDER_TIMEOUT", "DEV_AUTH", "REDIS_ADDR"} {
		t.Setenv(key, "")
	}

	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", c.Addr)
	assert.True(t, c.AutoProvision)
	assert.True(t, c.InsecureSecret())
	assert.False(t, c.MemoryStore())
	assert.True(t, c.RedisEnabled())
	assert.Equal(t, 5*time.Minute, c.SchedulerInterval)
	assert.Equal(t, 90*24*time.Hour, c.ExecutionRetention)
	assert.Empty(t, c.FallbackKeys)

	s := c.Settings()
	assert.Equal(t, "UTC", s.DefaultTimezone)
	assert.Equal(t, 120*time.Second, s.ProviderTimeout)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", MemoryDatabaseURL)
	t.Setenv("SECRET_KEY", "s3cret")
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant")
	t.Setenv("CORS_ORIGINS", "https://app.example.com, http://localhost:3000")
	t.Setenv("AUTO_PROVISION_PROVIDER", "false")
	t.Setenv("DEFAULT_TIMEZONE", "Europe/Prague")
	t.Setenv("SCHEDULER_INTERVAL", "1m")
	t.Setenv("EXECUTION_RETENTION_DAYS", "30")
	t.Setenv("SMTP_HOST", "smtp.example.com")
	t.Setenv("REDIS_ADDR", RedisDisabled)

	c, err := Load()
	require.NoError(t, err)
	assert.True(t, c.MemoryStore())
	assert.False(t, c.RedisEnabled())
	assert.False(t, c.InsecureSecret())
	assert.False(t, c.AutoProvision)
	assert.Equal(t, map[model.ProviderKind]string{model.ProviderAnthropic: "sk-ant"}, c.FallbackKeys)
	assert.Equal(t, []string{"https://app.example.com", "http://localhost:3000"}, c.CORSOrigins)
	assert.Equal(t, 30*24*time.Hour, c.Settings().ExecutionRetention)
	assert.Equal(t, "smtp.example.com", c.Notify().SMTPHost)
	assert.Equal(t, 587, c.Notify().SMTPPort)
}

func TestLoadRejectsBadValues(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{"WORKER_CONCURRENCY", "many"},
		{"WORKER_CONCURRENCY", "0"},
		{"SCHEDULER_INTERVAL", "10s"},
		{"DEFAULT_TIMEZONE", "Mars/Olympus"},
		{"AUTO_PROVISION_PROVIDER", "perhaps"},
		{"PROVIDER_TIMEOUT", "soon"},
	}
	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
