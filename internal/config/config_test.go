package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load(New())
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "default", cfg.Scope)
	assert.Equal(t, "memory", cfg.SnapshotBackend)
	assert.Equal(t, "none", cfg.ReminderBackend)
	assert.Equal(t, 1000, cfg.AuditRetention)
	assert.Equal(t, 5, cfg.AuditFailureThreshold)
	assert.Equal(t, 3, cfg.CASAttempts)
	assert.Equal(t, 200*time.Millisecond, cfg.SnapshotDelay)
	assert.False(t, cfg.Streaming())
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("SCOPE", "ward-7")
	t.Setenv("KAFKA_BROKERS", "rp-1:9092, rp-2:9092")
	t.Setenv("AUDIT_RETENTION", "50")
	t.Setenv("TIMEZONE", "Europe/Berlin")

	cfg, err := Load(New())
	require.NoError(t, err)
	assert.Equal(t, "ward-7", cfg.Scope)
	assert.Equal(t, []string{"rp-1:9092", "rp-2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 50, cfg.AuditRetention)
	assert.Equal(t, "Europe/Berlin", cfg.Timezone)
	assert.True(t, cfg.Streaming())
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			Scope: "s", Timezone: "UTC",
			SnapshotBackend: "memory", ReminderBackend: "none",
			AuditRetention: 1, AuditFailureThreshold: 1, CASAttempts: 1,
		}
	}
	require.NoError(t, base().Validate())

	cases := map[string]func(c *Config){
		"unknown timezone":        func(c *Config) { c.Timezone = "Mars/Base" },
		"postgres without url":    func(c *Config) { c.SnapshotBackend = "postgres" },
		"redis without url":       func(c *Config) { c.SnapshotBackend = "redis" },
		"unknown snapshot":        func(c *Config) { c.SnapshotBackend = "s3" },
		"outbox without database": func(c *Config) { c.ReminderBackend = "outbox" },
		"unknown reminders":       func(c *Config) { c.ReminderBackend = "sms" },
		"zero retention":          func(c *Config) { c.AuditRetention = 0 },
		"blank scope":             func(c *Config) { c.Scope = " " },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := base()
			mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestLogger(t *testing.T) {
	cfg := &Config{Env: "production", LogLevel: "warn"}
	logger, err := cfg.Logger()
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, logger.Core().Enabled(zapcore.WarnLevel))

	cfg.LogLevel = "chatty"
	_, err = cfg.Logger()
	assert.Error(t, err)
}
