// Package config loads service configuration from the environment, an
// optional .env file and command-line flags.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the runtime configuration shared by the binaries.
type Config struct {
	Port  string `mapstructure:"PORT"`
	Env   string `mapstructure:"ENV"`
	Scope string `mapstructure:"SCOPE"`
	// Timezone is the default for orders that do not name one.
	Timezone string `mapstructure:"TIMEZONE"`

	SnapshotBackend string        `mapstructure:"SNAPSHOT_BACKEND"`
	SnapshotDelay   time.Duration `mapstructure:"SNAPSHOT_DELAY"`
	DatabaseURL     string        `mapstructure:"DATABASE_URL"`
	RedisURL        string        `mapstructure:"REDIS_URL"`

	KafkaBrokers       []string      `mapstructure:"KAFKA_BROKERS"`
	KafkaReplication   int16         `mapstructure:"KAFKA_REPLICATION"`
	ArchiverGroup      string        `mapstructure:"ARCHIVER_GROUP"`
	ReminderBackend    string        `mapstructure:"REMINDER_BACKEND"`
	OutboxPollInterval time.Duration `mapstructure:"OUTBOX_POLL_INTERVAL"`

	AuditRetention        int `mapstructure:"AUDIT_RETENTION"`
	AuditFailureThreshold int `mapstructure:"AUDIT_FAILURE_THRESHOLD"`
	CASAttempts           int `mapstructure:"CAS_ATTEMPTS"`

	Workers   int `mapstructure:"WORKERS"`
	QueueSize int `mapstructure:"QUEUE_SIZE"`

	OTLPEndpoint    string  `mapstructure:"OTLP_ENDPOINT"`
	TraceSampleRate float64 `mapstructure:"TRACE_SAMPLE_RATE"`
	LogLevel        string  `mapstructure:"LOG_LEVEL"`
}

var keys = []string{
	"PORT", "ENV", "SCOPE", "TIMEZONE",
	"SNAPSHOT_BACKEND", "SNAPSHOT_DELAY", "DATABASE_URL", "REDIS_URL",
	"KAFKA_BROKERS", "KAFKA_REPLICATION", "ARCHIVER_GROUP", "REMINDER_BACKEND", "OUTBOX_POLL_INTERVAL",
	"AUDIT_RETENTION", "AUDIT_FAILURE_THRESHOLD", "CAS_ATTEMPTS",
	"WORKERS", "QUEUE_SIZE",
	"OTLP_ENDPOINT", "TRACE_SAMPLE_RATE", "LOG_LEVEL",
}

// New returns a viper instance with defaults and environment binding. Flags
// may be bound to it before Load.
func New() *viper.Viper {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("SCOPE", "default")
	v.SetDefault("TIMEZONE", "UTC")
	v.SetDefault("SNAPSHOT_BACKEND", "memory")
	v.SetDefault("SNAPSHOT_DELAY", 200*time.Millisecond)
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("KAFKA_REPLICATION", 1)
	v.SetDefault("ARCHIVER_GROUP", "careplan-audit-archiver")
	v.SetDefault("REMINDER_BACKEND", "none")
	v.SetDefault("OUTBOX_POLL_INTERVAL", 250*time.Millisecond)
	v.SetDefault("AUDIT_RETENTION", 1000)
	v.SetDefault("AUDIT_FAILURE_THRESHOLD", 5)
	v.SetDefault("CAS_ATTEMPTS", 3)
	v.SetDefault("WORKERS", 8)
	v.SetDefault("QUEUE_SIZE", 1024)
	v.SetDefault("TRACE_SAMPLE_RATE", 1.0)
	v.SetDefault("LOG_LEVEL", "info")

	for _, k := range keys {
		_ = v.BindEnv(k)
	}
	return v
}

// Load reads the optional .env file, unmarshals and validates.
func Load(v *viper.Viper) (*Config, error) {
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.KafkaBrokers = splitList(cfg.KafkaBrokers)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field requirements.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Scope) == "" {
		return fmt.Errorf("SCOPE must not be empty")
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("TIMEZONE %q: %w", c.Timezone, err)
	}

	switch c.SnapshotBackend {
	case "memory":
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("SNAPSHOT_BACKEND=postgres requires DATABASE_URL")
		}
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("SNAPSHOT_BACKEND=redis requires REDIS_URL")
		}
	default:
		return fmt.Errorf("SNAPSHOT_BACKEND must be memory, postgres or redis, got %q", c.SnapshotBackend)
	}

	switch c.ReminderBackend {
	case "none", "log":
	case "outbox":
		if c.DatabaseURL == "" {
			return fmt.Errorf("REMINDER_BACKEND=outbox requires DATABASE_URL")
		}
	default:
		return fmt.Errorf("REMINDER_BACKEND must be none, log or outbox, got %q", c.ReminderBackend)
	}

	if c.AuditRetention <= 0 {
		return fmt.Errorf("AUDIT_RETENTION must be positive")
	}
	if c.AuditFailureThreshold <= 0 {
		return fmt.Errorf("AUDIT_FAILURE_THRESHOLD must be positive")
	}
	if c.CASAttempts <= 0 {
		return fmt.Errorf("CAS_ATTEMPTS must be positive")
	}
	return nil
}

// Streaming reports whether Kafka brokers are configured.
func (c *Config) Streaming() bool {
	return len(c.KafkaBrokers) > 0
}

// splitList accepts both repeated values and a single comma-separated value.
func splitList(in []string) []string {
	var out []string
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
