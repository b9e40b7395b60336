package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all service configuration. Values come from an optional YAML
// file plus TRAFFICLENS_* environment overrides; every field has a default
// so the service starts with nothing but a key secret.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Push      PushConfig      `mapstructure:"push"`
	Keys      KeysConfig      `mapstructure:"keys"`
	Retention RetentionConfig `mapstructure:"retention"`
	Backup    BackupConfig    `mapstructure:"backup"`
}

type ServerConfig struct {
	Port     string `mapstructure:"port"`
	LogLevel string `mapstructure:"log_level"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// PushConfig tunes the delivery engine.
type PushConfig struct {
	// Subscriber is the VAPID contact identifier (mailto: or https: URL)
	// included in every signed assertion.
	Subscriber     string        `mapstructure:"subscriber"`
	TTL            int           `mapstructure:"ttl"`
	Concurrency    int           `mapstructure:"concurrency"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryBase      time.Duration `mapstructure:"retry_base"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	PageSize       int           `mapstructure:"page_size"`
}

// KeysConfig controls private-key-at-rest encryption.
type KeysConfig struct {
	Secret string `mapstructure:"secret"`
}

type RetentionConfig struct {
	SubscriberDays int `mapstructure:"subscriber_days"`
	EventDays      int `mapstructure:"event_days"`
}

type BackupConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	Endpoint      string `mapstructure:"endpoint"`
	Bucket        string `mapstructure:"bucket"`
	Region        string `mapstructure:"region"`
	AccessKey     string `mapstructure:"access_key"`
	SecretKey     string `mapstructure:"secret_key"`
	Passphrase    string `mapstructure:"passphrase"`
	Hour          int    `mapstructure:"hour"`
	RetentionDays int    `mapstructure:"retention_days"`
}

// Load reads configuration from the given file (may be empty for
// env/defaults only) and the environment.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.port", "8080")
	v.SetDefault("server.log_level", "info")
	v.SetDefault("database.path", "trafficlens.db")
	v.SetDefault("push.subscriber", "mailto:push@trafficlens.app")
	v.SetDefault("push.ttl", 86400)
	v.SetDefault("push.concurrency", 64)
	v.SetDefault("push.max_retries", 3)
	v.SetDefault("push.retry_base", 500*time.Millisecond)
	v.SetDefault("push.request_timeout", 5*time.Second)
	v.SetDefault("push.page_size", 500)
	v.SetDefault("retention.subscriber_days", 90)
	v.SetDefault("retention.event_days", 365)
	v.SetDefault("backup.enabled", false)
	v.SetDefault("backup.region", "auto")
	v.SetDefault("backup.hour", 3)
	v.SetDefault("backup.retention_days", 30)

	v.SetEnvPrefix("TRAFFICLENS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.Keys.Secret == "" {
		return nil, fmt.Errorf("keys.secret (TRAFFICLENS_KEYS_SECRET) is required")
	}

	return &cfg, nil
}
