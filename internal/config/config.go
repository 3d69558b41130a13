// Package config loads the flat settings object described by the system's
// configuration table: environment variables prefixed SALESPIPE_, with an
// optional YAML file, via viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the flat settings object consumed by every collaborator. One
// field per recognized option.
type Config struct {
	ConfidenceThreshold      float64       `mapstructure:"confidence_threshold"`
	PollPeriodMinutes        int           `mapstructure:"poll_period_minutes"`
	MaxMessagesPerPoll       int           `mapstructure:"max_messages_per_poll"`
	BatchSize                int           `mapstructure:"batch_size"`
	LLMModel                 string        `mapstructure:"llm_model"`
	LLMBaseURL               string        `mapstructure:"llm_base_url"`
	LLMAPIKey                string        `mapstructure:"llm_api_key"`
	FirstSyncTimezone        string        `mapstructure:"first_sync_timezone"`
	PrefilterMaxContentLength int          `mapstructure:"prefilter_max_content_length"`
	IdempotencyTTLDays       int           `mapstructure:"idempotency_ttl_days"`
	PollingEnabled           bool          `mapstructure:"polling_enabled"`
	DatabaseURL              string        `mapstructure:"database_url"`
	HTTPAddr                 string        `mapstructure:"http_addr"`
	LogLevel                 string        `mapstructure:"log_level"`

	// PollPeriod is the derived duration form of PollPeriodMinutes.
	PollPeriod time.Duration `mapstructure:"-"`
}

// Load reads configuration from the environment (SALESPIPE_ prefix) and an
// optional config file, applying the documented defaults, and validates the
// one fatal startup precondition: an LLM API key must be present.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SALESPIPE")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetConfigName("salespipe")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/salespipe")

	v.SetDefault("confidence_threshold", 0.8)
	v.SetDefault("poll_period_minutes", 15)
	v.SetDefault("max_messages_per_poll", 100)
	v.SetDefault("batch_size", 20)
	v.SetDefault("llm_model", "mistralai/mistral-small")
	v.SetDefault("llm_base_url", "https://openrouter.ai/api/v1")
	v.SetDefault("first_sync_timezone", "Asia/Kolkata")
	v.SetDefault("prefilter_max_content_length", 5000)
	v.SetDefault("idempotency_ttl_days", 90)
	v.SetDefault("polling_enabled", true)
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("log_level", "info")

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if cfg.LLMAPIKey == "" {
		return nil, fmt.Errorf("missing required configuration: llm_api_key")
	}

	cfg.PollPeriod = time.Duration(cfg.PollPeriodMinutes) * time.Minute
	return &cfg, nil
}
