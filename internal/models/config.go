package models

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

type Config struct {
	ServerAddr  string `yaml:"server_addr"`
	DatabaseURL string `yaml:"database_url"`
	KafkaBroker string `yaml:"kafka_broker"`
	KafkaTopic  string `yaml:"kafka_topic"`

	BatchSize     int `yaml:"batch_size"`
	MaxAttempts   int `yaml:"max_attempts"`
	LeaseSeconds  int `yaml:"lease_seconds"`
	ReaperSeconds int `yaml:"reaper_seconds"`

	ProviderURL     string `yaml:"provider_url"`
	ProviderAPIKey  string `yaml:"provider_api_key"`
	ProviderTimeout int    `yaml:"provider_timeout_seconds"`

	CacheTTLSeconds int `yaml:"cache_ttl_seconds"`

	DailyManualLimit int `yaml:"daily_manual_limit"`
	DailyTextLimit   int `yaml:"daily_text_limit"`
	DailyImageLimit  int `yaml:"daily_image_limit"`

	SubmitRPS int `yaml:"submit_rps"`
}

func LoadConfig(path string) (*Config, error) {
	const op = "models.LoadConfig"

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	cfg.applyDefaults()
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("%s: database_url must not be empty", op)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.ServerAddr == "" {
		c.ServerAddr = ":8080"
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 5
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.LeaseSeconds <= 0 {
		c.LeaseSeconds = 120
	}
	if c.ReaperSeconds <= 0 {
		c.ReaperSeconds = 60
	}
	if c.ProviderTimeout <= 0 {
		c.ProviderTimeout = 30
	}
	if c.CacheTTLSeconds <= 0 {
		c.CacheTTLSeconds = 60
	}
	if c.DailyManualLimit <= 0 {
		c.DailyManualLimit = 50
	}
	if c.DailyTextLimit <= 0 {
		c.DailyTextLimit = 20
	}
	if c.DailyImageLimit <= 0 {
		c.DailyImageLimit = 20
	}
}
