package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config represents the main loomd configuration
type Config struct {
	// Data directory; the SQLite database and logs live here
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// Providers holds LLM provider credentials
	Providers ProvidersConfig `json:"providers" mapstructure:"providers"`

	// Engine bounds executor runs
	Engine EngineConfig `json:"engine" mapstructure:"engine"`

	// Gateway configuration
	Gateway GatewayConfig `json:"gateway" mapstructure:"gateway"`

	// Webhook configuration
	Webhook WebhookConfig `json:"webhook" mapstructure:"webhook"`

	// Scheduler configuration
	Scheduler SchedulerConfig `json:"scheduler" mapstructure:"scheduler"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`
}

// ProvidersConfig holds LLM provider configuration
type ProvidersConfig struct {
	Default   string         `json:"default" mapstructure:"default"` // anthropic or openai
	Anthropic ProviderConfig `json:"anthropic" mapstructure:"anthropic"`
	OpenAI    ProviderConfig `json:"openai" mapstructure:"openai"`
}

// ProviderConfig is one provider's credentials and default model
type ProviderConfig struct {
	APIKey string `json:"api_key" mapstructure:"api_key"`
	Model  string `json:"model" mapstructure:"model"`
}

// EngineConfig bounds a single run
type EngineConfig struct {
	MaxTurns     int `json:"max_turns" mapstructure:"max_turns"`
	ModelTimeout int `json:"model_timeout" mapstructure:"model_timeout"` // seconds
	ToolTimeout  int `json:"tool_timeout" mapstructure:"tool_timeout"`   // seconds
}

// GatewayConfig holds the WebSocket gateway configuration
type GatewayConfig struct {
	Port int `json:"port" mapstructure:"port"`
}

// WebhookConfig holds the webhook receiver configuration
type WebhookConfig struct {
	Enabled            bool   `json:"enabled" mapstructure:"enabled"`
	Host               string `json:"host" mapstructure:"host"`
	Port               int    `json:"port" mapstructure:"port"`
	Secret             string `json:"secret" mapstructure:"secret"`
	RateLimitPerMinute int    `json:"rate_limit_per_minute" mapstructure:"rate_limit_per_minute"`
}

// SchedulerConfig holds the ambient scheduler configuration
type SchedulerConfig struct {
	TickInterval int `json:"tick_interval" mapstructure:"tick_interval"` // seconds
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Providers: ProvidersConfig{
			Default:   "anthropic",
			Anthropic: ProviderConfig{Model: "claude-sonnet-4-20250514"},
			OpenAI:    ProviderConfig{Model: "gpt-4o"},
		},
		Engine: EngineConfig{
			MaxTurns:     10,
			ModelTimeout: 60,
			ToolTimeout:  30,
		},
		Gateway: GatewayConfig{
			Port: 8080,
		},
		Webhook: WebhookConfig{
			Enabled:            false,
			Host:               "0.0.0.0",
			Port:               3001,
			RateLimitPerMinute: 100,
		},
		Scheduler: SchedulerConfig{
			TickInterval: 30,
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
	}
}

// TickInterval returns the scheduler cadence as a duration.
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.Scheduler.TickInterval) * time.Second
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	switch c.Providers.Default {
	case "anthropic":
		if c.Providers.Anthropic.APIKey == "" {
			return fmt.Errorf("anthropic api_key is required when it is the default provider")
		}
	case "openai":
		if c.Providers.OpenAI.APIKey == "" {
			return fmt.Errorf("openai api_key is required when it is the default provider")
		}
	default:
		return fmt.Errorf("invalid default provider %q (must be: anthropic, openai)", c.Providers.Default)
	}

	if c.Engine.MaxTurns <= 0 {
		return fmt.Errorf("engine max_turns must be positive")
	}
	if c.Gateway.Port <= 0 {
		return fmt.Errorf("invalid gateway port: %d", c.Gateway.Port)
	}
	if c.Webhook.Enabled {
		if c.Webhook.Secret == "" {
			return fmt.Errorf("webhook secret is required when the webhook receiver is enabled")
		}
		if c.Webhook.Port <= 0 {
			return fmt.Errorf("invalid webhook port: %d", c.Webhook.Port)
		}
	}
	if c.Scheduler.TickInterval <= 0 {
		return fmt.Errorf("scheduler tick_interval must be positive")
	}
	if c.Logging.Level != "" {
		switch c.Logging.Level {
		case "trace", "debug", "info", "warn", "error":
		default:
			return fmt.Errorf("invalid log level: %s", c.Logging.Level)
		}
	}
	return nil
}
