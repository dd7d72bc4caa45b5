package config

import (
	"fmt"
	"time"
)

// Config represents the main contactd configuration
type Config struct {
	// Server
	Server ServerConfig `json:"server" mapstructure:"server"`

	// Models
	Models ModelsConfig `json:"models" mapstructure:"models"`

	// Database (call-log store queried by the data agent)
	Database DatabaseConfig `json:"database" mapstructure:"database"`

	// Queries (report template catalog)
	Queries QueriesConfig `json:"queries" mapstructure:"queries"`

	// Sessions
	Sessions SessionsConfig `json:"sessions" mapstructure:"sessions"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// ServerConfig holds HTTP/WebSocket server settings
type ServerConfig struct {
	Port           int           `json:"port" mapstructure:"port"`
	RequestTimeout time.Duration `json:"request_timeout" mapstructure:"request_timeout"`
	QueueLimit     int           `json:"queue_limit" mapstructure:"queue_limit"`
}

// ModelsConfig holds LLM model selection and credentials
type ModelsConfig struct {
	Provider        string   `json:"provider" mapstructure:"provider"`
	Primary         string   `json:"primary" mapstructure:"primary"`
	Fallbacks       []string `json:"fallbacks" mapstructure:"fallbacks"`
	Temperature     float64  `json:"temperature" mapstructure:"temperature"`
	MaxTokens       int      `json:"max_tokens" mapstructure:"max_tokens"`
	OpenAIAPIKey    string   `json:"openai_api_key" mapstructure:"openai_api_key"`
	AnthropicAPIKey string   `json:"anthropic_api_key" mapstructure:"anthropic_api_key"`
}

// DatabaseConfig holds the call-log database connection settings
type DatabaseConfig struct {
	DSN          string        `json:"dsn" mapstructure:"dsn"`
	MaxOpenConns int           `json:"max_open_conns" mapstructure:"max_open_conns"`
	MaxIdleConns int           `json:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnLifetime time.Duration `json:"conn_lifetime" mapstructure:"conn_lifetime"`
}

// QueriesConfig holds the report template catalog settings
type QueriesConfig struct {
	ConfigPath string `json:"config_path" mapstructure:"config_path"`
	Watch      bool   `json:"watch" mapstructure:"watch"`
}

// SessionsConfig holds session lifecycle settings
type SessionsConfig struct {
	RootDir         string        `json:"root_dir" mapstructure:"root_dir"`
	MemoryDir       string        `json:"memory_dir" mapstructure:"memory_dir"`
	IdleAge         time.Duration `json:"idle_age" mapstructure:"idle_age"`
	CleanupSchedule string        `json:"cleanup_schedule" mapstructure:"cleanup_schedule"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Console   bool   `json:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:           8028,
			RequestTimeout: 2 * time.Minute,
			QueueLimit:     256,
		},
		Models: ModelsConfig{
			Provider:    "openai",
			Primary:     "gpt-5-mini",
			Fallbacks:   []string{"gpt-4o-mini", "gpt-4o", "gpt-4"},
			Temperature: 0.3,
			MaxTokens:   4096,
		},
		Database: DatabaseConfig{
			MaxOpenConns: 8,
			MaxIdleConns: 2,
			ConnLifetime: 5 * time.Minute,
		},
		Queries: QueriesConfig{
			Watch: true,
		},
		Sessions: SessionsConfig{
			IdleAge:         24 * time.Hour,
			CleanupSchedule: "@hourly",
		},
		Logging: LoggingConfig{
			Level:     "info",
			Console:   true,
			Pretty:    true,
			Redaction: true,
		},
	}
}

// Validate checks the configuration for missing or inconsistent values
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive")
	}
	if c.Server.QueueLimit <= 0 {
		return fmt.Errorf("queue limit must be positive")
	}
	if c.Models.Primary == "" {
		return fmt.Errorf("models.primary is required")
	}
	switch c.Models.Provider {
	case "openai":
		if c.Models.OpenAIAPIKey == "" {
			return fmt.Errorf("models.openai_api_key is required for provider openai")
		}
	case "anthropic":
		if c.Models.AnthropicAPIKey == "" {
			return fmt.Errorf("models.anthropic_api_key is required for provider anthropic")
		}
	default:
		return fmt.Errorf("unsupported provider: %s", c.Models.Provider)
	}
	if c.Models.Temperature < 0 || c.Models.Temperature > 1 {
		return fmt.Errorf("temperature must be between 0 and 1")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.Queries.ConfigPath == "" {
		return fmt.Errorf("queries.config_path is required")
	}
	if c.Sessions.IdleAge <= 0 {
		return fmt.Errorf("sessions.idle_age must be positive")
	}
	return nil
}
