package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

// Load loads the configuration from file
func (l *Loader) Load() (*Config, error) {
	// Determine config path
	configPath := l.configPath
	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		configPath = filepath.Join(home, ".contactd", "contactd.json")
	}

	cfg := DefaultConfig()

	// Setup viper
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	// Read environment variables
	v.SetEnvPrefix("CONTACTD")
	v.AutomaticEnv()

	// Read config file if it exists
	if _, err := os.Stat(configPath); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := v.Unmarshal(cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	}

	// Environment overrides for credentials
	if key := os.Getenv("CONTACTD_OPENAI_API_KEY"); key != "" {
		cfg.Models.OpenAIAPIKey = key
	}
	if key := os.Getenv("CONTACTD_ANTHROPIC_API_KEY"); key != "" {
		cfg.Models.AnthropicAPIKey = key
	}
	if dsn := os.Getenv("CONTACTD_DATABASE_DSN"); dsn != "" {
		cfg.Database.DSN = dsn
	}

	// Set data directory if not specified
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, ".contactd")
	}

	// Derive default paths from the data directory
	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(cfg.DataDir, "contactd.log")
	}
	if cfg.Sessions.RootDir == "" {
		cfg.Sessions.RootDir = filepath.Join(cfg.DataDir, "sessions")
	}
	if cfg.Sessions.MemoryDir == "" {
		cfg.Sessions.MemoryDir = filepath.Join(cfg.DataDir, "memory")
	}
	if cfg.Queries.ConfigPath == "" {
		cfg.Queries.ConfigPath = filepath.Join(cfg.DataDir, "queries.json")
	}

	return cfg, nil
}

// Save saves the configuration to file
func (l *Loader) Save(cfg *Config) error {
	configPath := l.configPath
	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		configPath = filepath.Join(home, ".contactd", "contactd.json")
	}

	// Ensure directory exists
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	v.Set("server", cfg.Server)
	v.Set("models", cfg.Models)
	v.Set("database", cfg.Database)
	v.Set("queries", cfg.Queries)
	v.Set("sessions", cfg.Sessions)
	v.Set("logging", cfg.Logging)
	v.Set("data_dir", cfg.DataDir)

	if err := v.WriteConfig(); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
