package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const (
	DefaultDataDir = ".mcpbridge"
	ConfigFileName = "mcpbridge.json"

	// EnvSessionSecret signs anonymous session tokens.
	EnvSessionSecret = "MCPBRIDGE_SESSION_SECRET"
)

// Load builds the configuration from defaults, an optional JSON config
// file, environment variables and bound CLI flags.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	setupViper()

	configPath := viper.GetString("config")
	if configPath == "" {
		configPath = findConfigFile()
	}
	if configPath != "" {
		if err := loadConfigFile(configPath, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.DataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(homeDir, DefaultDataDir)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", cfg.DataDir, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// setupViper configures viper with environment variable handling
func setupViper() {
	viper.SetEnvPrefix("MCPBRIDGE")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	viper.SetDefault("listen", "127.0.0.1:8080")
	viper.SetDefault("public-base-url", "http://127.0.0.1:8080")
	viper.SetDefault("client-name", "MCP Bridge")
	viper.SetDefault("config", "")
}

// findConfigFile looks for the config file in the working directory and
// the data directory.
func findConfigFile() string {
	locations := []string{ConfigFileName}
	if homeDir, err := os.UserHomeDir(); err == nil {
		locations = append(locations, filepath.Join(homeDir, DefaultDataDir, ConfigFileName))
	}
	for _, location := range locations {
		if _, err := os.Stat(location); err == nil {
			return location
		}
	}
	return ""
}

// loadConfigFile loads configuration from a JSON file. An empty file is
// treated as no configuration, so --config=/dev/null means defaults only.
func loadConfigFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variables that must win over the
// config file, plus secrets that never live in the file at all.
func applyEnvOverrides(cfg *Config) {
	if value := os.Getenv("MCPBRIDGE_LISTEN"); value != "" {
		cfg.Listen = value
	}
	if value := os.Getenv("MCPBRIDGE_DATA"); value != "" {
		cfg.DataDir = value
	}
	if value := os.Getenv("MCPBRIDGE_PUBLIC_BASE_URL"); value != "" {
		cfg.PublicBaseURL = value
	}
	cfg.SessionSecret = os.Getenv(EnvSessionSecret)

	if cfg.Broker == nil {
		cfg.Broker = &BrokerConfig{}
	}
	if value := os.Getenv("MCPBRIDGE_BROKER_CLIENT_ID"); value != "" {
		cfg.Broker.ClientID = value
	}
	if value := os.Getenv("MCPBRIDGE_BROKER_CLIENT_SECRET"); value != "" {
		cfg.Broker.ClientSecret = value
	}
}

// SaveConfig writes the configuration to a file with owner-only
// permissions.
func SaveConfig(cfg *Config, path string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// LoadFromFile loads configuration from a specific file path.
func LoadFromFile(configPath string) (*Config, error) {
	cfg := DefaultConfig()
	if configPath != "" {
		if err := loadConfigFile(configPath, cfg); err != nil {
			return nil, err
		}
	}
	applyEnvOverrides(cfg)
	if cfg.DataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(homeDir, DefaultDataDir)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", cfg.DataDir, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
