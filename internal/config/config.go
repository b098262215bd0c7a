// Package config defines the bridge configuration and its loading rules:
// JSON config file, MCPBRIDGE_* environment variables and CLI flags, in
// ascending precedence.
package config

import (
	"fmt"
	"net/url"
	"strings"
)

// LogConfig holds logging configuration
type LogConfig struct {
	Level         string `json:"level" mapstructure:"level"`
	EnableFile    bool   `json:"enable_file" mapstructure:"enable_file"`
	EnableConsole bool   `json:"enable_console" mapstructure:"enable_console"`
	Filename      string `json:"filename" mapstructure:"filename"`
	LogDir        string `json:"log_dir,omitempty" mapstructure:"log_dir"`
	MaxSize       int    `json:"max_size" mapstructure:"max_size"`       // megabytes
	MaxBackups    int    `json:"max_backups" mapstructure:"max_backups"` // files
	MaxAge        int    `json:"max_age" mapstructure:"max_age"`         // days
	Compress      bool   `json:"compress" mapstructure:"compress"`
	JSONFormat    bool   `json:"json_format" mapstructure:"json_format"`
}

// BrokerConfig configures the optional fixed-endpoint identity provider.
// The broker is disabled while ClientID is empty.
type BrokerConfig struct {
	AuthorizeEndpoint string `json:"authorize_endpoint" mapstructure:"authorize_endpoint"`
	TokenEndpoint     string `json:"token_endpoint" mapstructure:"token_endpoint"`
	UserinfoEndpoint  string `json:"userinfo_endpoint" mapstructure:"userinfo_endpoint"`
	ClientID          string `json:"client_id" mapstructure:"client_id"`
	ClientSecret      string `json:"client_secret,omitempty" mapstructure:"client_secret"`
	Scope             string `json:"scope,omitempty" mapstructure:"scope"`
}

// Config is the full bridge configuration
type Config struct {
	Listen  string `json:"listen" mapstructure:"listen"`
	DataDir string `json:"data_dir" mapstructure:"data-dir"`

	// PublicBaseURL is the externally reachable origin of this bridge,
	// used to build the relay URL and OAuth redirect URIs.
	PublicBaseURL string `json:"public_base_url" mapstructure:"public-base-url"`

	// ClientName is presented to authorization servers during dynamic
	// client registration.
	ClientName string `json:"client_name" mapstructure:"client-name"`

	// SecureCookies marks session cookies Secure. Enable behind TLS.
	SecureCookies bool `json:"secure_cookies" mapstructure:"secure-cookies"`

	// SessionSecret signs anonymous session tokens. Loaded from
	// MCPBRIDGE_SESSION_SECRET, never from the config file.
	SessionSecret string `json:"-" mapstructure:"-"`

	Broker  *BrokerConfig `json:"broker,omitempty" mapstructure:"broker"`
	Logging *LogConfig    `json:"logging,omitempty" mapstructure:"logging"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Listen:        "127.0.0.1:8080",
		PublicBaseURL: "http://127.0.0.1:8080",
		ClientName:    "MCP Bridge",
		Logging: &LogConfig{
			Level:         "info",
			EnableFile:    false,
			EnableConsole: true,
			Filename:      "main.log",
			MaxSize:       10,
			MaxBackups:    5,
			MaxAge:        30,
			Compress:      true,
			JSONFormat:    false,
		},
	}
}

// RelayURL returns the absolute URL of the streaming relay endpoint.
func (c *Config) RelayURL() string {
	return strings.TrimRight(c.PublicBaseURL, "/") + "/proxy"
}

// RedirectURI returns the OAuth callback URL handed to authorization
// servers.
func (c *Config) RedirectURI() string {
	return strings.TrimRight(c.PublicBaseURL, "/") + "/oauth/callback"
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.PublicBaseURL == "" {
		return fmt.Errorf("public base URL is required")
	}
	u, err := url.Parse(c.PublicBaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("public base URL must be an absolute http(s) URL: %q", c.PublicBaseURL)
	}
	if c.Broker != nil && c.Broker.ClientID != "" {
		if c.Broker.AuthorizeEndpoint == "" || c.Broker.TokenEndpoint == "" {
			return fmt.Errorf("broker requires authorize_endpoint and token_endpoint")
		}
	}
	if c.Logging != nil {
		switch c.Logging.Level {
		case "", "trace", "debug", "info", "warn", "error":
		default:
			return fmt.Errorf("invalid log level: %q", c.Logging.Level)
		}
	}
	return nil
}
