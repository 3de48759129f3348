// Package config loads the gateway's server configuration, adapted
// from the teacher's YAML file loader (gopkg.in/yaml.v3) but with the
// environment variables from spec §6 as the primary contract:
// TUNNEL_DOMAIN, SECURE, REDIS_URL, LOG_LEVEL. An optional YAML file
// can supply the ambient listen address/port; environment variables
// always win when both are set.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ServerConfig holds the gateway's runtime configuration.
type ServerConfig struct {
	// Domain is TUNNEL_DOMAIN, the apex host. Required.
	Domain string `yaml:"domain,omitempty"`
	// Secure selects https in advertised tunnel URLs (SECURE).
	Secure bool `yaml:"secure,omitempty"`
	// RedisURL selects the broker transport when non-empty
	// (REDIS_URL); empty selects the in-memory transport.
	RedisURL string `yaml:"redis_url,omitempty"`
	// LogLevel holds LOG_LEVEL ("info" when unset). No component reads
	// it; logging output is the same at every level.
	LogLevel string `yaml:"log_level,omitempty"`

	// Port and Host are ambient listen settings, not part of the
	// wire contract in spec §6, but needed to actually run a server.
	Port int    `yaml:"port,omitempty"`
	Host string `yaml:"host,omitempty"`
}

// Validate checks the fields Load cannot fill in from the
// environment.
func (c *ServerConfig) Validate() error {
	if c.Domain == "" {
		return fmt.Errorf("TUNNEL_DOMAIN is required")
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d (must be 0-65535)", c.Port)
	}
	return nil
}

// Load builds a ServerConfig from an optional YAML file (for Port and
// Host defaults) overlaid with environment variables, which always
// take precedence for the fields spec §6 names.
func Load(path string) (*ServerConfig, error) {
	cfg := &ServerConfig{Port: 8080, Host: "0.0.0.0"}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse file: %w", err)
		}
	}

	if v := os.Getenv("TUNNEL_DOMAIN"); v != "" {
		cfg.Domain = v
	}
	if v := os.Getenv("SECURE"); v != "" {
		cfg.Secure = truthy(v)
	}
	if v, ok := os.LookupEnv("REDIS_URL"); ok {
		cfg.RedisURL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	return cfg, nil
}

// truthy reports false for "0" and for "false" or "no" spelled in
// lowercase, Titlecase or UPPERCASE; every other value, including the
// empty string, is true. Load only calls it for a non-empty SECURE.
func truthy(v string) bool {
	switch v {
	case "0", "false", "False", "FALSE", "no", "No", "NO":
		return false
	default:
		return true
	}
}

// FindConfigFile looks for tunneld.yaml in common locations, mirroring
// the teacher's hookshot.yaml discovery.
func FindConfigFile() string {
	if _, err := os.Stat("tunneld.yaml"); err == nil {
		return "tunneld.yaml"
	}
	if _, err := os.Stat("tunneld.yml"); err == nil {
		return "tunneld.yml"
	}

	home, err := os.UserHomeDir()
	if err == nil {
		p := filepath.Join(home, ".config", "tunneld", "config.yaml")
		if _, err := os.Stat(p); err == nil {
			return p
		}
		p = filepath.Join(home, ".tunneld.yaml")
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}

	return ""
}
