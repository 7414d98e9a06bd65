// Package config provides configuration management for the tunnel. It
// handles loading and parsing YAML configuration files and gives structured
// access to server and client settings.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the application's configuration, loaded from a YAML
// file. The server and client halves share one file; each mode reads the
// sections it needs.
type Config struct {
	// Port is the public listen port in serve mode.
	Port int `yaml:"port" json:"port"`

	// ConnectPath is the WebSocket path clients dial in on. Defaults to
	// /_connect.
	ConnectPath string `yaml:"connect-path" json:"connect-path"`

	// APIKeys is the list of keys accepted at registration time.
	APIKeys []string `yaml:"api-keys" json:"api-keys"`

	// Debug enables debug-level logging.
	Debug bool `yaml:"debug" json:"debug"`

	// LoggingToFile routes logs to rotating files instead of stdout.
	LoggingToFile bool `yaml:"logging-to-file" json:"logging-to-file"`

	// LogDir overrides the directory rotating log files are written to.
	LogDir string `yaml:"log-dir" json:"log-dir"`

	// Client configures connect mode.
	Client ClientConfig `yaml:"client" json:"client"`
}

// ClientConfig holds the connect-mode settings.
type ClientConfig struct {
	// Server is the tunnel server base URL.
	Server string `yaml:"server" json:"server"`

	// APIKey authenticates the domain claim.
	APIKey string `yaml:"api-key" json:"api-key"`

	// Domain is the host this client claims.
	Domain string `yaml:"domain" json:"domain"`

	// LocalAddr is the address tunnelled requests are replayed against.
	LocalAddr string `yaml:"local-addr" json:"local-addr"`
}

// LoadConfig reads and parses the YAML file at path, applying defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// LoadConfigOptional behaves like LoadConfig but returns defaults when the
// file is absent and optional is true.
func LoadConfigOptional(path string, optional bool) (*Config, error) {
	cfg, err := LoadConfig(path)
	if err != nil && optional && errors.Is(err, fs.ErrNotExist) {
		cfg = &Config{}
		cfg.applyDefaults()
		return cfg, nil
	}
	return cfg, err
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = 8080
	}
	if strings.TrimSpace(c.ConnectPath) == "" {
		c.ConnectPath = "/_connect"
	}
}
