// Package config loads the server configuration file. Every field has a
// working default; command-line flags override the file.
package config

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Config is the full server configuration.
type Config struct {
	Listen ListenConfig      `yaml:"listen"`
	Roles  map[string]string `yaml:"roles"`
	Reader ReaderConfig      `yaml:"reader"`
	Log    LogConfig         `yaml:"log"`
}

// ListenConfig sets the HTTP/WebSocket bind address.
type ListenConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// ReaderConfig tunes reader behaviour.
type ReaderConfig struct {
	// NarrowToISO14443A restricts the reader's polling to ISO 14443-A
	// tags via the PICC operating parameter. Off by default: not every
	// reader model accepts the parameter command.
	NarrowToISO14443A bool `yaml:"narrow-to-iso14443a"`
	// QuietBuzzer silences the reader's buzzer-on-detect once per
	// card-present cycle.
	QuietBuzzer bool `yaml:"quiet-buzzer"`
}

// LogConfig sets logging behaviour.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{
			Host: "0.0.0.0",
			Port: 5000,
		},
		Reader: ReaderConfig{
			QuietBuzzer: true,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads a YAML configuration file over the defaults.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// RoleNames returns the configured role names in a stable order.
func (c *Config) RoleNames() []string {
	names := make([]string, 0, len(c.Roles))
	for name := range c.Roles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks the constraints the server requires.
func (c *Config) Validate() error {
	if c.Listen.Port <= 0 || c.Listen.Port > 65535 {
		return fmt.Errorf("invalid listen port %d", c.Listen.Port)
	}
	if len(c.Roles) != 2 {
		return fmt.Errorf("exactly two roles required, got %d", len(c.Roles))
	}
	for role, match := range c.Roles {
		if match == "" {
			return fmt.Errorf("role %q has an empty reader match", role)
		}
	}
	return nil
}
