/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package mcphost

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"chainguard.dev/toolbridge/mcphost/mcpconn"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "5m" parse naturally.
type Duration time.Duration

// UnmarshalYAML parses a Go duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ServerConfig is one tool server entry in the host configuration file.
type ServerConfig struct {
	DisplayName string            `yaml:"display_name"`
	Description string            `yaml:"description"`
	Transport   string            `yaml:"transport"`
	Command     string            `yaml:"command"`
	Args        []string          `yaml:"args"`
	Env         map[string]string `yaml:"env"`
	URL         string            `yaml:"url"`
	Headers     map[string]string `yaml:"headers"`
	// Enabled defaults to true when omitted.
	Enabled *bool `yaml:"enabled"`
}

// IsEnabled reports whether the entry should be connected.
func (s ServerConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

func (s ServerConfig) transportConfig() mcpconn.TransportConfig {
	return mcpconn.TransportConfig{
		Transport: s.Transport,
		Command:   s.Command,
		Args:      s.Args,
		Env:       s.Env,
		URL:       s.URL,
		Headers:   s.Headers,
	}
}

// Defaults are host-wide knobs applied to every server.
type Defaults struct {
	ToolCacheTTL   Duration `yaml:"tool_cache_ttl"`
	ExecuteTimeout Duration `yaml:"execute_timeout"`
	MaxRounds      int      `yaml:"max_rounds"`
}

// Config is the host configuration file.
type Config struct {
	Servers  map[string]ServerConfig `yaml:"servers"`
	Defaults Defaults                `yaml:"defaults"`
}

// LoadConfig reads and parses the configuration file at path. Invalid server
// entries are dropped and reported in the joined error; the returned config
// holds every valid entry and is usable even when the error is non-nil.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %q: %w", path, err)
	}
	return ParseConfig(data)
}

// ParseConfig parses raw YAML configuration. See LoadConfig for the
// per-entry error contract.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	var errs []error
	for id, sc := range cfg.Servers {
		// The id becomes the namespace prefix of every tool the server
		// exposes; an id containing the separator would let two servers
		// produce the same namespaced name and misroute calls.
		if strings.Contains(id, NameSeparator) {
			errs = append(errs, fmt.Errorf("server %q: id must not contain %q", id, NameSeparator))
			delete(cfg.Servers, id)
			continue
		}
		if err := sc.transportConfig().Validate(); err != nil {
			errs = append(errs, fmt.Errorf("server %q: %w", id, err))
			delete(cfg.Servers, id)
		}
	}
	return &cfg, errors.Join(errs...)
}
