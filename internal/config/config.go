// Package config loads the foresight YAML configuration.
//
//	browser:
//	  remote: ""
//	  stealth: headless
//	url: https://shop.example/checkout
//	watches:
//	  - component: menu
//	    selector: ".menu-item"
//	    kinds: [hover, focus]
//	collaborator:
//	  endpoint: http://127.0.0.1:9000/precompute
//	ledger:
//	  path: foresight-ledger.db
//	observability:
//	  metrics_interval: 15s
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/foresight/engine"
	"github.com/hazyhaar/foresight/ledger"
)

// Config is the top-level foresight configuration.
type Config struct {
	URL          string             `yaml:"url"`
	Browser      BrowserConfig      `yaml:"browser"`
	Engine       engine.Config      `yaml:"engine"`
	Watches      []engine.Watch     `yaml:"watches"`
	Collaborator CollaboratorConfig `yaml:"collaborator"`
	Ledger       ledger.Config      `yaml:"ledger"`
	Server       ServerConfig       `yaml:"server"`
	LogLevel     string             `yaml:"log_level"`

	Observability ObservabilityConfig `yaml:"observability"`
}

// BrowserConfig controls the Chrome instance behind a live page.
type BrowserConfig struct {
	Remote           string        `yaml:"remote"`  // DevTools WebSocket URL; empty launches Chrome
	Stealth          string        `yaml:"stealth"` // headless | headful | none
	NavigateTimeout  time.Duration `yaml:"navigate_timeout"`
	ResourceBlocking []string      `yaml:"resource_blocking"`
}

// CollaboratorConfig points at the renderer that precomputes patches.
type CollaboratorConfig struct {
	Endpoint         string        `yaml:"endpoint"`
	AttemptTimeout   time.Duration `yaml:"attempt_timeout"`
	Retries          int           `yaml:"retries"`
	RetryBackoff     time.Duration `yaml:"retry_backoff"`
	BreakerThreshold int           `yaml:"breaker_threshold"`
	BreakerReset     time.Duration `yaml:"breaker_reset"`
}

// ObservabilityConfig controls the metrics and heartbeat written beside the
// ledger tables.
type ObservabilityConfig struct {
	MetricsInterval   time.Duration `yaml:"metrics_interval"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// ServerConfig controls the HTTP ingress.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// LoadFile reads a YAML configuration file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes YAML configuration and applies defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

func (c *Config) applyDefaults() {
	if c.Browser.Stealth == "" {
		c.Browser.Stealth = "headless"
	}
	if c.Browser.NavigateTimeout <= 0 {
		c.Browser.NavigateTimeout = 30 * time.Second
	}
	if c.Collaborator.AttemptTimeout <= 0 {
		c.Collaborator.AttemptTimeout = time.Second
	}
	if c.Collaborator.Retries < 0 {
		c.Collaborator.Retries = 0
	}
	if c.Collaborator.RetryBackoff <= 0 {
		c.Collaborator.RetryBackoff = 100 * time.Millisecond
	}
	if c.Collaborator.BreakerThreshold <= 0 {
		c.Collaborator.BreakerThreshold = 5
	}
	if c.Collaborator.BreakerReset <= 0 {
		c.Collaborator.BreakerReset = 10 * time.Second
	}
	if c.Ledger.Path == "" {
		c.Ledger.Path = "foresight-ledger.db"
	}
	if c.Observability.MetricsInterval <= 0 {
		c.Observability.MetricsInterval = 15 * time.Second
	}
	if c.Observability.HeartbeatInterval <= 0 {
		c.Observability.HeartbeatInterval = 15 * time.Second
	}
	if c.Server.Addr == "" {
		c.Server.Addr = "127.0.0.1:8420"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

func (c *Config) validate() error {
	switch c.Browser.Stealth {
	case "headless", "headful", "none":
	default:
		return fmt.Errorf("config: browser.stealth %q: want headless, headful or none", c.Browser.Stealth)
	}
	for i, w := range c.Watches {
		if w.ComponentID == "" || w.Selector == "" {
			return fmt.Errorf("config: watches[%d]: component and selector are required", i)
		}
		if len(w.Kinds) == 0 {
			return fmt.Errorf("config: watches[%d]: no kinds", i)
		}
	}
	if err := c.Engine.Predictor.Validate(); err != nil {
		return fmt.Errorf("config: predictor: %w", err)
	}
	return nil
}
