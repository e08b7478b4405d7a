package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Env variable names kept compatible with earlier deployments of the broker.
const (
	EnvHost = "MESHTASTIC_HOST"
	EnvBind = "MESHTASTIC_BIND"
	EnvPort = "MESHTASTIC_BRKPORT"
)

type Config struct {
	Upstream UpstreamConfig `yaml:"upstream"`
	Server   ServerConfig   `yaml:"server"`
	Timing   TimingConfig   `yaml:"timing"`
	Verbose  bool           `yaml:"verbose"`
}

type UpstreamConfig struct {
	// Host is the address of the mesh node exposing the stream API.
	Host string `yaml:"host"`
}

type ServerConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
	// HTTPPort serves the WebSocket mirror, /healthz and /metrics.
	// Zero disables the HTTP listener.
	HTTPPort int `yaml:"http_port"`
}

type TimingConfig struct {
	Heartbeat time.Duration `yaml:"heartbeat"`
	Priming   time.Duration `yaml:"priming"`
	Backoff   time.Duration `yaml:"backoff"`
}

// Default returns the built-in configuration with environment overrides
// applied. Flag handling in cmd/broker layers on top of this.
func Default() *Config {
	cfg := &Config{
		Upstream: UpstreamConfig{
			Host: "192.168.1.201",
		},
		Server: ServerConfig{
			Bind:     "127.0.0.1",
			Port:     8765,
			HTTPPort: 8766,
		},
		Timing: TimingConfig{
			Heartbeat: 5 * time.Second,
			Priming:   60 * time.Second,
			Backoff:   3 * time.Second,
		},
	}

	if v := os.Getenv(EnvHost); v != "" {
		cfg.Upstream.Host = v
	}
	if v := os.Getenv(EnvBind); v != "" {
		cfg.Server.Bind = v
	}
	if v := os.Getenv(EnvPort); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}

	return cfg
}

// Load reads a YAML config file over the defaults. A missing file is only an
// error when the path was given explicitly; the implicit default path is
// allowed to be absent.
func Load(path string, required bool) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !required {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid broker port %d", c.Server.Port)
	}
	if c.Server.HTTPPort < 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid http port %d", c.Server.HTTPPort)
	}
	if c.Timing.Heartbeat <= 0 || c.Timing.Priming <= 0 || c.Timing.Backoff <= 0 {
		return fmt.Errorf("timing intervals must be positive")
	}
	return nil
}
