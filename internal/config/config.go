// Package config provides configuration parsing and validation for
// glasschat.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/glasschat/glasschat/internal/transport"
)

// Config represents the complete glasschat configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Client  ClientConfig  `yaml:"client"`
	MITM    MITMConfig    `yaml:"mitm"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// ServerConfig configures the chat server.
type ServerConfig struct {
	// Listen is the address the server binds, host:port.
	Listen string `yaml:"listen"`

	// Transport selects the byte stream: "tcp" or "ws".
	Transport string `yaml:"transport"`

	// Database is the path to the sqlite user directory.
	Database string `yaml:"database"`

	// PrimeBits is the bit length of the Diffie-Hellman modulus.
	PrimeBits int `yaml:"prime_bits"`

	// RootBits is the bit length of primitive-root candidates.
	RootBits int `yaml:"root_bits"`

	// AcceptRate limits inbound connections per second; zero
	// disables the limiter.
	AcceptRate float64 `yaml:"accept_rate"`

	// AcceptBurst is the limiter's burst size.
	AcceptBurst int `yaml:"accept_burst"`
}

// ClientConfig configures the interactive client.
type ClientConfig struct {
	// Server is the address to connect to, host:port.
	Server string `yaml:"server"`

	// Transport selects the byte stream: "tcp" or "ws".
	Transport string `yaml:"transport"`
}

// MITMConfig configures the splice proxy.
type MITMConfig struct {
	// Listen is the address the proxy binds for real clients.
	Listen string `yaml:"listen"`

	// Upstream is the address of the real server.
	Upstream string `yaml:"upstream"`

	// Transport selects the byte stream on both legs.
	Transport string `yaml:"transport"`
}

// LogConfig configures logging output.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// MetricsConfig configures the optional Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// DefaultPort is the protocol's default TCP port.
const DefaultPort = 4433

// DefaultConfig returns a configuration with all defaults applied.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:      fmt.Sprintf("127.0.0.1:%d", DefaultPort),
			Transport:   string(transport.KindTCP),
			Database:    "users.sqlite",
			PrimeBits:   64,
			RootBits:    32,
			AcceptRate:  0,
			AcceptBurst: 8,
		},
		Client: ClientConfig{
			Server:    fmt.Sprintf("127.0.0.1:%d", DefaultPort),
			Transport: string(transport.KindTCP),
		},
		MITM: MITMConfig{
			Listen:    fmt.Sprintf("127.0.0.1:%d", DefaultPort),
			Transport: string(transport.KindTCP),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Listen:  "127.0.0.1:9109",
		},
	}
}

// Load reads and validates a configuration file, applying defaults for
// omitted fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %q: %w", path, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %q: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %q: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault loads the config at path, or returns defaults when path
// is empty or does not exist.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}
	return Load(path)
}

// Validate checks field ranges and transport names.
func (c *Config) Validate() error {
	if _, err := transport.ParseKind(c.Server.Transport); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if _, err := transport.ParseKind(c.Client.Transport); err != nil {
		return fmt.Errorf("client: %w", err)
	}
	if _, err := transport.ParseKind(c.MITM.Transport); err != nil {
		return fmt.Errorf("mitm: %w", err)
	}

	if c.Server.PrimeBits < 16 || c.Server.PrimeBits > 512 {
		return fmt.Errorf("server: prime_bits %d outside [16, 512]", c.Server.PrimeBits)
	}
	if c.Server.RootBits < 2 || c.Server.RootBits > c.Server.PrimeBits {
		return fmt.Errorf("server: root_bits %d outside [2, prime_bits]", c.Server.RootBits)
	}
	if c.Server.AcceptRate < 0 {
		return fmt.Errorf("server: accept_rate must not be negative")
	}
	if c.Server.AcceptRate > 0 && c.Server.AcceptBurst < 1 {
		return fmt.Errorf("server: accept_burst must be at least 1 when accept_rate is set")
	}
	if c.Server.Database == "" {
		return fmt.Errorf("server: database path must not be empty")
	}
	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		return fmt.Errorf("metrics: listen address required when enabled")
	}
	return nil
}
