package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete relay configuration
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Control ControlConfig `yaml:"control"`
	Media   MediaConfig   `yaml:"media"`
	HTTP    HTTPConfig    `yaml:"http"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig contains the listening endpoints
type ServerConfig struct {
	BindAddress string `yaml:"bind_address"`
	ControlPort int    `yaml:"control_port"` // TCP
	MediaPort   int    `yaml:"media_port"`   // UDP
}

// ControlConfig contains control channel parameters
type ControlConfig struct {
	MaxFrameBytes          int     `yaml:"max_frame_bytes"`
	SendTimeout            float64 `yaml:"send_timeout"`     // seconds, 0 disables
	RegisterTimeout        float64 `yaml:"register_timeout"` // seconds, 0 disables
	EnforcePresenterFrames bool    `yaml:"enforce_presenter_frames"`
}

// MediaConfig contains media relay parameters
type MediaConfig struct {
	BufferSize   int  `yaml:"buffer_size"` // socket receive buffer
	VerifySource bool `yaml:"verify_source"`
}

// HTTPConfig contains monitoring API server configuration
type HTTPConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
	Enabled bool   `yaml:"enabled"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default returns the configuration used when nothing overrides it
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			BindAddress: "0.0.0.0",
			ControlPort: 5555,
			MediaPort:   5556,
		},
		Control: ControlConfig{
			MaxFrameBytes:   64 << 20,
			SendTimeout:     5,
			RegisterTimeout: 30,
		},
		Media: MediaConfig{
			BufferSize: 1 << 20,
		},
		HTTP: HTTPConfig{
			Port:    8080,
			Address: "127.0.0.1",
			Enabled: false,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// Load builds the configuration from defaults, the YAML file at path (skipped
// when path is empty) and LANRELAY_* environment variables, then validates it.
func Load(path string) (*Config, error) {
	config := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := ApplyEnvironment(config); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate performs validation of every section
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.Control.Validate(); err != nil {
		return fmt.Errorf("control config: %w", err)
	}

	if err := c.Media.Validate(); err != nil {
		return fmt.Errorf("media config: %w", err)
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if s.BindAddress == "" {
		return fmt.Errorf("bind_address cannot be empty")
	}

	if s.ControlPort < 1 || s.ControlPort > 65535 {
		return fmt.Errorf("control_port must be between 1 and 65535, got %d", s.ControlPort)
	}

	if s.MediaPort < 1 || s.MediaPort > 65535 {
		return fmt.Errorf("media_port must be between 1 and 65535, got %d", s.MediaPort)
	}

	return nil
}

// Validate validates control channel configuration
func (c *ControlConfig) Validate() error {
	if c.MaxFrameBytes < 1024 || c.MaxFrameBytes > 1<<30 {
		return fmt.Errorf("max_frame_bytes must be between 1024 and %d, got %d", 1<<30, c.MaxFrameBytes)
	}

	if c.SendTimeout < 0 {
		return fmt.Errorf("send_timeout cannot be negative, got %f", c.SendTimeout)
	}

	if c.RegisterTimeout < 0 {
		return fmt.Errorf("register_timeout cannot be negative, got %f", c.RegisterTimeout)
	}

	return nil
}

// Validate validates media relay configuration
func (m *MediaConfig) Validate() error {
	if m.BufferSize < 1024 {
		return fmt.Errorf("buffer_size must be at least 1024 bytes, got %d", m.BufferSize)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}
	}

	return nil
}

// Validate validates logging configuration. Output accepts stdout, stderr
// or a file path.
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	return nil
}

// GetSendTimeout returns the per-recipient write deadline
func (c *ControlConfig) GetSendTimeout() time.Duration {
	return time.Duration(c.SendTimeout * float64(time.Second))
}

// GetRegisterTimeout returns how long a new connection may take to register
func (c *ControlConfig) GetRegisterTimeout() time.Duration {
	return time.Duration(c.RegisterTimeout * float64(time.Second))
}

// ControlAddress returns the TCP listen address
func (s *ServerConfig) ControlAddress() string {
	return fmt.Sprintf("%s:%d", s.BindAddress, s.ControlPort)
}

// MediaAddress returns the UDP listen address
func (s *ServerConfig) MediaAddress() string {
	return fmt.Sprintf("%s:%d", s.BindAddress, s.MediaPort)
}

// ListenAddress returns the monitoring API listen address
func (h *HTTPConfig) ListenAddress() string {
	return fmt.Sprintf("%s:%d", h.Address, h.Port)
}
