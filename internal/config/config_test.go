package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(c *Config)
		errorMsg string
	}{
		{
			name:   "defaults are valid",
			mutate: func(c *Config) {},
		},
		{
			name:     "invalid control port",
			mutate:   func(c *Config) { c.Server.ControlPort = 70000 },
			errorMsg: "control_port must be between 1 and 65535",
		},
		{
			name:     "invalid media port",
			mutate:   func(c *Config) { c.Server.MediaPort = 0 },
			errorMsg: "media_port must be between 1 and 65535",
		},
		{
			name:     "empty bind address",
			mutate:   func(c *Config) { c.Server.BindAddress = "" },
			errorMsg: "bind_address cannot be empty",
		},
		{
			name:     "frame limit too small",
			mutate:   func(c *Config) { c.Control.MaxFrameBytes = 100 },
			errorMsg: "max_frame_bytes must be between",
		},
		{
			name:     "negative send timeout",
			mutate:   func(c *Config) { c.Control.SendTimeout = -1 },
			errorMsg: "send_timeout cannot be negative",
		},
		{
			name:     "media buffer too small",
			mutate:   func(c *Config) { c.Media.BufferSize = 512 },
			errorMsg: "buffer_size must be at least 1024 bytes",
		},
		{
			name: "enabled http without port",
			mutate: func(c *Config) {
				c.HTTP.Enabled = true
				c.HTTP.Port = 0
			},
			errorMsg: "http port must be between 1 and 65535",
		},
		{
			name:   "disabled http ignores port",
			mutate: func(c *Config) { c.HTTP.Port = 0 },
		},
		{
			name:     "invalid log level",
			mutate:   func(c *Config) { c.Logging.Level = "verbose" },
			errorMsg: "level must be one of",
		},
		{
			name:     "invalid log format",
			mutate:   func(c *Config) { c.Logging.Format = "xml" },
			errorMsg: "format must be 'json' or 'text'",
		},
		{
			name:   "log output file path",
			mutate: func(c *Config) { c.Logging.Output = "/var/log/lanrelay.log" },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.errorMsg == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tt.errorMsg)
		})
	}
}

func TestLoadConfig(t *testing.T) {
	configContent := `
server:
  bind_address: "127.0.0.1"
  control_port: 6555
  media_port: 6556

control:
  max_frame_bytes: 1048576
  send_timeout: 2.5
  enforce_presenter_frames: true

media:
  verify_source: true

http:
  enabled: true
  port: 9090

logging:
  level: "debug"
  format: "json"
`

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0644))

	cfg, err := Load(configPath)
	require.NoError(t, err)

	require.Equal(t, "127.0.0.1", cfg.Server.BindAddress)
	require.Equal(t, 6555, cfg.Server.ControlPort)
	require.Equal(t, 6556, cfg.Server.MediaPort)
	require.Equal(t, 1048576, cfg.Control.MaxFrameBytes)
	require.Equal(t, 2500*time.Millisecond, cfg.Control.GetSendTimeout())
	require.True(t, cfg.Control.EnforcePresenterFrames)
	require.True(t, cfg.Media.VerifySource)
	require.True(t, cfg.HTTP.Enabled)
	require.Equal(t, "127.0.0.1:9090", cfg.HTTP.ListenAddress())
	require.Equal(t, "debug", cfg.Logging.Level)

	// Keys absent from the file keep their defaults
	require.Equal(t, 30*time.Second, cfg.Control.GetRegisterTimeout())
	require.Equal(t, 1<<20, cfg.Media.BufferSize)
	require.Equal(t, "stdout", cfg.Logging.Output)
}

func TestLoadWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:5555", cfg.Server.ControlAddress())
	require.Equal(t, "0.0.0.0:5556", cfg.Server.MediaAddress())
	require.False(t, cfg.HTTP.Enabled)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "failed to read config file")
}

func TestLoadInvalidYAML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("server: [unclosed"), 0644))

	_, err := Load(configPath)
	require.ErrorContains(t, err, "failed to parse config file")
}

func TestLoadValidatesResult(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("server:\n  control_port: 99999\n"), 0644))

	_, err := Load(configPath)
	require.ErrorContains(t, err, "config validation failed")
}

func TestEnvironmentOverridesFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("server:\n  control_port: 6000\n"), 0644))

	t.Setenv("LANRELAY_CONTROL_PORT", "7000")
	t.Setenv("LANRELAY_MEDIA_VERIFY_SOURCE", "true")
	t.Setenv("LANRELAY_LOG_LEVEL", "warn")

	cfg, err := Load(configPath)
	require.NoError(t, err)
	require.Equal(t, 7000, cfg.Server.ControlPort)
	require.Equal(t, 5556, cfg.Server.MediaPort)
	require.True(t, cfg.Media.VerifySource)
	require.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoadDotEnv(t *testing.T) {
	require.NoError(t, LoadDotEnv(filepath.Join(t.TempDir(), "absent.env")))

	envPath := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(envPath, []byte("LANRELAY_HTTP_PORT=9191\n"), 0644))

	// Register cleanup for a variable the file is about to set
	t.Setenv("LANRELAY_HTTP_PORT", "")
	require.NoError(t, os.Unsetenv("LANRELAY_HTTP_PORT"))

	require.NoError(t, LoadDotEnv(envPath))
	require.Equal(t, "9191", os.Getenv("LANRELAY_HTTP_PORT"))

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 9191, cfg.HTTP.Port)
}
