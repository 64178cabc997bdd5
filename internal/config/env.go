package config

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/Netflix/go-env"
	"github.com/joho/godotenv"
)

// environment lists the supported overrides. Unset variables leave the
// pointer nil and the loaded value untouched.
type environment struct {
	BindAddress            *string  `env:"LANRELAY_BIND_ADDRESS"`
	ControlPort            *int     `env:"LANRELAY_CONTROL_PORT"`
	MediaPort              *int     `env:"LANRELAY_MEDIA_PORT"`
	MaxFrameBytes          *int     `env:"LANRELAY_MAX_FRAME_BYTES"`
	SendTimeout            *float64 `env:"LANRELAY_SEND_TIMEOUT"`
	RegisterTimeout        *float64 `env:"LANRELAY_REGISTER_TIMEOUT"`
	EnforcePresenterFrames *bool    `env:"LANRELAY_ENFORCE_PRESENTER_FRAMES"`
	VerifySource           *bool    `env:"LANRELAY_MEDIA_VERIFY_SOURCE"`
	HTTPEnabled            *bool    `env:"LANRELAY_HTTP_ENABLED"`
	HTTPAddress            *string  `env:"LANRELAY_HTTP_ADDRESS"`
	HTTPPort               *int     `env:"LANRELAY_HTTP_PORT"`
	LogLevel               *string  `env:"LANRELAY_LOG_LEVEL"`
	LogFormat              *string  `env:"LANRELAY_LOG_FORMAT"`
	LogOutput              *string  `env:"LANRELAY_LOG_OUTPUT"`
}

// ApplyEnvironment overlays LANRELAY_* variables onto config
func ApplyEnvironment(config *Config) error {
	var e environment
	if _, err := env.UnmarshalFromEnviron(&e); err != nil {
		return fmt.Errorf("failed to read environment: %w", err)
	}

	set(&config.Server.BindAddress, e.BindAddress)
	set(&config.Server.ControlPort, e.ControlPort)
	set(&config.Server.MediaPort, e.MediaPort)
	set(&config.Control.MaxFrameBytes, e.MaxFrameBytes)
	set(&config.Control.SendTimeout, e.SendTimeout)
	set(&config.Control.RegisterTimeout, e.RegisterTimeout)
	set(&config.Control.EnforcePresenterFrames, e.EnforcePresenterFrames)
	set(&config.Media.VerifySource, e.VerifySource)
	set(&config.HTTP.Enabled, e.HTTPEnabled)
	set(&config.HTTP.Address, e.HTTPAddress)
	set(&config.HTTP.Port, e.HTTPPort)
	set(&config.Logging.Level, e.LogLevel)
	set(&config.Logging.Format, e.LogFormat)
	set(&config.Logging.Output, e.LogOutput)

	return nil
}

func set[T any](dst *T, value *T) {
	if value != nil {
		*dst = *value
	}
}

// LoadDotEnv loads variables from a .env file into the process environment.
// A missing file is not an error. Variables already set are kept.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}
