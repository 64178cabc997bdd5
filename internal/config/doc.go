// Package config provides configuration loading and validation for the relay.
// Values come from built-in defaults, an optional YAML file and LANRELAY_*
// environment variables, in that order of precedence.
package config
