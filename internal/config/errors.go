package config

import "errors"

var (
	// ErrUnknownConfigField classifies strict YAML parse failures caused by unknown keys.
	ErrUnknownConfigField = errors.New("unknown config field")

	// ErrInvalidConfig classifies a resolved configuration that fails validation.
	ErrInvalidConfig = errors.New("invalid config")
)
