package config

import (
	"errors"
	"fmt"
)

var (
	// ErrFrozen is returned when a parameter is changed after the subsystem
	// depending on it has captured the configuration.
	ErrFrozen = errors.New("parameter frozen")
	// ErrInvalid is returned for values no component can run with.
	ErrInvalid = errors.New("invalid parameter")
)

// ConfigError describes a rejected configuration change.
type ConfigError struct {
	Param     string
	Subsystem Subsystem
	Detail    string
	Err       error
}

func (e *ConfigError) Error() string {
	if errors.Is(e.Err, ErrFrozen) {
		return fmt.Sprintf("config %s: %s subsystem already initialized", e.Param, e.Subsystem)
	}
	if e.Detail != "" {
		return fmt.Sprintf("config %s: %s", e.Param, e.Detail)
	}
	return fmt.Sprintf("config %s: %v", e.Param, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

func invalid(param, detail string) error {
	return &ConfigError{Param: param, Detail: detail, Err: ErrInvalid}
}
