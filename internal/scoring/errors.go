package scoring

import (
	"errors"
	"fmt"
)

// ErrConfiguration marks errors caused by invalid scoring rules or by callers
// passing an event kind the rules do not know about.
var ErrConfiguration = errors.New("scoring: configuration error")

// ConfigurationError describes which part of the rules is invalid.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("scoring: invalid %s: %s", e.Field, e.Reason)
}

func (e *ConfigurationError) Unwrap() error {
	return ErrConfiguration
}

func configurationError(field, format string, args ...any) error {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
