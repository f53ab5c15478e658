package catalog

import (
	"errors"
	"fmt"
)

// ConfigurationError reports an invalid weight, threshold or limit.
// It is only raised while constructing components, never mid-cycle.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration: %s: %s", e.Field, e.Reason)
}

// Invalid builds a ConfigurationError with a formatted reason.
func Invalid(field, format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}
