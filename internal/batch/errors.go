package batch

import (
	"errors"
	"fmt"
)

// ErrExceedsScale is returned when an evaluation needs more batches than the
// deployment allows for a single request.
var ErrExceedsScale = errors.New("evaluation exceeds supported scale")

// ConfigurationError rejects inputs before anything is sent to the judge.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func configError(field, format string, args ...any) error {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// IsConfigurationError reports whether err is, or wraps, a ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}
