package engine

import (
	"errors"

	"github.com/gsarma/batchjudge/internal/batch"
	"github.com/gsarma/batchjudge/internal/driver"
)

// IsRejection reports whether err means the request itself can never be
// evaluated, so retrying it is pointless.
func IsRejection(err error) bool {
	var synth *driver.SynthesisError
	return batch.IsConfigurationError(err) ||
		errors.As(err, &synth) ||
		errors.Is(err, batch.ErrExceedsScale)
}
