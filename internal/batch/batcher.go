package batch

import (
	"fmt"

	"github.com/gsarma/batchjudge/internal/domain"
)

// Split partitions cases into contiguous batches of at most
// cfg.MaxTestCasesPerBatch, keeping the original order.
func Split(cases []domain.TestCase, cfg Config) []domain.Batch {
	size := cfg.MaxTestCasesPerBatch
	if size < 1 {
		size = 1
	}
	if len(cases) == 0 {
		return nil
	}

	batches := make([]domain.Batch, 0, (len(cases)+size-1)/size)
	for start := 0; start < len(cases); start += size {
		end := start + size
		if end > len(cases) {
			end = len(cases)
		}
		batches = append(batches, domain.Batch{
			ID:         len(batches) + 1,
			TestCases:  cases[start:end:end],
			StartIndex: start,
			EndIndex:   end - 1,
		})
	}
	return batches
}

// CheckScale fails fast when an evaluation would need more than maxBatches
// jobs. A non-positive maxBatches disables the check.
func CheckScale(nBatches, maxBatches int) error {
	if maxBatches > 0 && nBatches > maxBatches {
		return fmt.Errorf("%w: %d batches needed, at most %d allowed", ErrExceedsScale, nBatches, maxBatches)
	}
	return nil
}

// Flatten concatenates the batches' test cases in batch order.
func Flatten(batches []domain.Batch) []domain.TestCase {
	var out []domain.TestCase
	for _, b := range batches {
		out = append(out, b.TestCases...)
	}
	return out
}
