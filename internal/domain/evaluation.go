package domain

import (
	"time"

	"github.com/google/uuid"
)

// EvaluationRequest is a queued or synchronous request to evaluate one
// submission.
type EvaluationRequest struct {
	Language         string     `json:"language"`
	SourceCode       string     `json:"source_code"`
	TimeLimitSeconds float64    `json:"time_limit_seconds"`
	TestCases        []TestCase `json:"test_cases"`
}

func (r EvaluationRequest) Submission(id uuid.UUID) Submission {
	return Submission{ID: id, Language: r.Language, Source: r.SourceCode}
}

func (r EvaluationRequest) TimeLimit() time.Duration {
	return time.Duration(r.TimeLimitSeconds * float64(time.Second))
}
