package domain

import "github.com/google/uuid"

// TestCase is one input/expected-output pair of a problem. Order within a
// problem is significant and is preserved through batching.
type TestCase struct {
	ID             string `json:"id"`
	Input          string `json:"input"`
	ExpectedOutput string `json:"expected_output"`
	IsPublic       bool   `json:"is_public"`
}

// Submission is the learner's single solution for a problem.
type Submission struct {
	ID       uuid.UUID `json:"id"`
	Language string    `json:"language"`
	Source   string    `json:"source_code"`
}
