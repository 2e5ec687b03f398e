package progress

import (
	"time"

	"github.com/google/uuid"

	"github.com/gsarma/batchjudge/internal/batch"
	"github.com/gsarma/batchjudge/internal/demux"
)

const (
	EventStarted       = "evaluation_started"
	EventBatchFinished = "batch_finished"
	EventFinished      = "evaluation_finished"
)

const (
	maxOutputHeight = 20
	maxOutputWidth  = 200
)

type header struct {
	Type         string    `json:"type"`
	EvaluationID uuid.UUID `json:"evaluation_id"`
	SentAt       time.Time `json:"sent_at"`
}

// Started is published once the submission passed validation.
type Started struct {
	header
	Language  string       `json:"language"`
	Shape     string       `json:"shape"`
	TestCases int          `json:"test_cases"`
	Batches   int          `json:"batches"`
	Config    batch.Config `json:"config"`
}

// CaseVerdict is the per-test part of a BatchFinished event.
type CaseVerdict struct {
	TestCaseID string `json:"test_case_id"`
	Passed     bool   `json:"passed"`
	Failure    string `json:"failure,omitempty"`
	Actual     string `json:"actual,omitempty"`
	Detail     string `json:"detail,omitempty"`
}

// BatchFinished carries the verdicts of one judge job.
type BatchFinished struct {
	header
	BatchID    int           `json:"batch_id"`
	StartIndex int           `json:"start_index"`
	EndIndex   int           `json:"end_index"`
	Status     string        `json:"status"`
	CPUTime    float64       `json:"cpu_time_seconds"`
	Cases      []CaseVerdict `json:"cases"`
}

// Finished closes the event stream of an evaluation.
type Finished struct {
	header
	Summary demux.Summary `json:"summary"`
}
