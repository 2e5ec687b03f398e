package batchjudge

import "time"

// HealthResponse is returned by the /health endpoint.
type HealthResponse struct {
	Status string `json:"status"`
}

// LanguagesResponse is returned by the /languages endpoint.
type LanguagesResponse struct {
	Languages []string `json:"languages"`
}

// TestCase is one input/expected-output pair.
type TestCase struct {
	ID             string `json:"id"`
	Input          string `json:"input"`
	ExpectedOutput string `json:"expected_output"`
	IsPublic       bool   `json:"is_public"`
}

// EvaluationRequest asks for one submission to be evaluated.
type EvaluationRequest struct {
	Language         string     `json:"language"`
	SourceCode       string     `json:"source_code"`
	TimeLimitSeconds float64    `json:"time_limit_seconds"`
	TestCases        []TestCase `json:"test_cases"`
}

// QueuedEvaluation is returned when an evaluation is queued.
type QueuedEvaluation struct {
	EvaluationID string `json:"evaluation_id"`
	Status       string `json:"status"`
}

// Failure explains why a test case did not pass. Category is "test_logic"
// when the solution is at fault and "batch_infrastructure" when the judge is.
type Failure struct {
	Category string `json:"category"`
	Kind     string `json:"kind"`
	Message  string `json:"message"`
	Detail   string `json:"detail,omitempty"`
}

// TestResult is the verdict for one test case. ApproxExecutionTime is in
// nanoseconds.
type TestResult struct {
	TestCaseID          string        `json:"test_case_id"`
	BatchID             int           `json:"batch_id"`
	Passed              bool          `json:"passed"`
	Expected            string        `json:"expected"`
	Actual              string        `json:"actual"`
	ApproxExecutionTime time.Duration `json:"approx_execution_time"`
	Failure             *Failure      `json:"failure,omitempty"`
}

// Summary counts the results of an evaluation.
type Summary struct {
	Total                  int `json:"total"`
	Passed                 int `json:"passed"`
	Failed                 int `json:"failed"`
	InfrastructureFailures int `json:"infrastructure_failures"`
}

// EvaluationResult is returned by a synchronous evaluation.
type EvaluationResult struct {
	EvaluationID string       `json:"evaluation_id"`
	Results      []TestResult `json:"results"`
	Summary      Summary      `json:"summary"`
}

// Evaluation statuses.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusRejected  = "rejected"
	StatusFailed    = "failed"
)

// Evaluation is the state of a queued evaluation.
type Evaluation struct {
	EvaluationID string       `json:"evaluation_id"`
	Status       string       `json:"status"`
	Attempt      int          `json:"attempt"`
	Error        string       `json:"error,omitempty"`
	Results      []TestResult `json:"results,omitempty"`
	Summary      *Summary     `json:"summary,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	CompletedAt  *time.Time   `json:"completed_at,omitempty"`
}

// Done reports whether the evaluation reached a final state.
func (e *Evaluation) Done() bool {
	switch e.Status {
	case StatusCompleted, StatusRejected, StatusFailed:
		return true
	}
	return false
}

// BatchConfig is the batch sizing chosen for an evaluation. Durations are in
// nanoseconds.
type BatchConfig struct {
	MaxTestCasesPerBatch int           `json:"max_test_cases_per_batch"`
	MaxTotalTimePerBatch time.Duration `json:"max_total_time_per_batch"`
	SafetyMargin         float64       `json:"safety_margin"`
	TimePerTestCase      time.Duration `json:"time_per_test_case"`
}

// PlannedBatch is one judge job of a plan.
type PlannedBatch struct {
	BatchID              int     `json:"batch_id"`
	StartIndex           int     `json:"start_index"`
	EndIndex             int     `json:"end_index"`
	TestCases            int     `json:"test_cases"`
	CPUTimeLimitSeconds  float64 `json:"cpu_time_limit_seconds"`
	WallTimeLimitSeconds float64 `json:"wall_time_limit_seconds"`
}

// Plan is returned by /evaluations/plan.
type Plan struct {
	Config  BatchConfig    `json:"config"`
	Shape   string         `json:"shape"`
	Batches []PlannedBatch `json:"batches"`
}
