package domain

import "time"

// FailureCategory separates systemic batch problems from wrong solutions.
type FailureCategory string

const (
	CategoryTestLogic           FailureCategory = "test_logic"
	CategoryBatchInfrastructure FailureCategory = "batch_infrastructure"
)

// FailureKind is the specific reason a test case did not pass.
type FailureKind string

const (
	KindWrongAnswer         FailureKind = "wrong_answer"
	KindNoOutput            FailureKind = "no_output"
	KindCaseCrashed         FailureKind = "case_crashed"
	KindCompileError        FailureKind = "compile_error"
	KindRuntimeError        FailureKind = "runtime_error"
	KindTimeLimitExceeded   FailureKind = "time_limit_exceeded"
	KindMemoryLimitExceeded FailureKind = "memory_limit_exceeded"
	KindJudgeUnavailable    FailureKind = "judge_unavailable"
	KindDeadlineExceeded    FailureKind = "deadline_exceeded"
)

// Messages shown to learners. Each group of kinds keeps its own wording so
// "wrong output", "crashed or timed out" and "judge failure" never read alike.
var kindMessages = map[FailureKind]string{
	KindWrongAnswer:         "your code produced wrong output",
	KindNoOutput:            "no output produced",
	KindCaseCrashed:         "your code crashed on this test case",
	KindCompileError:        "your code did not compile",
	KindRuntimeError:        "your code crashed while running this batch",
	KindTimeLimitExceeded:   "your code timed out while running this batch",
	KindMemoryLimitExceeded: "your code ran out of memory while running this batch",
	KindJudgeUnavailable:    "the judge failed to run this batch",
	KindDeadlineExceeded:    "the judge did not finish this batch in time",
}

// Category returns the category a kind belongs to.
func (k FailureKind) Category() FailureCategory {
	switch k {
	case KindWrongAnswer, KindNoOutput, KindCaseCrashed:
		return CategoryTestLogic
	default:
		return CategoryBatchInfrastructure
	}
}

// Message returns the learner-facing text for the kind.
func (k FailureKind) Message() string {
	return kindMessages[k]
}

// Failure explains why a test case did not pass.
type Failure struct {
	Category FailureCategory `json:"category"`
	Kind     FailureKind     `json:"kind"`
	Message  string          `json:"message"`
	Detail   string          `json:"detail,omitempty"`
}

// NewFailure builds a Failure with the category and message derived from kind.
func NewFailure(kind FailureKind, detail string) *Failure {
	return &Failure{
		Category: kind.Category(),
		Kind:     kind,
		Message:  kind.Message(),
		Detail:   detail,
	}
}

// IsInfrastructure reports whether the failure was a batch-level problem.
func (f *Failure) IsInfrastructure() bool {
	return f != nil && f.Category == CategoryBatchInfrastructure
}

// TestResult is the engine's verdict for one test case.
type TestResult struct {
	TestCaseID          string        `json:"test_case_id"`
	BatchID             int           `json:"batch_id"`
	Passed              bool          `json:"passed"`
	Expected            string        `json:"expected"`
	Actual              string        `json:"actual"`
	ApproxExecutionTime time.Duration `json:"approx_execution_time"`
	Failure             *Failure      `json:"failure,omitempty"`
}
