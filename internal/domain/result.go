package domain

import "time"

// StatusKind is the engine's view of a judge job's state.
type StatusKind int

const (
	StatusPending StatusKind = iota
	StatusSuccess
	StatusRuntimeError
	StatusCompileError
	StatusTimeLimitExceeded
	StatusMemoryLimitExceeded
	StatusTransportError
)

var statusNames = map[StatusKind]string{
	StatusPending:             "pending",
	StatusSuccess:             "success",
	StatusRuntimeError:        "runtime_error",
	StatusCompileError:        "compile_error",
	StatusTimeLimitExceeded:   "time_limit_exceeded",
	StatusMemoryLimitExceeded: "memory_limit_exceeded",
	StatusTransportError:      "transport_error",
}

func (s StatusKind) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return "unknown"
}

// Terminal reports whether a job in this state will not change any more.
func (s StatusKind) Terminal() bool {
	return s != StatusPending
}

// JobResult is what the Remote Judge Service reported for one batch.
type JobResult struct {
	Token         string        `json:"token,omitempty"`
	Status        StatusKind    `json:"status"`
	Description   string        `json:"description"`
	Stdout        string        `json:"stdout"`
	Stderr        string        `json:"stderr"`
	CompileOutput string        `json:"compile_output,omitempty"`
	CPUTime       time.Duration `json:"cpu_time"`
	WallTime      time.Duration `json:"wall_time"`
	MemoryKB      int           `json:"memory_kb"`
}

// Descriptions the dispatcher gives jobs it had to abandon.
const (
	DescriptionDeadlineExceeded = "deadline exceeded"
	DescriptionPollFailed       = "judge stopped answering status requests"
	DescriptionRejected         = "judge rejected the submission"
	DescriptionUnavailable      = "judge unavailable"
)

// TransportFailure builds a terminal result for a job the judge never finished.
func TransportFailure(token, description string) JobResult {
	return JobResult{
		Token:       token,
		Status:      StatusTransportError,
		Description: description,
	}
}
