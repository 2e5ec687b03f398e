package judge

import "github.com/gsarma/batchjudge/internal/domain"

// Judge0 CE status ids.
const (
	statusInQueue           = 1
	statusProcessing        = 2
	statusAccepted          = 3
	statusWrongAnswer       = 4
	statusTimeLimitExceeded = 5
	statusCompilationError  = 6
	statusRuntimeFirst      = 7  // SIGSEGV
	statusRuntimeLast       = 12 // NZEC and other runtime errors
	statusInternalError     = 13
	statusExecFormatError   = 14
)

// MapStatus converts a Judge0 status id into the engine's status.
// Submissions are sent without expected output, so "Wrong Answer" only means
// the program ran to completion.
func MapStatus(id int) domain.StatusKind {
	switch {
	case id == statusInQueue || id == statusProcessing:
		return domain.StatusPending
	case id == statusAccepted || id == statusWrongAnswer:
		return domain.StatusSuccess
	case id == statusTimeLimitExceeded:
		return domain.StatusTimeLimitExceeded
	case id == statusCompilationError:
		return domain.StatusCompileError
	case id >= statusRuntimeFirst && id <= statusRuntimeLast:
		return domain.StatusRuntimeError
	default:
		// Internal Error, Exec Format Error and ids this client does not know.
		return domain.StatusTransportError
	}
}
