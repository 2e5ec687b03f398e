package batchjudge

import "fmt"

// APIError is returned when the API responds with a non-success status.
// Kind is "configuration", "synthesis" or "scale" when the server rejected
// the submission itself.
type APIError struct {
	StatusCode int
	Kind       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("batchjudge: HTTP %d (%s): %s", e.StatusCode, e.Kind, e.Message)
	}
	return fmt.Sprintf("batchjudge: HTTP %d: %s", e.StatusCode, e.Message)
}
