package judge

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/pkg/errors"
)

// HTTPError is a non-2xx response from the judge.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("judge0 returned HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("judge0 returned HTTP %d: %s", e.StatusCode, e.Body)
}

// IsTransient reports whether retrying the call that produced err may succeed:
// network failures, throttling and server errors. Cancellation and 4xx
// rejections are permanent.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == http.StatusTooManyRequests || httpErr.StatusCode >= 500
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
