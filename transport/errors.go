package transport

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

const ErrorLimitExceeded = "M_LIMIT_EXCEEDED"

// HTTPError is a non-2xx response from the homeserver.
type HTTPError struct {
	StatusCode int
	ErrCode    string
	Message    string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	if e.ErrCode == "" {
		return fmt.Sprintf("transport: http %d", e.StatusCode)
	}
	return fmt.Sprintf("transport: http %d %s: %s", e.StatusCode, e.ErrCode, e.Message)
}

// IsPermanent reports whether err is a rejection which will not succeed on retry: any 4xx other than
// a rate limit.
func IsPermanent(err error) bool {
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		return false
	}
	if httpErr.StatusCode == http.StatusTooManyRequests || httpErr.ErrCode == ErrorLimitExceeded {
		return false
	}
	return httpErr.StatusCode/100 == 4
}

// RetryAfter returns the delay requested by a rate limited response.
func RetryAfter(err error) (time.Duration, bool) {
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.RetryAfter <= 0 {
		return 0, false
	}
	return httpErr.RetryAfter, true
}
