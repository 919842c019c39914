package httpclient

import (
	"errors"
	"fmt"
	"time"
)

// RetryableError is returned when the retry budget is exhausted. Callers can
// inspect RetryAfter to decide whether a higher-level retry is worthwhile.
type RetryableError struct {
	StatusCode int
	Message    string
	RetryAfter time.Duration
	Retries    int
	Err        error
}

func (e *RetryableError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s (status %d, retry after %s)", e.Message, e.StatusCode, e.RetryAfter)
	}
	return fmt.Sprintf("%s (status %d)", e.Message, e.StatusCode)
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// IsRetryableError reports whether err wraps a RetryableError and returns it.
func IsRetryableError(err error) (*RetryableError, bool) {
	var re *RetryableError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}
