package pipeline

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// RetryableError asks for the same job to run again after Delay. It never marks anything failed.
type RetryableError struct {
	Delay time.Duration
	Err   error
}

func (e *RetryableError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("retry in %s", e.Delay)
	}
	return fmt.Sprintf("retry in %s: %v", e.Delay, e.Err)
}

func (e *RetryableError) Unwrap() error { return e.Err }

func Retry(delay time.Duration, err error) error {
	return &RetryableError{Delay: delay, Err: err}
}

func AsRetryable(err error) (*RetryableError, bool) {
	var re *RetryableError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}

// ExpiredError means an external dependency never became ready within its window.
type ExpiredError struct {
	Message string
}

func (e *ExpiredError) Error() string { return e.Message }

// FailedError means the source reported a failure that a retry will not fix.
type FailedError struct {
	Message string
}

func (e *FailedError) Error() string { return e.Message }

// IsFatal reports whether err should skip the job's retry budget.
func IsFatal(err error) bool {
	var expired *ExpiredError
	var failed *FailedError
	return errors.As(err, &expired) || errors.As(err, &failed)
}
