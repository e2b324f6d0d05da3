package source

import (
	"errors"
	"fmt"
	"time"
)

// RetryableSourceError is a transient failure (rate limit, 5xx, network). RetryAfter is
// the source's suggested wait, zero when it gave none.
type RetryableSourceError struct {
	Err        error
	RetryAfter time.Duration
}

func (e *RetryableSourceError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("retryable source error (retry after %s): %v", e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("retryable source error: %v", e.Err)
}

func (e *RetryableSourceError) Unwrap() error { return e.Err }

// FatalSourceError aborts the run without advancing the cursor.
type FatalSourceError struct {
	Err error
}

func (e *FatalSourceError) Error() string {
	return fmt.Sprintf("fatal source error: %v", e.Err)
}

func (e *FatalSourceError) Unwrap() error { return e.Err }

// AsRetryable returns the RetryableSourceError in err's chain, if any.
func AsRetryable(err error) (*RetryableSourceError, bool) {
	var retry *RetryableSourceError
	if errors.As(err, &retry) {
		return retry, true
	}
	return nil, false
}

// IsFatal reports whether err is a FatalSourceError.
func IsFatal(err error) bool {
	var fatal *FatalSourceError
	return errors.As(err, &fatal)
}
