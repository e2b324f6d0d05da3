package fabric

import (
	"errors"
	"fmt"
)

// RetryableConsumerError marks a handler failure that may succeed on redelivery, such as a
// transient downstream outage or optimistic-concurrency contention.
type RetryableConsumerError struct {
	Err error
}

func (e *RetryableConsumerError) Error() string {
	return fmt.Sprintf("retryable: %v", e.Err)
}

func (e *RetryableConsumerError) Unwrap() error { return e.Err }

// PermanentConsumerError marks a message that can never be processed (malformed payload,
// schema violation). It is dead-lettered without retry.
type PermanentConsumerError struct {
	Err error
}

func (e *PermanentConsumerError) Error() string {
	return fmt.Sprintf("permanent: %v", e.Err)
}

func (e *PermanentConsumerError) Unwrap() error { return e.Err }

// Retryable wraps err as a RetryableConsumerError.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableConsumerError{Err: err}
}

// Permanent wraps err as a PermanentConsumerError.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentConsumerError{Err: err}
}

// IsPermanent reports whether err, or anything it wraps, is a PermanentConsumerError.
func IsPermanent(err error) bool {
	var perm *PermanentConsumerError
	return errors.As(err, &perm)
}

// IsRetryable reports whether err is explicitly retryable.
func IsRetryable(err error) bool {
	var retry *RetryableConsumerError
	return errors.As(err, &retry)
}
