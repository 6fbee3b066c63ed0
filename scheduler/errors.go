package scheduler

import (
	"errors"

	"github.com/cschleiden/go-bpm/lock"
)

// FatalError marks a job failure that retrying cannot fix. The job is
// abandoned.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return "fatal: " + e.Err.Error()
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

func Fatal(err error) error {
	if err == nil {
		return nil
	}

	return &FatalError{Err: err}
}

// RetryableError marks a job failure that may succeed on another attempt.
// Errors that are not classified are treated as retryable.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

func Retryable(err error) error {
	if err == nil {
		return nil
	}

	return &RetryableError{Err: err}
}

type outcome string

const (
	outcomeDelivered  outcome = "delivered"
	outcomeRetry      outcome = "retry"
	outcomeContention outcome = "contention"
	outcomeAbandoned  outcome = "abandoned"
)

func classify(err error) outcome {
	if err == nil {
		return outcomeDelivered
	}

	var fe *FatalError
	if errors.As(err, &fe) {
		return outcomeAbandoned
	}

	if errors.Is(err, lock.ErrTimeout) {
		return outcomeContention
	}

	return outcomeRetry
}
