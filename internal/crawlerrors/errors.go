// Package crawlerrors defines the error taxonomy shared by the request
// queue, context pipeline, and crawler packages.
package crawlerrors

import (
	"errors"
	"fmt"

	"go.uber.org/multierr"
)

// Sentinel errors for common, non-structural failure modes.
var (
	ErrQueueEmpty       = errors.New("request queue is empty")
	ErrRequestNotFound  = errors.New("request not found")
	ErrLockExpired      = errors.New("request lock expired")
	ErrAlreadyHandled   = errors.New("request already handled")
	ErrSourcesMismatch  = errors.New("request list sources changed without clearing persisted state")
	ErrOperationTimeout = errors.New("queue operation timed out")
)

// NonRetryableError marks a handler failure that must never be retried,
// regardless of retryCount or request.noRetry.
type NonRetryableError struct {
	Err error
}

func NonRetryable(err error) *NonRetryableError { return &NonRetryableError{Err: err} }

func (e *NonRetryableError) Error() string { return fmt.Sprintf("non-retryable: %v", e.Err) }
func (e *NonRetryableError) Unwrap() error { return e.Err }

// RetryRequestError forces a retry regardless of maxRequestRetries.
type RetryRequestError struct {
	Err error
}

func RetryRequest(err error) *RetryRequestError { return &RetryRequestError{Err: err} }

func (e *RetryRequestError) Error() string { return fmt.Sprintf("retry requested: %v", e.Err) }
func (e *RetryRequestError) Unwrap() error { return e.Err }

// SessionError indicates the active session is bad; the crawler rotates
// or retires it and reclaims the request instead of counting a failure.
type SessionError struct {
	Err error
}

func Session(err error) *SessionError { return &SessionError{Err: err} }

func (e *SessionError) Error() string { return fmt.Sprintf("session error: %v", e.Err) }
func (e *SessionError) Unwrap() error { return e.Err }

// CriticalError terminates the crawl immediately; the autoscaled pool
// aborts rather than retrying or finalizing the request.
type CriticalError struct {
	Err error
}

func Critical(err error) *CriticalError { return &CriticalError{Err: err} }

func (e *CriticalError) Error() string { return fmt.Sprintf("critical: %v", e.Err) }
func (e *CriticalError) Unwrap() error { return e.Err }

// TimeoutError wraps a deadline expiry on a time-boxed operation. It is a
// transient error and participates in the normal retry policy.
type TimeoutError struct {
	Op  string
	Err error
}

func Timeout(op string, err error) *TimeoutError { return &TimeoutError{Op: op, Err: err} }

func (e *TimeoutError) Error() string { return fmt.Sprintf("timeout during %s: %v", e.Op, e.Err) }
func (e *TimeoutError) Unwrap() error { return e.Err }

// InitializationError wraps a middleware action failure that was not
// itself a SessionError or InterruptedError.
type InitializationError struct {
	Middleware string
	Err        error
}

func (e *InitializationError) Error() string {
	return fmt.Sprintf("middleware %q initialization failed: %v", e.Middleware, e.Err)
}
func (e *InitializationError) Unwrap() error { return e.Err }

// HandlerError wraps a non-SessionError thrown by the final consumer
// (the user request handler) for propagation into cleanup.
type HandlerError struct {
	Err error
}

func (e *HandlerError) Error() string { return fmt.Sprintf("handler error: %v", e.Err) }
func (e *HandlerError) Unwrap() error { return e.Err }

// InterruptedError marks an intentional cancellation (pause/abort) that
// must propagate unchanged through the pipeline, never wrapped.
type InterruptedError struct {
	Reason string
}

func Interrupted(reason string) *InterruptedError { return &InterruptedError{Reason: reason} }

func (e *InterruptedError) Error() string { return fmt.Sprintf("interrupted: %s", e.Reason) }

// CleanupError aggregates failures raised while unwinding the pipeline's
// cleanup stack. It supersedes a normal completion but never overwrites a
// prior SessionError — callers should check for SessionError first.
type CleanupError struct {
	Errs []error
}

// NewCleanupError builds a CleanupError from zero or more cleanup
// failures, merging them with multierr so Error() reads as one message
// and errors.Is/As still see each constituent.
func NewCleanupError(errs ...error) *CleanupError {
	var filtered []error
	for _, e := range errs {
		if e != nil {
			filtered = append(filtered, e)
		}
	}
	if len(filtered) == 0 {
		return nil
	}
	return &CleanupError{Errs: filtered}
}

func (e *CleanupError) Error() string {
	return fmt.Sprintf("cleanup failed: %v", multierr.Combine(e.Errs...))
}

func (e *CleanupError) Unwrap() []error { return e.Errs }

// IsCritical reports whether err (or anything it wraps) is a CriticalError.
func IsCritical(err error) bool {
	var ce *CriticalError
	return errors.As(err, &ce)
}

// IsSession reports whether err (or anything it wraps) is a SessionError.
func IsSession(err error) bool {
	var se *SessionError
	return errors.As(err, &se)
}

// IsNonRetryable reports whether err (or anything it wraps) is a NonRetryableError.
func IsNonRetryable(err error) bool {
	var ne *NonRetryableError
	return errors.As(err, &ne)
}

// IsRetryRequest reports whether err (or anything it wraps) forces a retry.
func IsRetryRequest(err error) bool {
	var re *RetryRequestError
	return errors.As(err, &re)
}

// IsInterrupted reports whether err (or anything it wraps) is an InterruptedError.
func IsInterrupted(err error) bool {
	var ie *InterruptedError
	return errors.As(err, &ie)
}
