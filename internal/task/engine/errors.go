package engine

import (
	"errors"
	"fmt"
)

var (
	ErrStopped     = errors.New("execution engine stopped")
	ErrStopping    = errors.New("execution engine stopping")
	ErrQueueFull   = errors.New("execution engine queue full")
	ErrOverlapSkip = errors.New("task skipped: previous run still active")

	// ErrDependencyNotMet blocks a single execution before the agent is
	// invoked. It is recorded on the execution, never propagated past the
	// engine boundary.
	ErrDependencyNotMet = errors.New("DependencyNotMet")
)

// NoRetry marks an error as non-retryable.
//
// Agents can wrap validation errors or other permanent failures with NoRetry
// so the engine won't burn the remaining attempt budget.
//
// Example:
//
//	return nil, engine.NoRetry(fmt.Errorf("bad input: %w", err))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }

// Execution error codes recognized by failure classification.
const (
	CodeNetwork   = "network"
	CodeTimeout   = "timeout"
	CodeRateLimit = "ratelimit"
	CodeInternal  = "internal"
)

// ExecutionError tags an agent failure with a coarse class so the failure
// classifier doesn't have to guess from prose. The code leads the error text
// and survives the flattening into event payloads and history records.
type ExecutionError struct {
	Code string
	Err  error
}

func (e ExecutionError) Error() string {
	if e.Err == nil {
		return e.Code
	}
	return e.Code + ": " + e.Err.Error()
}

func (e ExecutionError) Unwrap() error { return e.Err }
