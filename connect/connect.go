// Package connect establishes connections to the infrastructure the pipeline cannot work
// without. Every dependency is retried with the same constant interval and a bounded number of
// attempts; exhausting them is fatal and maps to a per dependency exit code.
package connect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/hashworks/aur-ci/logfields"
)

// Process exit codes.
const (
	EXIT_FAILURE           = 1
	EXIT_CONFIG            = 3
	EXIT_DATABASE          = 4
	EXIT_BROKER            = 5
	EXIT_CONTAINER_RUNTIME = 6
)

const (
	DEFAULT_ATTEMPTS = 10
	DEFAULT_INTERVAL = 10 * time.Second
)

type Policy struct {
	Attempts int
	Interval time.Duration
	ExitCode int
}

func NewPolicy(attempts int, interval time.Duration, exitCode int) Policy {
	p := Policy{Attempts: DEFAULT_ATTEMPTS, Interval: DEFAULT_INTERVAL, ExitCode: exitCode}
	if attempts > 0 {
		p.Attempts = attempts
	}
	if interval >= 0 {
		p.Interval = interval
	}
	return p
}

// ExhaustedError is returned once all attempts failed.
type ExhaustedError struct {
	Dependency string
	Attempts   int
	ExitCode   int
	Err        error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("could not connect to %s after %d attempts: %s", e.Dependency, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Retry calls connect until it succeeds, the policy is exhausted or ctx is done.
func Retry[T any](ctx context.Context, logger *slog.Logger, dependency string, policy Policy, connect func(context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	logger.Info("Connecting", logfields.Dependency(dependency))

	for attempt := 1; attempt <= policy.Attempts; attempt++ {
		conn, err := connect(ctx)
		if err == nil {
			logger.Info("Connected", logfields.Dependency(dependency), logfields.Attempt(attempt))
			return conn, nil
		}
		lastErr = err

		if attempt == policy.Attempts {
			break
		}

		logger.Error("Connection attempt failed, retrying",
			logfields.Dependency(dependency),
			logfields.Attempt(attempt),
			slog.Duration("retry_in", policy.Interval),
			logfields.Error(err))

		timer := time.NewTimer(policy.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}

	return zero, &ExhaustedError{
		Dependency: dependency,
		Attempts:   policy.Attempts,
		ExitCode:   policy.ExitCode,
		Err:        lastErr,
	}
}

type exitCodeError struct {
	code int
	err  error
}

func (e *exitCodeError) Error() string { return e.err.Error() }
func (e *exitCodeError) Unwrap() error { return e.err }

// WithExitCode attaches a process exit code to err.
func WithExitCode(code int, err error) error {
	if err == nil {
		return nil
	}
	return &exitCodeError{code: code, err: err}
}

// WithDefaultExitCode attaches code unless err already carries an exit code.
func WithDefaultExitCode(code int, err error) error {
	if err == nil || ExitCode(err) != EXIT_FAILURE {
		return err
	}
	return WithExitCode(code, err)
}

// ExitCode maps an error to the process exit code it should terminate with.
func ExitCode(err error) int {
	var withCode *exitCodeError
	if errors.As(err, &withCode) {
		return withCode.code
	}
	var exhausted *ExhaustedError
	if errors.As(err, &exhausted) && exhausted.ExitCode != 0 {
		return exhausted.ExitCode
	}
	return EXIT_FAILURE
}

// Fatal logs err and terminates the process with ExitCode(err).
func Fatal(logger *slog.Logger, err error) {
	code := ExitCode(err)
	logger.Error("Fatal error", logfields.Error(err), slog.Int("exit_code", code))
	os.Exit(code)
}
