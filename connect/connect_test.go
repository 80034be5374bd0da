package connect

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRetrySucceedsAfterFailures(t *testing.T) {
	calls := 0
	conn, err := Retry(testContext(t), discardLogger(), "broker", NewPolicy(5, 0, EXIT_BROKER), func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("connection refused")
		}
		return "conn", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "conn", conn)
	assert.Equal(t, 3, calls)
}

func TestRetryExhaustion(t *testing.T) {
	calls := 0
	cause := errors.New("no route to host")
	_, err := Retry(testContext(t), discardLogger(), "database", NewPolicy(4, 0, EXIT_DATABASE), func(context.Context) (int, error) {
		calls++
		return 0, cause
	})

	require.Error(t, err)
	assert.Equal(t, 4, calls)

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, "database", exhausted.Dependency)
	assert.Equal(t, 4, exhausted.Attempts)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, EXIT_DATABASE, ExitCode(err))
}

func TestRetryDistinctExitCodes(t *testing.T) {
	fail := func(context.Context) (struct{}, error) { return struct{}{}, errors.New("down") }

	_, brokerErr := Retry(testContext(t), discardLogger(), "broker", NewPolicy(1, 0, EXIT_BROKER), fail)
	_, dbErr := Retry(testContext(t), discardLogger(), "database", NewPolicy(1, 0, EXIT_DATABASE), fail)

	assert.Equal(t, EXIT_BROKER, ExitCode(brokerErr))
	assert.Equal(t, EXIT_DATABASE, ExitCode(dbErr))
	assert.NotEqual(t, ExitCode(brokerErr), ExitCode(dbErr))
	assert.Equal(t, EXIT_FAILURE, ExitCode(errors.New("other")))
	assert.Equal(t, EXIT_BROKER, ExitCode(fmt.Errorf("wrapped: %w", brokerErr)))
}

func TestRetryStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(testContext(t))
	calls := 0
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := Retry(ctx, discardLogger(), "broker", NewPolicy(10, time.Hour, EXIT_BROKER), func(context.Context) (int, error) {
		calls++
		return 0, errors.New("down")
	})

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestNewPolicyDefaults(t *testing.T) {
	p := NewPolicy(0, -1, EXIT_BROKER)
	assert.Equal(t, DEFAULT_ATTEMPTS, p.Attempts)
	assert.Equal(t, DEFAULT_INTERVAL, p.Interval)
	assert.Equal(t, EXIT_BROKER, p.ExitCode)
}

func TestWithExitCode(t *testing.T) {
	assert.NoError(t, WithExitCode(EXIT_CONFIG, nil))

	cause := errors.New("missing database URL")
	err := fmt.Errorf("controller: %w", WithExitCode(EXIT_CONFIG, cause))
	assert.Equal(t, EXIT_CONFIG, ExitCode(err))
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "controller: missing database URL", err.Error())
}

func TestWithDefaultExitCode(t *testing.T) {
	assert.NoError(t, WithDefaultExitCode(EXIT_BROKER, nil))

	plain := errors.New("delivery channel closed")
	assert.Equal(t, EXIT_BROKER, ExitCode(WithDefaultExitCode(EXIT_BROKER, plain)))

	database := fmt.Errorf("consumer stopped: %w", WithExitCode(EXIT_DATABASE, errors.New("database is down")))
	assert.Equal(t, EXIT_DATABASE, ExitCode(WithDefaultExitCode(EXIT_BROKER, database)))
}

// testContext stands in for testing.T.Context (Go 1.24+): the context is
// cancelled when the test's cleanup runs.
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}
