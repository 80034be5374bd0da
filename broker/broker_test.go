package broker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type settlement struct {
	ack     bool
	requeue bool
}

type fakeAcknowledger struct {
	settlements []settlement
}

func (f *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	f.settlements = append(f.settlements, settlement{ack: true})
	return nil
}

func (f *fakeAcknowledger) Nack(tag uint64, multiple bool, requeue bool) error {
	f.settlements = append(f.settlements, settlement{requeue: requeue})
	return nil
}

func (f *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return f.Nack(tag, false, requeue)
}

func newDelivery(acknowledger amqp.Acknowledger) amqp.Delivery {
	return amqp.Delivery{Acknowledger: acknowledger, DeliveryTag: 1, Body: []byte(`{}`)}
}

func TestSettleAcksOnSuccess(t *testing.T) {
	acknowledger := &fakeAcknowledger{}
	require.NoError(t, Settle(newDelivery(acknowledger), nil))
	assert.Equal(t, []settlement{{ack: true}}, acknowledger.settlements)
}

func TestSettleRequeuesTransientErrors(t *testing.T) {
	acknowledger := &fakeAcknowledger{}
	require.NoError(t, Settle(newDelivery(acknowledger), errors.New("database unavailable")))
	assert.Equal(t, []settlement{{requeue: true}}, acknowledger.settlements)
}

func TestSettleDropsPermanentErrors(t *testing.T) {
	acknowledger := &fakeAcknowledger{}
	err := fmt.Errorf("handling: %w", Permanent(errors.New("malformed")))
	require.NoError(t, Settle(newDelivery(acknowledger), err))
	assert.Equal(t, []settlement{{requeue: false}}, acknowledger.settlements)
}

func TestPermanent(t *testing.T) {
	assert.NoError(t, Permanent(nil))

	cause := errors.New("cause")
	err := Permanent(cause)
	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "cause", err.Error())
	assert.False(t, IsPermanent(cause))
}

func TestConsumerTag(t *testing.T) {
	a := ConsumerTag("worker")
	b := ConsumerTag("worker")
	assert.True(t, strings.HasPrefix(a, "worker-"))
	assert.NotEqual(t, a, b)
}

func captureLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewTextHandler(&buf, nil)), &buf
}

func TestSettlerLogsRequeuedErrors(t *testing.T) {
	logger, buf := captureLogger()
	s := &settler{logger: logger, options: ConsumeOptions{Queue: QUEUE_BUILD_RESULTS}}
	acknowledger := &fakeAcknowledger{}

	require.NoError(t, s.settle(testContext(t), newDelivery(acknowledger), errors.New("database is down")))

	assert.Equal(t, []settlement{{requeue: true}}, acknowledger.settlements)
	assert.Contains(t, buf.String(), "level=WARN")
	assert.Contains(t, buf.String(), "database is down")
	assert.Contains(t, buf.String(), "queue="+QUEUE_BUILD_RESULTS)
}

func TestSettlerLogsRejectedErrors(t *testing.T) {
	logger, buf := captureLogger()
	s := &settler{logger: logger, options: ConsumeOptions{Queue: QUEUE_BUILD_REQUESTS}}
	acknowledger := &fakeAcknowledger{}

	require.NoError(t, s.settle(testContext(t), newDelivery(acknowledger), Permanent(errors.New("malformed task"))))

	assert.Equal(t, []settlement{{requeue: false}}, acknowledger.settlements)
	assert.Contains(t, buf.String(), "level=ERROR")
	assert.Contains(t, buf.String(), "malformed task")
}

func TestSettlerSuccessIsQuiet(t *testing.T) {
	logger, buf := captureLogger()
	s := &settler{logger: logger, options: ConsumeOptions{Queue: QUEUE_BUILD_RESULTS}}

	require.NoError(t, s.settle(testContext(t), newDelivery(&fakeAcknowledger{}), nil))
	assert.Empty(t, buf.String())
}

func TestSettlerStopsAfterConsecutiveFailures(t *testing.T) {
	logger, _ := captureLogger()
	s := &settler{logger: logger, options: ConsumeOptions{Queue: QUEUE_BUILD_RESULTS, MaxConsecutiveFailures: 3}}
	acknowledger := &fakeAcknowledger{}
	cause := errors.New("database is down")

	require.NoError(t, s.settle(testContext(t), newDelivery(acknowledger), cause))
	require.NoError(t, s.settle(testContext(t), newDelivery(acknowledger), cause))
	err := s.settle(testContext(t), newDelivery(acknowledger), cause)

	var streak *ConsecutiveFailuresError
	require.ErrorAs(t, err, &streak)
	assert.Equal(t, 3, streak.Count)
	assert.ErrorIs(t, err, cause)
	// The last delivery is still handed back before the consumer stops.
	assert.Len(t, acknowledger.settlements, 3)
	assert.Equal(t, settlement{requeue: true}, acknowledger.settlements[2])
}

func TestSettlerResetsStreak(t *testing.T) {
	logger, _ := captureLogger()
	s := &settler{logger: logger, options: ConsumeOptions{Queue: QUEUE_BUILD_RESULTS, MaxConsecutiveFailures: 2}}
	acknowledger := &fakeAcknowledger{}
	cause := errors.New("channel closed")

	require.NoError(t, s.settle(testContext(t), newDelivery(acknowledger), cause))
	require.NoError(t, s.settle(testContext(t), newDelivery(acknowledger), nil))
	require.NoError(t, s.settle(testContext(t), newDelivery(acknowledger), cause))
	require.NoError(t, s.settle(testContext(t), newDelivery(acknowledger), Permanent(cause)))
	require.NoError(t, s.settle(testContext(t), newDelivery(acknowledger), cause))
	assert.Equal(t, 1, s.failures)
}

func TestSettlerDelaysRequeue(t *testing.T) {
	logger, _ := captureLogger()
	s := &settler{logger: logger, options: ConsumeOptions{Queue: QUEUE_BUILD_RESULTS, RequeueDelay: 40 * time.Millisecond}}

	start := time.Now()
	require.NoError(t, s.settle(testContext(t), newDelivery(&fakeAcknowledger{}), errors.New("database is down")))
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)

	// Successes are settled right away.
	start = time.Now()
	require.NoError(t, s.settle(testContext(t), newDelivery(&fakeAcknowledger{}), nil))
	assert.Less(t, time.Since(start), 40*time.Millisecond)
}

// testContext stands in for testing.T.Context (Go 1.24+): the context is
// cancelled when the test's cleanup runs.
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}
