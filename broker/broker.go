// Package broker is the AMQP transport of the pipeline. Every queue is a plain work queue on
// the default exchange.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashworks/aur-ci/logfields"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	QUEUE_BUILD_REQUESTS = "pkg_build"
	QUEUE_BUILD_RESULTS  = "build_results"
	QUEUE_NOTIFICATIONS  = "notifications"
)

const CONTENT_TYPE_JSON = "application/json"

type Options struct {
	DurableQueues      bool
	PersistentMessages bool
}

type Broker struct {
	conn    *amqp.Connection
	options Options
	logger  *slog.Logger
}

// Dial opens a single connection attempt. Retrying is up to the caller.
func Dial(ctx context.Context, addr string) (*amqp.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return amqp.DialConfig(addr, amqp.Config{
		Properties: amqp.Table{"connection_name": "aur-ci"},
	})
}

func New(conn *amqp.Connection, options Options, logger *slog.Logger) *Broker {
	return &Broker{conn: conn, options: options, logger: logger}
}

func (b *Broker) Close() error {
	return b.conn.Close()
}

// NotifyClose returns a channel that receives the error closing the connection.
func (b *Broker) NotifyClose() <-chan *amqp.Error {
	return b.conn.NotifyClose(make(chan *amqp.Error, 1))
}

func declareQueues(ch *amqp.Channel, durable bool, queues ...string) error {
	for _, queue := range queues {
		if _, err := ch.QueueDeclare(queue, durable, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", queue, err)
		}
	}
	return nil
}

// ConsumerTag returns a unique consumer tag with the given prefix.
func ConsumerTag(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

// Publisher publishes on a dedicated channel in confirm mode. Publish blocks until the broker
// confirmed the message.
type Publisher struct {
	mu         sync.Mutex
	ch         *amqp.Channel
	persistent bool
}

// NewPublisher opens a channel and declares the given queues on it.
func (b *Broker) NewPublisher(queues ...string) (*Publisher, error) {
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	if err := declareQueues(ch, b.options.DurableQueues, queues...); err != nil {
		ch.Close()
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
	}
	return &Publisher{ch: ch, persistent: b.options.PersistentMessages}, nil
}

func (p *Publisher) Publish(ctx context.Context, queue string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	deliveryMode := amqp.Transient
	if p.persistent {
		deliveryMode = amqp.Persistent
	}

	confirmation, err := p.ch.PublishWithDeferredConfirmWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:  CONTENT_TYPE_JSON,
		DeliveryMode: deliveryMode,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", queue, err)
	}
	acked, err := confirmation.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to confirm publish to %s: %w", queue, err)
	}
	if !acked {
		return fmt.Errorf("broker rejected message on %s", queue)
	}
	return nil
}

func (p *Publisher) PublishJSON(ctx context.Context, queue string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message for %s: %w", queue, err)
	}
	return p.Publish(ctx, queue, body)
}

func (p *Publisher) Close() error {
	return p.ch.Close()
}

// Handler processes one delivery. Returning nil acknowledges it, an error wrapped with
// Permanent rejects it without requeue and any other error requeues it.
type Handler func(ctx context.Context, delivery amqp.Delivery) error

type ConsumeOptions struct {
	Queue       string
	ConsumerTag string
	// Prefetch bounds the unacknowledged deliveries of this consumer.
	Prefetch int
	// RequeueDelay is waited before a failed delivery is handed back to the queue.
	RequeueDelay time.Duration
	// MaxConsecutiveFailures stops the consumer once that many deliveries in a row were
	// requeued. Zero disables the limit.
	MaxConsecutiveFailures int
}

// ConsecutiveFailuresError stops a consumer whose handler keeps failing transiently. It
// unwraps to the last handler error.
type ConsecutiveFailuresError struct {
	Queue string
	Count int
	Err   error
}

func (e *ConsecutiveFailuresError) Error() string {
	return fmt.Sprintf("%d consecutive deliveries on %s failed: %v", e.Count, e.Queue, e.Err)
}

func (e *ConsecutiveFailuresError) Unwrap() error { return e.Err }

type settler struct {
	logger   *slog.Logger
	options  ConsumeOptions
	failures int
}

// settle logs a failed delivery, settles it and counts transient failures in a row.
func (s *settler) settle(ctx context.Context, delivery amqp.Delivery, handlerErr error) error {
	switch {
	case handlerErr == nil:
		s.failures = 0
	case IsPermanent(handlerErr):
		s.failures = 0
		s.logger.Error("Rejected delivery", logfields.Queue(s.options.Queue), logfields.Error(handlerErr))
	default:
		s.failures++
		s.logger.Warn("Requeueing delivery", logfields.Queue(s.options.Queue), slog.Int("consecutive_failures", s.failures), logfields.Error(handlerErr))
		if s.options.RequeueDelay > 0 {
			timer := time.NewTimer(s.options.RequeueDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
			case <-timer.C:
			}
		}
	}

	if err := Settle(delivery, handlerErr); err != nil {
		return fmt.Errorf("failed to settle delivery on %s: %w", s.options.Queue, err)
	}
	if s.options.MaxConsecutiveFailures > 0 && s.failures >= s.options.MaxConsecutiveFailures {
		return &ConsecutiveFailuresError{Queue: s.options.Queue, Count: s.failures, Err: handlerErr}
	}
	return nil
}

// Consume processes deliveries of one queue sequentially until ctx is done or the channel
// closes. Each delivery is settled before the next one is read. Failed deliveries are logged,
// a run of MaxConsecutiveFailures requeued deliveries ends the consumer with a
// *ConsecutiveFailuresError.
func (b *Broker) Consume(ctx context.Context, options ConsumeOptions, handler Handler) error {
	ch, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.Qos(options.Prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}
	if err := declareQueues(ch, b.options.DurableQueues, options.Queue); err != nil {
		return err
	}

	deliveries, err := ch.ConsumeWithContext(ctx, options.Queue, options.ConsumerTag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to consume %s: %w", options.Queue, err)
	}

	b.logger.Info("Consuming", logfields.Queue(options.Queue), slog.String("consumer", options.ConsumerTag), slog.Int("prefetch", options.Prefetch))

	failures := &settler{logger: b.logger, options: options}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case delivery, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("delivery channel of %s closed", options.Queue)
			}
			if err := failures.settle(ctx, delivery, handler(ctx, delivery)); err != nil {
				return err
			}
		}
	}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth a redelivery.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Settle acknowledges or negatively acknowledges a delivery according to the handler result.
func Settle(delivery amqp.Delivery, handlerErr error) error {
	switch {
	case handlerErr == nil:
		return delivery.Ack(false)
	case IsPermanent(handlerErr):
		return delivery.Nack(false, false)
	default:
		return delivery.Nack(false, true)
	}
}
