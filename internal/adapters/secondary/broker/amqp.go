// Package broker adapts the shared publish/subscribe bus used for
// cross-instance event fan-out. One fixed fanout exchange serves as the bus;
// filtering happens at the application layer via the event target.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	apperrors "github.com/workhub/portal-realtime/internal/core/errors"
	"github.com/workhub/portal-realtime/internal/core/ports"
	"github.com/workhub/portal-realtime/internal/infrastructure/metrics"
)

// Options configures the AMQP adapter.
type Options struct {
	// URL is the broker connection URL. The amqps:// scheme enables TLS
	// automatically.
	URL string

	// Exchange is the fanout exchange acting as the shared bus.
	Exchange string

	// MaxRetries bounds connection attempts before the adapter gives up
	// and the process continues in in-process-only mode.
	MaxRetries int

	// RetryStep and RetryMaxWait shape the backoff: attempt N waits
	// min(N*RetryStep, RetryMaxWait).
	RetryStep    time.Duration
	RetryMaxWait time.Duration
}

func (o Options) withDefaults() Options {
	if o.Exchange == "" {
		o.Exchange = "portal.events"
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 10
	}
	if o.RetryStep <= 0 {
		o.RetryStep = 500 * time.Millisecond
	}
	if o.RetryMaxWait <= 0 {
		o.RetryMaxWait = 5 * time.Second
	}
	return o
}

// backoff returns the wait before the given 1-based attempt.
func (o Options) backoff(attempt int) time.Duration {
	wait := time.Duration(attempt) * o.RetryStep
	if wait > o.RetryMaxWait {
		wait = o.RetryMaxWait
	}
	return wait
}

// AMQPBroker is the bus adapter backed by a RabbitMQ fanout exchange. Each
// gateway instance consumes from its own exclusive auto-delete queue, so
// every instance sees every published event.
type AMQPBroker struct {
	opts    Options
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
	closed  bool
}

var _ ports.Broker = (*AMQPBroker)(nil)

// Connect dials the broker with capped backoff. It returns an error only
// after exhausting MaxRetries; callers substitute the noop adapter and the
// host process keeps running in in-process-only mode.
func Connect(ctx context.Context, opts Options, m *metrics.Metrics, logger *slog.Logger) (*AMQPBroker, error) {
	opts = opts.withDefaults()
	if m == nil {
		m = metrics.NewUnregistered()
	}

	b := &AMQPBroker{
		opts:    opts,
		metrics: m,
		logger:  logger.With("component", "broker"),
	}

	if err := b.dial(ctx); err != nil {
		return nil, err
	}

	return b, nil
}

// dial attempts the connection with min(attempt*step, max) backoff.
func (b *AMQPBroker) dial(ctx context.Context) error {
	var lastErr error

	for attempt := 1; attempt <= b.opts.MaxRetries; attempt++ {
		conn, err := amqp.Dial(b.opts.URL)
		if err == nil {
			channel, chErr := conn.Channel()
			if chErr == nil {
				if exErr := channel.ExchangeDeclare(
					b.opts.Exchange, // name
					"fanout",        // kind
					false,           // durable: events are fire-and-forget
					true,            // auto-delete
					false,           // internal
					false,           // no-wait
					nil,             // arguments
				); exErr == nil {
					b.mu.Lock()
					b.conn = conn
					b.channel = channel
					b.mu.Unlock()

					if attempt > 1 {
						b.logger.Info("broker connected after retries", "attempts", attempt)
					} else {
						b.logger.Info("broker connected")
					}
					return nil
				} else {
					lastErr = exErr
				}
				_ = channel.Close()
			} else {
				lastErr = chErr
			}
			_ = conn.Close()
		} else {
			lastErr = err
		}

		b.metrics.BrokerReconnects.Inc()

		if attempt == b.opts.MaxRetries {
			break
		}

		wait := b.opts.backoff(attempt)
		b.logger.Debug("broker connection attempt failed, retrying",
			"attempt", attempt,
			"wait", wait.String(),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}

	// One summary log for the whole failed dial cycle, not one per retry.
	b.logger.Error("broker unreachable, continuing without cross-instance fan-out",
		"attempts", b.opts.MaxRetries,
		"error", lastErr,
	)
	return fmt.Errorf("%w: %v", apperrors.ErrBrokerUnavailable, lastErr)
}

// Publish sends a serialized event onto the bus. Failures are returned to
// the caller, which treats them as best-effort.
func (b *AMQPBroker) Publish(ctx context.Context, body []byte) error {
	b.mu.Lock()
	channel := b.channel
	closed := b.closed
	b.mu.Unlock()

	if closed {
		return apperrors.ErrBrokerClosed
	}
	if channel == nil {
		return apperrors.ErrBrokerUnavailable
	}

	err := channel.PublishWithContext(ctx,
		b.opts.Exchange, // exchange
		"",              // routing key: fanout ignores it
		false,           // mandatory
		false,           // immediate
		amqp.Publishing{
			ContentType: "application/json",
			Body:        body,
		},
	)
	if err != nil {
		b.metrics.BrokerPublishErr.Inc()
		return fmt.Errorf("broker publish: %w", err)
	}
	return nil
}

// Subscribe consumes the bus until ctx is canceled, invoking handler once
// per inbound message. The consume loop survives channel loss by redialing
// with the configured backoff, and a failing handler never stops it.
func (b *AMQPBroker) Subscribe(ctx context.Context, handler func(body []byte)) error {
	deliveries, err := b.consume()
	if err != nil {
		return err
	}

	go b.consumeLoop(ctx, deliveries, handler)
	return nil
}

// consume binds a fresh exclusive queue to the fanout exchange.
func (b *AMQPBroker) consume() (<-chan amqp.Delivery, error) {
	b.mu.Lock()
	channel := b.channel
	closed := b.closed
	b.mu.Unlock()

	if closed {
		return nil, apperrors.ErrBrokerClosed
	}
	if channel == nil {
		return nil, apperrors.ErrBrokerUnavailable
	}

	queue, err := channel.QueueDeclare(
		"",    // name: broker-assigned
		false, // durable
		true,  // auto-delete
		true,  // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return nil, fmt.Errorf("declare queue: %w", err)
	}

	if err := channel.QueueBind(
		queue.Name,      // queue name
		"",              // routing key
		b.opts.Exchange, // exchange
		false,           // no-wait
		nil,             // arguments
	); err != nil {
		return nil, fmt.Errorf("bind queue: %w", err)
	}

	deliveries, err := channel.Consume(
		queue.Name, // queue
		"",         // consumer tag
		true,       // auto-ack: fire-and-forget, no redelivery wanted
		true,       // exclusive
		false,      // no-local
		false,      // no-wait
		nil,        // arguments
	)
	if err != nil {
		return nil, fmt.Errorf("consume queue: %w", err)
	}

	return deliveries, nil
}

func (b *AMQPBroker) consumeLoop(ctx context.Context, deliveries <-chan amqp.Delivery, handler func(body []byte)) {
	for {
		select {
		case <-ctx.Done():
			return

		case delivery, ok := <-deliveries:
			if !ok {
				if !b.redial(ctx, &deliveries, handler) {
					return
				}
				continue
			}
			b.dispatch(delivery.Body, handler)
		}
	}
}

// dispatch isolates handler panics so one bad message cannot tear down the
// subscription loop.
func (b *AMQPBroker) dispatch(body []byte, handler func(body []byte)) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("recovered from message handler panic", "panic", r)
		}
	}()
	handler(body)
}

// redial re-establishes the connection and consumer after channel loss.
// Returns false when the adapter is closed or retries are exhausted.
func (b *AMQPBroker) redial(ctx context.Context, deliveries *<-chan amqp.Delivery, handler func(body []byte)) bool {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false
	}
	b.conn = nil
	b.channel = nil
	b.mu.Unlock()

	b.logger.Warn("broker connection lost, reconnecting")

	if err := b.dial(ctx); err != nil {
		return false
	}

	fresh, err := b.consume()
	if err != nil {
		b.logger.Error("failed to re-establish broker consumer", "error", err)
		return false
	}

	*deliveries = fresh
	return true
}

// Close shuts the adapter down. Safe to call more than once.
func (b *AMQPBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	if b.channel != nil {
		_ = b.channel.Close()
		b.channel = nil
	}
	if b.conn != nil {
		if err := b.conn.Close(); err != nil {
			return err
		}
		b.conn = nil
	}
	return nil
}
