package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Outcome tells the consumer what to do with a delivery after handling.
type Outcome int

const (
	// Ack acknowledges the delivery.
	Ack Outcome = iota
	// NackDiscard rejects the delivery without requeue; the failure has
	// already been made durable (terminal error state) by the handler.
	NackDiscard
)

// Handler processes one delivery body and decides its fate. Handlers must
// write any terminal state before returning Ack or NackDiscard.
type Handler func(ctx context.Context, body []byte) Outcome

// ConsumerConfig tunes one step consumer.
type ConsumerConfig struct {
	// Queue is the durable queue to consume from.
	Queue string

	// Prefetch bounds unacknowledged deliveries per channel (10-100).
	Prefetch int

	// Workers is the number of concurrent handler goroutines.
	Workers int
}

// DefaultConsumerConfig returns the built-in consumer defaults.
func DefaultConsumerConfig(queue string) ConsumerConfig {
	return ConsumerConfig{Queue: queue, Prefetch: 10, Workers: 10}
}

// Consumer pulls deliveries from one durable queue and dispatches them to a
// bounded pool of handler goroutines. Acks and nacks are issued directly on
// the delivery; the amqp091-go channel serializes wire writes internally, so
// handler goroutines never coordinate on the channel themselves.
//
// A lost connection is handled by sleeping ReconnectDelay, re-dialing, and
// re-consuming; unacked deliveries are redelivered by the broker.
type Consumer struct {
	url     string
	cfg     ConsumerConfig
	handler Handler
	logger  *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewConsumer creates a consumer for one queue.
func NewConsumer(url string, cfg ConsumerConfig, handler Handler) *Consumer {
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 10
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 10
	}
	return &Consumer{
		url:     url,
		cfg:     cfg,
		handler: handler,
		logger:  slog.Default().With("queue", cfg.Queue),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the consume loop. Returns immediately; processing continues
// until Stop is called or ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(ctx)
	}()
	c.logger.Info("Consumer started", "prefetch", c.cfg.Prefetch, "workers", c.cfg.Workers)
}

// Stop signals shutdown and waits for in-flight handlers to finish.
func (c *Consumer) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
	c.logger.Info("Consumer stopped")
}

func (c *Consumer) run(ctx context.Context) {
	for {
		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		if err := c.consumeOnce(ctx); err != nil {
			c.logger.Warn("Consume loop ended, reconnecting", "error", err)
		}

		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		case <-time.After(ReconnectDelay):
		}
	}
}

// consumeOnce holds one connection for its lifetime: dial, declare, consume,
// dispatch until the delivery stream closes or shutdown is requested.
func (c *Consumer) consumeOnce(ctx context.Context) error {
	conn, err := amqp.DialConfig(c.url, amqp.Config{Heartbeat: Heartbeat})
	if err != nil {
		return fmt.Errorf("dial broker: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("set prefetch: %w", err)
	}
	if _, err := ch.QueueDeclare(c.cfg.Queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}

	deliveries, err := ch.Consume(c.cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("start consume: %w", err)
	}

	// Bounded handler pool: slots caps concurrent handlers at cfg.Workers.
	slots := make(chan struct{}, c.cfg.Workers)
	var handlers sync.WaitGroup
	defer handlers.Wait()

	for {
		select {
		case <-c.stopCh:
			return nil
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery stream closed")
			}
			slots <- struct{}{}
			handlers.Add(1)
			go func(d amqp.Delivery) {
				defer handlers.Done()
				defer func() { <-slots }()
				c.dispatch(ctx, d)
			}(d)
		}
	}
}

func (c *Consumer) dispatch(ctx context.Context, d amqp.Delivery) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Handler panicked, discarding delivery", "panic", r)
			_ = d.Nack(false, false)
		}
	}()

	switch c.handler(ctx, d.Body) {
	case Ack:
		if err := d.Ack(false); err != nil {
			c.logger.Warn("Ack failed", "error", err)
		}
	case NackDiscard:
		if err := d.Nack(false, false); err != nil {
			c.logger.Warn("Nack failed", "error", err)
		}
	}
}
