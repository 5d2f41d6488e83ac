package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrBrokerUnavailable is returned when a publish fails even after a
// reconnect and retry.
var ErrBrokerUnavailable = errors.New("broker unavailable")

// Publisher owns a single long-lived connection and channel, guarded by a
// mutex. On a broker-side channel close it reconnects transparently and
// retries the publish once.
type Publisher struct {
	url    string
	logger *slog.Logger

	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	declared map[string]bool
}

// NewPublisher creates a Publisher and eagerly establishes the connection so
// startup fails fast when the broker is unreachable.
func NewPublisher(url string) (*Publisher, error) {
	p := &Publisher{
		url:      url,
		logger:   slog.Default(),
		declared: make(map[string]bool),
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.connectLocked(); err != nil {
		return nil, err
	}
	return p, nil
}

// Publish serializes body as JSON and publishes it persistently to the named
// durable queue. Synchronous from the caller's perspective; returns
// ErrBrokerUnavailable only when the reconnect retry also fails.
func (p *Publisher) Publish(ctx context.Context, queue string, body any, hdr Headers) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode message for %s: %w", queue, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.publishLocked(ctx, queue, raw, hdr); err == nil {
		return nil
	} else if !isChannelError(err) {
		return fmt.Errorf("publish to %s: %w", queue, err)
	}

	p.logger.Warn("Broker channel lost during publish, reconnecting", "queue", queue)
	p.closeLocked()
	if err := p.connectLocked(); err != nil {
		return fmt.Errorf("%w: reconnect failed: %v", ErrBrokerUnavailable, err)
	}
	if err := p.publishLocked(ctx, queue, raw, hdr); err != nil {
		return fmt.Errorf("%w: retry failed: %v", ErrBrokerUnavailable, err)
	}
	return nil
}

// Close shuts the connection down. The Publisher is unusable afterwards.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeLocked()
	return nil
}

func (p *Publisher) publishLocked(ctx context.Context, queue string, raw []byte, hdr Headers) error {
	if p.ch == nil {
		if err := p.connectLocked(); err != nil {
			return err
		}
	}
	if !p.declared[queue] {
		if _, err := p.ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare queue %s: %w", queue, err)
		}
		p.declared[queue] = true
	}
	return p.ch.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Headers: amqp.Table{
			"saga_id":    hdr.SagaID,
			"user_id":    strconv.FormatInt(hdr.UserID, 10),
			"account_id": hdr.AccountID,
		},
		Body: raw,
	})
}

func (p *Publisher) connectLocked() error {
	conn, err := amqp.DialConfig(p.url, amqp.Config{Heartbeat: Heartbeat})
	if err != nil {
		return fmt.Errorf("dial broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	p.conn = conn
	p.ch = ch
	p.declared = make(map[string]bool)
	return nil
}

func (p *Publisher) closeLocked() {
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
	p.declared = make(map[string]bool)
}

// isChannelError reports whether err indicates a closed or broken channel,
// the condition that warrants one reconnect-and-retry.
func isChannelError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, amqp.ErrClosed) {
		return true
	}
	var amqpErr *amqp.Error
	return errors.As(err, &amqpErr)
}
