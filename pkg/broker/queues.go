// Package broker provides the durable queue transport between saga steps on
// RabbitMQ: a reconnecting publisher and a prefetch-bounded consumer pool.
package broker

import "time"

// Queue names, one per saga transition plus the terminal error queue.
const (
	QueueGenerate = "query_generate_query"
	QueueExecute  = "query_execute_query"
	QueueFormat   = "query_format_result"
	QueueError    = "query_error"
)

const (
	// Heartbeat keeps long-idle connections alive across LB idle timeouts.
	Heartbeat = 600 * time.Second

	// ReconnectDelay is the pause before re-dialing after a lost connection
	// during consume.
	ReconnectDelay = 5 * time.Second
)

// Headers are attached to every published message so operators can trace a
// saga through the broker without decoding bodies.
type Headers struct {
	SagaID    string
	UserID    int64
	AccountID string
}
