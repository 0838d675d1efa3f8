// Package eventbus publishes lease lifecycle events to a message broker.
package eventbus

import (
	"context"
	"time"
)

// Producer publishes messages to a broker topic, queue or routing key.
type Producer interface {
	Publish(ctx context.Context, topic string, message *Message) error
	// HealthCheck verifies connectivity to the broker.
	HealthCheck(ctx context.Context) error
	// Close flushes pending messages and releases the connection.
	Close() error
}

// Message is a broker-neutral message.
type Message struct {
	ID string
	// Key selects the partition on brokers that have them. Lease events use the
	// job type so that events of one job stay ordered.
	Key         string
	Value       []byte
	Headers     map[string]string
	ContentType string
	Timestamp   time.Time
}
