// Package kafka publishes lease events to Apache Kafka with segmentio/kafka-go.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/nimburion/leasecoord/pkg/eventbus"
	"github.com/nimburion/leasecoord/pkg/observability/logger"
)

const (
	defaultOperationTimeout = 10 * time.Second
	defaultMaxAttempts      = 3
	healthCheckTimeout      = 5 * time.Second
)

var errClosed = errors.New("kafka producer is closed")

// Config holds the Kafka producer configuration.
type Config struct {
	Brokers          []string
	OperationTimeout time.Duration
	MaxAttempts      int
}

type writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type dialFunc func(ctx context.Context, network, address string) (brokerConn, error)

type brokerConn interface {
	Brokers() ([]kafka.Broker, error)
	Close() error
}

// Producer writes messages synchronously, one topic per message.
type Producer struct {
	writer writer
	dial   dialFunc
	config Config
	log    logger.Logger

	mu     sync.RWMutex
	closed bool
}

// NewProducer creates a producer for cfg.Brokers. No connection is opened until
// the first publish or health check.
func NewProducer(cfg Config, log logger.Logger) (*Producer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one broker address is required")
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = defaultOperationTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}

	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		MaxAttempts:            cfg.MaxAttempts,
		WriteTimeout:           cfg.OperationTimeout,
		ReadTimeout:            cfg.OperationTimeout,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}
	log.Info("kafka producer initialized", "brokers", cfg.Brokers, "operation_timeout", cfg.OperationTimeout)
	return newProducer(w, dialBroker, cfg, log), nil
}

func newProducer(w writer, dial dialFunc, cfg Config, log logger.Logger) *Producer {
	return &Producer{writer: w, dial: dial, config: cfg, log: log}
}

func dialBroker(ctx context.Context, network, address string) (brokerConn, error) {
	return kafka.DialContext(ctx, network, address)
}

// Publish writes message to topic, keyed so that one job's events share a partition.
func (p *Producer) Publish(ctx context.Context, topic string, message *eventbus.Message) error {
	if p.isClosed() {
		return errClosed
	}
	if message == nil {
		return fmt.Errorf("message is required")
	}

	ctx, cancel := context.WithTimeout(ctx, p.config.OperationTimeout)
	defer cancel()

	msg := kafka.Message{
		Topic:   topic,
		Key:     []byte(message.Key),
		Value:   message.Value,
		Headers: toKafkaHeaders(message),
		Time:    message.Timestamp,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish to topic %s: %w", topic, err)
	}
	p.log.Debug("lease event published", "topic", topic, "message_id", message.ID, "key", message.Key)
	return nil
}

// HealthCheck dials the first broker and fetches the broker list.
func (p *Producer) HealthCheck(ctx context.Context) error {
	if p.isClosed() {
		return errClosed
	}
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	conn, err := p.dial(ctx, "tcp", p.config.Brokers[0])
	if err != nil {
		return fmt.Errorf("connect to kafka broker: %w", err)
	}
	defer conn.Close()
	if _, err := conn.Brokers(); err != nil {
		return fmt.Errorf("fetch broker metadata: %w", err)
	}
	return nil
}

// Close flushes the writer. Calling it again is a no-op.
func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("close kafka writer: %w", err)
	}
	return nil
}

func (p *Producer) isClosed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}

func toKafkaHeaders(message *eventbus.Message) []kafka.Header {
	headers := make([]kafka.Header, 0, len(message.Headers)+2)
	if message.ID != "" {
		headers = append(headers, kafka.Header{Key: "message-id", Value: []byte(message.ID)})
	}
	if message.ContentType != "" {
		headers = append(headers, kafka.Header{Key: "content-type", Value: []byte(message.ContentType)})
	}
	for k, v := range message.Headers {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	return headers
}
