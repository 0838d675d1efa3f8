// Package rabbitmq publishes lease events to a RabbitMQ topic exchange.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/nimburion/leasecoord/pkg/eventbus"
	"github.com/nimburion/leasecoord/pkg/observability/logger"
)

const (
	DefaultExchange         = "leasecoord"
	defaultExchangeType     = "topic"
	defaultOperationTimeout = 10 * time.Second
)

var errClosed = errors.New("rabbitmq producer is closed")

// Config holds the RabbitMQ producer configuration.
type Config struct {
	URL              string
	Exchange         string
	OperationTimeout time.Duration
}

type connection interface {
	IsClosed() bool
	Close() error
}

type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	IsClosed() bool
	Close() error
}

// Producer publishes on a durable topic exchange. The routing key is the topic
// followed by the message key, e.g. "leasecoord.lease-events.report".
type Producer struct {
	conn   connection
	ch     channel
	config Config
	log    logger.Logger

	mu     sync.RWMutex
	closed bool
}

// NewProducer dials cfg.URL, opens a channel and declares the exchange.
func NewProducer(cfg Config, log logger.Logger) (*Producer, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("rabbitmq URL is required")
	}
	cfg = withDefaults(cfg)

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, defaultExchangeType, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", cfg.Exchange, err)
	}
	log.Info("rabbitmq producer initialized", "exchange", cfg.Exchange)
	return newProducer(conn, ch, cfg, log), nil
}

func withDefaults(cfg Config) Config {
	if strings.TrimSpace(cfg.Exchange) == "" {
		cfg.Exchange = DefaultExchange
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = defaultOperationTimeout
	}
	return cfg
}

func newProducer(conn connection, ch channel, cfg Config, log logger.Logger) *Producer {
	return &Producer{conn: conn, ch: ch, config: withDefaults(cfg), log: log}
}

// Publish sends message as a persistent delivery.
func (p *Producer) Publish(ctx context.Context, topic string, message *eventbus.Message) error {
	if p.isClosed() {
		return errClosed
	}
	if message == nil {
		return fmt.Errorf("message is required")
	}

	ctx, cancel := context.WithTimeout(ctx, p.config.OperationTimeout)
	defer cancel()

	key := RoutingKey(topic, message.Key)
	publishing := amqp.Publishing{
		MessageId:    message.ID,
		ContentType:  message.ContentType,
		DeliveryMode: amqp.Persistent,
		Body:         message.Value,
		Timestamp:    message.Timestamp,
		Headers:      toAMQPHeaders(message.Headers),
	}
	if err := p.ch.PublishWithContext(ctx, p.config.Exchange, key, false, false, publishing); err != nil {
		return fmt.Errorf("publish to %s/%s: %w", p.config.Exchange, key, err)
	}
	p.log.Debug("lease event published", "exchange", p.config.Exchange, "routing_key", key, "message_id", message.ID)
	return nil
}

// HealthCheck reports whether the connection and the publishing channel are open.
func (p *Producer) HealthCheck(ctx context.Context) error {
	if p.isClosed() {
		return errClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.conn.IsClosed() {
		return fmt.Errorf("rabbitmq connection is closed")
	}
	if p.ch.IsClosed() {
		return fmt.Errorf("rabbitmq channel is closed")
	}
	return nil
}

// Close closes the channel, then the connection.
func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true

	var errs []error
	if err := p.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		errs = append(errs, fmt.Errorf("close channel: %w", err))
	}
	if err := p.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		errs = append(errs, fmt.Errorf("close connection: %w", err))
	}
	return errors.Join(errs...)
}

func (p *Producer) isClosed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}

// RoutingKey joins the non-empty parts with dots.
func RoutingKey(topic, key string) string {
	topic = strings.Trim(strings.TrimSpace(topic), ".")
	key = strings.Trim(strings.TrimSpace(key), ".")
	switch {
	case topic == "":
		return key
	case key == "":
		return topic
	default:
		return topic + "." + key
	}
}

func toAMQPHeaders(headers map[string]string) amqp.Table {
	if len(headers) == 0 {
		return nil
	}
	table := make(amqp.Table, len(headers))
	for k, v := range headers {
		table[k] = v
	}
	return table
}
