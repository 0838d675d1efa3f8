package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nimburion/leasecoord/pkg/observability/logger"
	"github.com/nimburion/leasecoord/pkg/scheduler"
)

const (
	DefaultTopic          = "leasecoord.lease-events"
	DefaultPublishTimeout = 2 * time.Second

	contentTypeJSON = "application/json"
	headerEventType = "event-type"
	headerJobType   = "job-type"
)

var leaseEventsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "leasecoord_lease_events_total",
		Help: "Total number of lease events handed to the broker by status",
	},
	[]string{"type", "status"},
)

// Collectors returns the event publishing metrics.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{leaseEventsTotal}
}

// LeasePublisher is a scheduler.EventSink that serializes lease events as JSON
// and publishes them on one topic. Failures are logged and counted, never returned.
type LeasePublisher struct {
	producer Producer
	topic    string
	timeout  time.Duration
	log      logger.Logger
}

// NewLeasePublisher creates a publisher. Empty topic and zero timeout take the defaults.
func NewLeasePublisher(producer Producer, topic string, timeout time.Duration, log logger.Logger) (*LeasePublisher, error) {
	if producer == nil {
		return nil, fmt.Errorf("%w: producer is required", scheduler.ErrInvalidArgument)
	}
	if log == nil {
		return nil, fmt.Errorf("%w: logger is required", scheduler.ErrInvalidArgument)
	}
	if strings.TrimSpace(topic) == "" {
		topic = DefaultTopic
	}
	if timeout <= 0 {
		timeout = DefaultPublishTimeout
	}
	return &LeasePublisher{producer: producer, topic: topic, timeout: timeout, log: log}, nil
}

// Emit publishes event within the publish timeout.
func (p *LeasePublisher) Emit(ctx context.Context, event scheduler.LeaseEvent) {
	message, err := NewLeaseMessage(event)
	if err != nil {
		leaseEventsTotal.WithLabelValues(string(event.Type), "error").Inc()
		p.log.Warn("lease event encoding failed", "type", event.Type, "error", err)
		return
	}

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()
	if err := p.producer.Publish(pubCtx, p.topic, message); err != nil {
		leaseEventsTotal.WithLabelValues(string(event.Type), "error").Inc()
		p.log.Warn("lease event not published",
			"type", event.Type,
			"lease_id", event.LeaseID,
			"topic", p.topic,
			"error", err,
		)
		return
	}
	leaseEventsTotal.WithLabelValues(string(event.Type), "ok").Inc()
}

// HealthCheck reports the producer connectivity.
func (p *LeasePublisher) HealthCheck(ctx context.Context) error {
	return p.producer.HealthCheck(ctx)
}

// Close closes the producer.
func (p *LeasePublisher) Close() error {
	return p.producer.Close()
}

// NewLeaseMessage encodes event as a JSON message keyed by job type.
func NewLeaseMessage(event scheduler.LeaseEvent) (*Message, error) {
	value, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("encode lease event: %w", err)
	}
	timestamp := event.At
	if timestamp.IsZero() {
		timestamp = time.Now().UTC()
	}
	return &Message{
		ID:    uuid.NewString(),
		Key:   event.JobType,
		Value: value,
		Headers: map[string]string{
			headerEventType: string(event.Type),
			headerJobType:   event.JobType,
		},
		ContentType: contentTypeJSON,
		Timestamp:   timestamp,
	}, nil
}
