// Package events publishes relay outcome events to Kafka for downstream
// analytics. Publishing is strictly best-effort: a broker outage never
// blocks or fails the relay itself.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kgo"

	"lookout/pkg/logging"
)

// Topic carrying relay outcome events.
const OutcomeTopic = "relay_outcomes"

// Event types.
const (
	TypeItemOutcome    = "item_outcome"
	TypeCycleComplete  = "cycle_complete"
	TypeCredentialSwap = "credential_rotated"
	TypeSinkFatal      = "sink_fatal"
)

// RelayEvent is the envelope for everything lookout publishes.
type RelayEvent struct {
	EventID   string         `json:"event_id"`
	EventType string         `json:"event_type"`
	Source    string         `json:"source"`
	Timestamp time.Time      `json:"timestamp"`
	TopicID   string         `json:"topic_id,omitempty"`
	PostID    string         `json:"post_id,omitempty"`
	Outcome   string         `json:"outcome,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Publisher wraps a franz-go producer. The zero-value-like publisher
// returned for an empty broker list is a no-op, so callers never need
// nil checks.
type Publisher struct {
	client *kgo.Client
	source string
	logger logging.Logger
}

// NewPublisher connects to the given brokers. An empty broker list
// returns a disabled publisher.
func NewPublisher(brokers []string, source string, logger logging.Logger) (*Publisher, error) {
	if len(brokers) == 0 {
		logger.Info("Event publishing disabled, no brokers configured")
		return &Publisher{source: source, logger: logger}, nil
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ClientID("lookout"),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.ProducerLinger(10*time.Millisecond),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return &Publisher{client: client, source: source, logger: logger}, nil
}

// Enabled reports whether events actually reach a broker.
func (p *Publisher) Enabled() bool { return p.client != nil }

// Close flushes and releases the producer.
func (p *Publisher) Close() {
	if p.client != nil {
		p.client.Close()
	}
}

// Ping checks broker reachability for the health surface.
func (p *Publisher) Ping(ctx context.Context) error {
	if p.client == nil {
		return nil
	}
	return p.client.Ping(ctx)
}

// Publish sends one event asynchronously. Failures are logged and
// dropped.
func (p *Publisher) Publish(event RelayEvent) {
	if p.client == nil {
		return
	}
	if event.EventID == "" {
		event.EventID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	event.Source = p.source

	value, err := json.Marshal(event)
	if err != nil {
		p.logger.WithError(err).Warn("Failed to marshal relay event")
		return
	}

	record := &kgo.Record{
		Topic: OutcomeTopic,
		Key:   []byte(event.TopicID),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "source", Value: []byte(event.Source)},
			{Key: "event_type", Value: []byte(event.EventType)},
		},
	}
	p.client.Produce(context.Background(), record, func(_ *kgo.Record, err error) {
		if err != nil {
			p.logger.WithError(err).WithField("event_type", event.EventType).Warn("Failed to publish relay event")
		}
	})
}

// ItemOutcome publishes the terminal pipeline outcome for one item.
func (p *Publisher) ItemOutcome(topicID, postID, outcome string) {
	p.Publish(RelayEvent{
		EventType: TypeItemOutcome,
		TopicID:   topicID,
		PostID:    postID,
		Outcome:   outcome,
	})
}

// CycleComplete publishes a fetch-cycle summary.
func (p *Publisher) CycleComplete(topicID string, fetched, accepted int, took time.Duration) {
	p.Publish(RelayEvent{
		EventType: TypeCycleComplete,
		TopicID:   topicID,
		Data: map[string]any{
			"fetched":     fetched,
			"accepted":    accepted,
			"duration_ms": took.Milliseconds(),
		},
	})
}

// CredentialRotated publishes a forced credential rotation.
func (p *Publisher) CredentialRotated(from, to, reason string) {
	p.Publish(RelayEvent{
		EventType: TypeCredentialSwap,
		Data:      map[string]any{"from": from, "to": to, "reason": reason},
	})
}

// SinkFatal publishes a dead-sink signal.
func (p *Publisher) SinkFatal(sink string, err error) {
	p.Publish(RelayEvent{
		EventType: TypeSinkFatal,
		Data:      map[string]any{"sink": sink, "error": err.Error()},
	})
}
