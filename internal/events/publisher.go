// Package events publishes terminal delivery outcomes for downstream
// consumers (webhook fan-out, analytics). Publishing is best effort: the
// delivery record in the database is the source of truth.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"

	"github.com/ignite/dispatch-engine/internal/domain"
)

// Outcome is the payload published for every terminal queue transition.
type Outcome struct {
	RecordID          string                `json:"record_id"`
	QueueItemID       string                `json:"queue_item_id"`
	TenantID          string                `json:"tenant_id"`
	Status            domain.DeliveryStatus `json:"status"`
	ProviderID        string                `json:"provider_id,omitempty"`
	ProviderKind      domain.ProviderKind   `json:"provider_type,omitempty"`
	ProviderMessageID string                `json:"provider_message_id,omitempty"`
	ErrorKind         domain.ErrorKind      `json:"error_kind,omitempty"`
	OccurredAt        time.Time             `json:"occurred_at"`
}

// OutcomeFromRecord builds the event for rec.
func OutcomeFromRecord(rec *domain.DeliveryRecord) Outcome {
	return Outcome{
		RecordID:          rec.ID.String(),
		QueueItemID:       rec.QueueItemID.String(),
		TenantID:          rec.TenantID,
		Status:            rec.Status,
		ProviderID:        rec.ProviderID,
		ProviderKind:      rec.ProviderKind,
		ProviderMessageID: rec.ProviderMessageID,
		ErrorKind:         rec.ErrorKind,
		OccurredAt:        rec.UpdatedAt,
	}
}

// Publisher emits outcome events.
type Publisher interface {
	PublishOutcome(ctx context.Context, rec *domain.DeliveryRecord) error
	Close() error
}

// NopPublisher discards events.
type NopPublisher struct{}

func (NopPublisher) PublishOutcome(context.Context, *domain.DeliveryRecord) error { return nil }
func (NopPublisher) Close() error                                                 { return nil }

// KafkaOptions configures NewKafkaPublisher.
type KafkaOptions struct {
	Brokers  []string
	Topic    string
	ClientID string
}

// KafkaPublisher writes outcome events to a topic keyed by queue item id,
// so every event for one item lands on the same partition.
type KafkaPublisher struct {
	producer sarama.SyncProducer
	topic    string
}

// NewKafkaPublisher dials brokers with an idempotent, acks=all producer.
func NewKafkaPublisher(opts KafkaOptions) (*KafkaPublisher, error) {
	cfg := sarama.NewConfig()
	cfg.ClientID = opts.ClientID
	cfg.Producer.Return.Successes = true
	cfg.Producer.Idempotent = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5
	cfg.Net.MaxOpenRequests = 1

	prod, err := sarama.NewSyncProducer(opts.Brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	return NewKafkaPublisherWithProducer(prod, opts.Topic), nil
}

// NewKafkaPublisherWithProducer wraps an existing producer.
func NewKafkaPublisherWithProducer(prod sarama.SyncProducer, topic string) *KafkaPublisher {
	return &KafkaPublisher{producer: prod, topic: topic}
}

// PublishOutcome sends the event and waits for the broker ack or ctx.
func (p *KafkaPublisher) PublishOutcome(ctx context.Context, rec *domain.DeliveryRecord) error {
	payload, err := json.Marshal(OutcomeFromRecord(rec))
	if err != nil {
		return fmt.Errorf("marshal outcome: %w", err)
	}
	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(rec.QueueItemID.String()),
		Value: sarama.ByteEncoder(payload),
		Headers: []sarama.RecordHeader{
			{Key: []byte("tenant_id"), Value: []byte(rec.TenantID)},
			{Key: []byte("status"), Value: []byte(rec.Status)},
		},
	}

	done := make(chan error, 1)
	go func() {
		_, _, err := p.producer.SendMessage(msg)
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("publish outcome %s: %w", rec.QueueItemID, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes the producer.
func (p *KafkaPublisher) Close() error {
	return p.producer.Close()
}
