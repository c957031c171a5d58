package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/dispatch-engine/internal/domain"
)

func sampleRecord() *domain.DeliveryRecord {
	return &domain.DeliveryRecord{
		ID:                uuid.New(),
		QueueItemID:       uuid.New(),
		TenantID:          "tenant-1",
		Status:            domain.DeliverySent,
		ProviderID:        "p-ses",
		ProviderKind:      domain.ProviderSES,
		ProviderMessageID: "0100018f-abc",
		UpdatedAt:         time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestKafkaPublisher_PublishOutcome(t *testing.T) {
	cfg := mocks.NewTestConfig()
	cfg.Producer.Return.Successes = true
	prod := mocks.NewSyncProducer(t, cfg)
	rec := sampleRecord()

	prod.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var ev Outcome
		if err := json.Unmarshal(val, &ev); err != nil {
			return err
		}
		if ev.QueueItemID != rec.QueueItemID.String() || ev.Status != domain.DeliverySent {
			return errors.New("unexpected payload")
		}
		return nil
	})

	p := NewKafkaPublisherWithProducer(prod, "outcomes")
	require.NoError(t, p.PublishOutcome(context.Background(), rec))
	require.NoError(t, p.Close())
}

func TestKafkaPublisher_BrokerError(t *testing.T) {
	cfg := mocks.NewTestConfig()
	cfg.Producer.Return.Successes = true
	prod := mocks.NewSyncProducer(t, cfg)
	prod.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	p := NewKafkaPublisherWithProducer(prod, "outcomes")
	err := p.PublishOutcome(context.Background(), sampleRecord())
	assert.ErrorIs(t, err, sarama.ErrOutOfBrokers)
	require.NoError(t, p.Close())
}

func TestNopPublisher(t *testing.T) {
	assert.NoError(t, NopPublisher{}.PublishOutcome(context.Background(), sampleRecord()))
}
