package kafka

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/Shopify/sarama"
	"github.com/Shopify/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tankwatch/internal/domain"
)

func TestPublish_SendsOneEventPerSnapshot(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	var events []Event
	check := func(b []byte) error {
		var e Event
		if err := json.Unmarshal(b, &e); err != nil {
			return err
		}
		events = append(events, e)
		return nil
	}
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(check)
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(check)

	p := NewWithProducer(producer, "tanks")
	err := p.Publish(context.Background(), []domain.Snapshot{
		{TankID: "a", Verdict: domain.VerdictGood},
		{TankID: "b", Verdict: domain.VerdictInvalidLevel},
	})
	require.NoError(t, err)
	require.NoError(t, p.Close())

	require.Len(t, events, 2)
	assert.Equal(t, EventType, events[0].Type)
	assert.Equal(t, "a", events[0].Snapshot.TankID)
	assert.Equal(t, domain.VerdictInvalidLevel, events[1].Snapshot.Verdict)
	assert.NotEmpty(t, events[0].ID)
	assert.NotEqual(t, events[0].ID, events[1].ID)
}

func TestPublish_ProducerError(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	p := NewWithProducer(producer, "tanks")
	err := p.Publish(context.Background(), []domain.Snapshot{{TankID: "a"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "send 1 messages")
	require.NoError(t, p.Close())
}

func TestPublish_Empty(t *testing.T) {
	p := NewWithProducer(mocks.NewSyncProducer(t, nil), "tanks")
	assert.NoError(t, p.Publish(context.Background(), nil))
	require.NoError(t, p.Close())
}
