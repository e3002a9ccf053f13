package kafka

import (
	"encoding/json"
	"fmt"
	"testing"

	"UniRide/module/chat/model"

	"github.com/Shopify/sarama"
	"github.com/Shopify/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func expectMessage(id string) mocks.ValueChecker {
	return func(val []byte) error {
		var ev MessageCreated
		if err := json.Unmarshal(val, &ev); err != nil {
			return err
		}
		if ev.Type != EventMessageCreated || ev.Message == nil || ev.Message.ID != id {
			return fmt.Errorf("unexpected event %s", val)
		}
		return nil
	}
}

func TestPublisherSendsInOrder(t *testing.T) {
	cfg, err := BuildBaseConfig(Config{Version: "2.8.0"})
	require.NoError(t, err)
	prod := mocks.NewSyncProducer(t, cfg)
	for _, id := range []string{"m1", "m2", "m3"} {
		prod.ExpectSendMessageWithCheckerFunctionAndSucceed(expectMessage(id))
	}

	p := NewMessagePublisher(prod, "chat.message.created", 8, zap.NewNop())
	for _, id := range []string{"m1", "m2", "m3"} {
		p.Publish(&model.Message{ID: id, ChatID: "ride-1", Text: "x"})
	}
	require.NoError(t, p.Close())

	sent, failed := p.Stats()
	assert.EqualValues(t, 3, sent)
	assert.EqualValues(t, 0, failed)
}

func TestPublisherCountsFailures(t *testing.T) {
	prod := mocks.NewSyncProducer(t, nil)
	prod.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	prod.ExpectSendMessageAndSucceed()

	p := NewMessagePublisher(prod, "t", 8, zap.NewNop())
	p.Publish(&model.Message{ID: "m1", ChatID: "c"})
	p.Publish(&model.Message{ID: "m2", ChatID: "c"})
	require.NoError(t, p.Close())

	sent, failed := p.Stats()
	assert.EqualValues(t, 1, sent)
	assert.EqualValues(t, 1, failed)
}

func TestPublishAfterCloseIsIgnored(t *testing.T) {
	prod := mocks.NewSyncProducer(t, nil)
	p := NewMessagePublisher(prod, "t", 8, zap.NewNop())
	require.NoError(t, p.Close())
	p.Publish(&model.Message{ID: "late", ChatID: "c"})
	p.Publish(nil)
	sent, failed := p.Stats()
	assert.Zero(t, sent)
	assert.Zero(t, failed)
}

func TestBuildBaseConfig(t *testing.T) {
	cfg, err := BuildBaseConfig(Config{Version: "2.8.0", Compression: "LZ4", Retries: 5})
	require.NoError(t, err)
	assert.Equal(t, sarama.V2_8_0_0, cfg.Version)
	assert.Equal(t, sarama.CompressionLZ4, cfg.Producer.Compression)
	assert.Equal(t, 5, cfg.Producer.Retry.Max)
	assert.Equal(t, sarama.WaitForAll, cfg.Producer.RequiredAcks)
	assert.True(t, cfg.Producer.Return.Successes)

	_, err = BuildBaseConfig(Config{Version: "not-a-version"})
	assert.Error(t, err)
}
