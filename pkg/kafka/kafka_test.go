package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantumlayerhq/ql-cgov/pkg/config"
	"github.com/quantumlayerhq/ql-cgov/pkg/logger"
)

func TestPublishEncodesValue(t *testing.T) {
	sp := mocks.NewSyncProducer(t, nil)
	sp.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var got map[string]string
		if err := json.Unmarshal(val, &got); err != nil {
			return err
		}
		if got["type"] != "cab.submitted" {
			return errors.New("unexpected payload")
		}
		return nil
	})

	p := NewProducerFromSync(sp, logger.New("error", "text"))
	defer p.Close()

	err := p.Publish(context.Background(), Record{
		Topic:   "cgov.events",
		Key:     "corr-1",
		Value:   map[string]string{"type": "cab.submitted"},
		Headers: map[string]string{HeaderCorrelationID: "corr-1"},
	})
	require.NoError(t, err)
}

func TestPublishSurfacesBrokerError(t *testing.T) {
	sp := mocks.NewSyncProducer(t, nil)
	sp.ExpectSendMessageAndFail(sarama.ErrNotLeaderForPartition)

	p := NewProducerFromSync(sp, logger.New("error", "text"))
	defer p.Close()

	err := p.Publish(context.Background(), Record{Topic: "cgov.events", Key: "k", Value: "v"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cgov.events")
}

func TestNewProducerRequiresBrokers(t *testing.T) {
	_, err := NewProducer(config.KafkaConfig{}, logger.New("error", "text"))
	assert.Error(t, err)
}

func TestToMessageCopiesHeaders(t *testing.T) {
	msg := ToMessage(&sarama.ConsumerMessage{
		Topic:     "cgov.incidents",
		Key:       []byte("dep-1"),
		Value:     []byte(`{}`),
		Partition: 2,
		Offset:    41,
		Headers: []*sarama.RecordHeader{
			{Key: []byte(HeaderCorrelationID), Value: []byte("corr-9")},
		},
	})

	assert.Equal(t, "dep-1", msg.Key)
	assert.Equal(t, int32(2), msg.Partition)
	assert.Equal(t, int64(41), msg.Offset)
	assert.Equal(t, "corr-9", msg.Headers[HeaderCorrelationID])
}

type fakeSession struct {
	sarama.ConsumerGroupSession
	ctx    context.Context
	marked []int64
}

func (s *fakeSession) Context() context.Context { return s.ctx }
func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.marked = append(s.marked, msg.Offset)
}

type fakeClaim struct {
	sarama.ConsumerGroupClaim
	ch chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.ch }

func TestConsumeClaimMarksEveryMessage(t *testing.T) {
	claim := &fakeClaim{ch: make(chan *sarama.ConsumerMessage, 2)}
	claim.ch <- &sarama.ConsumerMessage{Offset: 1, Value: []byte("ok"),
		Headers: []*sarama.RecordHeader{{Key: []byte(HeaderCorrelationID), Value: []byte("corr-1")}}}
	claim.ch <- &sarama.ConsumerMessage{Offset: 2, Value: []byte("bad")}
	close(claim.ch)

	var correlations []string
	h := NewConsumerGroupHandler(func(ctx context.Context, msg Message) error {
		correlations = append(correlations, logger.GetCorrelationID(ctx))
		if string(msg.Value) == "bad" {
			return errors.New("malformed")
		}
		return nil
	}, logger.New("error", "text"))

	session := &fakeSession{ctx: context.Background()}
	require.NoError(t, h.ConsumeClaim(session, claim))

	assert.Equal(t, []int64{1, 2}, session.marked)
	assert.Equal(t, []string{"corr-1", ""}, correlations)
}
