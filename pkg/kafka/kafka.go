// Package kafka provides the Kafka producer used by the event sink and the
// consumer group used for incident intake.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"

	"github.com/quantumlayerhq/ql-cgov/pkg/config"
	"github.com/quantumlayerhq/ql-cgov/pkg/logger"
)

// Header names set on every published message.
const (
	HeaderCorrelationID = "correlation-id"
	HeaderEventType     = "event-type"
)

// Producer is a Kafka message producer.
type Producer struct {
	producer sarama.SyncProducer
	log      *logger.Logger
}

// Consumer is a Kafka consumer group member.
type Consumer struct {
	group sarama.ConsumerGroup
	log   *logger.Logger
}

// Message represents a Kafka message.
type Message struct {
	Key       string
	Value     []byte
	Topic     string
	Partition int32
	Offset    int64
	Timestamp time.Time
	Headers   map[string]string
}

// Record is a message ready to publish.
type Record struct {
	Topic   string
	Key     string
	Value   any
	Headers map[string]string
}

// NewProducer creates a producer with acks from all in-sync replicas.
func NewProducer(cfg config.KafkaConfig, log *logger.Logger) (*Producer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}

	saramaConfig := sarama.NewConfig()
	saramaConfig.Producer.RequiredAcks = sarama.WaitForAll
	saramaConfig.Producer.Retry.Max = 5
	saramaConfig.Producer.Return.Successes = true
	saramaConfig.Producer.Idempotent = true
	saramaConfig.Producer.Compression = sarama.CompressionSnappy
	saramaConfig.Net.MaxOpenRequests = 1

	producer, err := sarama.NewSyncProducer(cfg.Brokers, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}

	return NewProducerFromSync(producer, log), nil
}

// NewProducerFromSync wraps an existing sync producer.
func NewProducerFromSync(producer sarama.SyncProducer, log *logger.Logger) *Producer {
	return &Producer{
		producer: producer,
		log:      log.WithComponent("kafka-producer"),
	}
}

// Publish JSON-encodes r.Value and sends it synchronously.
func (p *Producer) Publish(ctx context.Context, r Record) error {
	data, err := json.Marshal(r.Value)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: r.Topic,
		Key:   sarama.StringEncoder(r.Key),
		Value: sarama.ByteEncoder(data),
	}
	for k, v := range r.Headers {
		msg.Headers = append(msg.Headers, sarama.RecordHeader{Key: []byte(k), Value: []byte(v)})
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("failed to send message to %s: %w", r.Topic, err)
	}

	p.log.DebugContext(ctx, "message published",
		"topic", r.Topic,
		"key", r.Key,
		"partition", partition,
		"offset", offset,
	)

	return nil
}

// Close closes the producer.
func (p *Producer) Close() error {
	if p.producer != nil {
		return p.producer.Close()
	}
	return nil
}

// MessageHandler handles incoming Kafka messages.
type MessageHandler func(ctx context.Context, msg Message) error

// ConsumerGroupHandler implements sarama.ConsumerGroupHandler.
type ConsumerGroupHandler struct {
	handler MessageHandler
	log     *logger.Logger
}

// NewConsumerGroupHandler wraps handler for use with a consumer group.
func NewConsumerGroupHandler(handler MessageHandler, log *logger.Logger) *ConsumerGroupHandler {
	return &ConsumerGroupHandler{handler: handler, log: log}
}

// Setup is called at the beginning of a new session.
func (h *ConsumerGroupHandler) Setup(sarama.ConsumerGroupSession) error {
	return nil
}

// Cleanup is called at the end of a session.
func (h *ConsumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim processes messages from a partition. A message the handler
// rejects is logged and still marked, so one bad record cannot wedge the
// partition.
func (h *ConsumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		message := ToMessage(msg)
		ctx := session.Context()
		if id := message.Headers[HeaderCorrelationID]; id != "" {
			ctx = logger.WithCorrelationID(ctx, id)
		}

		if err := h.handler(ctx, message); err != nil {
			h.log.ErrorContext(ctx, "failed to process message",
				"topic", msg.Topic,
				"partition", msg.Partition,
				"offset", msg.Offset,
				"error", err,
			)
		}

		session.MarkMessage(msg, "")
	}

	return nil
}

// ToMessage converts a consumed sarama message.
func ToMessage(msg *sarama.ConsumerMessage) Message {
	headers := make(map[string]string, len(msg.Headers))
	for _, header := range msg.Headers {
		headers[string(header.Key)] = string(header.Value)
	}

	return Message{
		Key:       string(msg.Key),
		Value:     msg.Value,
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Timestamp: msg.Timestamp,
		Headers:   headers,
	}
}

// NewConsumer creates a consumer group member.
func NewConsumer(cfg config.KafkaConfig, log *logger.Logger) (*Consumer, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	saramaConfig.Consumer.Offsets.Initial = sarama.OffsetOldest
	saramaConfig.Consumer.Offsets.AutoCommit.Enable = true
	saramaConfig.Consumer.Offsets.AutoCommit.Interval = 1 * time.Second

	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.ConsumerGroup, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka consumer: %w", err)
	}

	return &Consumer{
		group: group,
		log:   log.WithComponent("kafka-consumer"),
	}, nil
}

// Subscribe consumes topics until ctx is cancelled.
func (c *Consumer) Subscribe(ctx context.Context, topics []string, handler MessageHandler) error {
	groupHandler := NewConsumerGroupHandler(handler, c.log)

	for {
		if err := c.group.Consume(ctx, topics, groupHandler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			c.log.Error("consumer error", "error", err)
			return fmt.Errorf("consumer error: %w", err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// Close closes the consumer.
func (c *Consumer) Close() error {
	if c.group != nil {
		return c.group.Close()
	}
	return nil
}

// Ping checks that the brokers are reachable.
func Ping(brokers []string) error {
	cfg := sarama.NewConfig()
	cfg.Net.DialTimeout = 5 * time.Second

	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return fmt.Errorf("failed to connect to Kafka: %w", err)
	}
	return client.Close()
}
