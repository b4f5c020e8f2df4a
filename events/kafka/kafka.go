/*
Package kafka bridges the event bus to Kafka.

PURPOSE:
  Several devices can work for the same owner. The Publisher forwards local
  ItemFlushed and LedgerChanged events to a topic; the Consumer reads the
  same topic and re-publishes ledger changes made elsewhere for the session
  owner, so live balances refresh without a local write.

MESSAGES:
  Value is the events.Event as JSON, Key is the owner id. Origin carries the
  publishing device so a consumer can drop its own echoes.
*/
package kafka

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/warp/fieldcash/events"
)

// OriginKafka marks events re-published from the topic.
const OriginKafka = "kafka"

// MessageWriter is satisfied by *kafka.Writer.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// MessageReader is satisfied by *kafka.Reader.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// =============================================================================
// PUBLISHER
// =============================================================================

type Publisher struct {
	writer MessageWriter
	origin string
	logger *zap.Logger
}

// NewPublisher creates an async writer for topic.
func NewPublisher(brokers []string, topic, origin string, logger *zap.Logger) *Publisher {
	return NewPublisherWithWriter(&kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Topic:    topic,
		Balancer: &kafka.Hash{},
		Async:    true,
	}, origin, logger)
}

func NewPublisherWithWriter(w MessageWriter, origin string, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{writer: w, origin: origin, logger: logger.Named("kafka.publisher")}
}

// Attach subscribes the publisher to the topics it forwards.
func (p *Publisher) Attach(bus *events.Bus) (unsubscribe func()) {
	unsubs := []func(){
		bus.Subscribe(events.TopicItemFlushed, p.handle),
		bus.Subscribe(events.TopicLedgerChanged, p.handle),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func (p *Publisher) handle(ctx context.Context, e events.Event) {
	if e.Origin == OriginKafka {
		return
	}
	if err := p.Publish(ctx, e); err != nil {
		p.logger.Warn("publish failed", zap.String("topic", string(e.Topic)), zap.Error(err))
	}
}

// Publish writes one event.
func (p *Publisher) Publish(ctx context.Context, e events.Event) error {
	if e.Origin == "" {
		e.Origin = p.origin
	}
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(e.OwnerID),
		Value: data,
	})
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}

// =============================================================================
// CONSUMER
// =============================================================================

type Consumer struct {
	reader MessageReader
	bus    *events.Bus
	owner  string
	origin string
	logger *zap.Logger
}

// NewConsumer reads topic as part of groupID.
func NewConsumer(brokers []string, topic, groupID string, bus *events.Bus, owner, origin string, logger *zap.Logger) *Consumer {
	return NewConsumerWithReader(kafka.NewReader(kafka.ReaderConfig{
		Brokers: brokers,
		Topic:   topic,
		GroupID: groupID,
	}), bus, owner, origin, logger)
}

func NewConsumerWithReader(r MessageReader, bus *events.Bus, owner, origin string, logger *zap.Logger) *Consumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{reader: r, bus: bus, owner: owner, origin: origin, logger: logger.Named("kafka.consumer")}
}

// Run consumes until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}

		c.handle(ctx, msg)

		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.logger.Warn("commit failed", zap.Int64("offset", msg.Offset), zap.Error(err))
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg kafka.Message) {
	var e events.Event
	if err := json.Unmarshal(msg.Value, &e); err != nil {
		c.logger.Warn("undecodable message", zap.Int64("offset", msg.Offset), zap.Error(err))
		return
	}
	if e.Topic != events.TopicLedgerChanged || e.OwnerID != c.owner {
		return
	}
	if e.Origin == c.origin {
		return
	}

	c.logger.Debug("remote ledger change", zap.String("date", e.Date), zap.String("from", e.Origin))
	e.Origin = OriginKafka
	c.bus.Publish(ctx, e)
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
