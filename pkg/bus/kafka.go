package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"

	"github.com/cuemby/relay/pkg/log"
)

// KafkaBus implements Bus on a Kafka cluster using sarama. Producer sends
// are synchronous with hash partitioning so keyed routing holds; each
// Subscribe runs its own consumer group session and surfaces offset commits
// as per-message acks.
type KafkaBus struct {
	brokers  []string
	config   *sarama.Config
	producer sarama.SyncProducer
	logger   zerolog.Logger

	mu     sync.Mutex
	groups []sarama.ConsumerGroup
	wg     sync.WaitGroup
	closed bool
}

// NewKafkaBus connects a producer to the given brokers
func NewKafkaBus(brokers []string) (*KafkaBus, error) {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Return.Successes = true
	config.Producer.Retry.Max = 3
	config.Producer.Retry.Backoff = 250 * time.Millisecond
	config.Producer.Partitioner = sarama.NewHashPartitioner
	config.Consumer.Offsets.Initial = sarama.OffsetOldest
	config.Consumer.Return.Errors = true

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create producer: %w", err)
	}

	return &KafkaBus{
		brokers:  brokers,
		config:   config,
		producer: producer,
		logger:   log.WithComponent("bus"),
	}, nil
}

// Publish produces a keyed message onto topic
func (b *KafkaBus) Publish(ctx context.Context, topic string, key, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.ByteEncoder(key),
		Value: sarama.ByteEncoder(value),
	}
	if _, _, err := b.producer.SendMessage(msg); err != nil {
		return fmt.Errorf("%w: topic %s: %v", ErrPublish, topic, err)
	}
	return nil
}

// Subscribe joins group on topic and pumps deliveries into h
func (b *KafkaBus) Subscribe(ctx context.Context, topic, group string, h Handler) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	cg, err := sarama.NewConsumerGroup(b.brokers, group, b.config)
	if err != nil {
		b.mu.Unlock()
		return fmt.Errorf("failed to create consumer group %s: %w", group, err)
	}
	b.groups = append(b.groups, cg)
	b.wg.Add(2)
	b.mu.Unlock()

	go func() {
		defer b.wg.Done()
		for err := range cg.Errors() {
			b.logger.Warn().Err(err).Str("topic", topic).Str("group", group).Msg("consumer error")
		}
	}()

	go func() {
		defer b.wg.Done()
		handler := &groupHandler{topic: topic, fn: h, logger: b.logger}
		for {
			// Consume blocks for the lifetime of a session and returns on
			// rebalance; loop to rejoin until the context is cancelled.
			if err := cg.Consume(ctx, []string{topic}, handler); err != nil {
				b.logger.Error().Err(err).Str("topic", topic).Msg("consume session failed")
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()

	return nil
}

// Close tears down the producer and all consumer groups
func (b *KafkaBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	groups := b.groups
	b.mu.Unlock()

	for _, cg := range groups {
		if err := cg.Close(); err != nil {
			b.logger.Warn().Err(err).Msg("failed to close consumer group")
		}
	}
	b.wg.Wait()
	return b.producer.Close()
}

// groupHandler adapts a Handler to sarama's consumer group contract
type groupHandler struct {
	topic  string
	fn     Handler
	logger zerolog.Logger
}

func (g *groupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (g *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (g *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			headers := make(map[string]string, len(msg.Headers))
			for _, h := range msg.Headers {
				headers[string(h.Key)] = string(h.Value)
			}
			m := &Message{
				Topic:     msg.Topic,
				Partition: msg.Partition,
				Offset:    msg.Offset,
				Key:       msg.Key,
				Value:     msg.Value,
				Headers:   headers,
			}
			m.WithAck(func() { session.MarkMessage(msg, "") })

			if err := g.fn(session.Context(), m); err != nil {
				// Left unacked; the broker redelivers after rebalance/restart
				g.logger.Warn().Err(err).
					Str("topic", msg.Topic).
					Int32("partition", msg.Partition).
					Int64("offset", msg.Offset).
					Msg("handler error")
			}
		case <-session.Context().Done():
			return nil
		}
	}
}
