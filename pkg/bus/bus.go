package bus

import (
	"context"
	"errors"
)

var (
	// ErrClosed is returned for operations on a closed bus
	ErrClosed = errors.New("bus: closed")

	// ErrPublish wraps transient publish failures after local retries
	ErrPublish = errors.New("bus: publish failed")
)

// Message is a single delivery from a partitioned topic
type Message struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string

	ack func()
}

// Ack marks the delivery as processed, committing its offset. The dispatch
// engine calls it only after a terminal decision for the attempt, so an
// unacked message is redelivered after a crash or rebalance.
func (m *Message) Ack() {
	if m.ack != nil {
		m.ack()
	}
}

// WithAck attaches the commit callback; used by bus backends and tests
func (m *Message) WithAck(fn func()) *Message {
	m.ack = fn
	return m
}

// Handler consumes one delivery. Deliveries on the same partition are
// handled serially; partitions are handled in parallel. A returned error is
// logged by the backend and the message is left unacked.
type Handler func(ctx context.Context, msg *Message) error

// Bus is the partitioned, keyed, at-least-once message transport the
// control plane runs on. The same key always routes to the same partition.
type Bus interface {
	// Publish produces a keyed message onto topic
	Publish(ctx context.Context, topic string, key, value []byte) error

	// Subscribe joins the consumer group for topic and invokes h for every
	// delivery until ctx is cancelled. It returns once the consumer is
	// running; delivery happens on background goroutines.
	Subscribe(ctx context.Context, topic, group string, h Handler) error

	// Close tears down producers and consumers
	Close() error
}
