package bus

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
)

const defaultPartitions = 12

// InMemory implements Bus as an in-process partitioned log. Keyed routing,
// per-partition ordering and consumer-group fan-out match the Kafka
// backend; it backs tests and single-node deployments without a broker.
// Unacked messages are not replayed within a process lifetime.
type InMemory struct {
	partitions int

	mu     sync.Mutex
	topics map[string]*memTopic
	acks   map[string]int64 // group|topic|partition -> highest acked offset
	subs   []*memSub
	closed bool
}

type memTopic struct {
	offsets []int64 // next offset per partition
}

type memSub struct {
	topic   string
	group   string
	handler Handler
	ctx     context.Context
	// one channel per partition preserves per-partition ordering while
	// letting partitions progress in parallel
	channels []chan *Message
	wg       sync.WaitGroup
}

// NewInMemory creates an in-memory bus with the default partition count
func NewInMemory() *InMemory {
	return NewInMemoryPartitions(defaultPartitions)
}

// NewInMemoryPartitions creates an in-memory bus with n partitions per topic
func NewInMemoryPartitions(n int) *InMemory {
	if n < 1 {
		n = 1
	}
	return &InMemory{
		partitions: n,
		topics:     make(map[string]*memTopic),
		acks:       make(map[string]int64),
	}
}

// Publish routes the message to hash(key) % partitions and fans it out to
// every subscribed group
func (b *InMemory) Publish(ctx context.Context, topic string, key, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	t, ok := b.topics[topic]
	if !ok {
		t = &memTopic{offsets: make([]int64, b.partitions)}
		b.topics[topic] = t
	}
	partition := b.partitionFor(key)
	offset := t.offsets[partition]
	t.offsets[partition]++

	var targets []*memSub
	for _, s := range b.subs {
		if s.topic == topic {
			targets = append(targets, s)
		}
	}
	b.mu.Unlock()

	for _, s := range targets {
		msg := &Message{
			Topic:     topic,
			Partition: partition,
			Offset:    offset,
			Key:       append([]byte(nil), key...),
			Value:     append([]byte(nil), value...),
		}
		group := s.group
		msg.WithAck(func() { b.commit(group, topic, partition, offset) })
		select {
		case s.channels[partition] <- msg:
		case <-s.ctx.Done():
		}
	}
	return nil
}

// Subscribe registers a handler; one delivery goroutine per partition
func (b *InMemory) Subscribe(ctx context.Context, topic, group string, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}

	s := &memSub{
		topic:    topic,
		group:    group,
		handler:  h,
		ctx:      ctx,
		channels: make([]chan *Message, b.partitions),
	}
	for i := range s.channels {
		s.channels[i] = make(chan *Message, 1024)
	}
	b.subs = append(b.subs, s)

	for i := range s.channels {
		ch := s.channels[i]
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for {
				select {
				case msg := <-ch:
					// Errors leave the message unacked, same as Kafka
					_ = h(ctx, msg)
				case <-ctx.Done():
					return
				}
			}
		}()
	}
	return nil
}

// Close shuts the bus; subscribers stop when their contexts are cancelled
func (b *InMemory) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}

// Committed returns the highest acked offset for group on topic/partition,
// or -1 when nothing has been acked. Used by tests to verify commit timing.
func (b *InMemory) Committed(group, topic string, partition int32) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if off, ok := b.acks[ackKey(group, topic, partition)]; ok {
		return off
	}
	return -1
}

func (b *InMemory) commit(group, topic string, partition int32, offset int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := ackKey(group, topic, partition)
	if cur, ok := b.acks[key]; !ok || offset > cur {
		b.acks[key] = offset
	}
}

func (b *InMemory) partitionFor(key []byte) int32 {
	h := fnv.New32a()
	h.Write(key)
	return int32(h.Sum32() % uint32(b.partitions))
}

func ackKey(group, topic string, partition int32) string {
	return fmt.Sprintf("%s|%s|%d", group, topic, partition)
}
