package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBrokerPublishSubscribe(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	assert.Equal(t, 1, b.SubscriberCount())

	b.Publish(&Event{Type: EventTaskCompleted, TaskID: "t1"})

	select {
	case ev := <-sub:
		assert.Equal(t, EventTaskCompleted, ev.Type)
		assert.Equal(t, "t1", ev.TaskID)
		assert.False(t, ev.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestBrokerFanOut(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	s1 := b.Subscribe()
	s2 := b.Subscribe()

	b.Publish(&Event{Type: EventTaskFailed, TaskID: "t2"})

	for _, sub := range []Subscriber{s1, s2} {
		select {
		case ev := <-sub:
			assert.Equal(t, "t2", ev.TaskID)
		case <-time.After(time.Second):
			t.Fatal("event not delivered to all subscribers")
		}
	}
}

func TestBrokerUnsubscribeCloses(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	b.Unsubscribe(sub)
	assert.Equal(t, 0, b.SubscriberCount())

	_, open := <-sub
	require.False(t, open)

	// Unsubscribing twice must not panic
	b.Unsubscribe(sub)
}

func TestBrokerSlowSubscriberDoesNotBlock(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	// Fill well past the subscriber buffer
	for i := 0; i < 200; i++ {
		b.Publish(&Event{Type: EventTaskStarted})
	}

	// Give the distribution loop time to drain its channel
	time.Sleep(100 * time.Millisecond)

	// Publisher kept going; subscriber got at most its buffer
	received := 0
loop:
	for {
		select {
		case <-sub:
			received++
		default:
			break loop
		}
	}
	assert.LessOrEqual(t, received, 50)
	assert.Greater(t, received, 0)
}
