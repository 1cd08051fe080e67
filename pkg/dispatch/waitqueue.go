package dispatch

import (
	"container/heap"
	"errors"
	"sync"
	"time"

	"github.com/cuemby/relay/pkg/bus"
	"github.com/cuemby/relay/pkg/types"
)

// ErrQueueClosed is returned by Push after Close
var ErrQueueClosed = errors.New("dispatch: wait queue closed")

// waitItem is an admitted delivery waiting for an execution slot
type waitItem struct {
	task       *types.Task
	msg        *bus.Message
	enqueuedAt time.Time
}

// waitQueue is the bounded in-process waiting list, ordered by
// (priority desc, enqueue time asc, id asc). Push blocks when the queue is
// full so broker-side lag becomes the real queue.
type waitQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  itemHeap
	cap    int
	closed bool
}

func newWaitQueue(capacity int) *waitQueue {
	q := &waitQueue{cap: capacity}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push inserts the item, blocking while the queue is full
func (q *waitQueue) Push(it *waitItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) >= q.cap && !q.closed {
		q.cond.Wait()
	}
	if q.closed {
		return ErrQueueClosed
	}
	if it.enqueuedAt.IsZero() {
		it.enqueuedAt = time.Now()
	}
	heap.Push(&q.items, it)
	return nil
}

// Pop removes the highest-priority item, or returns nil when empty
func (q *waitQueue) Pop() *waitItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil
	}
	it := heap.Pop(&q.items).(*waitItem)
	q.cond.Broadcast()
	return it
}

// Len returns the number of waiting items
func (q *waitQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close unblocks pushers and drains nothing; remaining items stay popable
func (q *waitQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

// itemHeap implements container/heap ordering for waitItems
type itemHeap []*waitItem

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].task.Priority != h[j].task.Priority {
		return h[i].task.Priority > h[j].task.Priority
	}
	if !h[i].enqueuedAt.Equal(h[j].enqueuedAt) {
		return h[i].enqueuedAt.Before(h[j].enqueuedAt)
	}
	return h[i].task.ID < h[j].task.ID
}

func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x any) {
	*h = append(*h, x.(*waitItem))
}

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}
