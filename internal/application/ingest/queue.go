package ingest

import (
	"container/heap"
	"sync"

	"github.com/marketd/marketd/internal/domain/action"
	"github.com/marketd/marketd/internal/domain/message"
)

// item is one queued message with its dispatch rank.
type item struct {
	msg      *message.StoredMessage
	priority int
	seq      uint64
}

// itemHeap orders by priority first, arrival order second, so equal-priority
// messages dispatch in the order they were ingested.
type itemHeap []*item

func (h itemHeap) Len() int { return len(h) }
func (h itemHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x any) { *h = append(*h, x.(*item)) }
func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// Queue is the priority queue between the concurrent intake workers and the
// single dispatch loop. Push never blocks; Pop blocks until a message is
// available or the queue is closed. After Close, Pop drains what is left
// and then reports closed.
type Queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  itemHeap
	seq    uint64
	closed bool
}

func NewQueue() *Queue {
	q := &Queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push enqueues a message ranked by its action type's dispatch priority.
func (q *Queue) Push(m *message.StoredMessage) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.seq++
	heap.Push(&q.items, &item{msg: m, priority: action.QueuePriority(m.ActionType), seq: q.seq})
	q.cond.Signal()
}

// Pop removes the highest-priority message. The second return is false once
// the queue is closed and drained.
func (q *Queue) Pop() (*message.StoredMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return nil, false
	}
	it := heap.Pop(&q.items).(*item)
	return it.msg, true
}

// Len reports the current queue depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops intake and wakes every blocked Pop.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}
