package admission

import (
	"container/heap"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"relaycore/internal/domain"
)

// QueueConfig bounds the wait queue.
type QueueConfig struct {
	MaxSize  int           // 0 disables queueing: every Push fails
	MaxAge   time.Duration // items older than this are never dispatched
	Priority bool          // order by Metadata.Priority before arrival
}

// Outcome settles a queued item: either a value (the granted capacity) or
// the error that ended its wait.
type Outcome[T any] struct {
	Value T
	Err   error
}

// Item is one queued request. The dispatcher settles it exactly once with
// Resolve or Reject; the waiting caller reads the outcome from Done.
type Item[T any] struct {
	Request  domain.Request
	QueuedAt time.Time

	seq     uint64
	index   int
	settled atomic.Bool
	done    chan Outcome[T]
}

// Done delivers the item's outcome once it is settled.
func (it *Item[T]) Done() <-chan Outcome[T] { return it.done }

// Resolve hands v to the waiter. It reports false if the item was already settled.
func (it *Item[T]) Resolve(v T) bool {
	if !it.settled.CompareAndSwap(false, true) {
		return false
	}
	it.done <- Outcome[T]{Value: v}
	return true
}

// Reject ends the wait with err. It reports false if the item was already settled.
func (it *Item[T]) Reject(err error) bool {
	if !it.settled.CompareAndSwap(false, true) {
		return false
	}
	it.done <- Outcome[T]{Err: err}
	return true
}

// Queue holds requests that found no free agent, highest priority first and
// FIFO within a priority.
type Queue[T any] struct {
	cfg QueueConfig

	mu  sync.Mutex
	h   itemHeap[T]
	seq uint64
}

// NewQueue creates an empty queue.
func NewQueue[T any](cfg QueueConfig) *Queue[T] {
	q := &Queue[T]{cfg: cfg}
	q.h.priority = cfg.Priority
	return q
}

// Push enqueues req at now, or returns ErrQueueFull.
func (q *Queue[T]) Push(req domain.Request, now time.Time) (*Item[T], error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.h.items) >= q.cfg.MaxSize {
		return nil, fmt.Errorf("%w: %d requests waiting", domain.ErrQueueFull, len(q.h.items))
	}
	if req.EnqueuedAt.IsZero() {
		req.EnqueuedAt = now
	}
	q.seq++
	it := &Item[T]{Request: req, QueuedAt: now, seq: q.seq, done: make(chan Outcome[T], 1)}
	heap.Push(&q.h, it)
	return it, nil
}

// Pop removes the head item that is still within MaxAge. Expired items met
// on the way are removed too and returned so the caller can reject them.
func (q *Queue[T]) Pop(now time.Time) (next *Item[T], expired []*Item[T]) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.h.items) > 0 {
		it := heap.Pop(&q.h).(*Item[T])
		if q.expired(it, now) {
			expired = append(expired, it)
			continue
		}
		return it, expired
	}
	return nil, expired
}

// Peek returns the head item without removing it.
func (q *Queue[T]) Peek() (*Item[T], bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.h.items) == 0 {
		return nil, false
	}
	return q.h.items[0], true
}

// Remove takes it out of the queue. It reports false if it was not queued.
func (q *Queue[T]) Remove(it *Item[T]) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if it.index < 0 || it.index >= len(q.h.items) || q.h.items[it.index] != it {
		return false
	}
	heap.Remove(&q.h, it.index)
	return true
}

// Expired removes and returns every item older than MaxAge.
func (q *Queue[T]) Expired(now time.Time) []*Item[T] {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*Item[T]
	kept := q.h.items[:0]
	for _, it := range q.h.items {
		if q.expired(it, now) {
			it.index = -1
			out = append(out, it)
			continue
		}
		kept = append(kept, it)
	}
	clear(q.h.items[len(kept):])
	q.h.items = kept
	if len(out) > 0 {
		for i, it := range q.h.items {
			it.index = i
		}
		heap.Init(&q.h)
	}
	return out
}

// DrainAll empties the queue and returns its items in dispatch order.
func (q *Queue[T]) DrainAll() []*Item[T] {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Item[T], 0, len(q.h.items))
	for len(q.h.items) > 0 {
		out = append(out, heap.Pop(&q.h).(*Item[T]))
	}
	return out
}

// Len returns the number of waiting items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.h.items)
}

func (q *Queue[T]) expired(it *Item[T], now time.Time) bool {
	return q.cfg.MaxAge > 0 && now.Sub(it.QueuedAt) > q.cfg.MaxAge
}

// itemHeap implements heap.Interface.
type itemHeap[T any] struct {
	items    []*Item[T]
	priority bool
}

func (h *itemHeap[T]) Len() int { return len(h.items) }

func (h *itemHeap[T]) Less(i, j int) bool {
	a, b := h.items[i], h.items[j]
	if h.priority && a.Request.Metadata.Priority != b.Request.Metadata.Priority {
		return a.Request.Metadata.Priority > b.Request.Metadata.Priority
	}
	return a.seq < b.seq
}

func (h *itemHeap[T]) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].index = i
	h.items[j].index = j
}

func (h *itemHeap[T]) Push(x any) {
	it := x.(*Item[T])
	it.index = len(h.items)
	h.items = append(h.items, it)
}

func (h *itemHeap[T]) Pop() any {
	old := h.items
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	h.items = old[:n-1]
	return it
}
