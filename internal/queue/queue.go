// Package queue provides the outbound change queue: a thread-safe FIFO with a
// blocking take and a requeue that restores an item to its original position.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"sort"
	"sync"
)

// ErrCancelled is returned by DequeueWait when the cancel channel is closed.
var ErrCancelled = errors.New("queue: wait cancelled")

// Item is a single queued value. Seq is assigned on Enqueue and never changes,
// so a requeued item sorts ahead of everything enqueued after it.
type Item[T any] struct {
	Value T
	Seq   uint64
	index int
}

// seqHeap implements heap.Interface
type seqHeap[T any] []*Item[T]

func (h seqHeap[T]) Len() int {
	return len(h)
}

// Less orders by sequence number: lower values are taken first
func (h seqHeap[T]) Less(i, j int) bool {
	return h[i].Seq < h[j].Seq
}

func (h seqHeap[T]) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *seqHeap[T]) Push(x interface{}) {
	n := len(*h)
	item := x.(*Item[T])
	item.index = n
	*h = append(*h, item)
}

func (h *seqHeap[T]) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil  // avoid memory leak
	item.index = -1 // for safety
	*h = old[0 : n-1]
	return item
}

// Queue is a generic FIFO. Takers block until an item is available.
type Queue[T any] struct {
	heap   seqHeap[T]
	next   uint64
	mu     sync.Mutex
	signal chan struct{}
}

// New creates an empty queue
func New[T any]() *Queue[T] {
	q := &Queue[T]{
		heap:   make(seqHeap[T], 0),
		signal: make(chan struct{}, 1),
	}
	heap.Init(&q.heap)
	return q
}

// Len returns the number of queued items
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Len()
}

// Enqueue appends a value to the tail of the queue and returns its sequence number
func (q *Queue[T]) Enqueue(value T) uint64 {
	q.mu.Lock()
	q.next++
	seq := q.next
	heap.Push(&q.heap, &Item[T]{Value: value, Seq: seq})
	q.mu.Unlock()

	q.wake()
	return seq
}

// Requeue puts back an item previously returned by Dequeue or DequeueWait.
// It keeps its original sequence number.
func (q *Queue[T]) Requeue(item *Item[T]) {
	if item == nil {
		return
	}
	q.mu.Lock()
	heap.Push(&q.heap, item)
	q.mu.Unlock()

	q.wake()
}

// Dequeue removes and returns the head of the queue without blocking
func (q *Queue[T]) Dequeue() (*Item[T], bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.heap.Len() == 0 {
		return nil, false
	}
	item := heap.Pop(&q.heap).(*Item[T])
	if q.heap.Len() > 0 {
		q.wake()
	}
	return item, true
}

// DequeueWait blocks until an item is available, ctx is done or cancel is closed.
// A nil cancel channel is never ready.
func (q *Queue[T]) DequeueWait(ctx context.Context, cancel <-chan struct{}) (*Item[T], error) {
	for {
		if item, ok := q.Dequeue(); ok {
			return item, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-cancel:
			return nil, ErrCancelled
		case <-q.signal:
		}
	}
}

// Values returns a snapshot of the queued values in order without removing them
func (q *Queue[T]) Values() []T {
	q.mu.Lock()
	items := make([]*Item[T], len(q.heap))
	copy(items, q.heap)
	q.mu.Unlock()

	sort.Slice(items, func(i, j int) bool { return items[i].Seq < items[j].Seq })
	values := make([]T, len(items))
	for i, item := range items {
		values[i] = item.Value
	}
	return values
}

// DequeueAll drains the queue in order
func (q *Queue[T]) DequeueAll() []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := make([]T, 0, q.heap.Len())
	for q.heap.Len() > 0 {
		item := heap.Pop(&q.heap).(*Item[T])
		items = append(items, item.Value)
	}
	return items
}

func (q *Queue[T]) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
