package queue

import (
	"context"
	"sync"
)

// MemoryQueue is the in-process transport for single-node mode. Groups are
// kept in arrival order and drained round-robin.
type MemoryQueue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond

	groups   map[string][]Item
	order    []string // group keys, arrival order
	cursor   int
	size     int
	capacity int
	closed   bool
}

// NewMemoryQueue creates a queue bounded at capacity items (0 = unbounded).
func NewMemoryQueue(capacity int) *MemoryQueue {
	q := &MemoryQueue{
		groups:   make(map[string][]Item),
		capacity: capacity,
	}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

// Enqueue implements Queue.
func (q *MemoryQueue) Enqueue(ctx context.Context, item Item) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	if q.capacity > 0 && q.size >= q.capacity {
		return ErrFull
	}

	key := item.GroupKey()
	if _, exists := q.groups[key]; !exists {
		q.order = append(q.order, key)
	}
	q.groups[key] = append(q.groups[key], item)
	q.size++
	q.notEmpty.Signal()
	return nil
}

// Dequeue implements Queue. It pops from the group after the one served
// last, wrapping around, so every group gets a turn.
func (q *MemoryQueue) Dequeue(ctx context.Context) (Item, error) {
	// Wake the cond wait when the context ends.
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.notEmpty.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		if err := ctx.Err(); err != nil {
			return Item{}, err
		}
		if q.closed && q.size == 0 {
			return Item{}, ErrClosed
		}
		if q.size > 0 {
			break
		}
		q.notEmpty.Wait()
	}

	for i := 0; i < len(q.order); i++ {
		idx := (q.cursor + i) % len(q.order)
		key := q.order[idx]
		items := q.groups[key]
		if len(items) == 0 {
			continue
		}

		item := items[0]
		q.groups[key] = items[1:]
		q.size--
		if len(q.groups[key]) == 0 {
			delete(q.groups, key)
			q.order = append(q.order[:idx], q.order[idx+1:]...)
			q.cursor = idx % max(len(q.order), 1)
		} else {
			q.cursor = (idx + 1) % len(q.order)
		}
		return item, nil
	}

	// size > 0 guarantees a non-empty group above.
	return Item{}, ErrClosed
}

// Ack implements Queue; the in-process transport has nothing to track.
func (q *MemoryQueue) Ack(ctx context.Context, item Item) error {
	return nil
}

// Len implements Queue.
func (q *MemoryQueue) Len(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size, nil
}

// Close implements Queue. Blocked consumers drain what is left, then get
// ErrClosed.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.notEmpty.Broadcast()
	return nil
}
