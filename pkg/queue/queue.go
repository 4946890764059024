// Package queue is the dispatch transport between the scheduler and its
// workers. Items are grouped by (sketch, timeline); consumers drain groups
// round-robin so one busy timeline cannot starve the others.
package queue

import (
	"context"
	"errors"
)

// Item is one dispatchable unit of work: a session ready to run.
type Item struct {
	SessionID  string `json:"session_id"`
	SketchID   string `json:"sketch_id"`
	TimelineID string `json:"timeline_id"`
}

// GroupKey returns the fairness group the item belongs to.
func (it Item) GroupKey() string {
	return it.SketchID + ":" + it.TimelineID
}

var (
	// ErrFull is returned by Enqueue when the queue is at capacity.
	ErrFull = errors.New("queue full")

	// ErrClosed is returned once the queue has been closed.
	ErrClosed = errors.New("queue closed")
)

// Queue is the dispatch transport. Implementations deliver each enqueued
// item to exactly one consumer and round-robin across groups.
type Queue interface {
	// Enqueue adds an item, failing fast with ErrFull at capacity.
	Enqueue(ctx context.Context, item Item) error

	// Dequeue blocks until an item is available, the context ends, or the
	// queue closes.
	Dequeue(ctx context.Context) (Item, error)

	// Ack confirms an item finished processing. Transports with delivery
	// tracking drop their in-flight record here.
	Ack(ctx context.Context, item Item) error

	// Len reports the number of queued items.
	Len(ctx context.Context) (int, error)

	Close() error
}
