// Package pool provides reusable buffers and timestamp parsing for the
// ingest readers.
package pool

import (
	"sync"

	"github.com/sketchflow/sketchflow/internal/model"
)

const (
	// DefaultBufferSize is the default size for byte buffers.
	DefaultBufferSize = 64 * 1024

	// DefaultChunkSize is the default number of events per ingest chunk.
	DefaultChunkSize = 10000
)

// BufferPool manages reusable byte buffers for line-oriented readers.
type BufferPool struct {
	pool sync.Pool
}

// NewBufferPool creates a pool handing out buffers of the given capacity.
func NewBufferPool(size int) *BufferPool {
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &BufferPool{
		pool: sync.Pool{
			New: func() any {
				buf := make([]byte, 0, size)
				return &buf
			},
		},
	}
}

// Get returns an empty buffer.
func (p *BufferPool) Get() *[]byte {
	buf := p.pool.Get().(*[]byte)
	*buf = (*buf)[:0]
	return buf
}

// Put returns a buffer to the pool.
func (p *BufferPool) Put(buf *[]byte) {
	p.pool.Put(buf)
}

// EventChunkPool recycles event slices between ingest chunks.
type EventChunkPool struct {
	pool sync.Pool
}

// NewEventChunkPool creates a pool for chunks of the given size.
func NewEventChunkPool(chunkSize int) *EventChunkPool {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &EventChunkPool{
		pool: sync.Pool{
			New: func() any {
				chunk := make([]*model.Event, 0, chunkSize)
				return &chunk
			},
		},
	}
}

// Get returns an empty chunk.
func (p *EventChunkPool) Get() *[]*model.Event {
	chunk := p.pool.Get().(*[]*model.Event)
	*chunk = (*chunk)[:0]
	return chunk
}

// Put clears the chunk's pointers and returns it to the pool.
func (p *EventChunkPool) Put(chunk *[]*model.Event) {
	for i := range *chunk {
		(*chunk)[i] = nil
	}
	p.pool.Put(chunk)
}
