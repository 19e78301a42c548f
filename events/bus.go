package events

import (
	"sync"
	"time"

	gobuffer "github.com/globocom/go-buffer"
)

// defaultFlushSize and defaultFlushInterval bound how long an event can sit
// before a subscriber sees it: whichever limit is hit first triggers a
// flush, so a quiet period still delivers promptly and a burst still
// coalesces into one dispatch.
const (
	defaultFlushSize     = 64
	defaultFlushInterval = 250 * time.Millisecond
)

// Bus batches Events pushed via Publish and fans each flushed batch out to
// every registered Listener.
type Bus struct {
	buf *gobuffer.Buffer

	mu        sync.RWMutex
	listeners []Listener

	done chan struct{}
}

// NewBus returns a Bus that flushes after flushSize events or flushInterval
// of inactivity, whichever comes first. Passing 0 for either uses the
// package default. The bus runs a dispatch goroutine until Close is called.
func NewBus(flushSize int, flushInterval time.Duration) *Bus {
	if flushSize <= 0 {
		flushSize = defaultFlushSize
	}
	if flushInterval <= 0 {
		flushInterval = defaultFlushInterval
	}

	b := &Bus{
		buf: gobuffer.New(
			gobuffer.WithSize(flushSize),
			gobuffer.WithFlushInterval(flushInterval),
		),
		done: make(chan struct{}),
	}
	go b.run()
	return b
}

// Subscribe registers fn to receive every flushed batch from now on.
func (b *Bus) Subscribe(fn Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, fn)
}

// Publish queues an event for the next flush.
func (b *Bus) Publish(e Event) {
	b.buf.Push(e)
}

// Close stops accepting new dispatches once the last flush in flight drains.
func (b *Bus) Close() {
	close(b.done)
}

func (b *Bus) run() {
	for {
		select {
		case items, ok := <-b.buf.Flushed():
			if !ok {
				return
			}
			b.dispatch(items)
		case <-b.done:
			return
		}
	}
}

func (b *Bus) dispatch(items []interface{}) {
	batch := make([]Event, 0, len(items))
	for _, item := range items {
		if e, ok := item.(Event); ok {
			batch = append(batch, e)
		}
	}
	if len(batch) == 0 {
		return
	}

	b.mu.RLock()
	listeners := append([]Listener(nil), b.listeners...)
	b.mu.RUnlock()

	for _, fn := range listeners {
		fn(batch)
	}
}
