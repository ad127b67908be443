package coordinator

import (
	"sync"

	"github.com/hupe1980/agentcoord/core"
)

// bus is the single outward event stream. Emit blocks while the channel is
// full so no event is dropped, until the bus is released. Events of one
// unit are emitted from that unit's goroutines in the order they occur.
type bus struct {
	ch   chan core.Event
	done chan struct{}

	mu     sync.RWMutex
	closed bool
	once   sync.Once
}

var _ core.EventSink = (*bus)(nil)

func newBus(size int) *bus {
	return &bus{ch: make(chan core.Event, size), done: make(chan struct{})}
}

func (b *bus) Emit(ev core.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	select {
	case b.ch <- ev:
	case <-b.done:
	}
}

// release unblocks pending and future emits. Events that do not fit the
// buffer afterwards are dropped.
func (b *bus) release() {
	b.once.Do(func() { close(b.done) })
}

// close releases the bus and closes the channel. No emit may start after
// close returns.
func (b *bus) close() {
	b.release()
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.ch)
	}
}
