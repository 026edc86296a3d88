package generation

import (
	"strings"
	"sync"
	"time"
)

// flushInterval bounds how often buffered stream increments are pushed to
// clients. Rendering per-token is wasteful; 50ms is below perceptible lag.
const flushInterval = 50 * time.Millisecond

// coalescingBuffer accumulates stream increments and delivers them through
// a single flush callback at most once per interval, using a timer restarted
// on every chunk. All generation modes share this one timer abstraction.
//
// The callback always runs under the buffer's lock, so flushes from the
// timer goroutine and from Drain never interleave.
type coalescingBuffer struct {
	mu       sync.Mutex
	interval time.Duration
	pending  strings.Builder
	total    strings.Builder
	timer    *time.Timer
	flush    func(total string)
	stopped  bool
}

// newCoalescingBuffer creates a buffer that invokes flush with the full
// accumulated text after each coalescing window.
func newCoalescingBuffer(interval time.Duration, flush func(total string)) *coalescingBuffer {
	return &coalescingBuffer{
		interval: interval,
		flush:    flush,
	}
}

// Add appends one increment and arms (or restarts) the flush timer.
func (b *coalescingBuffer) Add(text string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}

	b.pending.WriteString(text)
	b.total.WriteString(text)

	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(b.interval, b.fire)
}

// fire is the timer callback.
func (b *coalescingBuffer) fire() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flushLocked()
}

// Drain cancels the timer, flushes anything still buffered, and returns the
// full accumulated text. Called on every stream exit, including abort, so
// cancellation never discards the last partial chunk.
func (b *coalescingBuffer) Drain() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.flushLocked()
	b.stopped = true
	return b.total.String()
}

// Total returns the accumulated text without flushing.
func (b *coalescingBuffer) Total() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total.String()
}

func (b *coalescingBuffer) flushLocked() {
	if b.stopped || b.pending.Len() == 0 {
		return
	}
	b.pending.Reset()
	b.flush(b.total.String())
}
