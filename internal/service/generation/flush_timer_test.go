package generation

import (
	"sync"
	"testing"
	"time"
)

func TestCoalescingBufferFlushesAfterQuietWindow(t *testing.T) {
	var mu sync.Mutex
	var flushes []string
	buf := newCoalescingBuffer(20*time.Millisecond, func(total string) {
		mu.Lock()
		flushes = append(flushes, total)
		mu.Unlock()
	})

	buf.Add("a")
	buf.Add("b")

	time.Sleep(60 * time.Millisecond)

	mu.Lock()
	got := append([]string(nil), flushes...)
	mu.Unlock()

	if len(got) != 1 {
		t.Fatalf("flushes = %v, want exactly one coalesced flush", got)
	}
	if got[0] != "ab" {
		t.Errorf("flushed %q, want ab", got[0])
	}
}

func TestCoalescingBufferTimerRestartsOnChunk(t *testing.T) {
	var mu sync.Mutex
	count := 0
	buf := newCoalescingBuffer(50*time.Millisecond, func(string) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	// Chunks arriving faster than the window keep pushing the flush out.
	for i := 0; i < 5; i++ {
		buf.Add("x")
		time.Sleep(10 * time.Millisecond)
	}
	mu.Lock()
	early := count
	mu.Unlock()
	if early != 0 {
		t.Errorf("flushed %d times during rapid chunks, want 0", early)
	}

	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	late := count
	mu.Unlock()
	if late != 1 {
		t.Errorf("flushes after quiet window = %d, want 1", late)
	}
}

func TestCoalescingBufferDrainMergesPending(t *testing.T) {
	var mu sync.Mutex
	var flushes []string
	buf := newCoalescingBuffer(time.Hour, func(total string) {
		mu.Lock()
		flushes = append(flushes, total)
		mu.Unlock()
	})

	buf.Add("never ")
	buf.Add("flushed")

	total := buf.Drain()
	if total != "never flushed" {
		t.Errorf("Drain = %q", total)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(flushes) != 1 || flushes[0] != "never flushed" {
		t.Errorf("pending text not merged on drain: %v", flushes)
	}
}

func TestCoalescingBufferDrainIsFinal(t *testing.T) {
	buf := newCoalescingBuffer(time.Millisecond, func(string) {})
	buf.Add("a")
	buf.Drain()
	buf.Add("b")

	if got := buf.Total(); got != "a" {
		t.Errorf("Total after drain = %q, want a", got)
	}
}

func TestCoalescingBufferEmptyDrain(t *testing.T) {
	called := false
	buf := newCoalescingBuffer(time.Millisecond, func(string) { called = true })

	if got := buf.Drain(); got != "" {
		t.Errorf("Drain = %q, want empty", got)
	}
	if called {
		t.Error("flush callback invoked with nothing buffered")
	}
}
