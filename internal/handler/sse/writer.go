// Package sse carries the server-sent-events connection plumbing: a flushing
// writer and the keep-alive ping loop.
package sse

import (
	"fmt"
	"net/http"
	"sync"
)

// Writer serializes writes to one SSE connection and flushes after each
// event. The keep-alive goroutine and the event loop share it.
type Writer struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewWriter prepares a response for event streaming. It returns an error
// when the connection does not support flushing.
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming unsupported by connection")
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &Writer{w: w, flusher: flusher}, nil
}

// WriteEvent writes one pre-formatted SSE event and flushes.
func (s *Writer) WriteEvent(event string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := fmt.Fprint(s.w, event); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// WriteKeepAlive writes an SSE comment line. Implements KeepAliveWriter.
func (s *Writer) WriteKeepAlive() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := fmt.Fprint(s.w, ": keep-alive\n\n"); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
