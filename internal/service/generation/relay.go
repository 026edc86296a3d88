package generation

import (
	"log/slog"
	"sync"

	"fable/internal/domain/models/chat"
)

// Relay fans generation events out to the SSE clients watching a session.
// Channels are buffered; a client that cannot keep up has events dropped and
// recovers through catchup on its next flush or reconnect.
//
// Thread-safety: all methods may be called concurrently.
type Relay struct {
	mu       sync.RWMutex
	sessions map[string]map[string]chan string // sessionID -> clientID -> events
	logger   *slog.Logger
}

// NewRelay creates an event relay.
func NewRelay(logger *slog.Logger) *Relay {
	return &Relay{
		sessions: make(map[string]map[string]chan string),
		logger:   logger,
	}
}

// Subscribe registers an SSE client for a session and returns its event
// channel. The caller reads until it unsubscribes.
func (r *Relay) Subscribe(sessionID, clientID string) <-chan string {
	r.mu.Lock()
	defer r.mu.Unlock()

	clients, ok := r.sessions[sessionID]
	if !ok {
		clients = make(map[string]chan string)
		r.sessions[sessionID] = clients
	}

	eventChan := make(chan string, 20)
	clients[clientID] = eventChan
	return eventChan
}

// Unsubscribe removes a client and closes its channel.
func (r *Relay) Unsubscribe(sessionID, clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	clients, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	if ch, exists := clients[clientID]; exists {
		close(ch)
		delete(clients, clientID)
	}
	if len(clients) == 0 {
		delete(r.sessions, sessionID)
	}
}

// Broadcast sends a pre-formatted SSE event to every client of a session.
// Full client channels are skipped rather than blocking the stream loop.
func (r *Relay) Broadcast(sessionID, event string) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for clientID, ch := range r.sessions[sessionID] {
		select {
		case ch <- event:
		default:
			r.logger.Debug("dropping event for slow SSE client",
				"session_id", sessionID,
				"client_id", clientID,
			)
		}
	}
}

// BroadcastEvent marshals a typed event payload and broadcasts it.
func (r *Relay) BroadcastEvent(sessionID, eventType string, payload any) {
	event, err := chat.FormatSSE(eventType, payload)
	if err != nil {
		r.logger.Error("failed to format SSE event",
			"session_id", sessionID,
			"event_type", eventType,
			"error", err,
		)
		return
	}
	r.Broadcast(sessionID, event)
}

// ClientCount reports how many clients are watching a session.
func (r *Relay) ClientCount(sessionID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions[sessionID])
}
